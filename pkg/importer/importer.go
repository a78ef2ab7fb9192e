package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vellumlab/vellum/pkg/blobstore"
	"github.com/vellumlab/vellum/pkg/catalog"
	"github.com/vellumlab/vellum/pkg/config"
	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/events"
	"github.com/vellumlab/vellum/pkg/log"
	"github.com/vellumlab/vellum/pkg/tei"
	"github.com/vellumlab/vellum/pkg/types"
)

// Importer populates the catalog and blob store from a directory tree
// or archive of PDF and TEI files.
type Importer struct {
	catalog *catalog.Catalog
	store   *blobstore.Store
	cfg     config.Import
	dryRun  bool
	logger  zerolog.Logger

	resolver  docIDResolver
	goldRegex *regexp.Regexp
}

// Options tunes one import run.
type Options struct {
	// Collection assigns every imported file to this collection. Mutually
	// exclusive with RecursiveCollections.
	Collection string
	// RecursiveCollections derives the collection from the first
	// subdirectory beneath the import root not in the skip set.
	RecursiveCollections bool
	Recursive            bool
	DryRun               bool
}

// New creates an importer. The gold regex from the config is compiled
// eagerly so a bad pattern fails before any file is touched.
func New(cat *catalog.Catalog, store *blobstore.Store, cfg config.Import) (*Importer, error) {
	imp := &Importer{
		catalog: cat,
		store:   store,
		cfg:     cfg,
		logger:  log.WithComponent("importer"),
	}

	if cfg.GoldRegex != "" {
		re, err := regexp.Compile(cfg.GoldRegex)
		if err != nil {
			return nil, errdefs.InvalidArgument("gold regex %q: %v", cfg.GoldRegex, err)
		}
		imp.goldRegex = re
	}

	return imp, nil
}

// ImportDirectory imports every PDF and XML file under dir. Progress is
// published per file to the reporter (which may be nil).
func (imp *Importer) ImportDirectory(dir string, opts Options, progress *events.Reporter) (*types.ImportStats, error) {
	imp.dryRun = opts.DryRun
	stats := &types.ImportStats{Errors: []types.ItemError{}}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, errdefs.InvalidArgument("import source %s is not a directory", dir)
	}

	collection := opts.Collection
	if opts.RecursiveCollections && collection != "" {
		imp.logger.Warn().Msg("both collection and recursive-collections given; using subdirectory names")
		collection = ""
	}

	imp.logger.Info().Str("dir", dir).Bool("dry_run", opts.DryRun).Msg("starting import")
	progress.Progress(0, "Scanning files...")

	files, err := imp.scan(dir, opts.Recursive)
	if err != nil {
		return nil, err
	}
	stats.FilesScanned = len(files)

	groups := imp.groupByDocument(files, stats)

	docIDs := make([]string, 0, len(groups))
	for docID := range groups {
		docIDs = append(docIDs, docID)
	}
	sort.Strings(docIDs)

	for i, docID := range docIDs {
		group := groups[docID]

		groupCollection := collection
		if opts.RecursiveCollections {
			groupCollection = imp.collectionFromPath(group.anyPath(), dir)
		}

		if err := imp.importDocument(docID, group, groupCollection, stats); err != nil {
			imp.logger.Error().Err(err).Str("doc_id", docID).Msg("error importing document")
			stats.Errors = append(stats.Errors, types.ItemError{ID: docID, Error: err.Error()})
		}

		progress.Progress((i+1)*100/len(docIDs), fmt.Sprintf("Imported %s", docID))
	}

	imp.logger.Info().
		Int("imported", stats.FilesImported).
		Int("skipped", stats.FilesSkipped).
		Int("errors", len(stats.Errors)).
		Msg("import complete")
	progress.Complete("Import complete")

	return stats, nil
}

// documentGroup is the PDFs and TEIs resolved to one doc_id.
type documentGroup struct {
	pdfs      []string
	teis      []string
	docIDType string
}

func (g *documentGroup) anyPath() string {
	if len(g.pdfs) > 0 {
		return g.pdfs[0]
	}
	if len(g.teis) > 0 {
		return g.teis[0]
	}
	return ""
}

func (imp *Importer) scan(dir string, recursive bool) ([]string, error) {
	var files []string

	walk := func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".pdf", ".xml":
			files = append(files, path)
		}
		return nil
	}

	if err := filepath.WalkDir(dir, walk); err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	imp.logger.Info().Int("count", len(files)).Str("dir", dir).Msg("scanned files")
	return files, nil
}

// groupByDocument matches PDFs with their TEIs and resolves a doc_id
// per group.
func (imp *Importer) groupByDocument(files []string, stats *types.ImportStats) map[string]*documentGroup {
	var pdfs, teis []string
	for _, f := range files {
		if strings.EqualFold(filepath.Ext(f), ".pdf") {
			pdfs = append(pdfs, f)
		} else {
			teis = append(teis, f)
		}
	}

	// First pass: header metadata for every TEI.
	teiDOIs := make(map[string]string)
	for _, path := range teis {
		content, err := os.ReadFile(path)
		if err != nil {
			stats.Errors = append(stats.Errors, types.ItemError{Name: filepath.Base(path), Error: err.Error()})
			continue
		}
		meta, err := tei.Extract(content)
		if err != nil {
			imp.logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("failed to parse TEI header")
			continue
		}
		teiDOIs[path] = meta.DOI
	}

	groups := make(map[string]*documentGroup)
	grouped := make(map[string]bool)

	// Second pass: one group per PDF plus its matching TEIs.
	for _, pdf := range pdfs {
		matched := imp.resolver.matchTEIs(pdf, teis)
		docID, docIDType := imp.resolver.resolveDocID(pdf, teiDOIs, matched)

		g, ok := groups[docID]
		if !ok {
			g = &documentGroup{docIDType: docIDType}
			groups[docID] = g
		}
		g.pdfs = append(g.pdfs, pdf)
		for _, t := range matched {
			if !grouped[t] {
				g.teis = append(g.teis, t)
				grouped[t] = true
			}
		}
	}

	// Third pass: orphaned TEIs get their own groups, keyed by DOI when
	// present and filename otherwise.
	for _, t := range teis {
		if grouped[t] {
			continue
		}
		docID, docIDType := teiDOIs[t], "doi"
		if docID == "" {
			docID, docIDType = baseStem(t), "custom"
			imp.logger.Warn().Str("file", filepath.Base(t)).Str("doc_id", docID).Msg("no DOI for TEI, using filename")
		}
		g, ok := groups[docID]
		if !ok {
			g = &documentGroup{docIDType: docIDType}
			groups[docID] = g
		}
		g.teis = append(g.teis, t)
	}

	imp.logger.Info().Int("documents", len(groups)).Msg("grouped files")
	return groups
}

// collectionFromPath picks the first path segment under root that is
// not an organizational directory.
func (imp *Importer) collectionFromPath(path, root string) string {
	if path == "" {
		return ""
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}

	skip := make(map[string]bool, len(imp.cfg.SkipCollectionDirs))
	for _, d := range imp.cfg.SkipCollectionDirs {
		skip[strings.ToLower(d)] = true
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, part := range parts[:max(len(parts)-1, 0)] {
		if !skip[strings.ToLower(part)] {
			return part
		}
	}
	return ""
}

func (imp *Importer) importDocument(docID string, group *documentGroup, collection string, stats *types.ImportStats) error {
	var pdfHash string

	if len(group.pdfs) > 0 {
		hash, err := imp.importPDF(group.pdfs[0], docID, group.docIDType, collection, stats)
		if err != nil {
			return err
		}
		pdfHash = hash
	} else {
		imp.logger.Warn().Str("doc_id", docID).Msg("no PDF found for document")
	}

	for _, teiPath := range group.teis {
		if err := imp.importTEI(teiPath, docID, group.docIDType, pdfHash, stats); err != nil {
			stats.Errors = append(stats.Errors, types.ItemError{
				Name:  filepath.Base(teiPath),
				Error: err.Error(),
			})
		}
	}
	return nil
}

func (imp *Importer) importPDF(path, docID, docIDType, collection string, stats *types.ImportStats) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	hash := blobstore.Hash(content)

	if existing, err := imp.catalog.GetByHash(hash, false); err != nil {
		return "", err
	} else if existing != nil {
		imp.logger.Debug().Str("hash", log.Abbrev(hash)).Msg("PDF already exists")
		stats.FilesSkipped++
		return hash, nil
	}

	if imp.dryRun {
		imp.logger.Info().Str("file", filepath.Base(path)).Msg("[dry run] would import PDF")
		return hash, nil
	}

	if _, _, err := imp.store.Put(content, types.FileTypePDF); err != nil {
		return "", err
	}

	var collections []string
	if collection != "" {
		collections = []string{collection}
	}

	entry := &types.FileEntry{
		ContentHash:    hash,
		Filename:       filepath.Base(path),
		DocID:          docID,
		DocIDType:      docIDType,
		FileType:       types.FileTypePDF,
		MimeType:       "application/pdf",
		FileSize:       int64(len(content)),
		DocCollections: collections,
		DocMetadata:    map[string]string{},
		FileMetadata: map[string]string{
			"original_path": path,
			"imported_at":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	if _, err := imp.catalog.Insert(entry); err != nil {
		return "", err
	}
	stats.FilesImported++

	imp.logger.Info().
		Str("file", filepath.Base(path)).
		Str("hash", log.Abbrev(hash)).
		Msg("imported PDF")
	return hash, nil
}

func (imp *Importer) importTEI(path, docID, docIDType, pdfHash string, stats *types.ImportStats) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	hash := blobstore.Hash(content)

	if existing, err := imp.catalog.GetByHash(hash, false); err != nil {
		return err
	} else if existing != nil {
		imp.logger.Debug().Str("hash", log.Abbrev(hash)).Msg("TEI already exists")
		stats.FilesSkipped++
		return nil
	}

	meta, err := tei.Extract(content)
	if err != nil {
		imp.logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("failed to parse TEI metadata")
		meta = &tei.Metadata{}
	}

	if meta.DOI != "" {
		docID = meta.DOI
		docIDType = "doi"
	}

	isGold := imp.detectGold(path)

	if imp.dryRun {
		imp.logger.Info().Str("file", filepath.Base(path)).Msg("[dry run] would import TEI")
		return nil
	}

	version, err := imp.catalog.NextVersion(docID, meta.Variant)
	if err != nil {
		return err
	}

	if _, _, err := imp.store.Put(content, types.FileTypeTEI); err != nil {
		return err
	}

	label := meta.EditionTitle
	if label == "" {
		label = meta.Title
	}
	if label == "" || strings.EqualFold(label, "unknown title") || strings.EqualFold(label, "untitled") {
		label = docID
		if label == "" {
			label = filepath.Base(path)
		}
	}

	entry := &types.FileEntry{
		ContentHash:    hash,
		Filename:       filepath.Base(path),
		DocID:          docID,
		DocIDType:      docIDType,
		FileType:       types.FileTypeTEI,
		MimeType:       "application/xml",
		FileSize:       int64(len(content)),
		Label:          label,
		Variant:        meta.Variant,
		IsGoldStandard: isGold,
		Status:         meta.Status,
		LastRevision:   meta.LastRevision,
		DocMetadata:    map[string]string{},
		FileMetadata: map[string]string{
			"original_path": path,
			"imported_at":   time.Now().UTC().Format(time.RFC3339),
		},
	}
	if !isGold {
		entry.Version = &version
	}

	if _, err := imp.catalog.Insert(entry); err != nil {
		return err
	}
	stats.FilesImported++

	// The PDF of the group carries the document metadata for display;
	// the first TEI header fills it in.
	if pdfHash != "" {
		imp.updatePDFMetadata(pdfHash, docID, meta)
	}

	imp.logger.Info().
		Str("file", filepath.Base(path)).
		Str("hash", log.Abbrev(hash)).
		Bool("gold", isGold).
		Msg("imported TEI")
	return nil
}

// detectGold runs the configured gold-detection policies in order. The
// first configured policy's verdict wins; when later policies disagree
// a warning names the file and each policy's answer — the heuristics
// can legitimately conflict and silence would hide data problems.
func (imp *Importer) detectGold(path string) bool {
	type verdict struct {
		policy config.GoldPolicy
		gold   bool
	}
	var verdicts []verdict

	for _, policy := range imp.cfg.GoldPolicies {
		switch policy {
		case config.GoldPolicyNoVersionMarker:
			verdicts = append(verdicts, verdict{policy, !hasVersionMarker(path)})
		case config.GoldPolicyFilenameRegex:
			if imp.goldRegex != nil {
				verdicts = append(verdicts, verdict{policy, imp.goldRegex.MatchString(filepath.Base(path))})
			}
		case config.GoldPolicyGoldDir:
			if imp.cfg.GoldDir != "" {
				inGoldDir := false
				for _, part := range strings.Split(filepath.ToSlash(path), "/") {
					if strings.EqualFold(part, imp.cfg.GoldDir) {
						inGoldDir = true
						break
					}
				}
				verdicts = append(verdicts, verdict{policy, inGoldDir})
			}
		}
	}

	if len(verdicts) == 0 {
		return false
	}

	first := verdicts[0]
	for _, v := range verdicts[1:] {
		if v.gold != first.gold {
			imp.logger.Warn().
				Str("file", filepath.Base(path)).
				Str("winning_policy", string(first.policy)).
				Bool("winning_verdict", first.gold).
				Str("disagreeing_policy", string(v.policy)).
				Bool("disagreeing_verdict", v.gold).
				Msg("gold detection policies disagree")
		}
	}
	return first.gold
}

func (imp *Importer) updatePDFMetadata(pdfHash, docID string, meta *tei.Metadata) {
	pdf, err := imp.catalog.GetByHash(pdfHash, false)
	if err != nil || pdf == nil {
		return
	}

	merged := docMetadataFrom(meta)
	// Existing values win: the first TEI populated them.
	for k, v := range pdf.DocMetadata {
		merged[k] = v
	}

	label := FormatPDFLabel(merged, docID, pdf.Filename)
	if err := imp.catalog.UpdateDocMetadata(pdfHash, merged, label); err != nil {
		imp.logger.Warn().Err(err).Str("hash", log.Abbrev(pdfHash)).Msg("failed to update PDF metadata")
	}
}

func docMetadataFrom(meta *tei.Metadata) map[string]string {
	out := map[string]string{}
	if meta.Title != "" {
		out["title"] = meta.Title
	}
	if len(meta.Authors) > 0 {
		var names []string
		for _, a := range meta.Authors {
			names = append(names, a.DisplayName())
		}
		out["authors"] = strings.Join(names, "; ")
	}
	if meta.Date != "" {
		out["date"] = meta.Date
	}
	if meta.Publisher != "" {
		out["publisher"] = meta.Publisher
	}
	return out
}

var yearRe = regexp.MustCompile(`\d{4}`)

// FormatPDFLabel renders "Author (Year) Title..." with doc-id and
// filename fallbacks.
func FormatPDFLabel(docMeta map[string]string, docID, filename string) string {
	var parts []string

	if authors := docMeta["authors"]; authors != "" {
		first := strings.Split(authors, ";")[0]
		if i := strings.Index(first, ","); i >= 0 {
			first = first[:i]
		}
		if first = strings.TrimSpace(first); first != "" {
			parts = append(parts, first)
		}
	}

	if date := docMeta["date"]; date != "" {
		if year := yearRe.FindString(date); year != "" {
			parts = append(parts, "("+year+")")
		}
	}

	if title := docMeta["title"]; title != "" &&
		!strings.EqualFold(title, "unknown title") && !strings.EqualFold(title, "untitled") {
		const maxTitle = 40
		if len(title) > maxTitle {
			title = title[:maxTitle] + "..."
		}
		parts = append(parts, title)
	}

	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	if docID != "" {
		return docID
	}
	if filename != "" {
		return strings.TrimSuffix(filename, filepath.Ext(filename))
	}
	return "Untitled"
}
