package exporter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vellumlab/vellum/pkg/blobstore"
	"github.com/vellumlab/vellum/pkg/catalog"
	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/events"
	"github.com/vellumlab/vellum/pkg/log"
	"github.com/vellumlab/vellum/pkg/types"
)

// GroupBy names the directory layout of an export.
type GroupBy string

const (
	// GroupByType lays out pdf/, tei/, versions/.
	GroupByType GroupBy = "type"
	// GroupByCollection lays out <collection>/{pdf,tei,versions}/.
	GroupByCollection GroupBy = "collection"
	// GroupByVariant lays out pdf/ plus one directory per variant.
	GroupByVariant GroupBy = "variant"
)

// Options selects and shapes one export run.
type Options struct {
	Collections     []string
	Variants        []string // glob patterns
	Regex           string   // filename filter
	IncludeVersions bool
	GroupBy         GroupBy
	// Transforms are sed-style /search/replace/ patterns applied to each
	// filename in order.
	Transforms []string
	DryRun     bool
}

// Exporter writes catalog entries back out as a human-readable tree.
type Exporter struct {
	catalog *catalog.Catalog
	store   *blobstore.Store
	logger  zerolog.Logger
}

// New creates an exporter.
func New(cat *catalog.Catalog, store *blobstore.Store) *Exporter {
	return &Exporter{
		catalog: cat,
		store:   store,
		logger:  log.WithComponent("exporter"),
	}
}

type transform struct {
	search  *regexp.Regexp
	replace string
}

func parseTransform(pattern string) (*transform, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, errdefs.InvalidArgument("transform %q must start with '/'", pattern)
	}
	parts := strings.Split(pattern[1:], "/")
	if len(parts) < 2 {
		return nil, errdefs.InvalidArgument("transform %q must be /search/replace/", pattern)
	}
	re, err := regexp.Compile(parts[0])
	if err != nil {
		return nil, errdefs.InvalidArgument("transform %q: %v", pattern, err)
	}
	return &transform{search: re, replace: parts[1]}, nil
}

// Export writes the selected entries under targetDir.
func (ex *Exporter) Export(targetDir string, opts Options, progress *events.Reporter) (*types.ExportStats, error) {
	stats := &types.ExportStats{Errors: []types.ItemError{}}

	if opts.GroupBy == "" {
		opts.GroupBy = GroupByType
	}
	switch opts.GroupBy {
	case GroupByType, GroupByCollection, GroupByVariant:
	default:
		return nil, errdefs.InvalidArgument("unknown group-by %q", opts.GroupBy)
	}

	var transforms []*transform
	for _, p := range opts.Transforms {
		t, err := parseTransform(p)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, t)
	}

	var nameFilter *regexp.Regexp
	if opts.Regex != "" {
		re, err := regexp.Compile(opts.Regex)
		if err != nil {
			return nil, errdefs.InvalidArgument("filename regex %q: %v", opts.Regex, err)
		}
		nameFilter = re
	}

	if !opts.DryRun {
		if err := os.MkdirAll(targetDir, 0o755); err != nil {
			return nil, fmt.Errorf("create export directory: %w", err)
		}
	}

	files, err := ex.queryFiles(opts)
	if err != nil {
		return nil, err
	}

	ex.logger.Info().Int("count", len(files)).Msg("found files matching filters")

	for i, entry := range files {
		stats.FilesScanned++

		filename := ex.constructFilename(entry)

		if nameFilter != nil && !nameFilter.MatchString(filename) {
			stats.FilesSkipped++
			continue
		}
		for _, t := range transforms {
			filename = t.search.ReplaceAllString(filename, t.replace)
		}

		collections, err := ex.resolveCollections(entry)
		if err != nil {
			stats.Errors = append(stats.Errors, types.ItemError{ID: entry.ContentHash, Name: entry.Filename, Error: err.Error()})
			continue
		}

		paths := ex.outputPaths(targetDir, entry, collections, filename, opts)

		for _, outPath := range paths {
			if err := ex.writeOne(entry, outPath, opts.DryRun); err != nil {
				ex.logger.Error().Err(err).Str("hash", log.Abbrev(entry.ContentHash)).Msg("error exporting file")
				stats.Errors = append(stats.Errors, types.ItemError{
					ID:    entry.ContentHash,
					Name:  entry.Filename,
					Error: err.Error(),
				})
				continue
			}
			stats.FilesExported++
		}

		if len(files) > 0 {
			progress.Progress((i+1)*100/len(files), "")
		}
	}

	ex.logger.Info().
		Int("exported", stats.FilesExported).
		Int("skipped", stats.FilesSkipped).
		Int("errors", len(stats.Errors)).
		Msg("export complete")
	progress.Complete("Export complete")

	return stats, nil
}

// queryFiles selects PDFs with gold TEIs plus the gold entries, and
// optionally non-gold versions. Groups with no gold get one promoted
// for export only; the catalog is never written.
func (ex *Exporter) queryFiles(opts Options) ([]*types.FileEntry, error) {
	teis, err := ex.catalog.List(catalog.ListOptions{FileType: types.FileTypeTEI})
	if err != nil {
		return nil, err
	}
	pdfs, err := ex.catalog.List(catalog.ListOptions{FileType: types.FileTypePDF})
	if err != nil {
		return nil, err
	}

	if len(opts.Collections) > 0 {
		wanted := make(map[string]bool)
		for _, c := range opts.Collections {
			wanted[c] = true
		}
		var filtered []*types.FileEntry
		docIDs := make(map[string]bool)
		for _, pdf := range pdfs {
			for _, c := range pdf.DocCollections {
				if wanted[c] {
					filtered = append(filtered, pdf)
					docIDs[pdf.DocID] = true
					break
				}
			}
		}
		pdfs = filtered

		var keptTEIs []*types.FileEntry
		for _, t := range teis {
			if docIDs[t.DocID] {
				keptTEIs = append(keptTEIs, t)
			}
		}
		teis = keptTEIs
	}

	if len(opts.Variants) > 0 {
		teis = filterByVariants(teis, opts.Variants)
	}

	teis = promoteGold(teis, ex.logger)

	golds := make(map[string]bool) // doc_ids with a (possibly promoted) gold
	var out []*types.FileEntry
	for _, t := range teis {
		if t.IsGoldStandard {
			golds[t.DocID] = true
			out = append(out, t)
		} else if opts.IncludeVersions {
			out = append(out, t)
		}
	}

	// PDFs only export alongside a gold TEI.
	for _, pdf := range pdfs {
		if golds[pdf.DocID] {
			out = append(out, pdf)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DocID != out[j].DocID {
			return out[i].DocID < out[j].DocID
		}
		return out[i].ContentHash < out[j].ContentHash
	})
	return out, nil
}

// promoteGold marks the highest-version entry of each (doc_id, variant)
// group as gold when the group has none. The promotion is a copy; the
// catalog is untouched.
func promoteGold(teis []*types.FileEntry, logger zerolog.Logger) []*types.FileEntry {
	type key struct {
		docID   string
		variant string
	}
	groups := make(map[key][]*types.FileEntry)
	for _, t := range teis {
		k := key{t.DocID, t.Variant}
		groups[k] = append(groups[k], t)
	}

	var out []*types.FileEntry
	for k, group := range groups {
		hasGold := false
		for _, t := range group {
			if t.IsGoldStandard {
				hasGold = true
				break
			}
		}
		if hasGold {
			out = append(out, group...)
			continue
		}

		sort.Slice(group, func(i, j int) bool {
			vi, vj := group[i].VersionOrZero(), group[j].VersionOrZero()
			if vi != vj {
				return vi > vj
			}
			return group[i].CreatedAt.After(group[j].CreatedAt)
		})

		promoted := *group[0]
		promoted.IsGoldStandard = true
		logger.Warn().
			Str("doc_id", k.docID).
			Str("variant", k.variant).
			Int("version", promoted.VersionOrZero()).
			Msg("no gold entry, promoting latest version for export")

		out = append(out, &promoted)
		out = append(out, group[1:]...)
	}
	return out
}

func filterByVariants(teis []*types.FileEntry, patterns []string) []*types.FileEntry {
	var out []*types.FileEntry
	for _, t := range teis {
		for _, p := range patterns {
			if ok, _ := filepath.Match(p, t.Variant); ok {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// encodeFilename makes a doc_id filesystem-safe; DOIs carry slashes.
func encodeFilename(docID string) string {
	replacer := strings.NewReplacer(
		"/", "__",
		"\\", "__",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	return replacer.Replace(docID)
}

// constructFilename renders the human-readable export name:
//
//	PDFs:            <doc_id>.pdf
//	gold TEI:        <doc_id>[.<variant>].tei.xml
//	versioned TEI:   <doc_id>[.<variant>].vN.tei.xml
func (ex *Exporter) constructFilename(e *types.FileEntry) string {
	encoded := encodeFilename(e.DocID)
	ext := e.FileType.Extension()

	if e.FileType != types.FileTypeTEI {
		return encoded + ext
	}

	var parts []string
	parts = append(parts, encoded)
	if e.Variant != "" {
		parts = append(parts, e.Variant)
	}
	if !e.IsGoldStandard {
		parts = append(parts, fmt.Sprintf("v%d", e.VersionOrZero()))
	}
	return strings.Join(parts, ".") + ext
}

// resolveCollections finds the collections an entry exports under: a
// PDF's own list, or for TEIs the PDF's list of the same document.
func (ex *Exporter) resolveCollections(e *types.FileEntry) ([]string, error) {
	if e.FileType == types.FileTypePDF {
		return e.DocCollections, nil
	}
	if len(e.DocCollections) > 0 {
		return e.DocCollections, nil
	}
	pdf, err := ex.catalog.PDFForDocument(e.DocID)
	if err != nil {
		return nil, err
	}
	if pdf != nil {
		return pdf.DocCollections, nil
	}
	return nil, nil
}

func (ex *Exporter) outputPaths(targetDir string, e *types.FileEntry, collections []string, filename string, opts Options) []string {
	subdir := func() string {
		switch {
		case e.FileType == types.FileTypePDF:
			return "pdf"
		case !e.IsGoldStandard:
			return "versions"
		default:
			return "tei"
		}
	}

	switch opts.GroupBy {
	case GroupByCollection:
		cols := collections
		if len(cols) == 0 {
			cols = []string{"uncategorized"}
		}
		if len(opts.Collections) > 0 {
			var kept []string
			for _, c := range cols {
				for _, want := range opts.Collections {
					if c == want {
						kept = append(kept, c)
						break
					}
				}
			}
			if len(kept) == 0 {
				kept = opts.Collections
			}
			cols = kept
		}
		var paths []string
		for _, c := range cols {
			paths = append(paths, filepath.Join(targetDir, c, subdir(), filename))
		}
		return paths

	case GroupByVariant:
		if e.FileType == types.FileTypePDF {
			return []string{filepath.Join(targetDir, "pdf", filename)}
		}
		variant := e.Variant
		if variant == "" {
			variant = "default"
		}
		return []string{filepath.Join(targetDir, variant, filename)}

	default: // GroupByType
		return []string{filepath.Join(targetDir, subdir(), filename)}
	}
}

// writeOne exports a single blob atomically (temp file + rename).
func (ex *Exporter) writeOne(e *types.FileEntry, outPath string, dryRun bool) error {
	if dryRun {
		ex.logger.Info().Str("file", e.Filename).Str("dest", outPath).Msg("[dry run] would export")
		return nil
	}

	content, err := ex.store.Get(e.ContentHash, e.FileType)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}

	tmp := outPath + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, outPath); err != nil {
		os.Remove(tmp)
		return err
	}

	ex.logger.Debug().Str("file", e.Filename).Str("dest", outPath).Msg("exported")
	return nil
}
