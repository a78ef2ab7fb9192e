package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellumlab/vellum/pkg/blobstore"
	"github.com/vellumlab/vellum/pkg/catalog"
	"github.com/vellumlab/vellum/pkg/config"
	"github.com/vellumlab/vellum/pkg/migrate"
	"github.com/vellumlab/vellum/pkg/types"
)

func testTEI(title, doi, status string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<TEI xmlns="http://www.tei-c.org/ns/1.0">
  <teiHeader>
    <fileDesc>
      <titleStmt>
        <title level="a">%s</title>
        <author><persName><forename>Ada</forename><surname>Lovelace</surname></persName></author>
      </titleStmt>
      <publicationStmt>
        <publisher>Test Press</publisher>
        <date when="1843-09-01"/>
        <idno type="DOI">%s</idno>
      </publicationStmt>
      <sourceDesc><bibl>Test</bibl></sourceDesc>
    </fileDesc>
    <revisionDesc><change when="2024-01-01" status="%s"><desc>t</desc></change></revisionDesc>
  </teiHeader>
  <text><body><p>body</p></body></text>
</TEI>`, title, doi, status)
}

func newTestImporter(t *testing.T, cfg config.Import) (*Importer, *catalog.Catalog, *blobstore.Store) {
	t.Helper()
	dir := t.TempDir()

	store, err := blobstore.New(filepath.Join(dir, "files"))
	require.NoError(t, err)
	cat, err := catalog.New(filepath.Join(dir, "metadata.db"), store)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	// Migrate so the status and revision columns exist, as they do
	// under the manager.
	runner := migrate.NewRunner(&migrate.Env{DB: cat.DB(), Store: store, Catalog: cat})
	runner.SkipBackup()
	_, err = runner.Run()
	require.NoError(t, err)

	imp, err := New(cat, store, cfg)
	require.NoError(t, err)
	return imp, cat, store
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func defaultImportCfg() config.Import {
	return config.Default().Import
}

func TestImportGroupsByStem(t *testing.T) {
	imp, cat, _ := newTestImporter(t, defaultImportCfg())

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"paper.pdf":     "%PDF-1.4 fake pdf",
		"paper.tei.xml": testTEI("A Paper", "", "draft"),
	})

	stats, err := imp.ImportDirectory(src, Options{Recursive: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesImported)
	assert.Empty(t, stats.Errors)

	group, err := cat.ByDocID("paper", false)
	require.NoError(t, err)
	assert.Len(t, group, 2)
}

func TestImportUsesDOIFromTEI(t *testing.T) {
	imp, cat, _ := newTestImporter(t, defaultImportCfg())

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"study.pdf":     "%PDF fake",
		"study.tei.xml": testTEI("A Study", "10.5555/study", "draft"),
	})

	_, err := imp.ImportDirectory(src, Options{Recursive: true}, nil)
	require.NoError(t, err)

	group, err := cat.ByDocID("10.5555/study", false)
	require.NoError(t, err)
	assert.Len(t, group, 2, "DOI should become the doc_id for PDF and TEI")

	for _, e := range group {
		if e.FileType == types.FileTypeTEI {
			assert.Equal(t, "doi", e.DocIDType)
			assert.Equal(t, "draft", e.Status)
		}
	}
}

// Importing the same tree twice must leave catalog and store unchanged.
func TestImportIdempotent(t *testing.T) {
	imp, cat, store := newTestImporter(t, defaultImportCfg())

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"a.pdf":     "pdf bytes a",
		"a.tei.xml": testTEI("A", "", "draft"),
		"b.pdf":     "pdf bytes b",
	})

	stats1, err := imp.ImportDirectory(src, Options{Recursive: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats1.FilesImported)

	all1, err := cat.AllFiles(true)
	require.NoError(t, err)
	blobs1, err := store.Stats()
	require.NoError(t, err)

	stats2, err := imp.ImportDirectory(src, Options{Recursive: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats2.FilesImported)
	assert.Equal(t, 3, stats2.FilesSkipped)

	all2, err := cat.AllFiles(true)
	require.NoError(t, err)
	blobs2, err := store.Stats()
	require.NoError(t, err)

	assert.Equal(t, len(all1), len(all2), "no duplicate rows")
	assert.Equal(t, blobs1.TotalBlobs, blobs2.TotalBlobs, "no extra blobs")

	// Ref counts still match live rows.
	for _, e := range all2 {
		count, tracked, err := cat.Refs().Get(e.ContentHash)
		require.NoError(t, err)
		assert.True(t, tracked)
		assert.Equal(t, 1, count)
	}
}

func TestDryRunImportsNothing(t *testing.T) {
	imp, cat, store := newTestImporter(t, defaultImportCfg())

	src := t.TempDir()
	writeTree(t, src, map[string]string{"x.pdf": "pdf"})

	_, err := imp.ImportDirectory(src, Options{Recursive: true, DryRun: true}, nil)
	require.NoError(t, err)

	all, err := cat.AllFiles(true)
	require.NoError(t, err)
	assert.Empty(t, all)

	blobs, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, blobs.TotalBlobs)
}

func TestGoldPolicyVersionMarker(t *testing.T) {
	cfg := defaultImportCfg()
	cfg.GoldPolicies = []config.GoldPolicy{config.GoldPolicyNoVersionMarker}
	imp, cat, _ := newTestImporter(t, cfg)

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"doc.pdf":        "pdf",
		"doc.tei.xml":    testTEI("Gold", "", "published"),
		"doc.v1.tei.xml": testTEI("Version one", "", "draft"),
	})

	_, err := imp.ImportDirectory(src, Options{Recursive: true}, nil)
	require.NoError(t, err)

	group, err := cat.ByDocID("doc", false)
	require.NoError(t, err)

	goldCount := 0
	for _, e := range group {
		if e.FileType != types.FileTypeTEI {
			continue
		}
		if e.IsGoldStandard {
			goldCount++
			assert.NotContains(t, e.Filename, ".v1.")
		}
	}
	assert.Equal(t, 1, goldCount)
}

func TestGoldPolicyGoldDir(t *testing.T) {
	cfg := defaultImportCfg()
	cfg.GoldPolicies = []config.GoldPolicy{config.GoldPolicyGoldDir}
	cfg.GoldDir = "tei"
	imp, cat, _ := newTestImporter(t, cfg)

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"pdf/doc.pdf":             "pdf",
		"tei/doc.tei.xml":         testTEI("Gold", "", "published"),
		"versions/doc.v1.tei.xml": testTEI("Old", "", "draft"),
	})

	_, err := imp.ImportDirectory(src, Options{Recursive: true}, nil)
	require.NoError(t, err)

	group, err := cat.ByDocID("doc", false)
	require.NoError(t, err)

	for _, e := range group {
		if e.FileType != types.FileTypeTEI {
			continue
		}
		inGoldDir := filepath.Base(filepath.Dir(e.FileMetadata["original_path"])) == "tei"
		assert.Equal(t, inGoldDir, e.IsGoldStandard)
	}
}

func TestRecursiveCollections(t *testing.T) {
	imp, cat, _ := newTestImporter(t, defaultImportCfg())

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"corpus1/pdf/one.pdf": "pdf one",
		"corpus2/two.pdf":     "pdf two",
	})

	_, err := imp.ImportDirectory(src, Options{Recursive: true, RecursiveCollections: true}, nil)
	require.NoError(t, err)

	one, err := cat.ByDocID("one", false)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, []string{"corpus1"}, one[0].DocCollections,
		"organizational dirs like pdf/ must be skipped")

	two, err := cat.ByDocID("two", false)
	require.NoError(t, err)
	require.Len(t, two, 1)
	assert.Equal(t, []string{"corpus2"}, two[0].DocCollections)
}

func TestVersionNumbering(t *testing.T) {
	cfg := defaultImportCfg()
	cfg.GoldPolicies = []config.GoldPolicy{config.GoldPolicyNoVersionMarker}
	imp, cat, _ := newTestImporter(t, cfg)

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"d.pdf":        "pdf",
		"d.v1.tei.xml": testTEI("one", "", "draft"),
		"d.v2.tei.xml": testTEI("two", "", "draft"),
	})

	_, err := imp.ImportDirectory(src, Options{Recursive: true}, nil)
	require.NoError(t, err)

	versions, err := cat.AllVersions("d", "")
	require.NoError(t, err)
	require.Len(t, versions, 2)

	seen := map[int]bool{}
	for _, v := range versions {
		seen[v.VersionOrZero()] = true
	}
	assert.True(t, seen[0] && seen[1], "versions are assigned sequentially from 0")
}

func TestPDFLabelFromTEIMetadata(t *testing.T) {
	imp, cat, _ := newTestImporter(t, defaultImportCfg())

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"p.pdf":     "pdf",
		"p.tei.xml": testTEI("A Long Treatise", "", "draft"),
	})

	_, err := imp.ImportDirectory(src, Options{Recursive: true}, nil)
	require.NoError(t, err)

	pdf, err := cat.PDFForDocument("p")
	require.NoError(t, err)
	require.NotNil(t, pdf)
	assert.Equal(t, "Lovelace (1843) A Long Treatise", pdf.Label)
	assert.Equal(t, "A Long Treatise", pdf.DocMetadata["title"])
}

func TestFormatPDFLabelFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		meta     map[string]string
		docID    string
		filename string
		expected string
	}{
		{
			name:     "full metadata",
			meta:     map[string]string{"authors": "Curie, Marie", "date": "1903", "title": "Radioactivity"},
			expected: "Curie (1903) Radioactivity",
		},
		{
			name:     "doc id fallback",
			meta:     map[string]string{},
			docID:    "10.1/x",
			expected: "10.1/x",
		},
		{
			name:     "filename fallback",
			meta:     map[string]string{},
			filename: "scan-042.pdf",
			expected: "scan-042",
		},
		{
			name:     "nothing at all",
			meta:     map[string]string{},
			expected: "Untitled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatPDFLabel(tt.meta, tt.docID, tt.filename))
		})
	}
}

func TestStemHelpers(t *testing.T) {
	assert.Equal(t, "doc", stem("doc.pdf"))
	assert.Equal(t, "doc.v2", stem("doc.v2.tei.xml"))
	assert.Equal(t, "doc", baseStem("doc.v2.tei.xml"))
	assert.Equal(t, "doc", baseStem("doc.grobid.v1.tei.xml"))
	assert.True(t, hasVersionMarker("doc.v3.tei.xml"))
	assert.False(t, hasVersionMarker("doc.tei.xml"))
	assert.False(t, hasVersionMarker("doc.variant.tei.xml"))
}
