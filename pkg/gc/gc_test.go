package gc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellumlab/vellum/pkg/blobstore"
	"github.com/vellumlab/vellum/pkg/catalog"
	"github.com/vellumlab/vellum/pkg/types"
)

func newTestGC(t *testing.T) (*Collector, *catalog.Catalog, *blobstore.Store) {
	t.Helper()
	dir := t.TempDir()

	store, err := blobstore.New(filepath.Join(dir, "files"))
	require.NoError(t, err)
	cat, err := catalog.New(filepath.Join(dir, "metadata.db"), store)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	c := New(cat, store)
	c.SchemaCacheDir = filepath.Join(dir, "schema", "cache")
	c.TmpDir = filepath.Join(dir, "tmp")
	require.NoError(t, os.MkdirAll(c.SchemaCacheDir, 0o755))
	require.NoError(t, os.MkdirAll(c.TmpDir, 0o755))

	return c, cat, store
}

func addEntry(t *testing.T, cat *catalog.Catalog, store *blobstore.Store, content []byte, ft types.FileType, docID string) *types.FileEntry {
	t.Helper()
	hash, _, err := store.Put(content, ft)
	require.NoError(t, err)
	e, err := cat.Insert(&types.FileEntry{
		ContentHash: hash,
		Filename:    docID + ft.Extension(),
		DocID:       docID,
		FileType:    ft,
	})
	require.NoError(t, err)
	return e
}

func TestPurgeDeletedRows(t *testing.T) {
	c, cat, store := newTestGC(t)

	e := addEntry(t, cat, store, []byte("doomed"), types.FileTypePDF, "d1")
	require.NoError(t, cat.SoftDelete(e.ContentHash))

	stats, err := c.Run(Options{DeletedBefore: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PurgedCount)

	// Row gone entirely.
	row, err := cat.GetByHash(e.ContentHash, true)
	require.NoError(t, err)
	assert.Nil(t, row)

	// Counter entry cleaned up too.
	_, tracked, err := cat.Refs().Get(e.ContentHash)
	require.NoError(t, err)
	assert.False(t, tracked)
}

func TestPurgeRespectsCutoff(t *testing.T) {
	c, cat, store := newTestGC(t)

	e := addEntry(t, cat, store, []byte("fresh"), types.FileTypePDF, "d1")
	require.NoError(t, cat.SoftDelete(e.ContentHash))

	stats, err := c.Run(Options{DeletedBefore: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PurgedCount)

	row, err := cat.GetByHash(e.ContentHash, true)
	require.NoError(t, err)
	assert.NotNil(t, row, "recently deleted rows stay until the cutoff passes")
}

func TestPurgeKeepsSharedBlobs(t *testing.T) {
	c, cat, store := newTestGC(t)

	e := addEntry(t, cat, store, []byte("shared"), types.FileTypePDF, "d1")
	// A second reference keeps the blob alive through the purge.
	_, err := cat.Refs().Increment(e.ContentHash, types.FileTypePDF)
	require.NoError(t, err)

	require.NoError(t, cat.SoftDelete(e.ContentHash))
	assert.True(t, store.Exists(e.ContentHash, types.FileTypePDF))

	stats, err := c.Run(Options{DeletedBefore: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PurgedCount)

	assert.True(t, store.Exists(e.ContentHash, types.FileTypePDF),
		"blob with remaining references must survive")
}

func TestOrphanBlobRemoval(t *testing.T) {
	c, cat, store := newTestGC(t)
	_ = cat

	// Blob with no counter entry at all.
	hash, _, err := store.Put([]byte("orphan"), types.FileTypeTEI)
	require.NoError(t, err)

	stats, err := c.Run(Options{DeletedBefore: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OrphanedDeleted)
	assert.False(t, store.Exists(hash, types.FileTypeTEI))
}

func TestOrphanXMLRemoval(t *testing.T) {
	c, cat, store := newTestGC(t)

	addEntry(t, cat, store, []byte("orphan tei"), types.FileTypeTEI, "no-pdf")
	addEntry(t, cat, store, []byte("pdf"), types.FileTypePDF, "has-pdf")
	paired := addEntry(t, cat, store, []byte("paired tei"), types.FileTypeTEI, "has-pdf")

	stats, err := c.Run(Options{DeletedBefore: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OrphanedXMLDeleted)

	kept, err := cat.GetByHash(paired.ContentHash, false)
	require.NoError(t, err)
	assert.NotNil(t, kept, "TEI with a PDF must survive")
}

func TestInboxAssignment(t *testing.T) {
	c, cat, store := newTestGC(t)

	e := addEntry(t, cat, store, []byte("pdf"), types.FileTypePDF, "d")

	stats, err := c.Run(Options{DeletedBefore: time.Now()})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.InboxAssigned, 1)

	entry, err := cat.GetByHash(e.ContentHash, false)
	require.NoError(t, err)
	assert.Contains(t, entry.DocCollections, types.InboxCollection)
}

func TestScratchCleanup(t *testing.T) {
	c, _, _ := newTestGC(t)

	sub := filepath.Join(c.TmpDir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.TmpDir, "a.tmp"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "b.tmp"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(c.SchemaCacheDir, "schema.rng"), nil, 0o644))

	stats, err := c.Run(Options{DeletedBefore: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TmpFilesRemoved)

	// Directories survive, files do not.
	assert.DirExists(t, sub)
	_, err = os.Stat(filepath.Join(sub, "b.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestDryRunDeletesNothing(t *testing.T) {
	c, cat, store := newTestGC(t)

	e := addEntry(t, cat, store, []byte("kept"), types.FileTypePDF, "d1")
	require.NoError(t, cat.SoftDelete(e.ContentHash))

	stats, err := c.Run(Options{DeletedBefore: time.Now().Add(time.Hour), DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PurgedCount, "dry run reports what it would do")

	row, err := cat.GetByHash(e.ContentHash, true)
	require.NoError(t, err)
	assert.NotNil(t, row, "dry run must not delete rows")
}
