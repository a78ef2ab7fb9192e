package syncer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellumlab/vellum/pkg/blobstore"
	"github.com/vellumlab/vellum/pkg/catalog"
	"github.com/vellumlab/vellum/pkg/remote"
	"github.com/vellumlab/vellum/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *catalog.Catalog, *blobstore.Store, *remote.MetaDB) {
	t.Helper()
	dir := t.TempDir()

	store, err := blobstore.New(filepath.Join(dir, "files"))
	require.NoError(t, err)
	cat, err := catalog.New(filepath.Join(dir, "metadata.db"), store)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	meta, err := remote.OpenLocalMetaDB(filepath.Join(dir, "remote-metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	return New(cat, store, nil, nil), cat, store, meta
}

func localEntry(t *testing.T, cat *catalog.Catalog, store *blobstore.Store, content []byte, docID string) *types.FileEntry {
	t.Helper()
	hash, _, err := store.Put(content, types.FileTypeTEI)
	require.NoError(t, err)
	e, err := cat.Insert(&types.FileEntry{
		ContentHash: hash,
		Filename:    docID + ".tei.xml",
		DocID:       docID,
		FileType:    types.FileTypeTEI,
	})
	require.NoError(t, err)
	return e
}

func remoteRow(e *types.FileEntry) *remote.RemoteFile {
	return &remote.RemoteFile{
		ContentHash:    e.ContentHash,
		StableID:       e.StableID,
		Filename:       e.Filename,
		DocID:          e.DocID,
		DocIDType:      "custom",
		FileType:       e.FileType,
		FileSize:       e.FileSize,
		DocCollections: []string{},
		DocMetadata:    map[string]string{},
		FileMetadata:   map[string]string{},
		RemoteVersion:  1,
	}
}

func TestCompareLocalNew(t *testing.T) {
	engine, cat, store, meta := newTestEngine(t)

	localEntry(t, cat, store, []byte("only local"), "d1")

	ch, err := engine.compareMetadata(meta)
	require.NoError(t, err)
	assert.Len(t, ch.localNew, 1)
	assert.Empty(t, ch.remoteNew)
	assert.Empty(t, ch.conflicts)
}

func TestCompareRemoteNew(t *testing.T) {
	engine, _, _, meta := newTestEngine(t)

	rf := &remote.RemoteFile{
		ContentHash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		StableID:    "remote1",
		Filename:    "r.tei.xml",
		DocID:       "r",
		DocIDType:   "custom",
		FileType:    types.FileTypeTEI,
	}
	require.NoError(t, meta.UpsertFile(rf))

	ch, err := engine.compareMetadata(meta)
	require.NoError(t, err)
	assert.Len(t, ch.remoteNew, 1)
	assert.Empty(t, ch.localNew)
}

func TestCompareLocalModified(t *testing.T) {
	engine, cat, store, meta := newTestEngine(t)

	e := localEntry(t, cat, store, []byte("present both"), "d1")
	require.NoError(t, meta.UpsertFile(remoteRow(e)))

	// Local entry is freshly inserted (sync_status modified).
	ch, err := engine.compareMetadata(meta)
	require.NoError(t, err)
	assert.Len(t, ch.localModified, 1)
	assert.Empty(t, ch.conflicts)
}

func TestCompareConflict(t *testing.T) {
	engine, cat, store, meta := newTestEngine(t)

	// Locally modified, remotely deleted: conflict, never auto-resolved.
	e := localEntry(t, cat, store, []byte("contested"), "d1")
	rf := remoteRow(e)
	rf.Deleted = true
	require.NoError(t, meta.UpsertFile(rf))

	ch, err := engine.compareMetadata(meta)
	require.NoError(t, err)
	require.Len(t, ch.conflicts, 1)
	assert.Empty(t, ch.localModified)
	assert.Empty(t, ch.remoteDeleted)

	engine.recordConflicts(ch.conflicts)
	conflicts := engine.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, e.StableID, conflicts[0].StableID)
}

func TestCompareRemoteDeleted(t *testing.T) {
	engine, cat, store, meta := newTestEngine(t)

	e := localEntry(t, cat, store, []byte("to be deleted"), "d1")
	require.NoError(t, cat.MarkSynced(e.ContentHash, 1))

	rf := remoteRow(e)
	rf.Deleted = true
	require.NoError(t, meta.UpsertFile(rf))

	ch, err := engine.compareMetadata(meta)
	require.NoError(t, err)
	require.Len(t, ch.remoteDeleted, 1)
	assert.Empty(t, ch.conflicts)

	// Applying the deletion soft-deletes locally and reclaims the blob.
	summary := &types.SyncSummary{}
	engine.applyRemoteDeletions(ch, summary)
	assert.Equal(t, 1, summary.DeletionsLocal)

	local, err := cat.GetByHash(e.ContentHash, true)
	require.NoError(t, err)
	assert.True(t, local.Deleted)
	assert.False(t, store.Exists(e.ContentHash, types.FileTypeTEI))

	// The remote-originated deletion is published as deletion_synced,
	// never as a local modification.
	engine.publishLocalDeletions(meta, 2, summary)
	final, err := cat.GetByHash(e.ContentHash, true)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusDeletionSynced, final.SyncStatus)
}

func TestCompareRemoteModifiedMetadataOnly(t *testing.T) {
	engine, cat, store, meta := newTestEngine(t)

	e := localEntry(t, cat, store, []byte("metadata drift"), "d1")
	require.NoError(t, cat.MarkSynced(e.ContentHash, 1))

	// Remote row updated after the local row.
	time.Sleep(10 * time.Millisecond)
	rf := remoteRow(e)
	rf.Label = "remote label"
	rf.DocMetadata = map[string]string{"title": "Remote"}
	require.NoError(t, meta.UpsertFile(rf))

	ch, err := engine.compareMetadata(meta)
	require.NoError(t, err)
	require.Len(t, ch.remoteModified, 1)

	summary := &types.SyncSummary{}
	engine.applyRemoteMetadata(ch, summary)
	assert.Equal(t, 1, summary.MetadataUpdates)

	updated, err := cat.GetByHash(e.ContentHash, false)
	require.NoError(t, err)
	assert.Equal(t, "remote label", updated.Label)
	assert.Equal(t, "Remote", updated.DocMetadata["title"])
	assert.Equal(t, types.SyncStatusSynced, updated.SyncStatus,
		"metadata-only updates must not change sync_status")
}

func TestPublishLocalDeletions(t *testing.T) {
	engine, cat, store, meta := newTestEngine(t)

	e := localEntry(t, cat, store, []byte("delete me"), "d1")
	require.NoError(t, meta.UpsertFile(remoteRow(e)))
	require.NoError(t, cat.SoftDelete(e.ContentHash))

	summary := &types.SyncSummary{}
	engine.publishLocalDeletions(meta, 9, summary)
	assert.Equal(t, 1, summary.DeletionsRemote)

	deleted, err := meta.GetDeletedFiles()
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, e.ContentHash, deleted[0].ContentHash)
	assert.Equal(t, 9, deleted[0].RemoteVersion)

	local, err := cat.GetByHash(e.ContentHash, true)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusDeletionSynced, local.SyncStatus)
	assert.Equal(t, 9, local.RemoteVersion)
}

func TestQuiescentStateNeedsNoSync(t *testing.T) {
	engine, cat, store, meta := newTestEngine(t)

	e := localEntry(t, cat, store, []byte("settled"), "d1")
	require.NoError(t, cat.MarkSynced(e.ContentHash, 1))
	require.NoError(t, meta.UpsertFile(remoteRow(e)))
	require.NoError(t, cat.SetSyncMeta(types.SyncMetaRemoteVersion, "1"))

	// With no replica there is no version probe and the engine compares
	// against the local version, so a quiescent state still reports
	// nothing to do.
	check, err := engine.CheckIfSyncNeeded()
	require.NoError(t, err)
	assert.False(t, check.NeedsSync)
	assert.Equal(t, 0, check.UnsyncedCount)
	assert.Equal(t, check.LocalVersion, check.RemoteVersion)
}
