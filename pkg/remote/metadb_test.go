package remote

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellumlab/vellum/pkg/types"
)

func newTestMetaDB(t *testing.T) *MetaDB {
	t.Helper()
	m, err := openMetaDB(filepath.Join(t.TempDir(), "metadata.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func sampleRemoteFile(hash, stableID string) *RemoteFile {
	return &RemoteFile{
		ContentHash:    hash,
		StableID:       stableID,
		Filename:       "doc.tei.xml",
		DocID:          "doc",
		DocIDType:      "custom",
		FileType:       types.FileTypeTEI,
		FileSize:       42,
		Label:          "Doc",
		DocCollections: []string{"corpus"},
		DocMetadata:    map[string]string{"title": "Doc"},
		FileMetadata:   map[string]string{},
		RemoteVersion:  1,
	}
}

func TestFreshDatabaseStartsAtVersionOne(t *testing.T) {
	m := newTestMetaDB(t)

	v, err := m.GetVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestVersionRoundTrip(t *testing.T) {
	m := newTestMetaDB(t)

	require.NoError(t, m.SetVersion(7))
	v, err := m.GetVersion()
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	next, err := m.IncrementVersion()
	require.NoError(t, err)
	assert.Equal(t, 8, next)
}

func TestUpsertAndQuery(t *testing.T) {
	m := newTestMetaDB(t)

	f := sampleRemoteFile("hash1", "stable1")
	require.NoError(t, m.UpsertFile(f))

	got, err := m.GetByHash("hash1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "stable1", got.StableID)
	assert.Equal(t, []string{"corpus"}, got.DocCollections)
	assert.Equal(t, "Doc", got.DocMetadata["title"])
	assert.False(t, got.UpdatedAt.IsZero())

	// Upsert replaces.
	f.Label = "Renamed"
	f.RemoteVersion = 2
	require.NoError(t, m.UpsertFile(f))

	got, err = m.GetByHash("hash1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Label)
	assert.Equal(t, 2, got.RemoteVersion)

	all, err := m.GetAllFiles(true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMarkDeleted(t *testing.T) {
	m := newTestMetaDB(t)

	require.NoError(t, m.UpsertFile(sampleRemoteFile("hash1", "stable1")))
	require.NoError(t, m.MarkDeleted("hash1", 5))

	deleted, err := m.GetDeletedFiles()
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.True(t, deleted[0].Deleted)
	assert.Equal(t, 5, deleted[0].RemoteVersion)

	live, err := m.GetAllFiles(false)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestGetByHashMissing(t *testing.T) {
	m := newTestMetaDB(t)

	got, err := m.GetByHash("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVersionPointerSurvivesRoundTrip(t *testing.T) {
	m := newTestMetaDB(t)

	f := sampleRemoteFile("hash1", "stable1")
	v := 3
	f.Version = &v
	require.NoError(t, m.UpsertFile(f))

	got, err := m.GetByHash("hash1")
	require.NoError(t, err)
	require.NotNil(t, got.Version)
	assert.Equal(t, 3, *got.Version)

	// Gold entries carry no version.
	g := sampleRemoteFile("hash2", "stable2")
	g.IsGoldStandard = true
	require.NoError(t, m.UpsertFile(g))

	got, err = m.GetByHash("hash2")
	require.NoError(t, err)
	assert.Nil(t, got.Version)
	assert.True(t, got.IsGoldStandard)
}

func TestUpdatedAtOrdering(t *testing.T) {
	m := newTestMetaDB(t)

	f := sampleRemoteFile("hash1", "stable1")
	require.NoError(t, m.UpsertFile(f))

	first, err := m.GetByHash("hash1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.UpsertFile(f))

	second, err := m.GetByHash("hash1")
	require.NoError(t, err)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}
