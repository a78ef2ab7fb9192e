package blobstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "files"))
	require.NoError(t, err)
	return s
}

func TestPutAndGet(t *testing.T) {
	s := newStore(t)
	content := []byte("hello vellum")

	hash, path, err := s.Put(content, types.FileTypePDF)
	require.NoError(t, err)
	assert.Len(t, hash, 64)
	assert.Equal(t, filepath.Join(s.Root(), hash[:2], hash+".pdf"), path)

	got, err := s.Get(hash, types.FileTypePDF)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPutDeduplicates(t *testing.T) {
	s := newStore(t)
	content := []byte("same bytes")

	hash1, path1, err := s.Put(content, types.FileTypeTEI)
	require.NoError(t, err)
	hash2, path2, err := s.Put(content, types.FileTypeTEI)
	require.NoError(t, err)

	assert.Equal(t, hash1, hash2)
	assert.Equal(t, path1, path2)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalBlobs)
}

func TestGetMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(Hash([]byte("never stored")), types.FileTypePDF)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteRemovesEmptyShard(t *testing.T) {
	s := newStore(t)
	hash, path, err := s.Put([]byte("shard test"), types.FileTypeRNG)
	require.NoError(t, err)

	deleted, err := s.Delete(hash, types.FileTypeRNG)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = os.Stat(filepath.Dir(path))
	assert.True(t, os.IsNotExist(err), "empty shard directory should be removed")

	// Deleting again reports false, not an error.
	deleted, err = s.Delete(hash, types.FileTypeRNG)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteKeepsNonEmptyShard(t *testing.T) {
	s := newStore(t)

	// Find two payloads landing in the same shard.
	a := []byte("payload a")
	hashA := Hash(a)
	var b []byte
	for i := 0; ; i++ {
		candidate := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
		if Hash(candidate)[:2] == hashA[:2] {
			b = candidate
			break
		}
	}

	_, pathA, err := s.Put(a, types.FileTypePDF)
	require.NoError(t, err)
	_, _, err = s.Put(b, types.FileTypePDF)
	require.NoError(t, err)

	deleted, err := s.Delete(hashA, types.FileTypePDF)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = os.Stat(filepath.Dir(pathA))
	assert.NoError(t, err, "shard with remaining blobs must stay")
}

func TestVerify(t *testing.T) {
	s := newStore(t)
	hash, path, err := s.Put([]byte("verified"), types.FileTypePDF)
	require.NoError(t, err)

	require.NoError(t, s.Verify(hash, types.FileTypePDF))

	// Corrupt the blob behind the store's back.
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))
	err = s.Verify(hash, types.FileTypePDF)
	assert.True(t, errdefs.IsIntegrity(err))
}

func TestUnknownFileType(t *testing.T) {
	s := newStore(t)
	_, _, err := s.Put([]byte("x"), types.FileType("docx"))
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestStaleTempCleanup(t *testing.T) {
	s := newStore(t)
	content := []byte("temp cleanup")
	hash := Hash(content)

	// Simulate a crashed writer.
	shardDir := filepath.Join(s.Root(), hash[:2])
	require.NoError(t, os.MkdirAll(shardDir, 0o755))
	stale := filepath.Join(shardDir, hash+".pdf.tmp12345")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))

	_, _, err := s.Put(content, types.FileTypePDF)
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale temp file should be removed on the next put")
}

func TestStats(t *testing.T) {
	s := newStore(t)
	_, _, err := s.Put([]byte("pdf one"), types.FileTypePDF)
	require.NoError(t, err)
	_, _, err = s.Put([]byte("tei one"), types.FileTypeTEI)
	require.NoError(t, err)
	_, _, err = s.Put([]byte("tei two"), types.FileTypeTEI)
	require.NoError(t, err)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalBlobs)
	assert.Equal(t, 1, stats.BlobsByType[types.FileTypePDF])
	assert.Equal(t, 2, stats.BlobsByType[types.FileTypeTEI])
	assert.Greater(t, stats.TotalSize, int64(0))
}

func TestScan(t *testing.T) {
	s := newStore(t)
	hash, _, err := s.Put([]byte("scan me"), types.FileTypeTEI)
	require.NoError(t, err)

	blobs, err := s.Scan()
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, hash, blobs[0].Hash)
	assert.Equal(t, types.FileTypeTEI, blobs[0].FileType)
}

func TestCleanupTemp(t *testing.T) {
	s := newStore(t)
	shardDir := filepath.Join(s.Root(), "ab")
	require.NoError(t, os.MkdirAll(shardDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shardDir, "x.pdf.tmp1"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(shardDir, "y.pdf.tmp2"), nil, 0o644))

	removed, err := s.CleanupTemp()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}
