package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/log"
	"github.com/vellumlab/vellum/pkg/types"
)

// Store is a content-addressed blob store with git-style hash sharding.
//
// Blobs are stored as <root>/<hash[0:2]>/<hash><ext>. The store is
// stateless beyond the filesystem: identical content always lands on
// the same path, so concurrent puts of the same bytes are idempotent
// and different content can never collide.
type Store struct {
	root   string
	logger zerolog.Logger
}

// New creates a blob store rooted at root, creating the directory if
// needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errdefs.InvalidArgument("blob store root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{
		root:   root,
		logger: log.WithComponent("blobstore"),
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Hash computes the content address for a byte sequence.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Path returns the storage path for a hash, whether or not the blob
// exists.
func (s *Store) Path(hash string, ft types.FileType) (string, error) {
	if len(hash) < 2 {
		return "", errdefs.InvalidArgument("hash too short: %q", hash)
	}
	if !ft.Valid() {
		return "", errdefs.InvalidArgument("unknown file type: %q", ft)
	}
	return filepath.Join(s.root, hash[:2], hash+ft.Extension()), nil
}

// Put saves content and returns its hash and storage path. If a blob
// with the same hash already exists the call is a no-op
// (deduplication). The write is atomic: content goes to a temporary
// sibling first and is renamed into place. Stale temp files from
// crashed writers are cleaned up along the way.
func (s *Store) Put(content []byte, ft types.FileType) (string, string, error) {
	hash := Hash(content)

	path, err := s.Path(hash, ft)
	if err != nil {
		return "", "", err
	}

	if _, err := os.Stat(path); err == nil {
		s.logger.Debug().Str("hash", log.Abbrev(hash)).Msg("blob already exists (deduplicated)")
		return hash, path, nil
	}

	shardDir := filepath.Dir(path)
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create shard directory: %w", err)
	}
	s.removeStaleTemps(shardDir, hash)

	tmp, err := os.CreateTemp(shardDir, filepath.Base(path)+".tmp*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("rename blob into place: %w", err)
	}

	s.logger.Debug().
		Str("hash", log.Abbrev(hash)).
		Int("size", len(content)).
		Msg("saved blob")

	return hash, path, nil
}

// Get reads blob content. Returns ErrNotFound when the blob is absent.
func (s *Store) Get(hash string, ft types.FileType) ([]byte, error) {
	path, err := s.Path(hash, ft)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound("blob %s", log.Abbrev(hash))
		}
		return nil, fmt.Errorf("read blob %s: %w", log.Abbrev(hash), err)
	}
	return content, nil
}

// Exists reports whether the blob is present on disk.
func (s *Store) Exists(hash string, ft types.FileType) bool {
	path, err := s.Path(hash, ft)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete removes a blob and, when the shard directory is empty
// afterwards, the shard directory too. Returns false when the blob did
// not exist.
func (s *Store) Delete(hash string, ft types.FileType) (bool, error) {
	path, err := s.Path(hash, ft)
	if err != nil {
		return false, err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete blob %s: %w", log.Abbrev(hash), err)
	}

	s.logger.Debug().Str("hash", log.Abbrev(hash)).Msg("deleted blob")

	shardDir := filepath.Dir(path)
	if entries, err := os.ReadDir(shardDir); err == nil && len(entries) == 0 {
		if err := os.Remove(shardDir); err == nil {
			s.logger.Debug().Str("shard", filepath.Base(shardDir)).Msg("removed empty shard directory")
		}
	}

	return true, nil
}

// Verify rereads a blob and recomputes its hash. Returns ErrIntegrity
// on mismatch, ErrNotFound when the blob is absent.
func (s *Store) Verify(hash string, ft types.FileType) error {
	content, err := s.Get(hash, ft)
	if err != nil {
		return err
	}
	if computed := Hash(content); computed != hash {
		return errdefs.Integrity("blob %s hashes to %s", log.Abbrev(hash), log.Abbrev(computed))
	}
	return nil
}

// Blob identifies a stored blob during a store scan.
type Blob struct {
	Hash     string
	FileType types.FileType
	Path     string
	Size     int64
}

// Scan walks every shard directory and returns all recognized blobs.
// Temp files and unknown extensions are skipped.
func (s *Store) Scan() ([]Blob, error) {
	var blobs []Blob

	shards, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read blob root: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		shardDir := filepath.Join(s.root, shard.Name())

		entries, err := os.ReadDir(shardDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.Contains(entry.Name(), ".tmp") {
				continue
			}
			ft, hash, ok := types.FileTypeFromFilename(entry.Name())
			if !ok {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			blobs = append(blobs, Blob{
				Hash:     hash,
				FileType: ft,
				Path:     filepath.Join(shardDir, entry.Name()),
				Size:     info.Size(),
			})
		}
	}

	return blobs, nil
}

// Stats walks the store and reports shard, blob, and size totals with a
// per-type breakdown.
func (s *Store) Stats() (*types.StorageStats, error) {
	stats := &types.StorageStats{
		BlobsByType: make(map[types.FileType]int),
		SizeByType:  make(map[types.FileType]int64),
	}

	shards, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return nil, fmt.Errorf("read blob root: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		stats.TotalShards++

		entries, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if strings.Contains(entry.Name(), ".tmp") {
				stats.TempFiles++
				continue
			}
			ft, _, ok := types.FileTypeFromFilename(entry.Name())
			if !ok {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			stats.TotalBlobs++
			stats.TotalSize += info.Size()
			stats.BlobsByType[ft]++
			stats.SizeByType[ft] += info.Size()
		}
	}

	return stats, nil
}

// CleanupTemp removes all temp files under the store, returning the
// count removed. Used by garbage collection.
func (s *Store) CleanupTemp() (int, error) {
	removed := 0

	shards, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read blob root: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(s.root, shard.Name())
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.Contains(entry.Name(), ".tmp") {
				continue
			}
			if err := os.Remove(filepath.Join(shardDir, entry.Name())); err == nil {
				removed++
			}
		}
	}

	return removed, nil
}

// removeStaleTemps drops leftover temp files for a specific hash before
// a new write. Crashed writers leave these behind.
func (s *Store) removeStaleTemps(shardDir, hash string) {
	entries, err := os.ReadDir(shardDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, hash) && strings.Contains(name, ".tmp") {
			if err := os.Remove(filepath.Join(shardDir, name)); err == nil {
				s.logger.Debug().Str("file", name).Msg("removed stale temp file")
			}
		}
	}
}

// VerifyContent checks content against an expected hash without
// touching the store.
func VerifyContent(content []byte, hash string) bool {
	return Hash(content) == hash
}
