package catalog

import (
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/vellumlab/vellum/pkg/blobstore"
	"github.com/vellumlab/vellum/pkg/log"
	"github.com/vellumlab/vellum/pkg/types"
)

// RefCounter tracks how many catalog rows reference each content hash.
// It shares the catalog's database so a hash change on a single entry
// is representable as one increment plus one decrement.
//
// Policy: Increment runs after a successful blob write; Decrement runs
// before a blob deletion attempt. The counter row is only removed after
// the blob deletion actually succeeded, so a crashed deletion leaves a
// zero-count row for garbage collection to finish.
type RefCounter struct {
	db     *DB
	logger zerolog.Logger
}

// Increment adds a reference for a hash, creating the counter row at
// zero first when missing. Returns the new count. The whole operation
// is one transaction.
func (r *RefCounter) Increment(hash string, ft types.FileType) (int, error) {
	var count int
	err := r.db.Transaction(func(tx *sql.Tx) error {
		now := nowString()
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO storage_refs (file_hash, file_type, ref_count, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?)`,
			hash, string(ft), now, now); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE storage_refs SET ref_count = ref_count + 1, updated_at = ?
			WHERE file_hash = ?`, now, hash); err != nil {
			return err
		}
		return tx.QueryRow(
			"SELECT ref_count FROM storage_refs WHERE file_hash = ?", hash).Scan(&count)
	})
	if err != nil {
		return 0, err
	}

	r.logger.Debug().
		Str("hash", log.Abbrev(hash)).
		Int("count", count).
		Msg("incremented reference")
	return count, nil
}

// Decrement removes a reference. Returns the new count and whether the
// blob should be deleted. A missing counter row or a count already at
// zero both report (0, true): the blob is an orphan either way, and the
// count never goes negative.
func (r *RefCounter) Decrement(hash string) (int, bool, error) {
	var count int
	var shouldDelete bool

	err := r.db.Transaction(func(tx *sql.Tx) error {
		var current int
		err := tx.QueryRow(
			"SELECT ref_count FROM storage_refs WHERE file_hash = ?", hash).Scan(&current)
		if err == sql.ErrNoRows {
			r.logger.Warn().Str("hash", log.Abbrev(hash)).Msg("no reference entry (orphaned blob?)")
			count, shouldDelete = 0, true
			return nil
		}
		if err != nil {
			return err
		}

		if current <= 0 {
			r.logger.Warn().Str("hash", log.Abbrev(hash)).Msg("reference count already zero")
			count, shouldDelete = 0, true
			return nil
		}

		if _, err := tx.Exec(`
			UPDATE storage_refs SET ref_count = ref_count - 1, updated_at = ?
			WHERE file_hash = ?`, nowString(), hash); err != nil {
			return err
		}
		if err := tx.QueryRow(
			"SELECT ref_count FROM storage_refs WHERE file_hash = ?", hash).Scan(&count); err != nil {
			return err
		}
		shouldDelete = count == 0
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	r.logger.Debug().
		Str("hash", log.Abbrev(hash)).
		Int("count", count).
		Bool("should_delete", shouldDelete).
		Msg("decremented reference")
	return count, shouldDelete, nil
}

// Get returns the current count, or ok=false when the hash is not
// tracked.
func (r *RefCounter) Get(hash string) (int, bool, error) {
	var count int
	err := r.db.sdb.QueryRow(
		"SELECT ref_count FROM storage_refs WHERE file_hash = ?", hash).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

// ZeroRefs lists counter entries at zero, ready for blob deletion.
func (r *RefCounter) ZeroRefs() ([]types.RefEntry, error) {
	rows, err := r.db.sdb.Query(
		"SELECT file_hash, file_type FROM storage_refs WHERE ref_count = 0")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.RefEntry
	for rows.Next() {
		var e types.RefEntry
		var ft string
		if err := rows.Scan(&e.ContentHash, &ft); err != nil {
			return nil, err
		}
		e.FileType = types.FileType(ft)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RemoveEntry drops the counter row. Only call after the physical blob
// deletion succeeded.
func (r *RefCounter) RemoveEntry(hash string) error {
	return r.db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM storage_refs WHERE file_hash = ?", hash)
		return err
	})
}

// Orphans scans the blob store and returns blobs with no counter row.
func (r *RefCounter) Orphans(store *blobstore.Store) ([]blobstore.Blob, error) {
	blobs, err := store.Scan()
	if err != nil {
		return nil, err
	}

	tracked := make(map[string]struct{})
	rows, err := r.db.sdb.Query("SELECT file_hash FROM storage_refs")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		tracked[hash] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var orphans []blobstore.Blob
	for _, b := range blobs {
		if _, ok := tracked[b.Hash]; !ok {
			orphans = append(orphans, b)
		}
	}

	if len(orphans) > 0 {
		r.logger.Warn().Int("count", len(orphans)).Msg("found orphaned blobs")
	}
	return orphans, nil
}

// RebuildFromCatalog wipes the counter table and regenerates counts
// from live file rows. Recovery and migration path.
func (r *RefCounter) RebuildFromCatalog() (map[string]int, error) {
	counts := make(map[string]int)
	err := r.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM storage_refs"); err != nil {
			return err
		}

		rows, err := tx.Query(`
			SELECT id, file_type, COUNT(*) FROM files
			WHERE deleted = 0 GROUP BY id, file_type`)
		if err != nil {
			return err
		}

		type rebuilt struct {
			hash  string
			ft    string
			count int
		}
		var all []rebuilt
		for rows.Next() {
			var rb rebuilt
			if err := rows.Scan(&rb.hash, &rb.ft, &rb.count); err != nil {
				rows.Close()
				return err
			}
			all = append(all, rb)
		}
		// The result set must be drained and closed before the inserts
		// reuse the transaction's connection.
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		now := nowString()
		for _, rb := range all {
			if _, err := tx.Exec(`
				INSERT INTO storage_refs (file_hash, file_type, ref_count, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)`,
				rb.hash, rb.ft, rb.count, now, now); err != nil {
				return err
			}
			counts[rb.hash] = rb.count
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info().Int("files", len(counts)).Msg("rebuilt references from catalog")
	return counts, nil
}
