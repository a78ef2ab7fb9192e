package migrate

import (
	"github.com/vellumlab/vellum/pkg/log"
	"github.com/vellumlab/vellum/pkg/tei"
	"github.com/vellumlab/vellum/pkg/types"
)

// builtins returns the migration set in version order.
func builtins() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "initial_schema",
			Up:      migrateInitialSchema,
			Down:    func(env *Env) error { return nil },
		},
		{
			Version:     2,
			Name:        "add_status_column",
			Destructive: true,
			Up:          migrateAddStatusColumn,
			Down:        migrateDropStatusColumn,
		},
		{
			Version: 3,
			Name:    "add_status_index",
			Up:      migrateAddStatusIndex,
			Down:    migrateDropStatusIndex,
		},
		{
			Version:     4,
			Name:        "lock_key_stable_id",
			Destructive: true,
			Up:          migrateLockKeyStableID,
			// Re-keying locks back to content hashes is meaningless once
			// edits have happened; the migration is irreversible.
			Down: nil,
		},
		{
			Version: 5,
			Name:    "add_revision_columns",
			Up:      migrateAddRevisionColumns,
			Down:    migrateDropRevisionColumns,
		},
	}
}

// 001: the base schema is created by the catalog on open; this
// migration exists so a fresh database records a version.
func migrateInitialSchema(env *Env) error {
	return nil
}

// 002: add the status column, backfilled by parsing each TEI blob's
// newest revision change. Entries whose blob is missing or unparsable
// keep an empty status.
func migrateAddStatusColumn(env *Env) error {
	db := env.DB.Underlying()

	exists, err := columnExists(db, "files", "status")
	if err != nil {
		return err
	}
	if !exists {
		if _, err := db.Exec("ALTER TABLE files ADD COLUMN status TEXT"); err != nil {
			return err
		}
	}

	if env.Store == nil {
		return nil
	}

	rows, err := db.Query(
		"SELECT id FROM files WHERE file_type = 'tei' AND (status IS NULL OR status = '')")
	if err != nil {
		return err
	}
	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			rows.Close()
			return err
		}
		hashes = append(hashes, hash)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	logger := log.WithComponent("migrate")
	for _, hash := range hashes {
		content, err := env.Store.Get(hash, types.FileTypeTEI)
		if err != nil {
			logger.Debug().Str("hash", log.Abbrev(hash)).Msg("no blob for status backfill")
			continue
		}
		status := tei.ExtractStatus(content)
		if status == "" {
			continue
		}
		if _, err := db.Exec("UPDATE files SET status = ? WHERE id = ?", status, hash); err != nil {
			return err
		}
	}
	return nil
}

// Dropping a column needs a table rebuild on older sqlite; DROP COLUMN
// is available from 3.35 which the bundled driver ships.
func migrateDropStatusColumn(env *Env) error {
	db := env.DB.Underlying()
	exists, err := columnExists(db, "files", "status")
	if err != nil || !exists {
		return err
	}
	if ok, err := indexExists(db, "idx_status"); err != nil {
		return err
	} else if ok {
		if _, err := db.Exec("DROP INDEX idx_status"); err != nil {
			return err
		}
	}
	_, err = db.Exec("ALTER TABLE files DROP COLUMN status")
	return err
}

// 003: index the status column.
func migrateAddStatusIndex(env *Env) error {
	db := env.DB.Underlying()
	exists, err := indexExists(db, "idx_status")
	if err != nil || exists {
		return err
	}
	_, err = db.Exec("CREATE INDEX idx_status ON files(status)")
	return err
}

func migrateDropStatusIndex(env *Env) error {
	db := env.DB.Underlying()
	exists, err := indexExists(db, "idx_status")
	if err != nil || !exists {
		return err
	}
	_, err = db.Exec("DROP INDEX idx_status")
	return err
}

// 004: re-key the lock store from content hash to stable ID. Early
// deployments locked by hash; hashes change on every edit, so the key
// moved to the permanent identifier. Rows whose hash no longer resolves
// are dropped: a lock on a vanished file is meaningless.
func migrateLockKeyStableID(env *Env) error {
	if env.Locks == nil || env.Catalog == nil {
		return nil
	}

	locks, err := env.Locks.All()
	if err != nil {
		return err
	}

	logger := log.WithComponent("migrate")
	rewritten := make([]types.Lock, 0, len(locks))
	for _, lock := range locks {
		if len(lock.FileID) != 64 {
			// Already keyed by stable ID.
			rewritten = append(rewritten, lock)
			continue
		}
		entry, err := env.Catalog.GetByHash(lock.FileID, true)
		if err != nil {
			return err
		}
		if entry == nil || entry.StableID == "" {
			logger.Warn().Str("hash", log.Abbrev(lock.FileID)).Msg("dropping lock on unknown hash")
			continue
		}
		lock.FileID = entry.StableID
		rewritten = append(rewritten, lock)
	}

	if err := env.Locks.Rewrite(rewritten); err != nil {
		return err
	}

	logger.Info().
		Int("kept", len(rewritten)).
		Int("dropped", len(locks)-len(rewritten)).
		Msg("re-keyed lock table by stable ID")
	return nil
}

// 005: revision bookkeeping columns, backfilled from TEI headers.
func migrateAddRevisionColumns(env *Env) error {
	db := env.DB.Underlying()

	for _, col := range []string{"last_revision", "created_by"} {
		exists, err := columnExists(db, "files", col)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := db.Exec("ALTER TABLE files ADD COLUMN " + col + " TEXT"); err != nil {
				return err
			}
		}
	}

	if env.Store == nil {
		return nil
	}

	rows, err := db.Query(
		"SELECT id FROM files WHERE file_type = 'tei' AND (last_revision IS NULL OR last_revision = '')")
	if err != nil {
		return err
	}
	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			rows.Close()
			return err
		}
		hashes = append(hashes, hash)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, hash := range hashes {
		content, err := env.Store.Get(hash, types.FileTypeTEI)
		if err != nil {
			continue
		}
		meta, err := tei.Extract(content)
		if err != nil || meta.LastRevision == "" {
			continue
		}
		if _, err := db.Exec(
			"UPDATE files SET last_revision = ? WHERE id = ?", meta.LastRevision, hash); err != nil {
			return err
		}
	}
	return nil
}

func migrateDropRevisionColumns(env *Env) error {
	db := env.DB.Underlying()
	for _, col := range []string{"last_revision", "created_by"} {
		exists, err := columnExists(db, "files", col)
		if err != nil {
			return err
		}
		if exists {
			if _, err := db.Exec("ALTER TABLE files DROP COLUMN " + col); err != nil {
				return err
			}
		}
	}
	return nil
}
