package migrate

import (
	"database/sql"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"github.com/vellumlab/vellum/pkg/blobstore"
	"github.com/vellumlab/vellum/pkg/catalog"
	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/lockstore"
	"github.com/vellumlab/vellum/pkg/log"
)

// Env is everything a migration may touch. Locks and Store are nil in
// metadata-only deployments; migrations that need them must check.
type Env struct {
	DB    *catalog.DB
	Locks *lockstore.Store
	Store *blobstore.Store

	// Catalog gives lock migrations hash → stable-ID resolution.
	Catalog *catalog.Catalog
}

// Migration is one schema step. Up and Down must be idempotent: they
// detect their own prior application and return nil without changes.
type Migration struct {
	Version int
	Name    string
	// Destructive migrations trigger a database backup before running
	// unless the runner is told to skip backups.
	Destructive bool
	Up          func(env *Env) error
	Down        func(env *Env) error
}

// Runner applies registered migrations in version order and records
// the highest applied version in the schema_migrations table.
type Runner struct {
	env        *Env
	migrations []Migration
	skipBackup bool
	logger     zerolog.Logger
}

// NewRunner creates a runner over the environment with the built-in
// migration set registered.
func NewRunner(env *Env) *Runner {
	r := &Runner{
		env:    env,
		logger: log.WithComponent("migrate"),
	}
	for _, m := range builtins() {
		r.Register(m)
	}
	return r
}

// SkipBackup disables pre-migration backups. Tests opt out; production
// callers should not.
func (r *Runner) SkipBackup() {
	r.skipBackup = true
}

// Register adds a migration. Versions must be unique; registration
// order does not matter.
func (r *Runner) Register(m Migration) {
	r.migrations = append(r.migrations, m)
	sort.Slice(r.migrations, func(i, j int) bool {
		return r.migrations[i].Version < r.migrations[j].Version
	})
}

func (r *Runner) ensureVersionTable() error {
	_, err := r.env.DB.Underlying().Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT,
			applied_at TIMESTAMP
		)`)
	return err
}

// CurrentVersion returns the highest applied migration version.
func (r *Runner) CurrentVersion() (int, error) {
	if err := r.ensureVersionTable(); err != nil {
		return 0, err
	}
	var v sql.NullInt64
	err := r.env.DB.Underlying().QueryRow(
		"SELECT MAX(version) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// Run applies every pending migration in order. Returns the number
// applied.
func (r *Runner) Run() (int, error) {
	current, err := r.CurrentVersion()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range r.migrations {
		if m.Version <= current {
			continue
		}

		if m.Destructive && !r.skipBackup {
			if err := r.backup(); err != nil {
				return applied, fmt.Errorf("backup before migration %03d: %w", m.Version, err)
			}
		}

		r.logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("applying migration")

		if err := m.Up(r.env); err != nil {
			return applied, fmt.Errorf("migration %03d (%s): %w", m.Version, m.Name, err)
		}
		if err := r.record(m); err != nil {
			return applied, err
		}
		applied++
	}

	if applied > 0 {
		r.logger.Info().Int("applied", applied).Msg("migrations complete")
	}
	return applied, nil
}

// RollbackTo downgrades, newest first, until the recorded version is
// target.
func (r *Runner) RollbackTo(target int) error {
	current, err := r.CurrentVersion()
	if err != nil {
		return err
	}

	for i := len(r.migrations) - 1; i >= 0; i-- {
		m := r.migrations[i]
		if m.Version > current || m.Version <= target {
			continue
		}
		if m.Down == nil {
			return errdefs.InvalidArgument("migration %03d (%s) is irreversible", m.Version, m.Name)
		}

		r.logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("rolling back migration")

		if err := m.Down(r.env); err != nil {
			return fmt.Errorf("rollback %03d (%s): %w", m.Version, m.Name, err)
		}
		if err := r.unrecord(m.Version); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) record(m Migration) error {
	return r.env.DB.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO schema_migrations (version, name, applied_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)`, m.Version, m.Name)
		return err
	})
}

func (r *Runner) unrecord(version int) error {
	return r.env.DB.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", version)
		return err
	})
}

// backup copies the metadata database file next to itself.
func (r *Runner) backup() error {
	src := r.env.DB.Path()
	dst := src + ".backup"

	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return err
	}

	r.logger.Info().Str("path", dst).Msg("created database backup")
	return nil
}

// columnExists checks for a column in a table via PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notnull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// indexExists checks sqlite_master for an index by name.
func indexExists(db *sql.DB, name string) (bool, error) {
	var found string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?", name).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
