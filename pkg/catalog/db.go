package catalog

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/log"
)

const (
	busyTimeout = 10 * time.Second

	// Connection retries for transient SQLITE_BUSY failures.
	connectRetries   = 5
	connectBaseDelay = 50 * time.Millisecond
)

// initGuards serializes schema initialization per database path. The
// same path must be initialized exactly once no matter how many
// handles are opened.
var (
	initGuards   = make(map[string]*sync.Mutex)
	initGuardsMu sync.Mutex
	initialized  = make(map[string]bool)
)

func pathGuard(path string) *sync.Mutex {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	initGuardsMu.Lock()
	defer initGuardsMu.Unlock()
	mu, ok := initGuards[abs]
	if !ok {
		mu = &sync.Mutex{}
		initGuards[abs] = mu
	}
	return mu
}

func markInitialized(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	initGuardsMu.Lock()
	defer initGuardsMu.Unlock()
	initialized[abs] = true
}

func isInitialized(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	initGuardsMu.Lock()
	defer initGuardsMu.Unlock()
	return initialized[abs]
}

// ResetInitialized clears the per-path initialization tracking. Tests
// use this after deleting database files.
func ResetInitialized() {
	initGuardsMu.Lock()
	defer initGuardsMu.Unlock()
	initialized = make(map[string]bool)
}

// DB wraps the metadata database connection with WAL journaling and
// busy retry handling.
type DB struct {
	sdb  *sql.DB
	path string
}

// OpenDB opens (and if needed creates) the metadata database at path,
// applying WAL mode and the base schema exactly once per path.
func OpenDB(path string) (*DB, error) {
	if path == "" {
		return nil, errdefs.InvalidArgument("database path must not be empty")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		path, busyTimeout.Milliseconds())

	var sdb *sql.DB
	err := retryBusy(func() error {
		var err error
		sdb, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return err
		}
		return sdb.Ping()
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// sqlite performs best with a single writer connection; the WAL
	// journal still allows concurrent readers.
	sdb.SetMaxOpenConns(1)

	db := &DB{sdb: sdb, path: path}

	guard := pathGuard(path)
	guard.Lock()
	defer guard.Unlock()
	if !isInitialized(path) {
		if err := db.ensureSchema(); err != nil {
			sdb.Close()
			return nil, err
		}
		markInitialized(path)
		logger := log.WithComponent("catalog")
		logger.Debug().Str("path", path).Msg("database initialized")
	}

	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	if db == nil || db.sdb == nil {
		return nil
	}
	return db.sdb.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Underlying exposes the raw handle for the migration runner.
func (db *DB) Underlying() *sql.DB {
	return db.sdb
}

// Transaction runs fn inside a transaction, committing on nil error
// and rolling back otherwise.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	return retryBusy(func() error {
		tx, err := db.sdb.Begin()
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// retryBusy retries fn on transient "database is locked" errors with
// linear backoff, up to connectRetries attempts.
func retryBusy(fn func() error) error {
	attempt := 0
	bo := backoff.WithMaxRetries(&linearBackOff{step: connectBaseDelay}, connectRetries-1)

	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if isBusyErr(err) {
			logger := log.WithComponent("catalog")
			logger.Warn().
				Int("attempt", attempt).
				Err(err).
				Msg("database busy, retrying")
			return errdefs.TransientIO(err)
		}
		return backoff.Permanent(err)
	}, bo)
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}

// Timestamp formats used in the database. Writes always use tsFormat;
// reads tolerate the space-separated form produced by SQL
// CURRENT_TIMESTAMP defaults.
const tsFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(tsFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{tsFormat, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nowString() string {
	return formatTime(time.Now())
}
