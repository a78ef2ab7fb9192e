package lockstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/log"
	"github.com/vellumlab/vellum/pkg/types"
)

// DefaultTTL is how long a lock stays valid without a refresh.
const DefaultTTL = 90 * time.Second

var (
	bucketLocks = []byte("locks")
)

// Store manages exclusive per-file edit locks keyed by stable ID.
//
// Because the key is the stable ID (immutable across content changes),
// an edit that changes a file's content hash never invalidates a held
// lock; there is no lock-transfer special case.
//
// Bolt's single-writer update transactions give every mutation
// exclusive access to the lock table up front, so acquisition can never
// deadlock against a concurrent upgrade; a loser simply observes the
// winner's row.
type Store struct {
	db     *bolt.DB
	ttl    time.Duration
	logger zerolog.Logger

	// now is swapped in tests to simulate clock advance.
	now func() time.Time
}

// Open opens (creating if needed) the lock database at path.
func Open(path string) (*Store, error) {
	return OpenWithTTL(path, DefaultTTL)
}

// OpenWithTTL opens the lock database with a custom staleness TTL.
func OpenWithTTL(path string, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock db directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open lock database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLocks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		ttl:    ttl,
		logger: log.WithComponent("lockstore"),
		now:    time.Now,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// TTL returns the configured staleness threshold.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Acquire tries to take the lock for fileID on behalf of sessionID.
//
//   - No existing lock: created, returns true.
//   - Held by the same session: refreshed, returns true (reentrant).
//   - Held by another session but stale (older than TTL): taken over,
//     returns true.
//   - Held by another active session: returns false.
func (s *Store) Acquire(fileID, sessionID string) (bool, error) {
	if fileID == "" || sessionID == "" {
		return false, errdefs.InvalidArgument("file ID and session ID required")
	}

	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		now := s.now()

		data := b.Get([]byte(fileID))
		if data == nil {
			lock := types.Lock{
				FileID:     fileID,
				SessionID:  sessionID,
				AcquiredAt: now,
				UpdatedAt:  now,
			}
			acquired = true
			s.logger.Info().
				Str("file_id", fileID).
				Str("session", log.Abbrev(sessionID)).
				Msg("acquired new lock")
			return putLock(b, &lock)
		}

		var lock types.Lock
		if err := json.Unmarshal(data, &lock); err != nil {
			return fmt.Errorf("decode lock %s: %w", fileID, err)
		}

		age := now.Sub(lock.UpdatedAt)

		switch {
		case lock.SessionID == sessionID:
			lock.UpdatedAt = now
			acquired = true
			s.logger.Debug().
				Str("file_id", fileID).
				Str("session", log.Abbrev(sessionID)).
				Msg("refreshed own lock")
			return putLock(b, &lock)

		case age > s.ttl:
			prev := lock.SessionID
			lock.SessionID = sessionID
			lock.AcquiredAt = now
			lock.UpdatedAt = now
			acquired = true
			s.logger.Warn().
				Str("file_id", fileID).
				Str("session", log.Abbrev(sessionID)).
				Str("previous", log.Abbrev(prev)).
				Dur("age", age).
				Msg("took over stale lock")
			return putLock(b, &lock)

		default:
			s.logger.Warn().
				Str("file_id", fileID).
				Str("session", log.Abbrev(sessionID)).
				Str("holder", log.Abbrev(lock.SessionID)).
				Dur("age", age).
				Msg("lock denied, held by active session")
			return nil
		}
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func putLock(b *bolt.Bucket, lock *types.Lock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	return b.Put([]byte(lock.FileID), data)
}

// ReleaseAction describes what Release actually did.
type ReleaseAction string

const (
	ReleaseActionReleased        ReleaseAction = "released"
	ReleaseActionAlreadyReleased ReleaseAction = "already_released"
)

// Release drops the lock if sessionID holds it. A missing lock is an
// idempotent success; releasing another session's lock is ErrConflict.
func (s *Store) Release(fileID, sessionID string) (ReleaseAction, error) {
	action := ReleaseActionAlreadyReleased

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)

		data := b.Get([]byte(fileID))
		if data == nil {
			s.logger.Debug().Str("file_id", fileID).Msg("release on unheld lock (idempotent)")
			return nil
		}

		var lock types.Lock
		if err := json.Unmarshal(data, &lock); err != nil {
			return fmt.Errorf("decode lock %s: %w", fileID, err)
		}

		if lock.SessionID != sessionID {
			return errdefs.Conflict("lock on %s held by session %s",
				fileID, log.Abbrev(lock.SessionID))
		}

		action = ReleaseActionReleased
		s.logger.Info().
			Str("file_id", fileID).
			Str("session", log.Abbrev(sessionID)).
			Msg("released lock")
		return b.Delete([]byte(fileID))
	})
	if err != nil {
		return "", err
	}
	return action, nil
}

// Check reports whether fileID is locked by a session other than
// sessionID. Stale locks count as unlocked, matching what Acquire
// treats as takeable.
func (s *Store) Check(fileID, sessionID string) (types.LockStatus, error) {
	status := types.LockStatus{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)

		data := b.Get([]byte(fileID))
		if data == nil {
			return nil
		}

		var lock types.Lock
		if err := json.Unmarshal(data, &lock); err != nil {
			return fmt.Errorf("decode lock %s: %w", fileID, err)
		}

		if s.now().Sub(lock.UpdatedAt) > s.ttl {
			return nil
		}
		if lock.SessionID != sessionID {
			status.IsLocked = true
			status.LockedBy = lock.SessionID
		}
		return nil
	})
	return status, err
}

// ActiveLocks returns the file IDs of all non-stale locks, optionally
// restricted to one session. The staleness filter matches Acquire's
// takeover threshold so the published set equals the takeable-from set.
func (s *Store) ActiveLocks(sessionID string) ([]string, error) {
	var fileIDs []string

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		now := s.now()

		return b.ForEach(func(k, v []byte) error {
			var lock types.Lock
			if err := json.Unmarshal(v, &lock); err != nil {
				return nil // skip undecodable rows
			}
			if now.Sub(lock.UpdatedAt) > s.ttl {
				return nil
			}
			if sessionID != "" && lock.SessionID != sessionID {
				return nil
			}
			fileIDs = append(fileIDs, lock.FileID)
			return nil
		})
	})
	return fileIDs, err
}

// All returns every lock row regardless of staleness. Migration and
// diagnostics only.
func (s *Store) All() ([]types.Lock, error) {
	var locks []types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		return b.ForEach(func(k, v []byte) error {
			var lock types.Lock
			if err := json.Unmarshal(v, &lock); err != nil {
				return nil
			}
			locks = append(locks, lock)
			return nil
		})
	})
	return locks, err
}

// CleanupStale purges every lock older than the TTL and returns the
// count removed.
func (s *Store) CleanupStale() (int, error) {
	purged := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		now := s.now()

		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var lock types.Lock
			if err := json.Unmarshal(v, &lock); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			if now.Sub(lock.UpdatedAt) > s.ttl {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if purged > 0 {
		s.logger.Info().Int("count", purged).Msg("purged stale locks")
	}
	return purged, nil
}

// Rewrite replaces the whole lock table with the given rows inside one
// transaction. Used by the lock-key migration.
func (s *Store) Rewrite(locks []types.Lock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketLocks); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketLocks)
		if err != nil {
			return err
		}
		for i := range locks {
			if err := putLock(b, &locks[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
