package remote

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/studio-b12/gowebdav"

	"github.com/vellumlab/vellum/pkg/config"
	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/log"
	"github.com/vellumlab/vellum/pkg/types"
)

const (
	// Advisory remote lock staleness threshold and acquisition limits.
	lockTTL        = 60 * time.Second
	lockAcquireMax = 300 * time.Second
	lockPollEvery  = 2 * time.Second

	metadataDBName = "metadata.db"
	versionName    = "version.txt"
	lockName       = "version.txt.lock"
)

// Replica is the WebDAV-backed remote: a shared metadata database, a
// version marker, an advisory lock file, and a sharded object store
// mirroring the local blob layout.
type Replica struct {
	client *gowebdav.Client
	root   string
	holder string
	logger zerolog.Logger

	lockTTL        time.Duration
	lockAcquireMax time.Duration
}

// New creates a replica handle for the configured WebDAV endpoint. The
// holder tag identifies this instance in the remote lock file.
func New(cfg config.WebDAV) (*Replica, error) {
	if cfg.BaseURL == "" {
		return nil, errdefs.InvalidArgument("webdav base URL must not be empty")
	}

	client := gowebdav.NewClient(cfg.BaseURL, cfg.Username, cfg.Password)

	return &Replica{
		client:         client,
		root:           strings.TrimSuffix(cfg.RemoteRoot, "/"),
		holder:         uuid.NewString(),
		logger:         log.WithComponent("remote"),
		lockTTL:        lockTTL,
		lockAcquireMax: lockAcquireMax,
	}, nil
}

// SetLockTimings overrides the advisory lock TTL and acquisition
// timeout. The manager applies the configured values through it.
func (r *Replica) SetLockTimings(ttl, acquireMax time.Duration) {
	r.lockTTL = ttl
	r.lockAcquireMax = acquireMax
}

// Holder returns the instance tag written into the remote lock file.
func (r *Replica) Holder() string {
	return r.holder
}

func (r *Replica) remotePath(parts ...string) string {
	return path.Join(append([]string{r.root}, parts...)...)
}

// BlobPath returns the remote path for a blob, using the same sharded
// layout as the local store.
func (r *Replica) BlobPath(hash string, ft types.FileType) string {
	return r.remotePath(hash[:2], hash+ft.Extension())
}

// ensureRoot creates the remote root directory when absent.
func (r *Replica) ensureRoot() error {
	if _, err := r.client.Stat(r.root); err == nil {
		return nil
	}
	if err := r.client.MkdirAll(r.root, 0o755); err != nil {
		return errdefs.RemoteUnavailable(fmt.Errorf("create remote root: %w", err))
	}
	return nil
}

// Version marker

// GetVersion reads version.txt, initializing it to 1 when absent.
func (r *Replica) GetVersion() (int, error) {
	p := r.remotePath(versionName)

	data, err := r.client.Read(p)
	if err != nil {
		if isNotFound(err) {
			if err := r.ensureRoot(); err != nil {
				return 0, err
			}
			if err := r.client.Write(p, []byte("1"), 0o644); err != nil {
				return 0, errdefs.RemoteUnavailable(fmt.Errorf("initialize version file: %w", err))
			}
			return 1, nil
		}
		return 0, errdefs.RemoteUnavailable(fmt.Errorf("read version file: %w", err))
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed remote version %q: %w", string(data), err)
	}
	return n, nil
}

// SetVersion writes version.txt.
func (r *Replica) SetVersion(n int) error {
	if err := r.client.Write(r.remotePath(versionName), []byte(strconv.Itoa(n)), 0o644); err != nil {
		return errdefs.RemoteUnavailable(fmt.Errorf("write version file: %w", err))
	}
	r.logger.Info().Int("version", n).Msg("updated remote version")
	return nil
}

// Advisory lock

type lockFile struct {
	Timestamp time.Time `json:"timestamp"`
	Holder    string    `json:"holder"`
}

// AcquireLock takes the remote advisory lock, polling until success or
// the acquisition timeout. Locks older than the TTL are taken over.
func (r *Replica) AcquireLock() error {
	if err := r.ensureRoot(); err != nil {
		return err
	}

	lockPath := r.remotePath(lockName)
	deadline := time.Now().Add(r.lockAcquireMax)

	for time.Now().Before(deadline) {
		data, err := r.client.Read(lockPath)
		if err == nil {
			var lf lockFile
			stale := true
			if jerr := json.Unmarshal(data, &lf); jerr == nil {
				stale = time.Since(lf.Timestamp) > r.lockTTL
			}
			if !stale {
				time.Sleep(lockPollEvery)
				continue
			}
			r.logger.Warn().Str("holder", lf.Holder).Msg("taking over stale remote lock")
			if err := r.client.Remove(lockPath); err != nil && !isNotFound(err) {
				time.Sleep(lockPollEvery)
				continue
			}
		} else if !isNotFound(err) {
			r.logger.Debug().Err(err).Msg("remote lock probe failed")
			time.Sleep(lockPollEvery)
			continue
		}

		payload, _ := json.Marshal(lockFile{Timestamp: time.Now().UTC(), Holder: r.holder})
		if err := r.client.Write(lockPath, payload, 0o644); err != nil {
			time.Sleep(lockPollEvery)
			continue
		}

		r.logger.Info().Str("holder", r.holder).Msg("acquired remote lock")
		return nil
	}

	return errdefs.LockFailed("remote lock not acquired within %s", r.lockAcquireMax)
}

// ReleaseLock removes the advisory lock file. Failures are logged, not
// fatal: a leftover lock goes stale after the TTL.
func (r *Replica) ReleaseLock() {
	if err := r.client.Remove(r.remotePath(lockName)); err != nil && !isNotFound(err) {
		r.logger.Warn().Err(err).Msg("failed to release remote lock")
		return
	}
	r.logger.Debug().Msg("released remote lock")
}

// Metadata database transfer

// DownloadMeta fetches the shared metadata database into a temporary
// file and opens it. When the remote database does not exist yet, a
// fresh one is initialized with the remote schema and version 1.
func (r *Replica) DownloadMeta() (*MetaDB, error) {
	tmp, err := os.CreateTemp("", "remote_metadata_*.db")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	remoteDB := r.remotePath(metadataDBName)

	data, err := r.client.Read(remoteDB)
	switch {
	case err == nil:
		if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
			os.Remove(tmpPath)
			return nil, fmt.Errorf("write downloaded metadata: %w", err)
		}
		r.logger.Info().Int("size", len(data)).Msg("downloaded remote metadata database")
		return openMetaDB(tmpPath, false)

	case isNotFound(err):
		r.logger.Info().Msg("remote metadata database not found, creating fresh")
		os.Remove(tmpPath)
		return openMetaDB(tmpPath, true)

	default:
		os.Remove(tmpPath)
		return nil, errdefs.RemoteUnavailable(fmt.Errorf("download metadata database: %w", err))
	}
}

// UploadMeta pushes the (closed or checkpointed) metadata database file
// back to the remote.
func (r *Replica) UploadMeta(m *MetaDB) error {
	if err := m.checkpoint(); err != nil {
		return err
	}

	data, err := os.ReadFile(m.Path())
	if err != nil {
		return fmt.Errorf("read metadata database: %w", err)
	}

	if err := r.ensureRoot(); err != nil {
		return err
	}
	if err := r.client.Write(r.remotePath(metadataDBName), data, 0o644); err != nil {
		return errdefs.RemoteUnavailable(fmt.Errorf("upload metadata database: %w", err))
	}

	r.logger.Info().Int("size", len(data)).Msg("uploaded metadata database")
	return nil
}

// Blob transport

// UploadBlob pushes a local blob file to its remote sharded path.
func (r *Replica) UploadBlob(localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read local blob: %w", err)
	}

	dir := path.Dir(remotePath)
	if _, err := r.client.Stat(dir); err != nil {
		if err := r.client.MkdirAll(dir, 0o755); err != nil {
			return errdefs.RemoteUnavailable(fmt.Errorf("create remote shard: %w", err))
		}
	}

	if err := r.client.Write(remotePath, data, 0o644); err != nil {
		return errdefs.RemoteUnavailable(fmt.Errorf("upload blob: %w", err))
	}
	return nil
}

// ReadBlob fetches a remote blob into memory.
func (r *Replica) ReadBlob(remotePath string) ([]byte, error) {
	data, err := r.client.Read(remotePath)
	if err != nil {
		if isNotFound(err) {
			return nil, errdefs.NotFound("remote blob %s", remotePath)
		}
		return nil, errdefs.RemoteUnavailable(fmt.Errorf("download blob: %w", err))
	}
	return data, nil
}

// DownloadBlob fetches a remote blob into a local file, creating parent
// directories as needed.
func (r *Replica) DownloadBlob(remotePath, localPath string) error {
	data, err := r.client.Read(remotePath)
	if err != nil {
		if isNotFound(err) {
			return errdefs.NotFound("remote blob %s", remotePath)
		}
		return errdefs.RemoteUnavailable(fmt.Errorf("download blob: %w", err))
	}

	if err := os.MkdirAll(path.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create local directory: %w", err)
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return fmt.Errorf("write local blob: %w", err)
	}
	return nil
}

// Cleanup removes a downloaded metadata database. Windows releases
// mapped file handles lazily, so deletion retries with brief backoff
// before giving up; the OS temp cleaner collects true stragglers.
func Cleanup(m *MetaDB) {
	if m == nil {
		return
	}
	path := m.Path()
	m.Close()

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 4)
	err := backoff.Retry(func() error {
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		return err
	}, bo)
	if err != nil {
		logger := log.WithComponent("remote")
		logger.Debug().Str("path", path).Msg("temp metadata file left for OS cleanup")
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if os.IsNotExist(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "404") || strings.Contains(msg, "Not Found")
}
