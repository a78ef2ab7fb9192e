package manager

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/vellumlab/vellum/pkg/blobstore"
	"github.com/vellumlab/vellum/pkg/catalog"
	"github.com/vellumlab/vellum/pkg/config"
	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/events"
	"github.com/vellumlab/vellum/pkg/exporter"
	"github.com/vellumlab/vellum/pkg/gc"
	"github.com/vellumlab/vellum/pkg/importer"
	"github.com/vellumlab/vellum/pkg/lockstore"
	"github.com/vellumlab/vellum/pkg/log"
	"github.com/vellumlab/vellum/pkg/metrics"
	"github.com/vellumlab/vellum/pkg/migrate"
	"github.com/vellumlab/vellum/pkg/remote"
	"github.com/vellumlab/vellum/pkg/syncer"
	"github.com/vellumlab/vellum/pkg/types"
)

// Manager owns the storage engine's lifecycle and orchestrates writer
// operations across the catalog, reference counter, blob store, and
// lock store. On insert the blob is written first, then the catalog row
// and its reference count; on delete the row is soft-deleted, its count
// decremented, and the blob removed once the count reaches zero.
type Manager struct {
	cfg     *config.Config
	store   *blobstore.Store
	catalog *catalog.Catalog
	locks   *lockstore.Store
	replica *remote.Replica
	engine  *syncer.Engine
	bus     *events.Bus
	logger  zerolog.Logger

	// fileLock guards the data directory against a second process.
	fileLock *flock.Flock
}

// New initializes the full engine under the configured data root:
// directory layout, process guard, blob store, catalog, lock store,
// and pending schema migrations. The returned manager must be shut
// down to release the data directory.
func New(cfg *config.Config) (*Manager, error) {
	for _, dir := range []string{cfg.FilesDir(), cfg.DBDir(), cfg.SchemaCacheDir(), cfg.TmpDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data layout: %w", err)
		}
	}

	fileLock := flock.New(filepath.Join(cfg.DataRoot, ".vellum.lock"))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data directory: %w", err)
	}
	if !locked {
		return nil, errdefs.LockFailed("data directory %s is in use by another process", cfg.DataRoot)
	}

	m := &Manager{
		cfg:      cfg,
		bus:      events.NewBus(),
		logger:   log.WithComponent("manager"),
		fileLock: fileLock,
	}

	cleanup := func() {
		if m.locks != nil {
			m.locks.Close()
		}
		if m.catalog != nil {
			m.catalog.Close()
		}
		fileLock.Unlock()
	}

	m.store, err = blobstore.New(cfg.FilesDir())
	if err != nil {
		cleanup()
		return nil, err
	}

	m.catalog, err = catalog.New(cfg.MetadataDB(), m.store)
	if err != nil {
		cleanup()
		return nil, err
	}

	m.locks, err = lockstore.OpenWithTTL(cfg.LocksDB(), cfg.LockTTL.Std())
	if err != nil {
		cleanup()
		return nil, err
	}

	runner := migrate.NewRunner(&migrate.Env{
		DB:      m.catalog.DB(),
		Locks:   m.locks,
		Store:   m.store,
		Catalog: m.catalog,
	})
	if _, err := runner.Run(); err != nil {
		cleanup()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if cfg.WebDAV.Enabled {
		m.replica, err = remote.New(cfg.WebDAV)
		if err != nil {
			cleanup()
			return nil, err
		}
		m.replica.SetLockTimings(cfg.RemoteLockTTL.Std(), cfg.RemoteLockTimeout.Std())
		m.engine = syncer.New(m.catalog, m.store, m.replica, m.bus)
	}

	m.bus.Start()

	m.logger.Info().Str("data_root", cfg.DataRoot).Msg("storage engine initialized")
	return m, nil
}

// Shutdown releases every handle. Safe to call once.
func (m *Manager) Shutdown() {
	m.bus.Stop()
	if m.locks != nil {
		m.locks.Close()
	}
	if m.catalog != nil {
		m.catalog.Close()
	}
	if m.fileLock != nil {
		m.fileLock.Unlock()
	}
	m.logger.Info().Msg("storage engine shut down")
}

// Accessors for the component handles. The HTTP surface wraps these in
// request-scoped dependencies.

func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }
func (m *Manager) Store() *blobstore.Store   { return m.store }
func (m *Manager) Locks() *lockstore.Store   { return m.locks }
func (m *Manager) Bus() *events.Bus          { return m.bus }
func (m *Manager) Config() *config.Config    { return m.cfg }
func (m *Manager) Replica() *remote.Replica  { return m.replica }

// SaveStatus describes what a save operation did.
type SaveStatus string

const (
	SaveStatusSaved      SaveStatus = "saved"       // edit-in-place
	SaveStatusNew        SaveStatus = "new"         // new entry created
	SaveStatusNewVersion SaveStatus = "new_version" // new version row
)

// SaveContent writes new content for the file addressed by fileID
// (stable ID or content hash) on behalf of sessionID. The session must
// hold — or be able to take — the file's lock.
//
// With newVersion false this is an edit-in-place: the stable ID stays,
// the content hash moves, and the lock (keyed by stable ID) remains
// valid without any transfer step. With newVersion true a fresh
// versioned entry is created alongside the old one.
func (m *Manager) SaveContent(fileID string, content []byte, sessionID string, newVersion bool) (*types.FileEntry, SaveStatus, error) {
	entry, err := m.catalog.Resolve(fileID)
	if err != nil {
		return nil, "", err
	}

	ok, err := m.locks.Acquire(entry.StableID, sessionID)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		status, _ := m.locks.Check(entry.StableID, sessionID)
		return nil, "", errdefs.Conflict("file %s locked by session %s",
			entry.StableID, log.Abbrev(status.LockedBy))
	}

	hash, _, err := m.store.Put(content, entry.FileType)
	if err != nil {
		return nil, "", err
	}

	if newVersion {
		version, err := m.catalog.NextVersion(entry.DocID, entry.Variant)
		if err != nil {
			return nil, "", err
		}
		newEntry := &types.FileEntry{
			ContentHash:    hash,
			Filename:       entry.Filename,
			DocID:          entry.DocID,
			DocIDType:      entry.DocIDType,
			FileType:       entry.FileType,
			MimeType:       entry.MimeType,
			FileSize:       int64(len(content)),
			Label:          entry.Label,
			Variant:        entry.Variant,
			Version:        &version,
			DocCollections: entry.DocCollections,
			DocMetadata:    entry.DocMetadata,
			FileMetadata:   entry.FileMetadata,
		}
		created, err := m.catalog.Insert(newEntry)
		if err != nil {
			return nil, "", err
		}
		return created, SaveStatusNewVersion, nil
	}

	if hash == entry.ContentHash {
		return entry, SaveStatusSaved, nil
	}

	updated, err := m.catalog.UpdateContentHash(entry.ContentHash, hash, int64(len(content)))
	if err != nil {
		return nil, "", err
	}
	return updated, SaveStatusSaved, nil
}

// CreateFile stores content and catalogs a brand-new entry.
func (m *Manager) CreateFile(content []byte, entry *types.FileEntry) (*types.FileEntry, error) {
	if !entry.FileType.Valid() {
		return nil, errdefs.InvalidArgument("unknown file type %q", entry.FileType)
	}

	hash, _, err := m.store.Put(content, entry.FileType)
	if err != nil {
		return nil, err
	}
	entry.ContentHash = hash
	entry.FileSize = int64(len(content))

	return m.catalog.Insert(entry)
}

// ReadFile returns an entry's content.
func (m *Manager) ReadFile(fileID string) (*types.FileEntry, []byte, error) {
	entry, err := m.catalog.Resolve(fileID)
	if err != nil {
		return nil, nil, err
	}
	content, err := m.store.Get(entry.ContentHash, entry.FileType)
	if err != nil {
		return nil, nil, err
	}
	return entry, content, nil
}

// DeleteFiles soft-deletes a batch. Per-file failures accumulate; the
// batch completes.
func (m *Manager) DeleteFiles(fileIDs []string, sessionID string) []types.ItemError {
	var errs []types.ItemError

	for _, fileID := range fileIDs {
		entry, err := m.catalog.Resolve(fileID)
		if err != nil {
			errs = append(errs, types.ItemError{ID: fileID, Error: err.Error()})
			continue
		}

		status, err := m.locks.Check(entry.StableID, sessionID)
		if err == nil && status.IsLocked {
			errs = append(errs, types.ItemError{
				ID:    fileID,
				Error: errdefs.Conflict("locked by session %s", log.Abbrev(status.LockedBy)).Error(),
			})
			continue
		}

		if err := m.catalog.SoftDelete(entry.ContentHash); err != nil {
			errs = append(errs, types.ItemError{ID: fileID, Error: err.Error()})
		}
	}
	return errs
}

// UndeleteFile restores a soft-deleted entry.
func (m *Manager) UndeleteFile(fileID, label string) (*types.FileEntry, error) {
	if len(fileID) == 64 {
		return m.catalog.Undelete(fileID, label)
	}
	entry, err := m.catalog.GetByStableID(fileID, true)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errdefs.NotFound("file %s", fileID)
	}
	return m.catalog.Undelete(entry.ContentHash, label)
}

// CopyToCollection adds every live entry of the file's document group
// to the destination collection. Content is shared, not duplicated:
// the rows gain a collection tag and the blobs stay deduplicated.
func (m *Manager) CopyToCollection(fileID, destCollection string) error {
	return m.retagCollections(fileID, destCollection, false)
}

// MoveToCollection replaces the group's collection membership with the
// destination collection.
func (m *Manager) MoveToCollection(fileID, destCollection string) error {
	return m.retagCollections(fileID, destCollection, true)
}

func (m *Manager) retagCollections(fileID, destCollection string, replace bool) error {
	if destCollection == "" {
		return errdefs.InvalidArgument("destination collection must not be empty")
	}

	entry, err := m.catalog.Resolve(fileID)
	if err != nil {
		return err
	}

	group, err := m.catalog.ByDocID(entry.DocID, false)
	if err != nil {
		return err
	}

	for _, e := range group {
		var collections []string
		if replace {
			collections = []string{destCollection}
		} else {
			collections = append([]string{}, e.DocCollections...)
			exists := false
			for _, c := range collections {
				if c == destCollection {
					exists = true
					break
				}
			}
			if !exists {
				collections = append(collections, destCollection)
			}
		}
		if err := m.catalog.UpdateCollections(e.ContentHash, collections); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat refreshes the session's lock on a file. The reentrant
// acquire pushes the lock's updated_at forward; a false return means the lock
// was lost to another session in the meantime.
func (m *Manager) Heartbeat(fileID, sessionID string) error {
	entry, err := m.catalog.Resolve(fileID)
	if err != nil {
		return err
	}
	ok, err := m.locks.Acquire(entry.StableID, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.Conflict("lock on %s lost", entry.StableID)
	}
	return nil
}

// Sync runs a synchronization against the configured remote.
func (m *Manager) Sync(force bool, clientID string) (*types.SyncSummary, error) {
	if m.engine == nil {
		return nil, errdefs.InvalidArgument("webdav remote not configured")
	}

	timer := metrics.NewTimer()
	summary, err := m.engine.PerformSync(force, clientID)
	timer.ObserveDuration(metrics.SyncDuration)

	switch {
	case err != nil:
		metrics.SyncRuns.WithLabelValues("failed").Inc()
	case summary.Skipped:
		metrics.SyncRuns.WithLabelValues("skipped").Inc()
	default:
		metrics.SyncRuns.WithLabelValues("completed").Inc()
		metrics.SyncTransfers.WithLabelValues("upload").Add(float64(summary.Uploads))
		metrics.SyncTransfers.WithLabelValues("download").Add(float64(summary.Downloads))
	}
	return summary, err
}

// SyncStatus runs the O(1) fast-path check.
func (m *Manager) SyncStatus() (*types.SyncCheck, error) {
	if m.engine == nil {
		return nil, errdefs.InvalidArgument("webdav remote not configured")
	}
	return m.engine.CheckIfSyncNeeded()
}

// RunGC executes garbage collection with the engine's scratch dirs
// wired in.
func (m *Manager) RunGC(opts gc.Options) (*types.GCStats, error) {
	collector := gc.New(m.catalog, m.store)
	collector.SchemaCacheDir = m.cfg.SchemaCacheDir()
	collector.TmpDir = m.cfg.TmpDir()

	stats, err := collector.Run(opts)
	if err == nil {
		metrics.GCRuns.Inc()
		metrics.GCReclaimedBytes.Add(float64(stats.StorageFreed))
	}
	return stats, err
}

// NewImporter builds an importer over this engine.
func (m *Manager) NewImporter() (*importer.Importer, error) {
	return importer.New(m.catalog, m.store, m.cfg.Import)
}

// NewExporter builds an exporter over this engine.
func (m *Manager) NewExporter() *exporter.Exporter {
	return exporter.New(m.catalog, m.store)
}

// UpdateMetrics refreshes the storage gauges from current state.
func (m *Manager) UpdateMetrics() error {
	stats, err := m.store.Stats()
	if err != nil {
		return err
	}
	for ft, count := range stats.BlobsByType {
		metrics.BlobsTotal.WithLabelValues(string(ft)).Set(float64(count))
	}
	for ft, size := range stats.SizeByType {
		metrics.StorageBytes.WithLabelValues(string(ft)).Set(float64(size))
	}

	live, err := m.catalog.AllFiles(false)
	if err != nil {
		return err
	}
	all, err := m.catalog.AllFiles(true)
	if err != nil {
		return err
	}
	metrics.CatalogEntries.WithLabelValues("live").Set(float64(len(live)))
	metrics.CatalogEntries.WithLabelValues("deleted").Set(float64(len(all) - len(live)))

	active, err := m.locks.ActiveLocks("")
	if err != nil {
		return err
	}
	metrics.ActiveLocks.Set(float64(len(active)))

	return nil
}

// CleanupStaleLocks purges expired locks; meant to run periodically.
func (m *Manager) CleanupStaleLocks() (int, error) {
	return m.locks.CleanupStale()
}
