package syncer

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vellumlab/vellum/pkg/blobstore"
	"github.com/vellumlab/vellum/pkg/catalog"
	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/events"
	"github.com/vellumlab/vellum/pkg/log"
	"github.com/vellumlab/vellum/pkg/remote"
	"github.com/vellumlab/vellum/pkg/types"
)

// transferParallelism bounds concurrent blob transfers in step 6.
const transferParallelism = 4

// Engine synchronizes the local catalog and blob store against the
// shared remote replica. At most one instance publishes a new version
// at any time: the whole sequence runs under the remote advisory lock.
type Engine struct {
	catalog *catalog.Catalog
	store   *blobstore.Store
	replica *remote.Replica
	bus     *events.Bus
	logger  zerolog.Logger

	mu        sync.Mutex
	conflicts []types.ConflictInfo
}

// New creates a sync engine. bus may be nil when no progress reporting
// is wanted.
func New(cat *catalog.Catalog, store *blobstore.Store, replica *remote.Replica, bus *events.Bus) *Engine {
	return &Engine{
		catalog: cat,
		store:   store,
		replica: replica,
		bus:     bus,
		logger:  log.WithComponent("syncer"),
	}
}

// Conflicts returns the conflicts detected by the most recent sync.
func (e *Engine) Conflicts() []types.ConflictInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.ConflictInfo(nil), e.conflicts...)
}

// CheckIfSyncNeeded is the O(1) fast path: one COUNT query plus one
// remote version probe. An unreachable remote degrades to "versions
// equal" so a quiescent offline instance still skips.
func (e *Engine) CheckIfSyncNeeded() (*types.SyncCheck, error) {
	unsynced, err := e.catalog.CountUnsynced()
	if err != nil {
		return nil, err
	}

	localVersion, err := e.catalog.GetSyncMetaInt(types.SyncMetaRemoteVersion)
	if err != nil {
		return nil, err
	}

	remoteVersion := localVersion
	if e.replica != nil {
		if v, err := e.replica.GetVersion(); err != nil {
			e.logger.Warn().Err(err).Msg("remote version probe failed")
		} else {
			remoteVersion = v
		}
	}

	return &types.SyncCheck{
		NeedsSync:     unsynced > 0 || localVersion != remoteVersion,
		LocalVersion:  localVersion,
		RemoteVersion: remoteVersion,
		UnsyncedCount: unsynced,
	}, nil
}

// diff buckets produced by compareMetadata.
type changes struct {
	localNew       []*types.FileEntry
	localModified  []*types.FileEntry
	remoteNew      []*remote.RemoteFile
	remoteModified []*remote.RemoteFile
	remoteDeleted  []*remote.RemoteFile
	conflicts      []conflictPair
}

type conflictPair struct {
	local  *types.FileEntry
	remote *remote.RemoteFile
}

// PerformSync runs the full sequence. clientID addresses progress
// events on the bus; empty means silent.
//
// Any failure before the version bump leaves the remote metadata
// database untouched — the upload never happens and the next sync
// retries from scratch. Per-file transfer failures are counted and do
// not abort the batch.
func (e *Engine) PerformSync(force bool, clientID string) (*types.SyncSummary, error) {
	if e.replica == nil {
		return nil, errdefs.InvalidArgument("no remote replica configured")
	}

	start := time.Now()
	summary := &types.SyncSummary{}
	progress := events.NewReporter(e.bus, clientID)

	defer func() {
		summary.DurationMs = time.Since(start).Milliseconds()
	}()

	progress.Progress(0, "Starting sync...")

	// Step 0: fast skip.
	if !force {
		check, err := e.CheckIfSyncNeeded()
		if err != nil {
			return nil, err
		}
		if !check.NeedsSync {
			summary.Skipped = true
			progress.Complete("No changes to sync")
			return summary, nil
		}
	}

	progress.Progress(10, "Acquiring sync lock...")

	// Step 1: remote advisory lock serializes publication globally.
	if err := e.replica.AcquireLock(); err != nil {
		summary.Errors++
		progress.Error("Failed to acquire sync lock")
		return summary, err
	}
	defer e.replica.ReleaseLock()

	e.catalog.SetSyncMeta(types.SyncMetaSyncInProgress, "1")
	defer e.catalog.SetSyncMeta(types.SyncMetaSyncInProgress, "0")

	progress.Progress(20, "Downloading remote metadata...")

	// Step 2: fetch the shared metadata database.
	meta, err := e.replica.DownloadMeta()
	if err != nil {
		summary.Errors++
		progress.Error("Failed to download remote metadata")
		return summary, err
	}
	defer remote.Cleanup(meta)

	progress.Progress(30, "Comparing metadata...")

	// Step 3: diff.
	ch, err := e.compareMetadata(meta)
	if err != nil {
		summary.Errors++
		return summary, err
	}
	summary.Conflicts = len(ch.conflicts)
	e.recordConflicts(ch.conflicts)

	currentVersion, err := meta.GetVersion()
	if err != nil {
		summary.Errors++
		return summary, err
	}
	newVersion := currentVersion + 1

	progress.Progress(40, "Syncing deletions...")

	// Steps 4 and 5: deletion propagation, both directions.
	e.applyRemoteDeletions(ch, summary)
	e.publishLocalDeletions(meta, newVersion, summary)

	progress.Progress(55, "Syncing files...")

	// Step 6: blob transfer.
	e.transferBlobs(meta, ch, newVersion, summary)

	progress.Progress(75, "Syncing metadata...")

	// Step 7: metadata-only updates from the remote.
	e.applyRemoteMetadata(ch, summary)

	// Step 8: version bump. From here on the new state is committed.
	if err := meta.SetVersion(newVersion); err != nil {
		summary.Errors++
		return summary, fmt.Errorf("set metadata version: %w", err)
	}
	summary.NewVersion = newVersion

	progress.Progress(90, "Uploading metadata...")

	// Step 9: publish the metadata database, then the version marker.
	if err := e.replica.UploadMeta(meta); err != nil {
		summary.Errors++
		progress.Error("Failed to upload metadata")
		return summary, err
	}
	if err := e.replica.SetVersion(newVersion); err != nil {
		summary.Errors++
		return summary, err
	}

	e.catalog.SetSyncMeta(types.SyncMetaRemoteVersion, strconv.Itoa(newVersion))
	e.catalog.SetSyncMeta(types.SyncMetaLastSyncTime, time.Now().UTC().Format(time.RFC3339))

	progress.Complete("Sync complete")

	e.logger.Info().
		Int("version", newVersion).
		Int("uploads", summary.Uploads).
		Int("downloads", summary.Downloads).
		Int("errors", summary.Errors).
		Msg("sync finished")

	// Step 10 (release lock) runs in the defer.
	return summary, nil
}

// compareMetadata diffs local rows against remote rows keyed by
// content hash.
func (e *Engine) compareMetadata(meta *remote.MetaDB) (*changes, error) {
	localFiles, err := e.catalog.AllFiles(true)
	if err != nil {
		return nil, err
	}
	remoteFiles, err := meta.GetAllFiles(true)
	if err != nil {
		return nil, err
	}

	localByHash := make(map[string]*types.FileEntry, len(localFiles))
	for _, f := range localFiles {
		localByHash[f.ContentHash] = f
	}
	remoteByHash := make(map[string]*remote.RemoteFile, len(remoteFiles))
	for _, f := range remoteFiles {
		remoteByHash[f.ContentHash] = f
	}

	ch := &changes{}

	for hash, local := range localByHash {
		rf, exists := remoteByHash[hash]
		if !exists {
			if !local.Deleted {
				ch.localNew = append(ch.localNew, local)
			}
			continue
		}

		localModified := local.SyncStatus != types.SyncStatusSynced &&
			local.SyncStatus != types.SyncStatusDeletionSynced

		switch {
		case localModified && rf.Deleted && !local.Deleted:
			ch.conflicts = append(ch.conflicts, conflictPair{local: local, remote: rf})
		case localModified && !local.Deleted:
			ch.localModified = append(ch.localModified, local)
		}
	}

	for hash, rf := range remoteByHash {
		local, exists := localByHash[hash]
		if !exists {
			if !rf.Deleted {
				ch.remoteNew = append(ch.remoteNew, rf)
			}
			continue
		}

		if rf.Deleted {
			if !local.Deleted && local.SyncStatus == types.SyncStatusSynced {
				ch.remoteDeleted = append(ch.remoteDeleted, rf)
			}
			continue
		}

		if rf.UpdatedAt.After(local.UpdatedAt) && local.SyncStatus == types.SyncStatusSynced {
			ch.remoteModified = append(ch.remoteModified, rf)
		}
	}

	return ch, nil
}

func (e *Engine) recordConflicts(pairs []conflictPair) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conflicts = e.conflicts[:0]
	for _, p := range pairs {
		e.conflicts = append(e.conflicts, types.ConflictInfo{
			ContentHash:      p.local.ContentHash,
			StableID:         p.local.StableID,
			Filename:         p.local.Filename,
			DocID:            p.local.DocID,
			LocalModifiedAt:  p.local.LocalModifiedAt,
			RemoteModifiedAt: p.remote.UpdatedAt,
		})
		e.logger.Warn().
			Str("stable_id", p.local.StableID).
			Str("hash", log.Abbrev(p.local.ContentHash)).
			Msg("sync conflict: locally modified, remotely deleted")
	}
}

// applyRemoteDeletions soft-deletes local rows the remote marked
// deleted. The catalog's reference counting reclaims the blobs.
func (e *Engine) applyRemoteDeletions(ch *changes, summary *types.SyncSummary) {
	for _, rf := range ch.remoteDeleted {
		if err := e.catalog.SoftDelete(rf.ContentHash); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			e.logger.Error().Err(err).
				Str("hash", log.Abbrev(rf.ContentHash)).
				Msg("failed to apply remote deletion")
			summary.Errors++
			continue
		}
		summary.DeletionsLocal++
		e.logger.Info().Str("hash", log.Abbrev(rf.ContentHash)).Msg("applied remote deletion")
	}
}

// publishLocalDeletions marks locally deleted rows as deleted on the
// remote and records the deletion as synced so it is never re-sent.
func (e *Engine) publishLocalDeletions(meta *remote.MetaDB, version int, summary *types.SyncSummary) {
	deleted, err := e.catalog.DeletedPendingSync()
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list pending deletions")
		summary.Errors++
		return
	}

	for _, local := range deleted {
		if err := meta.MarkDeleted(local.ContentHash, version); err != nil {
			e.logger.Error().Err(err).
				Str("hash", log.Abbrev(local.ContentHash)).
				Msg("failed to mark remote deletion")
			summary.Errors++
			continue
		}
		if err := e.catalog.MarkDeletionSynced(local.ContentHash, version); err != nil {
			summary.Errors++
			continue
		}
		summary.DeletionsRemote++
	}
}

// transferBlobs uploads local_new and local_modified entries and
// downloads remote_new rows, a bounded number in flight at once.
// Individual failures are counted; the batch always completes.
func (e *Engine) transferBlobs(meta *remote.MetaDB, ch *changes, version int, summary *types.SyncSummary) {
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(transferParallelism)

	uploads := append([]*types.FileEntry{}, ch.localNew...)
	uploads = append(uploads, ch.localModified...)

	for _, local := range uploads {
		g.Go(func() error {
			if err := e.uploadOne(meta, local, version); err != nil {
				e.logger.Error().Err(err).Str("file", local.Filename).Msg("upload failed")
				mu.Lock()
				summary.Errors++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			summary.Uploads++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Downloads run after uploads. Uploads write rows into the shared
	// metadata database; downloads only fill the local store and
	// catalog, whose insert path allocates stable IDs.
	for _, rf := range ch.remoteNew {
		g.Go(func() error {
			if err := e.downloadOne(rf, version); err != nil {
				e.logger.Error().Err(err).Str("file", rf.Filename).Msg("download failed")
				mu.Lock()
				summary.Errors++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			summary.Downloads++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
}

func (e *Engine) uploadOne(meta *remote.MetaDB, local *types.FileEntry, version int) error {
	localPath, err := e.store.Path(local.ContentHash, local.FileType)
	if err != nil {
		return err
	}
	if !e.store.Exists(local.ContentHash, local.FileType) {
		return errdefs.NotFound("blob for %s missing locally", log.Abbrev(local.ContentHash))
	}

	remotePath := e.replica.BlobPath(local.ContentHash, local.FileType)
	if err := e.replica.UploadBlob(localPath, remotePath); err != nil {
		return err
	}

	if err := meta.UpsertFile(localToRemote(local, version)); err != nil {
		return err
	}

	if err := e.catalog.MarkSynced(local.ContentHash, version); err != nil {
		return err
	}

	e.logger.Info().Str("file", local.Filename).Msg("uploaded")
	return nil
}

func (e *Engine) downloadOne(rf *remote.RemoteFile, version int) error {
	content, err := e.replica.ReadBlob(e.replica.BlobPath(rf.ContentHash, rf.FileType))
	if err != nil {
		return err
	}

	hash, _, err := e.store.Put(content, rf.FileType)
	if err != nil {
		return err
	}
	if hash != rf.ContentHash {
		return errdefs.Integrity("downloaded blob hashes to %s, expected %s",
			log.Abbrev(hash), log.Abbrev(rf.ContentHash))
	}

	entry := &types.FileEntry{
		ContentHash:    rf.ContentHash,
		StableID:       rf.StableID,
		Filename:       rf.Filename,
		DocID:          rf.DocID,
		DocIDType:      rf.DocIDType,
		FileType:       rf.FileType,
		MimeType:       rf.MimeType,
		FileSize:       rf.FileSize,
		Label:          rf.Label,
		Variant:        rf.Variant,
		Version:        rf.Version,
		IsGoldStandard: rf.IsGoldStandard,
		DocCollections: rf.DocCollections,
		DocMetadata:    rf.DocMetadata,
		FileMetadata:   rf.FileMetadata,
	}

	if _, err := e.catalog.Insert(entry); err != nil {
		return err
	}
	if err := e.catalog.MarkSynced(rf.ContentHash, version); err != nil {
		return err
	}

	e.logger.Info().Str("file", rf.Filename).Msg("downloaded")
	return nil
}

// applyRemoteMetadata applies metadata-only changes, never touching
// sync_status: these changes came from the remote and must not be
// re-published as local edits.
func (e *Engine) applyRemoteMetadata(ch *changes, summary *types.SyncSummary) {
	for _, rf := range ch.remoteModified {
		err := e.catalog.ApplyRemoteMetadata(rf.ContentHash, catalog.RemoteMetadata{
			Label:          rf.Label,
			Variant:        rf.Variant,
			Version:        rf.Version,
			IsGoldStandard: rf.IsGoldStandard,
			RemoteVersion:  rf.RemoteVersion,
			DocCollections: rf.DocCollections,
			DocMetadata:    rf.DocMetadata,
			FileMetadata:   rf.FileMetadata,
		})
		if err != nil {
			e.logger.Error().Err(err).
				Str("hash", log.Abbrev(rf.ContentHash)).
				Msg("failed to apply remote metadata")
			summary.Errors++
			continue
		}
		summary.MetadataUpdates++
	}
}

func localToRemote(local *types.FileEntry, version int) *remote.RemoteFile {
	return &remote.RemoteFile{
		ContentHash:    local.ContentHash,
		StableID:       local.StableID,
		Filename:       local.Filename,
		DocID:          local.DocID,
		DocIDType:      local.DocIDType,
		FileType:       local.FileType,
		MimeType:       local.MimeType,
		FileSize:       local.FileSize,
		Label:          local.Label,
		Variant:        local.Variant,
		Version:        local.Version,
		IsGoldStandard: local.IsGoldStandard,
		DocCollections: local.DocCollections,
		DocMetadata:    local.DocMetadata,
		FileMetadata:   local.FileMetadata,
		Deleted:        local.Deleted,
		RemoteVersion:  version,
	}
}
