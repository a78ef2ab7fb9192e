package gc

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/vellumlab/vellum/pkg/blobstore"
	"github.com/vellumlab/vellum/pkg/catalog"
	"github.com/vellumlab/vellum/pkg/log"
	"github.com/vellumlab/vellum/pkg/types"
)

// Collector reclaims storage: purged rows, orphan blobs, duplicate
// rows, inconsistent collection state, and stale scratch files. Phases
// run in a fixed order; physical blobs are only ever deleted behind the
// reference-count safety check.
type Collector struct {
	catalog *catalog.Catalog
	store   *blobstore.Store
	logger  zerolog.Logger

	// Scratch directories cleared in the final phase (files only,
	// recursive; the directories themselves stay).
	SchemaCacheDir string
	TmpDir         string
}

// Options for one collection run.
type Options struct {
	// DeletedBefore is the purge cutoff: soft-deleted rows older than
	// this are permanently removed. Callers enforce their own freshness
	// policy (the HTTP surface restricts non-admins to cutoffs ≥ 24 h);
	// the collector takes the timestamp as given.
	DeletedBefore time.Time
	// SyncStatus optionally restricts the purge phase.
	SyncStatus types.SyncStatus
	DryRun     bool
}

// New creates a collector.
func New(cat *catalog.Catalog, store *blobstore.Store) *Collector {
	return &Collector{
		catalog: cat,
		store:   store,
		logger:  log.WithComponent("gc"),
	}
}

// Run executes all phases in order and returns per-phase statistics.
// Phase failures are counted and do not stop later phases.
func (c *Collector) Run(opts Options) (*types.GCStats, error) {
	stats := &types.GCStats{}

	c.purgeDeletedRows(opts, stats)
	c.deleteOrphanBlobs(opts.DryRun, stats)
	c.removeDuplicateRows(opts.DryRun, stats)
	c.reconcileTEICollections(opts.DryRun, stats)
	c.assignInbox(opts.DryRun, stats)
	c.deleteOrphanXML(opts, stats)
	c.clearScratch(opts.DryRun, stats)

	c.logger.Info().
		Int("purged", stats.PurgedCount).
		Int("blobs_deleted", stats.FilesDeleted).
		Int64("storage_freed", stats.StorageFreed).
		Int("errors", stats.Errors).
		Msg("garbage collection complete")

	return stats, nil
}

// Phase 1: purge soft-deleted rows older than the cutoff, physically
// deleting blobs whose reference count is zero afterwards.
func (c *Collector) purgeDeletedRows(opts Options, stats *types.GCStats) {
	entries, err := c.catalog.DeletedForGC(opts.DeletedBefore, opts.SyncStatus)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list deleted rows")
		stats.Errors++
		return
	}
	if len(entries) == 0 {
		return
	}

	c.logger.Info().Int("count", len(entries)).Msg("purging deleted rows")
	deletedHashes := make(map[string]bool)

	for _, e := range entries {
		if opts.DryRun {
			stats.PurgedCount++
			continue
		}

		if err := c.catalog.PermanentlyDelete(e.ContentHash); err != nil {
			c.logger.Warn().Err(err).Str("hash", log.Abbrev(e.ContentHash)).Msg("failed to purge row")
			stats.Errors++
			continue
		}
		stats.PurgedCount++

		if deletedHashes[e.ContentHash] {
			continue
		}
		c.deleteBlobIfUnreferenced(e.ContentHash, e.FileType, stats, deletedHashes)
	}
}

// deleteBlobIfUnreferenced removes a blob only when its reference count
// is zero or it is untracked, then drops the counter row.
func (c *Collector) deleteBlobIfUnreferenced(hash string, ft types.FileType, stats *types.GCStats, seen map[string]bool) {
	count, tracked, err := c.catalog.Refs().Get(hash)
	if err != nil {
		stats.Errors++
		return
	}
	if tracked && count > 0 {
		c.logger.Debug().
			Str("hash", log.Abbrev(hash)).
			Int("refs", count).
			Msg("blob still referenced, keeping")
		return
	}

	var size int64
	if path, err := c.store.Path(hash, ft); err == nil {
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
	}

	deleted, err := c.store.Delete(hash, ft)
	if err != nil {
		stats.Errors++
		return
	}
	if deleted {
		stats.FilesDeleted++
		stats.StorageFreed += size
		seen[hash] = true
	}
	if err := c.catalog.Refs().RemoveEntry(hash); err != nil {
		stats.Errors++
	}
}

// Phase 2: delete blobs on disk that have no counter entry at all.
func (c *Collector) deleteOrphanBlobs(dryRun bool, stats *types.GCStats) {
	orphans, err := c.catalog.Refs().Orphans(c.store)
	if err != nil {
		c.logger.Error().Err(err).Msg("orphan scan failed")
		stats.Errors++
		return
	}

	for _, blob := range orphans {
		if dryRun {
			stats.OrphanedDeleted++
			continue
		}
		deleted, err := c.store.Delete(blob.Hash, blob.FileType)
		if err != nil {
			stats.Errors++
			continue
		}
		if deleted {
			stats.OrphanedDeleted++
			stats.FilesDeleted++
			stats.StorageFreed += blob.Size
			c.logger.Info().Str("hash", log.Abbrev(blob.Hash)).Msg("deleted orphan blob")
		}
	}
}

// Phase 3: collapse duplicate catalog rows.
func (c *Collector) removeDuplicateRows(dryRun bool, stats *types.GCStats) {
	if dryRun {
		return
	}
	removed, err := c.catalog.RemoveDuplicateEntries()
	if err != nil {
		c.logger.Error().Err(err).Msg("duplicate removal failed")
		stats.Errors++
		return
	}
	stats.DuplicatesRemoved = removed
	if removed > 0 {
		c.logger.Info().Int("count", removed).Msg("removed duplicate rows")
	}
}

// Phase 4: reconcile TEI collection lists toward their PDFs.
func (c *Collector) reconcileTEICollections(dryRun bool, stats *types.GCStats) {
	if dryRun {
		return
	}
	synced, err := c.catalog.SyncTEICollectionsWithPDF()
	if err != nil {
		c.logger.Error().Err(err).Msg("collection reconciliation failed")
		stats.Errors++
		return
	}
	stats.CollectionsSynced = synced
}

// Phase 5: every entry must belong to at least one collection.
func (c *Collector) assignInbox(dryRun bool, stats *types.GCStats) {
	if dryRun {
		return
	}
	assigned, err := c.catalog.AssignInboxToCollectionless()
	if err != nil {
		c.logger.Error().Err(err).Msg("inbox assignment failed")
		stats.Errors++
		return
	}
	stats.InboxAssigned = assigned
}

// Phase 6: delete TEI entries whose document has no PDF.
func (c *Collector) deleteOrphanXML(opts Options, stats *types.GCStats) {
	orphans, err := c.catalog.OrphanedXMLFiles()
	if err != nil {
		c.logger.Error().Err(err).Msg("orphan XML scan failed")
		stats.Errors++
		return
	}

	deletedHashes := make(map[string]bool)
	for _, e := range orphans {
		if opts.DryRun {
			stats.OrphanedXMLDeleted++
			continue
		}

		// Release the live row's reference before purging it, then let
		// the zero-check decide about the blob.
		if _, _, err := c.catalog.Refs().Decrement(e.ContentHash); err != nil {
			stats.Errors++
			continue
		}
		if err := c.catalog.PermanentlyDelete(e.ContentHash); err != nil {
			stats.Errors++
			continue
		}
		stats.OrphanedXMLDeleted++
		stats.PurgedCount++

		if !deletedHashes[e.ContentHash] {
			c.deleteBlobIfUnreferenced(e.ContentHash, e.FileType, stats, deletedHashes)
		}

		c.logger.Info().
			Str("hash", log.Abbrev(e.ContentHash)).
			Str("doc_id", e.DocID).
			Msg("deleted orphan XML entry")
	}
}

// Phase 7: clear scratch caches, files only, recursive; directories
// stay in place.
func (c *Collector) clearScratch(dryRun bool, stats *types.GCStats) {
	if dryRun {
		st, err := c.store.Stats()
		if err != nil {
			stats.Errors++
		} else {
			stats.TmpFilesRemoved += st.TempFiles
		}
	} else {
		removed, err := c.store.CleanupTemp()
		if err != nil {
			stats.Errors++
		}
		stats.TmpFilesRemoved += removed
	}

	for _, dir := range []string{c.SchemaCacheDir, c.TmpDir} {
		if dir == "" {
			continue
		}
		n, err := clearFiles(dir, dryRun)
		if err != nil {
			c.logger.Warn().Err(err).Str("dir", dir).Msg("scratch cleanup failed")
			stats.Errors++
			continue
		}
		stats.TmpFilesRemoved += n
	}
}

func clearFiles(dir string, dryRun bool) (int, error) {
	removed := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if dryRun {
			removed++
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	if os.IsNotExist(err) {
		return removed, nil
	}
	return removed, err
}
