package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/vellumlab/vellum/pkg/blobstore"
	"github.com/vellumlab/vellum/pkg/errdefs"
	"github.com/vellumlab/vellum/pkg/log"
	"github.com/vellumlab/vellum/pkg/types"
)

const stableIDCacheSize = 4096

// Catalog is the relational store of file entries. All writer
// operations go through here first; reference counts and blob cleanup
// follow the catalog's decisions.
type Catalog struct {
	db     *DB
	store  *blobstore.Store
	refs   *RefCounter
	ids    *StableIDAllocator
	logger zerolog.Logger

	// byStableID caches hot stable-ID lookups; invalidated on any
	// write touching the entry.
	byStableID *lru.Cache[string, string]
}

// New opens the catalog backed by the metadata database at dbPath.
// store is used for physical blob cleanup when a reference count
// reaches zero; it may be nil in tests that only exercise metadata.
func New(dbPath string, store *blobstore.Store) (*Catalog, error) {
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[string, string](stableIDCacheSize)
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		db:         db,
		store:      store,
		logger:     log.WithComponent("catalog"),
		byStableID: cache,
	}
	c.refs = &RefCounter{db: db, logger: log.WithComponent("refcount")}

	ids, err := newStableIDAllocator(c)
	if err != nil {
		db.Close()
		return nil, err
	}
	c.ids = ids

	return c, nil
}

// Close releases the database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// DB exposes the underlying database for the migration runner and the
// remote replica schema tools.
func (c *Catalog) DB() *DB {
	return c.db
}

// Refs returns the reference counter sharing this catalog's database.
func (c *Catalog) Refs() *RefCounter {
	return c.refs
}

// scanEntry converts a row into a FileEntry using the result's actual
// column set, so reads work on both pre- and post-migration schemas.
func scanEntry(rows *sql.Rows) (*types.FileEntry, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	get := func(name string) any {
		for i, col := range cols {
			if col == name {
				return raw[i]
			}
		}
		return nil
	}
	str := func(name string) string {
		switch v := get(name).(type) {
		case string:
			return v
		case []byte:
			return string(v)
		}
		return ""
	}
	num := func(name string) int64 {
		switch v := get(name).(type) {
		case int64:
			return v
		case float64:
			return int64(v)
		case bool:
			// BOOLEAN columns come back from the driver as bool.
			if v {
				return 1
			}
		}
		return 0
	}

	e := &types.FileEntry{
		ContentHash:     str("id"),
		StableID:        str("stable_id"),
		Filename:        str("filename"),
		DocID:           str("doc_id"),
		DocIDType:       str("doc_id_type"),
		FileType:        types.FileType(str("file_type")),
		MimeType:        str("mime_type"),
		FileSize:        num("file_size"),
		Label:           str("label"),
		Variant:         str("variant"),
		IsGoldStandard:  num("is_gold_standard") != 0,
		Deleted:         num("deleted") != 0,
		Status:          str("status"),
		LastRevision:    str("last_revision"),
		CreatedBy:       str("created_by"),
		SyncStatus:      types.SyncStatus(str("sync_status")),
		SyncHash:        str("sync_hash"),
		RemoteVersion:   int(num("remote_version")),
		LocalModifiedAt: parseTime(str("local_modified_at")),
		CreatedAt:       parseTime(str("created_at")),
		UpdatedAt:       parseTime(str("updated_at")),
	}

	if v := get("version"); v != nil {
		n := int(num("version"))
		e.Version = &n
	}

	e.DocCollections = parseJSONList(str("doc_collections"))
	e.DocMetadata = parseJSONMap(str("doc_metadata"))
	e.FileMetadata = parseJSONMap(str("file_metadata"))

	return e, nil
}

func parseJSONList(s string) []string {
	if s == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return []string{}
	}
	return out
}

func parseJSONMap(s string) map[string]string {
	if s == "" {
		return map[string]string{}
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (c *Catalog) queryEntries(query string, args ...any) ([]*types.FileEntry, error) {
	rows, err := c.db.sdb.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*types.FileEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (c *Catalog) queryEntry(query string, args ...any) (*types.FileEntry, error) {
	entries, err := c.queryEntries(query, args...)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// Insert adds a new file entry. A stable ID is allocated when the
// entry does not carry one. The entry arrives with sync_status
// "modified" and its reference count incremented; the blob must already
// be on disk (writer order: blob, then row, then refcount).
func (c *Catalog) Insert(e *types.FileEntry) (*types.FileEntry, error) {
	if e.ContentHash == "" {
		return nil, errdefs.InvalidArgument("entry has no content hash")
	}
	if !e.FileType.Valid() {
		return nil, errdefs.InvalidArgument("unknown file type %q", e.FileType)
	}

	if e.StableID == "" {
		id, err := c.ids.Generate()
		if err != nil {
			return nil, err
		}
		e.StableID = id
	}
	if e.DocIDType == "" {
		e.DocIDType = "custom"
	}

	now := nowString()
	var version any
	if e.Version != nil {
		version = *e.Version
	}

	err := c.db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO files (
				id, stable_id, filename, doc_id, doc_id_type, file_type,
				mime_type, file_size, label, variant, version,
				is_gold_standard, deleted, local_modified_at, remote_version,
				sync_status, sync_hash, created_at, updated_at,
				doc_collections, doc_metadata, file_metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ContentHash, e.StableID, e.Filename, e.DocID, e.DocIDType, string(e.FileType),
			e.MimeType, e.FileSize, e.Label, nullIfEmpty(e.Variant), version,
			boolInt(e.IsGoldStandard), now, e.RemoteVersion,
			string(types.SyncStatusModified), e.SyncHash, now, now,
			marshalJSON(e.DocCollections), marshalJSON(e.DocMetadata), marshalJSON(e.FileMetadata))
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, errdefs.AlreadyExists("file %s", log.Abbrev(e.ContentHash))
		}
		return nil, fmt.Errorf("insert file: %w", err)
	}

	c.ids.Observe(e.StableID)
	c.byStableID.Add(e.StableID, e.ContentHash)

	// Revision columns arrive with migration 002/005; on a
	// pre-migration schema the update fails and the values are simply
	// not recorded.
	if e.Status != "" || e.LastRevision != "" || e.CreatedBy != "" {
		uerr := c.db.Transaction(func(tx *sql.Tx) error {
			_, err := tx.Exec(
				"UPDATE files SET status = ?, last_revision = ?, created_by = ? WHERE id = ?",
				e.Status, e.LastRevision, e.CreatedBy, e.ContentHash)
			return err
		})
		if uerr != nil {
			c.logger.Debug().Err(uerr).Msg("revision columns not available yet")
		}
	}

	if _, err := c.refs.Increment(e.ContentHash, e.FileType); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("hash", log.Abbrev(e.ContentHash)).
		Str("stable_id", e.StableID).
		Msg("inserted file entry")

	return c.GetByHash(e.ContentHash, false)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetByHash fetches an entry by its full content hash.
func (c *Catalog) GetByHash(hash string, includeDeleted bool) (*types.FileEntry, error) {
	q := "SELECT * FROM files WHERE id = ?"
	if !includeDeleted {
		q += " AND deleted = 0"
	}
	return c.queryEntry(q, hash)
}

// GetByStableID fetches an entry by its stable ID.
func (c *Catalog) GetByStableID(stableID string, includeDeleted bool) (*types.FileEntry, error) {
	if hash, ok := c.byStableID.Get(stableID); ok {
		if e, err := c.GetByHash(hash, includeDeleted); err == nil && e != nil && e.StableID == stableID {
			return e, nil
		}
		c.byStableID.Remove(stableID)
	}

	q := "SELECT * FROM files WHERE stable_id = ?"
	if !includeDeleted {
		q += " AND deleted = 0"
	}
	e, err := c.queryEntry(q, stableID)
	if err != nil || e == nil {
		return e, err
	}
	c.byStableID.Add(stableID, e.ContentHash)
	return e, nil
}

// Resolve accepts a full 64-hex content hash or a stable ID and returns
// the matching live entry.
func (c *Catalog) Resolve(fileID string) (*types.FileEntry, error) {
	if len(fileID) == 64 {
		e, err := c.GetByHash(fileID, false)
		if err != nil {
			return nil, err
		}
		if e != nil {
			return e, nil
		}
	}
	e, err := c.GetByStableID(fileID, false)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errdefs.NotFound("file %s", fileID)
	}
	return e, nil
}

// ListOptions filters List results. Zero values mean "no filter".
type ListOptions struct {
	Collection     string
	Variant        string
	FileType       types.FileType
	IncludeDeleted bool
}

// List returns entries matching the options, newest first.
func (c *Catalog) List(opts ListOptions) ([]*types.FileEntry, error) {
	var conds []string
	var args []any

	if !opts.IncludeDeleted {
		conds = append(conds, "deleted = 0")
	}
	if opts.FileType != "" {
		conds = append(conds, "file_type = ?")
		args = append(args, string(opts.FileType))
	}
	if opts.Variant != "" {
		conds = append(conds, "variant = ?")
		args = append(args, opts.Variant)
	}
	if opts.Collection != "" {
		conds = append(conds, "doc_collections LIKE ?")
		args = append(args, `%"`+opts.Collection+`"%`)
	}

	where := "1=1"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}
	return c.queryEntries("SELECT * FROM files WHERE "+where+" ORDER BY created_at DESC", args...)
}

// ByDocID returns all entries of a document group, oldest first.
func (c *Catalog) ByDocID(docID string, includeDeleted bool) ([]*types.FileEntry, error) {
	q := "SELECT * FROM files WHERE doc_id = ?"
	if !includeDeleted {
		q += " AND deleted = 0"
	}
	return c.queryEntries(q+" ORDER BY created_at", docID)
}

// PDFForDocument returns the PDF entry of a document group.
func (c *Catalog) PDFForDocument(docID string) (*types.FileEntry, error) {
	return c.queryEntry(
		"SELECT * FROM files WHERE doc_id = ? AND file_type = 'pdf' AND deleted = 0", docID)
}

// LatestVersion returns the highest-version non-gold TEI entry for a
// (doc_id, variant) pair.
func (c *Catalog) LatestVersion(docID, variant string) (*types.FileEntry, error) {
	if variant == "" {
		return c.queryEntry(`
			SELECT * FROM files
			WHERE doc_id = ? AND file_type = 'tei' AND variant IS NULL
			  AND is_gold_standard = 0 AND deleted = 0
			ORDER BY version DESC LIMIT 1`, docID)
	}
	return c.queryEntry(`
		SELECT * FROM files
		WHERE doc_id = ? AND file_type = 'tei' AND variant = ?
		  AND is_gold_standard = 0 AND deleted = 0
		ORDER BY version DESC LIMIT 1`, docID, variant)
}

// AllVersions returns the non-gold TEI entries for a (doc_id, variant)
// pair in ascending version order.
func (c *Catalog) AllVersions(docID, variant string) ([]*types.FileEntry, error) {
	if variant == "" {
		return c.queryEntries(`
			SELECT * FROM files
			WHERE doc_id = ? AND file_type = 'tei' AND variant IS NULL
			  AND is_gold_standard = 0 AND deleted = 0
			ORDER BY version ASC`, docID)
	}
	return c.queryEntries(`
		SELECT * FROM files
		WHERE doc_id = ? AND file_type = 'tei' AND variant = ?
		  AND is_gold_standard = 0 AND deleted = 0
		ORDER BY version ASC`, docID, variant)
}

// NextVersion returns the version number a new entry for the pair
// should carry: count of existing entries with the same (doc_id,
// variant), gold included.
func (c *Catalog) NextVersion(docID, variant string) (int, error) {
	var q string
	args := []any{docID}
	if variant == "" {
		q = "SELECT COUNT(*) FROM files WHERE doc_id = ? AND file_type = 'tei' AND variant IS NULL AND deleted = 0"
	} else {
		q = "SELECT COUNT(*) FROM files WHERE doc_id = ? AND file_type = 'tei' AND variant = ? AND deleted = 0"
		args = append(args, variant)
	}
	var n int
	if err := c.db.sdb.QueryRow(q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// GoldStandard returns the gold entry for a document, if any.
func (c *Catalog) GoldStandard(docID string) (*types.FileEntry, error) {
	return c.queryEntry(
		"SELECT * FROM files WHERE doc_id = ? AND is_gold_standard = 1 AND deleted = 0", docID)
}

// GoldFor returns the gold entry for a (doc_id, variant) pair.
func (c *Catalog) GoldFor(docID, variant string) (*types.FileEntry, error) {
	if variant == "" {
		return c.queryEntry(`
			SELECT * FROM files
			WHERE doc_id = ? AND (variant IS NULL OR variant = '')
			  AND is_gold_standard = 1 AND deleted = 0`, docID)
	}
	return c.queryEntry(`
		SELECT * FROM files
		WHERE doc_id = ? AND variant = ? AND is_gold_standard = 1 AND deleted = 0`,
		docID, variant)
}

// AllFiles returns every entry, used for sync diffing.
func (c *Catalog) AllFiles(includeDeleted bool) ([]*types.FileEntry, error) {
	q := "SELECT * FROM files"
	if !includeDeleted {
		q += " WHERE deleted = 0"
	}
	return c.queryEntries(q)
}

// AllStableIDs returns every stable ID in use, deleted entries
// included; the allocator must never reissue an ID.
func (c *Catalog) AllStableIDs() (map[string]struct{}, error) {
	rows, err := c.db.sdb.Query("SELECT stable_id FROM files")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// UpdateContentHash records an edit-in-place: the row keyed by oldHash
// moves to newHash while stable_id stays put. The new blob must already
// be written. Reference counts shift (increment new, decrement old) and
// the old blob is removed from disk when its count reaches zero.
func (c *Catalog) UpdateContentHash(oldHash, newHash string, newSize int64) (*types.FileEntry, error) {
	if oldHash == newHash {
		return c.GetByHash(oldHash, false)
	}

	old, err := c.GetByHash(oldHash, false)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, errdefs.NotFound("file %s", log.Abbrev(oldHash))
	}

	now := nowString()
	err = c.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE files
			SET id = ?, file_size = ?,
			    local_modified_at = ?, sync_status = ?, updated_at = ?
			WHERE id = ? AND deleted = 0`,
			newHash, newSize, now, string(types.SyncStatusModified), now, oldHash)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errdefs.NotFound("file %s", log.Abbrev(oldHash))
		}
		return nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, errdefs.AlreadyExists("content %s already cataloged", log.Abbrev(newHash))
		}
		return nil, err
	}

	c.byStableID.Add(old.StableID, newHash)

	if _, err := c.refs.Increment(newHash, old.FileType); err != nil {
		return nil, err
	}
	if err := c.releaseReference(oldHash, old.FileType); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("old", log.Abbrev(oldHash)).
		Str("new", log.Abbrev(newHash)).
		Str("stable_id", old.StableID).
		Msg("content hash updated")

	return c.GetByHash(newHash, false)
}

// releaseReference decrements a hash's count and deletes the blob (and
// then the counter row) when nothing references it anymore. Blob
// deletion failures leave the counter row in place for GC.
func (c *Catalog) releaseReference(hash string, ft types.FileType) error {
	_, shouldDelete, err := c.refs.Decrement(hash)
	if err != nil {
		return err
	}
	if !shouldDelete || c.store == nil {
		return nil
	}

	if _, err := c.store.Delete(hash, ft); err != nil {
		c.logger.Warn().Err(err).Str("hash", log.Abbrev(hash)).Msg("blob deletion failed, leaving counter entry for GC")
		return nil
	}
	// Delete reporting false means the blob was already gone; the stale
	// counter row goes either way.
	return c.refs.RemoveEntry(hash)
}

// UpdateMetadataFields updates display fields on an entry addressed by
// stable ID, marking it locally modified.
type MetadataUpdate struct {
	Label   *string
	Variant *string
	DocID   *string
}

func (c *Catalog) UpdateMetadataFields(stableID string, upd MetadataUpdate) error {
	var sets []string
	var args []any

	if upd.Label != nil {
		sets = append(sets, "label = ?")
		args = append(args, *upd.Label)
	}
	if upd.Variant != nil {
		sets = append(sets, "variant = ?")
		args = append(args, nullIfEmpty(*upd.Variant))
	}
	if upd.DocID != nil {
		sets = append(sets, "doc_id = ?")
		args = append(args, *upd.DocID)
	}
	if len(sets) == 0 {
		return nil
	}

	now := nowString()
	sets = append(sets, "local_modified_at = ?", "sync_status = ?", "updated_at = ?")
	args = append(args, now, string(types.SyncStatusModified), now, stableID)

	return c.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE files SET "+strings.Join(sets, ", ")+" WHERE stable_id = ? AND deleted = 0",
			args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("file %s", stableID)
		}
		return nil
	})
}

// UpdateCollections replaces an entry's collection list.
func (c *Catalog) UpdateCollections(hash string, collections []string) error {
	now := nowString()
	return c.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE files
			SET doc_collections = ?, local_modified_at = ?, sync_status = ?, updated_at = ?
			WHERE id = ? AND deleted = 0`,
			marshalJSON(collections), now, string(types.SyncStatusModified), now, hash)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("file %s", log.Abbrev(hash))
		}
		return nil
	})
}

// UpdateDocMetadata replaces an entry's document metadata bag.
func (c *Catalog) UpdateDocMetadata(hash string, meta map[string]string, label string) error {
	now := nowString()
	return c.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE files
			SET doc_metadata = ?, label = ?, local_modified_at = ?, sync_status = ?, updated_at = ?
			WHERE id = ? AND deleted = 0`,
			marshalJSON(meta), label, now, string(types.SyncStatusModified), now, hash)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("file %s", log.Abbrev(hash))
		}
		return nil
	})
}

// SoftDelete marks an entry deleted and releases its blob reference.
func (c *Catalog) SoftDelete(hash string) error {
	e, err := c.GetByHash(hash, false)
	if err != nil {
		return err
	}
	if e == nil {
		return errdefs.NotFound("file %s", log.Abbrev(hash))
	}

	now := nowString()
	err = c.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE files
			SET deleted = 1, local_modified_at = ?, sync_status = ?, updated_at = ?
			WHERE id = ? AND deleted = 0`,
			now, string(types.SyncStatusPendingDelete), now, hash)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("file %s", log.Abbrev(hash))
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.byStableID.Remove(e.StableID)
	return c.releaseReference(hash, e.FileType)
}

// Undelete restores a soft-deleted entry, optionally relabeling it, and
// re-increments its blob reference.
func (c *Catalog) Undelete(hash string, label string) (*types.FileEntry, error) {
	e, err := c.GetByHash(hash, true)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errdefs.NotFound("file %s", log.Abbrev(hash))
	}
	if !e.Deleted {
		return nil, errdefs.InvalidArgument("file %s is not deleted", log.Abbrev(hash))
	}

	now := nowString()
	sets := "deleted = 0, local_modified_at = ?, sync_status = ?, updated_at = ?"
	args := []any{now, string(types.SyncStatusModified), now}
	if label != "" {
		sets += ", label = ?"
		args = append(args, label)
	}
	args = append(args, hash)

	err = c.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE files SET "+sets+" WHERE id = ? AND deleted = 1", args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("file %s", log.Abbrev(hash))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.refs.Increment(hash, e.FileType); err != nil {
		return nil, err
	}
	return c.GetByHash(hash, false)
}

// SetGoldStandard makes the entry the gold for its (doc_id, variant)
// pair, unsetting any previous gold in the same transaction.
func (c *Catalog) SetGoldStandard(stableID, variant string) error {
	e, err := c.GetByStableID(stableID, false)
	if err != nil {
		return err
	}
	if e == nil {
		return errdefs.NotFound("file %s", stableID)
	}
	if e.DocID == "" {
		return errdefs.InvalidArgument("file %s has no doc_id", stableID)
	}

	now := nowString()
	return c.db.Transaction(func(tx *sql.Tx) error {
		if variant == "" {
			_, err = tx.Exec(`
				UPDATE files
				SET is_gold_standard = 0, local_modified_at = ?, sync_status = ?, updated_at = ?
				WHERE doc_id = ? AND (variant IS NULL OR variant = '')
				  AND is_gold_standard = 1 AND deleted = 0`,
				now, string(types.SyncStatusModified), now, e.DocID)
		} else {
			_, err = tx.Exec(`
				UPDATE files
				SET is_gold_standard = 0, local_modified_at = ?, sync_status = ?, updated_at = ?
				WHERE doc_id = ? AND variant = ? AND is_gold_standard = 1 AND deleted = 0`,
				now, string(types.SyncStatusModified), now, e.DocID, variant)
		}
		if err != nil {
			return err
		}

		res, err := tx.Exec(`
			UPDATE files
			SET is_gold_standard = 1, local_modified_at = ?, sync_status = ?, updated_at = ?
			WHERE stable_id = ? AND deleted = 0`,
			now, string(types.SyncStatusModified), now, stableID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("file %s", stableID)
		}
		return nil
	})
}

// UpdateDocID renames the document grouping key for every live entry of
// the group. The addressed entry must be the group's gold standard.
func (c *Catalog) UpdateDocID(stableID, newDocID string) (int, error) {
	if newDocID == "" {
		return 0, errdefs.InvalidArgument("new doc_id must not be empty")
	}
	e, err := c.GetByStableID(stableID, false)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return 0, errdefs.NotFound("file %s", stableID)
	}
	if !e.IsGoldStandard {
		return 0, errdefs.InvalidArgument("file %s is not a gold standard", stableID)
	}

	now := nowString()
	var updated int64
	err = c.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE files
			SET doc_id = ?, local_modified_at = ?, sync_status = ?, updated_at = ?
			WHERE doc_id = ? AND deleted = 0`,
			newDocID, now, string(types.SyncStatusModified), now, e.DocID)
		if err != nil {
			return err
		}
		updated, _ = res.RowsAffected()
		return nil
	})
	return int(updated), err
}

// Sync support

// CountUnsynced counts entries outside the quiescent sync states.
func (c *Catalog) CountUnsynced() (int, error) {
	var n int
	err := c.db.sdb.QueryRow(`
		SELECT COUNT(*) FROM files
		WHERE sync_status NOT IN (?, ?)`,
		string(types.SyncStatusSynced), string(types.SyncStatusDeletionSynced)).Scan(&n)
	return n, err
}

// DeletedPendingSync returns soft-deleted entries whose deletion has
// not yet reached the remote.
func (c *Catalog) DeletedPendingSync() ([]*types.FileEntry, error) {
	return c.queryEntries(`
		SELECT * FROM files
		WHERE deleted = 1 AND sync_status != ?`,
		string(types.SyncStatusDeletionSynced))
}

// MarkSynced records a successful publication of the entry at the given
// remote version.
func (c *Catalog) MarkSynced(hash string, remoteVersion int) error {
	now := nowString()
	return c.db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE files
			SET sync_status = ?, remote_version = ?, sync_hash = id, updated_at = ?
			WHERE id = ?`,
			string(types.SyncStatusSynced), remoteVersion, now, hash)
		return err
	})
}

// MarkDeletionSynced records that the entry's deletion reached the
// remote, so it is not re-published.
func (c *Catalog) MarkDeletionSynced(hash string, remoteVersion int) error {
	now := nowString()
	return c.db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE files
			SET sync_status = ?, remote_version = ?, updated_at = ?
			WHERE id = ? AND deleted = 1`,
			string(types.SyncStatusDeletionSynced), remoteVersion, now, hash)
		return err
	})
}

// RemoteMetadata carries the remotely-changed fields applied by
// ApplyRemoteMetadata.
type RemoteMetadata struct {
	Label          string
	Variant        string
	Version        *int
	IsGoldStandard bool
	RemoteVersion  int
	DocCollections []string
	DocMetadata    map[string]string
	FileMetadata   map[string]string
}

// ApplyRemoteMetadata applies metadata changes that originated on the
// remote without touching sync_status: the change must not be
// re-published as a local edit.
func (c *Catalog) ApplyRemoteMetadata(hash string, rm RemoteMetadata) error {
	var version any
	if rm.Version != nil {
		version = *rm.Version
	}
	now := nowString()
	return c.db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE files
			SET label = ?, variant = ?, version = ?, is_gold_standard = ?,
			    remote_version = ?, doc_collections = ?, doc_metadata = ?,
			    file_metadata = ?, updated_at = ?
			WHERE id = ?`,
			rm.Label, nullIfEmpty(rm.Variant), version, boolInt(rm.IsGoldStandard),
			rm.RemoteVersion, marshalJSON(rm.DocCollections), marshalJSON(rm.DocMetadata),
			marshalJSON(rm.FileMetadata), now, hash)
		return err
	})
}

// Garbage collection support

// DeletedForGC returns soft-deleted entries older than the cutoff,
// optionally restricted to a sync status.
func (c *Catalog) DeletedForGC(before time.Time, syncStatus types.SyncStatus) ([]*types.FileEntry, error) {
	q := "SELECT * FROM files WHERE deleted = 1 AND updated_at < ?"
	args := []any{formatTime(before)}
	if syncStatus != "" {
		q += " AND sync_status = ?"
		args = append(args, string(syncStatus))
	}
	return c.queryEntries(q, args...)
}

// PermanentlyDelete removes a row. Reference counting and blob cleanup
// are the caller's responsibility (GC drives both explicitly).
func (c *Catalog) PermanentlyDelete(hash string) error {
	return c.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM files WHERE id = ?", hash)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("file %s", log.Abbrev(hash))
		}
		return nil
	})
}

// RemoveDuplicateEntries collapses rows identical in (id, doc_id,
// file_type), keeping the earliest created. With id as the primary key
// this is a recovery path for databases merged outside the writer path.
func (c *Catalog) RemoveDuplicateEntries() (int, error) {
	var removed int64
	err := c.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM files WHERE rowid NOT IN (
				SELECT MIN(rowid) FROM files GROUP BY id, doc_id, file_type
			)`)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return int(removed), err
}

// SyncTEICollectionsWithPDF reconciles each TEI entry's collection list
// toward the PDF of the same document. Returns the number of entries
// rewritten.
func (c *Catalog) SyncTEICollectionsWithPDF() (int, error) {
	teis, err := c.List(ListOptions{FileType: types.FileTypeTEI})
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, tei := range teis {
		pdf, err := c.PDFForDocument(tei.DocID)
		if err != nil {
			return synced, err
		}
		if pdf == nil {
			continue
		}
		if sameStringSet(tei.DocCollections, pdf.DocCollections) {
			continue
		}
		if err := c.UpdateCollections(tei.ContentHash, pdf.DocCollections); err != nil {
			return synced, err
		}
		synced++
	}
	return synced, nil
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// AssignInboxToCollectionless gives the reserved inbox collection to
// every live entry with an empty collection list.
func (c *Catalog) AssignInboxToCollectionless() (int, error) {
	entries, err := c.AllFiles(false)
	if err != nil {
		return 0, err
	}
	assigned := 0
	for _, e := range entries {
		if len(e.DocCollections) > 0 {
			continue
		}
		if err := c.UpdateCollections(e.ContentHash, []string{types.InboxCollection}); err != nil {
			return assigned, err
		}
		assigned++
	}
	return assigned, nil
}

// OrphanedXMLFiles returns live TEI entries whose document has no live
// PDF.
func (c *Catalog) OrphanedXMLFiles() ([]*types.FileEntry, error) {
	return c.queryEntries(`
		SELECT tei.* FROM files tei
		WHERE tei.file_type = 'tei' AND tei.deleted = 0
		  AND NOT EXISTS (
			SELECT 1 FROM files pdf
			WHERE pdf.doc_id = tei.doc_id AND pdf.file_type = 'pdf' AND pdf.deleted = 0
		  )`)
}

// ClearAll removes every row from the files table. Maintenance and
// test recovery only.
func (c *Catalog) ClearAll() (int, error) {
	var removed int64
	err := c.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM files")
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err == nil {
		c.byStableID.Purge()
	}
	return int(removed), err
}
