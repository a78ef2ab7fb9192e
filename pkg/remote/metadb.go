package remote

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vellumlab/vellum/pkg/types"
)

// Remote database schema: the FileEntry shape minus local-only columns
// (sync_status, sync_hash, local_modified_at).
const remoteSchema = `
CREATE TABLE IF NOT EXISTS file_metadata (
    id TEXT PRIMARY KEY,
    stable_id TEXT UNIQUE NOT NULL,
    filename TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    doc_id_type TEXT DEFAULT 'custom',
    file_type TEXT NOT NULL,
    mime_type TEXT,
    file_size INTEGER,
    label TEXT,
    variant TEXT,
    version INTEGER,
    is_gold_standard BOOLEAN DEFAULT 0,
    doc_collections TEXT,
    doc_metadata TEXT,
    file_metadata TEXT,
    deleted BOOLEAN DEFAULT 0,
    remote_version INTEGER,
    updated_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_remote_doc_id ON file_metadata(doc_id);
CREATE INDEX IF NOT EXISTS idx_remote_stable_id ON file_metadata(stable_id);
CREATE INDEX IF NOT EXISTS idx_remote_deleted ON file_metadata(deleted) WHERE deleted = 1;

CREATE TABLE IF NOT EXISTS sync_metadata (
    key TEXT PRIMARY KEY,
    value TEXT,
    updated_at TIMESTAMP
);
`

// RemoteFile is one row of the shared metadata database.
type RemoteFile struct {
	ContentHash    string
	StableID       string
	Filename       string
	DocID          string
	DocIDType      string
	FileType       types.FileType
	MimeType       string
	FileSize       int64
	Label          string
	Variant        string
	Version        *int
	IsGoldStandard bool
	DocCollections []string
	DocMetadata    map[string]string
	FileMetadata   map[string]string
	Deleted        bool
	RemoteVersion  int
	UpdatedAt      time.Time
}

// MetaDB wraps the downloaded copy of the shared metadata database.
// The file uses rollback journaling (not WAL) so the upload is always a
// single file.
type MetaDB struct {
	db   *sql.DB
	path string
}

// OpenLocalMetaDB opens (creating if needed) a metadata database file
// directly, without touching the remote. Inspection tools and tests.
func OpenLocalMetaDB(path string) (*MetaDB, error) {
	return openMetaDB(path, false)
}

func openMetaDB(path string, fresh bool) (*MetaDB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=DELETE&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open remote metadata database: %w", err)
	}

	if _, err := db.Exec(remoteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply remote schema: %w", err)
	}

	m := &MetaDB{db: db, path: path}
	if fresh {
		if err := m.SetVersion(1); err != nil {
			db.Close()
			return nil, err
		}
	}
	return m, nil
}

// Path returns the local temp file backing the database.
func (m *MetaDB) Path() string {
	return m.path
}

// Close closes the handle. Safe on nil.
func (m *MetaDB) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

// checkpoint flushes pending state so the file on disk is complete.
func (m *MetaDB) checkpoint() error {
	// Rollback journal mode keeps the main file current after each
	// commit; nothing to flush beyond a liveness check.
	return m.db.Ping()
}

const tsFormat = time.RFC3339Nano

func scanRemoteFile(rows *sql.Rows) (*RemoteFile, error) {
	var (
		f                              RemoteFile
		ft                             string
		mimeType, label, variant       sql.NullString
		version                        sql.NullInt64
		fileSize, remoteVersion        sql.NullInt64
		isGold, deleted                bool
		collections, docMeta, fileMeta sql.NullString
		updatedAt                      sql.NullString
	)

	err := rows.Scan(
		&f.ContentHash, &f.StableID, &f.Filename, &f.DocID, &f.DocIDType,
		&ft, &mimeType, &fileSize, &label, &variant, &version,
		&isGold, &collections, &docMeta, &fileMeta, &deleted,
		&remoteVersion, &updatedAt)
	if err != nil {
		return nil, err
	}

	f.FileType = types.FileType(ft)
	f.MimeType = mimeType.String
	f.FileSize = fileSize.Int64
	f.Label = label.String
	f.Variant = variant.String
	if version.Valid {
		n := int(version.Int64)
		f.Version = &n
	}
	f.IsGoldStandard = isGold
	f.Deleted = deleted
	f.RemoteVersion = int(remoteVersion.Int64)

	if updatedAt.Valid {
		for _, layout := range []string{tsFormat, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, updatedAt.String); err == nil {
				f.UpdatedAt = t.UTC()
				break
			}
		}
	}

	f.DocCollections = unmarshalList(collections.String)
	f.DocMetadata = unmarshalMap(docMeta.String)
	f.FileMetadata = unmarshalMap(fileMeta.String)

	return &f, nil
}

func unmarshalList(s string) []string {
	if s == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return []string{}
	}
	return out
}

func unmarshalMap(s string) map[string]string {
	if s == "" {
		return map[string]string{}
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return map[string]string{}
	}
	return out
}

const remoteFileColumns = `id, stable_id, filename, doc_id, doc_id_type,
	file_type, mime_type, file_size, label, variant, version,
	is_gold_standard, doc_collections, doc_metadata, file_metadata,
	deleted, remote_version, updated_at`

func (m *MetaDB) queryFiles(where string, args ...any) ([]*RemoteFile, error) {
	q := "SELECT " + remoteFileColumns + " FROM file_metadata"
	if where != "" {
		q += " WHERE " + where
	}
	rows, err := m.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*RemoteFile
	for rows.Next() {
		f, err := scanRemoteFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetAllFiles returns every remote row, optionally including deleted
// ones.
func (m *MetaDB) GetAllFiles(includeDeleted bool) ([]*RemoteFile, error) {
	if includeDeleted {
		return m.queryFiles("")
	}
	return m.queryFiles("deleted = 0")
}

// GetDeletedFiles returns rows flagged deleted.
func (m *MetaDB) GetDeletedFiles() ([]*RemoteFile, error) {
	return m.queryFiles("deleted = 1")
}

// GetByHash returns the row for a content hash, or nil.
func (m *MetaDB) GetByHash(hash string) (*RemoteFile, error) {
	files, err := m.queryFiles("id = ?", hash)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	return files[0], nil
}

// UpsertFile inserts or replaces a row, stamping updated_at.
func (m *MetaDB) UpsertFile(f *RemoteFile) error {
	var version any
	if f.Version != nil {
		version = *f.Version
	}

	collections, _ := json.Marshal(f.DocCollections)
	docMeta, _ := json.Marshal(f.DocMetadata)
	fileMeta, _ := json.Marshal(f.FileMetadata)

	_, err := m.db.Exec(`
		INSERT INTO file_metadata (`+remoteFileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stable_id = excluded.stable_id,
			filename = excluded.filename,
			doc_id = excluded.doc_id,
			doc_id_type = excluded.doc_id_type,
			file_type = excluded.file_type,
			mime_type = excluded.mime_type,
			file_size = excluded.file_size,
			label = excluded.label,
			variant = excluded.variant,
			version = excluded.version,
			is_gold_standard = excluded.is_gold_standard,
			doc_collections = excluded.doc_collections,
			doc_metadata = excluded.doc_metadata,
			file_metadata = excluded.file_metadata,
			deleted = excluded.deleted,
			remote_version = excluded.remote_version,
			updated_at = excluded.updated_at`,
		f.ContentHash, f.StableID, f.Filename, f.DocID, f.DocIDType,
		string(f.FileType), f.MimeType, f.FileSize, f.Label, nullString(f.Variant),
		version, boolInt(f.IsGoldStandard), string(collections), string(docMeta),
		string(fileMeta), boolInt(f.Deleted), f.RemoteVersion,
		time.Now().UTC().Format(tsFormat))
	return err
}

// MarkDeleted flags a row deleted at the given remote version.
func (m *MetaDB) MarkDeleted(hash string, remoteVersion int) error {
	_, err := m.db.Exec(`
		UPDATE file_metadata
		SET deleted = 1, remote_version = ?, updated_at = ?
		WHERE id = ?`,
		remoteVersion, time.Now().UTC().Format(tsFormat), hash)
	return err
}

// GetVersion reads the database's version key (0 when unset).
func (m *MetaDB) GetVersion() (int, error) {
	var value string
	err := m.db.QueryRow(
		"SELECT value FROM sync_metadata WHERE key = 'version'").Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// SetVersion writes the database's version key.
func (m *MetaDB) SetVersion(n int) error {
	_, err := m.db.Exec(`
		INSERT OR REPLACE INTO sync_metadata (key, value, updated_at)
		VALUES ('version', ?, ?)`,
		strconv.Itoa(n), time.Now().UTC().Format(tsFormat))
	return err
}

// IncrementVersion bumps the version key and returns the new value.
func (m *MetaDB) IncrementVersion() (int, error) {
	current, err := m.GetVersion()
	if err != nil {
		return 0, err
	}
	next := current + 1
	if err := m.SetVersion(next); err != nil {
		return 0, err
	}
	return next, nil
}

func nullString(s string) any {
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
