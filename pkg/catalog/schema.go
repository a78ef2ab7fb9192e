package catalog

// Base schema for the local metadata database. All statements are
// idempotent; versioned changes on top of this live in pkg/migrate.
const baseSchema = `
CREATE TABLE IF NOT EXISTS files (
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
    is_gold_standard BOOLEAN NOT NULL DEFAULT 0,
    deleted BOOLEAN NOT NULL DEFAULT 0,
    local_modified_at TIMESTAMP,
    remote_version INTEGER DEFAULT 0,
    sync_status TEXT NOT NULL DEFAULT 'modified',
    sync_hash TEXT,
    created_at TIMESTAMP,
    updated_at TIMESTAMP,
    doc_collections TEXT,
    doc_metadata TEXT,
    file_metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_files_doc_id ON files(doc_id);
CREATE INDEX IF NOT EXISTS idx_files_stable_id ON files(stable_id);
CREATE INDEX IF NOT EXISTS idx_files_deleted ON files(deleted);

CREATE TABLE IF NOT EXISTS storage_refs (
    file_hash TEXT PRIMARY KEY,
    file_type TEXT NOT NULL,
    ref_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP,
    updated_at TIMESTAMP,
    CHECK(ref_count >= 0)
);

CREATE INDEX IF NOT EXISTS idx_ref_count_zero
    ON storage_refs(ref_count) WHERE ref_count = 0;

CREATE TABLE IF NOT EXISTS sync_metadata (
    key TEXT PRIMARY KEY,
    value TEXT,
    updated_at TIMESTAMP
);
`

func (db *DB) ensureSchema() error {
	_, err := db.sdb.Exec(baseSchema)
	return err
}
