package types

import (
	"time"
)

// FileType classifies a stored blob. It determines only the on-disk
// extension; the content itself is an opaque byte sequence.
type FileType string

const (
	FileTypePDF FileType = "pdf"
	FileTypeTEI FileType = "tei"
	FileTypeRNG FileType = "rng"
)

// Valid reports whether ft is one of the known file types.
func (ft FileType) Valid() bool {
	switch ft {
	case FileTypePDF, FileTypeTEI, FileTypeRNG:
		return true
	}
	return false
}

// Extension returns the storage extension for the file type.
func (ft FileType) Extension() string {
	switch ft {
	case FileTypePDF:
		return ".pdf"
	case FileTypeTEI:
		return ".tei.xml"
	case FileTypeRNG:
		return ".rng"
	}
	return ""
}

// FileTypeFromFilename derives the file type from a stored blob name.
// Returns false when the name carries an unknown extension.
func FileTypeFromFilename(name string) (FileType, string, bool) {
	switch {
	case hasSuffix(name, ".tei.xml"):
		return FileTypeTEI, name[:len(name)-len(".tei.xml")], true
	case hasSuffix(name, ".pdf"):
		return FileTypePDF, name[:len(name)-len(".pdf")], true
	case hasSuffix(name, ".rng"):
		return FileTypeRNG, name[:len(name)-len(".rng")], true
	}
	return "", "", false
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// SyncStatus is the per-entry sync state machine.
type SyncStatus string

const (
	SyncStatusSynced         SyncStatus = "synced"
	SyncStatusModified       SyncStatus = "modified"
	SyncStatusPendingDelete  SyncStatus = "pending_delete"
	SyncStatusDeletionSynced SyncStatus = "deletion_synced"
	SyncStatusError          SyncStatus = "error"
)

// FileEntry is a catalog row naming a blob for user-visible purposes.
//
// ContentHash is the full SHA-256 of the blob and changes whenever the
// content changes. StableID is allocated once at insertion and never
// changes; it is the identifier clients hold across edits.
type FileEntry struct {
	ContentHash string   `json:"id"`
	StableID    string   `json:"stable_id"`
	Filename    string   `json:"filename"`
	DocID       string   `json:"doc_id"`
	DocIDType   string   `json:"doc_id_type"`
	FileType    FileType `json:"file_type"`
	MimeType    string   `json:"mime_type,omitempty"`
	FileSize    int64    `json:"file_size"`
	Label       string   `json:"label,omitempty"`

	// Variant names an extractor/tool lineage ("grobid", ...). Empty for
	// primary artifacts. Version is nil for gold entries.
	Variant        string `json:"variant,omitempty"`
	Version        *int   `json:"version,omitempty"`
	IsGoldStandard bool   `json:"is_gold_standard"`

	DocCollections []string          `json:"doc_collections"`
	DocMetadata    map[string]string `json:"doc_metadata"`
	FileMetadata   map[string]string `json:"file_metadata"`

	Deleted       bool       `json:"deleted"`
	Status        string     `json:"status,omitempty"`
	LastRevision  string     `json:"last_revision,omitempty"`
	CreatedBy     string     `json:"created_by,omitempty"`
	SyncStatus    SyncStatus `json:"sync_status"`
	SyncHash      string     `json:"sync_hash,omitempty"`
	RemoteVersion int        `json:"remote_version"`

	LocalModifiedAt time.Time `json:"local_modified_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// VersionOrZero returns the version number, or 0 when unset.
func (f *FileEntry) VersionOrZero() int {
	if f.Version == nil {
		return 0
	}
	return *f.Version
}

// RefEntry tracks how many catalog rows reference a content hash.
// The physical blob exists on disk iff RefCount > 0.
type RefEntry struct {
	ContentHash string
	FileType    FileType
	RefCount    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Lock is an exclusive per-file edit lock keyed by stable ID. Stored as
// JSON in the lock database.
type Lock struct {
	FileID     string    `json:"file_id"`
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LockStatus is the result of a non-mutating lock check.
type LockStatus struct {
	IsLocked bool   `json:"is_locked"`
	LockedBy string `json:"locked_by,omitempty"`
}

// Sync metadata keys stored in the sync_metadata table.
const (
	SyncMetaRemoteVersion  = "remote_version"
	SyncMetaLastSyncTime   = "last_sync_time"
	SyncMetaSyncInProgress = "sync_in_progress"
)

// InboxCollection is assigned to entries with no collection so that
// every entry belongs to at least one collection.
const InboxCollection = "_inbox"

// ItemError records a single-item failure inside a batch operation.
type ItemError struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error"`
}

// ImportStats summarizes an import run.
type ImportStats struct {
	FilesScanned  int         `json:"files_scanned"`
	FilesImported int         `json:"files_imported"`
	FilesSkipped  int         `json:"files_skipped"`
	FilesUpdated  int         `json:"files_updated"`
	Errors        []ItemError `json:"errors"`
}

// ExportStats summarizes an export run.
type ExportStats struct {
	FilesScanned  int         `json:"files_scanned"`
	FilesExported int         `json:"files_exported"`
	FilesSkipped  int         `json:"files_skipped"`
	Errors        []ItemError `json:"errors"`
}

// GCStats summarizes a garbage collection run, one bucket per phase.
type GCStats struct {
	PurgedCount        int   `json:"purged_count"`
	FilesDeleted       int   `json:"files_deleted"`
	StorageFreed       int64 `json:"storage_freed"`
	OrphanedDeleted    int   `json:"orphaned_deleted"`
	DuplicatesRemoved  int   `json:"duplicates_removed"`
	CollectionsSynced  int   `json:"collections_synced"`
	InboxAssigned      int   `json:"inbox_assigned"`
	OrphanedXMLDeleted int   `json:"orphaned_xml_deleted"`
	TmpFilesRemoved    int   `json:"tmp_files_removed"`
	Errors             int   `json:"errors"`
}

// SyncSummary is the result of a sync operation.
type SyncSummary struct {
	Skipped         bool  `json:"skipped"`
	Uploads         int   `json:"uploads"`
	Downloads       int   `json:"downloads"`
	DeletionsLocal  int   `json:"deletions_local"`
	DeletionsRemote int   `json:"deletions_remote"`
	MetadataUpdates int   `json:"metadata_updates"`
	Conflicts       int   `json:"conflicts"`
	Errors          int   `json:"errors"`
	NewVersion      int   `json:"new_version,omitempty"`
	DurationMs      int64 `json:"duration_ms"`
}

// SyncCheck is the O(1) fast-path result deciding whether a full sync
// is needed.
type SyncCheck struct {
	NeedsSync     bool `json:"needs_sync"`
	LocalVersion  int  `json:"local_version"`
	RemoteVersion int  `json:"remote_version"`
	UnsyncedCount int  `json:"unsynced_count"`
}

// ConflictInfo describes a detected sync conflict. The engine never
// resolves conflicts on its own; it reports them for the caller.
type ConflictInfo struct {
	ContentHash      string    `json:"content_hash"`
	StableID         string    `json:"stable_id"`
	Filename         string    `json:"filename"`
	DocID            string    `json:"doc_id"`
	LocalModifiedAt  time.Time `json:"local_modified_at"`
	RemoteModifiedAt time.Time `json:"remote_modified_at"`
}

// StorageStats reports blob store occupancy.
type StorageStats struct {
	TotalShards int                `json:"total_shards"`
	TotalBlobs  int                `json:"total_blobs"`
	TotalSize   int64              `json:"total_size"`
	BlobsByType map[FileType]int   `json:"blobs_by_type"`
	SizeByType  map[FileType]int64 `json:"size_by_type"`
	TempFiles   int                `json:"temp_files"`
}
