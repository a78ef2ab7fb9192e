/*
Package catalog implements the relational metadata store at the center
of the storage engine: file entries, reference counts, sync metadata,
and stable ID allocation, all in a single SQLite database with WAL
journaling.

# Architecture

	┌───────────────────── METADATA CATALOG ─────────────────────┐
	│                                                             │
	│  ┌──────────────────────────────────────────────┐           │
	│  │                  files                        │           │
	│  │  id (content hash, PK)                        │           │
	│  │  stable_id (permanent public identifier)      │           │
	│  │  doc_id / variant / version / is_gold         │           │
	│  │  doc_collections, doc_metadata (JSON)         │           │
	│  │  deleted, sync_status, remote_version         │           │
	│  └──────────────────────┬───────────────────────┘           │
	│                         │ one inc/dec per row change        │
	│  ┌──────────────────────▼───────────────────────┐           │
	│  │               storage_refs                    │           │
	│  │  file_hash → ref_count (CHECK >= 0)           │           │
	│  │  blob on disk  iff  ref_count > 0             │           │
	│  └──────────────────────────────────────────────┘           │
	│                                                             │
	│  ┌──────────────────────────────────────────────┐           │
	│  │              sync_metadata                    │           │
	│  │  remote_version, last_sync_time, ...          │           │
	│  └──────────────────────────────────────────────┘           │
	└─────────────────────────────────────────────────────────────┘

# Writer ordering

Inserts write the blob first, then the row, then increment the
reference. Deletes reverse that: mark the row, decrement the
reference, and remove the blob only when the count hits zero. The
counter row outlives the blob until deletion is confirmed, so a crash
between the two steps leaves work for garbage collection instead of a
dangling reference.

# Identity

Every row carries two identifiers. The content hash (primary key)
names the bytes and changes on every edit. The stable ID names the
file as users know it and never changes; an edit-in-place is a single
UPDATE moving the row from the old hash to the new one. Locks and
client URLs are keyed by stable ID for exactly this reason.

# Concurrency

One database handle per path; schema initialization is guarded by a
per-path mutex and runs once per process regardless of how many
catalogs open the same file. Writes go through transactions that retry
on transient busy errors with bounded linear backoff.
*/
package catalog
