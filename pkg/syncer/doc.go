/*
Package syncer implements database-driven synchronization between the
local storage engine and a shared WebDAV replica.

# Protocol

The remote holds three things: a metadata database (the shared source
of truth for file rows), a version marker, and a sharded object store
mirroring the local blob layout. Sync is a fixed sequence under a
global advisory lock:

	┌───────────────────────── SYNC SEQUENCE ─────────────────────────┐
	│                                                                  │
	│  0. Fast skip    COUNT(unsynced) == 0 and versions equal?        │
	│  1. Lock         acquire version.txt.lock (TTL takeover)         │
	│  2. Download     fetch remote metadata.db to a temp file         │
	│  3. Diff         compare rows by content hash                    │
	│  4. Deletions ←  soft-delete locally what remote deleted         │
	│  5. Deletions →  mark remote-deleted what was deleted locally    │
	│  6. Blobs        upload local_new/modified, download remote_new  │
	│  7. Metadata     apply remote-only metadata changes              │
	│  8. Version      new_version := old + 1 (the commit point)       │
	│  9. Publish      upload metadata.db, then version.txt            │
	│ 10. Unlock       remove the advisory lock                        │
	│                                                                  │
	└──────────────────────────────────────────────────────────────────┘

# Failure semantics

Everything before step 9 mutates local state, the local copy of the
remote database, and (in step 6) the remote object store, whose blobs
are addressed by content hash. A crash or error anywhere in steps 1–8
leaves the published metadata database and version marker untouched;
the next sync simply retries. Individual
blob-transfer failures in step 6 are counted in the summary and never
abort the batch.

# Diff classification

For each content hash present on either side:

  - only local, not deleted            → local_new (upload)
  - only remote, not deleted           → remote_new (download)
  - both, local unsynced, remote
    deleted                            → conflict (reported, untouched)
  - both, local unsynced               → local_modified (upload)
  - both, remote deleted, local
    synced                             → remote_deleted (apply locally)
  - both, remote newer, local synced   → remote_modified (metadata only)

Remote-originated changes are applied without touching sync_status, so
they are never re-published as local edits.
*/
package syncer
