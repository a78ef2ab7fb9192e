/*
Package lockstore implements cross-session pessimistic file locks.

Locks live in their own bolt database (locks.db) keyed by the file's
stable ID, with the holding session and timestamps as the value. The
choice of key is load-bearing: stable IDs never change, so an edit
that moves a file to a new content hash leaves the lock untouched.
There is no lock-transfer step anywhere in the system.

Semantics:

  - Acquire is reentrant for the holding session and refreshes the
    lock's timestamp.
  - A lock older than the TTL (90 s by default) is stale: any session
    may take it over.
  - Release is idempotent when the lock is absent and fails when a
    different session holds it.
  - ActiveLocks filters by the same staleness threshold Acquire uses,
    so the published set always equals the not-takeable set.

Every mutation runs inside a bolt update transaction, which takes the
store's single writer slot up front — the fail-fast equivalent of an
immediate-mode transaction, with no lock-upgrade deadlock possible.
Locks may outlive their catalog rows; a lock on a deleted file is
meaningless but harmless, and the stale sweep collects it.
*/
package lockstore
