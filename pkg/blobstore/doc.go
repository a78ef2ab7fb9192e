/*
Package blobstore provides content-addressed blob storage with
git-style hash sharding.

Blobs are stored as <root>/<hash[0:2]>/<hash><ext>, where the hash is
the SHA-256 of the content and the extension comes from the declared
file type:

	data/files/
	├── ab/
	│   ├── ab12...cd.pdf
	│   └── ab98...ef.tei.xml
	└── f3/
	    └── f301...77.rng

This layout gives:

  - Automatic deduplication: identical bytes always map to the same
    path, so a second write of the same content is a no-op.
  - Collision-free concurrency: different content lands on different
    paths, and identical concurrent writes race harmlessly toward the
    same result.
  - Bounded directory sizes: two-character shards keep per-directory
    file counts manageable at hundreds of thousands of blobs.
  - Cheap cleanup: a shard directory that empties out is removed.

Writes are atomic. Content goes to a temporary sibling file first and
is renamed into place; the rename is atomic on the target filesystem.
Temp files abandoned by crashed writers are swept on the next write of
the same hash and by garbage collection.

The store holds no state beyond the filesystem and makes no deletion
decisions of its own: whether a blob may be removed is the reference
counter's call (see pkg/catalog).
*/
package blobstore
