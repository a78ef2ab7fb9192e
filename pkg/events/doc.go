/*
Package events provides the progress bus for long-running operations.

Sync, import, and export run on worker tasks and report progress here
instead of blocking their callers. Subscribers register under an
opaque client token and receive a stream of progress percentages,
status messages, and a completion or error marker:

	Producer ──► Bus (buffer: 100) ──► Subscriber channels (buffer: 50)

Delivery is best-effort by design: a subscriber that cannot keep up
misses events rather than slowing the producer down, and a dropped
message is never fatal — the next progress update supersedes it.

The Reporter wrapper enforces the one contract consumers rely on:
progress percentages are monotonic per operation. A nil Reporter (or
one with no bus) swallows everything, so operation code never guards
its progress calls.
*/
package events
