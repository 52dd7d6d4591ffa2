/*
Package events is the in-process publish/subscribe layer between the job
pipeline and its SSE consumers.

Two topics exist: job events (status, progress, and per-item records)
and pending-changes snapshots. Delivery is best effort with per-
subscriber ordering preserved. Publishers never block on subscriber
I/O: each subscriber owns a bounded channel, and when it fills the
oldest buffered event is dropped so a slow reader still converges to
the latest state. Bursts of pending snapshots are coalesced within a
short window into the final snapshot.

The broker also carries the worker wakeup signal: every successful
enqueue pokes a channel that idle workers select on, cutting the claim
poll sleep short.
*/
package events
