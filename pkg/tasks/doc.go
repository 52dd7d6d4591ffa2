/*
Package tasks holds the per-job-type handlers: derivative generation,
image moves, commit/revert of pending deletions, manifest
reconciliation, project scavenging, and public-hash rotation. Each
handler is a function over (job, capabilities) and is idempotent where
the operation allows: re-running a completed item is a no-op or
regenerates an identical artifact.

Handlers classify their failures: Transient wraps errors the worker
should retry with a fresh claim, anything else fails the job, and
ErrCanceled reports a cooperative stop observed at an item boundary.
*/
package tasks
