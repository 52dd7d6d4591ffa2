/*
Package jobs is the durable job queue at the heart of photoflow. It is
the exclusive owner of the jobs and job_items tables: every state
transition a worker, handler, or API call makes goes through the
Repository, and nothing else writes job status fields.

# Lifecycle

Jobs move through queued -> running -> {completed, failed, canceled},
with requeues (retry or stale recovery) returning a running job to
queued. Terminal transitions are guarded by their UPDATE predicate, so a
job performs exactly one terminal transition no matter how many actors
race on it.

# Claiming

ClaimNext uses a two-step protocol: select the best candidate ordered by
(priority DESC, created_at ASC), then a guarded UPDATE that only fires
while the row is still queued. A lost race returns nil rather than
blocking, which keeps claim wait-free under worker contention. Priority
ties break strictly FIFO.

# Items and progress

A job may carry up to 2000 items; larger batches are auto-chunked into
sibling jobs tagged with {chunk_index, total_chunks}. Item transitions
and the owning job's progress_done are updated in one transaction, so
progress_done always equals the count of done and failed items.

# Recovery

RequeueStaleRunning returns running jobs with silent heartbeats to the
queue with run fields cleared. Attempts are left untouched: the counter
tracks handler failures, not worker crashes.
*/
package jobs
