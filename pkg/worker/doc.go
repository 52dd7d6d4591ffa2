/*
Package worker runs the job execution pool: a bounded set of
long-running workers claiming persisted jobs from the queue, split into
a priority lane and a normal lane with anti-starvation fallback. Each
worker heartbeats its running job, classifies handler failures into
retry or fail, and observes cooperative cancellation. A maintenance
loop requeues jobs whose worker went silent past the stale timeout.
*/
package worker
