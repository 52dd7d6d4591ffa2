/*
Package metrics exposes Prometheus instrumentation for the job pipeline:
queue depth by status, claim activity, requeues, handler durations, item
outcomes, SSE subscriber counts, and API request metrics. The /metrics
endpoint is served by the API server via Handler.
*/
package metrics
