/*
Package log provides structured logging for photoflow built on zerolog.

A single global logger is initialized once at startup via Init and shared
process-wide. Components derive child loggers carrying stable fields
(component, worker_id, job_id, project) so every line from the job
pipeline can be correlated back to the job and worker that produced it.

Console output is the default; JSON output is enabled through config for
deployments that ship logs to an aggregator.
*/
package log
