/*
Package pipeline is the successor-enqueue layer of the job system:
when a job completes, the orchestrator reads its outcome payload and
schedules the follow-up work the outcome calls for. Handlers never
import this package; the worker pool invokes it after every terminal
transition.
*/
package pipeline
