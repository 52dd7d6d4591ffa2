/*
Package types defines the core domain model shared by every photoflow
package: projects, photos, jobs, job items, and public link hashes, along
with the closed enums that describe their lifecycles.

All enums here are closed sets. Job types are validated at enqueue time
with ValidJobType; handlers are registered against these constants and an
unknown type is a synchronous validation error, never a worker-side one.

Invariants encoded by the model:

  - A keep flag may be false only while the matching availability flag is
    true; a photo with no available variants must not exist as a row.
  - A job performs exactly one terminal transition out of running
    (completed, failed, or canceled).
  - At most one active public hash exists per photo; an expired hash is
    treated as absent.

The structs carry no behavior beyond small predicate helpers so they can
cross package boundaries freely (storage, workers, HTTP responses).
*/
package types
