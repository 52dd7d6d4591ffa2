/*
Package storage implements the relational store backing photoflow: one
SQLite database file per tenant at {db_root}/{tenant_id}.db, opened in
WAL mode with foreign keys on.

# Concurrency model

WAL gives multiple concurrent readers and a single writer. Every write
either completes or leaves state unchanged: multi-row mutations go
through WithTx, which commits all-or-nothing and retries BUSY contention
with exponential backoff, capped at five attempts.

# Migrations

Schema evolution is additive only. Migrations are an ordered, named list
applied inside transactions on open and recorded in schema_migrations;
a migration never drops or rewrites existing columns.

# Statement cache

StmtCache maps logical keys to compiled statements so hot queries are
prepared once per store. Keys that encode a dynamic query shape share a
single compilation per shape, and reusing a key with different SQL is a
programming error surfaced immediately. Stats expose hits, misses, size,
and keys for observability.

# Ownership

This package owns the photos, projects, and photo_public_hashes tables.
The jobs and job_items tables live in the same database but all writes
to them go through the jobs repository; nothing here touches job status.
*/
package storage
