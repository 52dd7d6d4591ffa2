package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/types"
)

var (
	// ErrBatchTooLarge is returned when a batch exceeds MaxItemsPerJob
	// and the caller did not request auto-chunking.
	ErrBatchTooLarge = errors.New("batch exceeds item cap")

	// ErrUnknownJobType is returned for types outside the closed enum.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrMissingScope is returned when an enqueue omits the job scope.
	ErrMissingScope = errors.New("job scope is required")
)

const (
	// MaxItemsPerJob is the hard cap on items per job. Larger batches
	// are auto-chunked into sibling jobs.
	MaxItemsPerJob = 2000

	// maxErrorMessage bounds the error text stored on a failed job.
	maxErrorMessage = 1000
)

const jobColumns = `id, tenant_id, project_id, type, status, priority, scope,
	created_at, started_at, finished_at, heartbeat_at, worker_id,
	progress_done, progress_total, attempts, max_attempts, last_error_at, error_message, payload`

// EnqueueNotifier is poked after every successful enqueue so idle
// workers can wake early instead of waiting out their poll interval.
type EnqueueNotifier interface {
	JobEnqueued()
}

// Repository is the single owner of all writes to the jobs and
// job_items tables. Handlers and the API observe jobs only through it.
type Repository struct {
	store    *storage.Store
	notifier EnqueueNotifier
	now      func() time.Time
}

// NewRepository creates a jobs repository over the tenant store.
func NewRepository(store *storage.Store) *Repository {
	return &Repository{
		store: store,
		now:   time.Now,
	}
}

// SetNotifier installs the enqueue wakeup hook.
func (r *Repository) SetNotifier(n EnqueueNotifier) {
	r.notifier = n
}

// EnqueueRequest describes a job to create.
type EnqueueRequest struct {
	Type          types.JobType
	Scope         types.JobScope
	Priority      int
	ProjectID     *int64
	Payload       json.RawMessage
	ProgressTotal int
	MaxAttempts   *int
}

func (r *Repository) validate(req EnqueueRequest) error {
	if !types.ValidJobType(req.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownJobType, req.Type)
	}
	if req.Scope == "" {
		return ErrMissingScope
	}
	return nil
}

// Enqueue creates a queued job with attempts=0.
func (r *Repository) Enqueue(req EnqueueRequest) (*types.Job, error) {
	if err := r.validate(req); err != nil {
		return nil, err
	}

	var job *types.Job
	err := r.store.WithTx(func(tx *sql.Tx) error {
		var err error
		job, err = r.insertJob(tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.notifyEnqueued()
	return job, nil
}

// Item is one granular subtask attached to a job at enqueue time.
type Item struct {
	PhotoID  *int64
	Filename string
}

// EnqueueWithItems atomically creates a job together with its items.
// Batches above MaxItemsPerJob fail with ErrBatchTooLarge unless
// autoChunk is set, in which case sibling jobs are created carrying
// {chunk_index, total_chunks} in their payloads; all siblings and their
// items are inserted in a single transaction.
func (r *Repository) EnqueueWithItems(req EnqueueRequest, items []Item, autoChunk bool) ([]*types.Job, error) {
	if err := r.validate(req); err != nil {
		return nil, err
	}
	if len(items) > MaxItemsPerJob && !autoChunk {
		return nil, fmt.Errorf("%w: %d items (max %d)", ErrBatchTooLarge, len(items), MaxItemsPerJob)
	}

	chunks := chunkItems(items, MaxItemsPerJob)
	var created []*types.Job

	err := r.store.WithTx(func(tx *sql.Tx) error {
		created = created[:0]
		for idx, chunk := range chunks {
			chunkReq := req
			chunkReq.ProgressTotal = len(chunk)
			if len(chunks) > 1 {
				payload, err := withChunkInfo(req.Payload, idx, len(chunks))
				if err != nil {
					return err
				}
				chunkReq.Payload = payload
			}

			job, err := r.insertJob(tx, chunkReq)
			if err != nil {
				return err
			}
			nowSec := r.now().Unix()
			for _, it := range chunk {
				_, err := tx.Exec(`INSERT INTO job_items (job_id, photo_id, filename, status, created_at, updated_at)
					VALUES (?, ?, ?, 'pending', ?, ?)`,
					job.ID, it.PhotoID, it.Filename, nowSec, nowSec)
				if err != nil {
					return fmt.Errorf("failed to insert job item: %w", err)
				}
			}
			created = append(created, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.notifyEnqueued()
	return created, nil
}

func (r *Repository) insertJob(tx *sql.Tx, req EnqueueRequest) (*types.Job, error) {
	now := r.now().UTC()
	res, err := tx.Exec(`INSERT INTO jobs (tenant_id, project_id, type, status, priority, scope,
			created_at, progress_total, max_attempts, payload)
		VALUES (?, ?, ?, 'queued', ?, ?, ?, ?, ?, ?)`,
		r.store.TenantID(), req.ProjectID, req.Type, req.Priority, req.Scope,
		now.Unix(), req.ProgressTotal, req.MaxAttempts, payloadVal(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", req.Type, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &types.Job{
		ID:            id,
		TenantID:      r.store.TenantID(),
		ProjectID:     req.ProjectID,
		Type:          req.Type,
		Status:        types.JobQueued,
		Priority:      req.Priority,
		Scope:         req.Scope,
		CreatedAt:     now,
		ProgressTotal: req.ProgressTotal,
		MaxAttempts:   req.MaxAttempts,
		Payload:       req.Payload,
	}, nil
}

func chunkItems(items []Item, size int) [][]Item {
	if len(items) == 0 {
		return [][]Item{nil}
	}
	var chunks [][]Item
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

func withChunkInfo(payload json.RawMessage, index, total int) (json.RawMessage, error) {
	m := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("failed to merge chunk info into payload: %w", err)
		}
	}
	m["chunk_index"] = index
	m["total_chunks"] = total
	return json.Marshal(m)
}

func payloadVal(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

// ClaimFilter narrows which queued jobs a worker may claim.
type ClaimFilter struct {
	WorkerID    string
	MinPriority *int
	MaxPriority *int
}

// ClaimNext atomically claims the highest-priority, oldest queued job
// matching the filter, transitioning it to running. Returns nil when no
// job matches or another worker won the race. The two-step
// select-then-guarded-update gives wait-free progress under contention:
// losing a race costs one retry, never a lock wait.
func (r *Repository) ClaimNext(f ClaimFilter) (*types.Job, error) {
	var (
		conds []string
		args  []any
		key   strings.Builder
	)
	key.WriteString("jobs:claim")
	conds = append(conds, "status = 'queued'", "tenant_id = ?")
	args = append(args, r.store.TenantID())
	if f.MinPriority != nil {
		key.WriteString(":minpri")
		conds = append(conds, "priority >= ?")
		args = append(args, *f.MinPriority)
	}
	if f.MaxPriority != nil {
		key.WriteString(":maxpri")
		conds = append(conds, "priority <= ?")
		args = append(args, *f.MaxPriority)
	}

	query := `SELECT id FROM jobs WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`
	stmt, err := r.store.Stmts().Get(key.String(), query)
	if err != nil {
		return nil, err
	}

	var id int64
	if err := stmt.QueryRow(args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	nowSec := r.now().Unix()
	res, err := r.store.DB().Exec(`UPDATE jobs SET status = 'running', started_at = ?, heartbeat_at = ?, worker_id = ?
		WHERE id = ? AND status = 'queued'`,
		nowSec, nowSec, f.WorkerID, id)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Race lost; another worker claimed it first.
		return nil, nil
	}
	return r.Get(id)
}

// Get retrieves a job by ID.
func (r *Repository) Get(id int64) (*types.Job, error) {
	stmt, err := r.store.Stmts().Get("jobs:get", `SELECT `+jobColumns+` FROM jobs WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	return scanJob(stmt.QueryRow(id))
}

// Heartbeat refreshes heartbeat_at on a running job. A no-op for jobs in
// any other state, so a canceled job's worker cannot resurrect it.
func (r *Repository) Heartbeat(id int64) error {
	_, err := r.store.DB().Exec(`UPDATE jobs SET heartbeat_at = ? WHERE id = ? AND status = 'running'`,
		r.now().Unix(), id)
	return err
}

// UpdateProgress sets progress counters. Nil fields are left unchanged.
func (r *Repository) UpdateProgress(id int64, done, total *int) error {
	switch {
	case done != nil && total != nil:
		_, err := r.store.DB().Exec(`UPDATE jobs SET progress_done = ?, progress_total = ? WHERE id = ?`, *done, *total, id)
		return err
	case done != nil:
		_, err := r.store.DB().Exec(`UPDATE jobs SET progress_done = ? WHERE id = ?`, *done, id)
		return err
	case total != nil:
		_, err := r.store.DB().Exec(`UPDATE jobs SET progress_total = ? WHERE id = ?`, *total, id)
		return err
	}
	return nil
}

// UpdatePayload atomically replaces the job payload.
func (r *Repository) UpdatePayload(id int64, payload json.RawMessage) error {
	_, err := r.store.DB().Exec(`UPDATE jobs SET payload = ? WHERE id = ?`, payloadVal(payload), id)
	return err
}

// Complete transitions a job to completed. The UPDATE predicate rejects
// the write if the job already reached a terminal state.
func (r *Repository) Complete(id int64) error {
	return r.finish(id, types.JobCompleted, "")
}

// Fail transitions a job to failed, recording the truncated message and
// last error time.
func (r *Repository) Fail(id int64, msg string) error {
	return r.finish(id, types.JobFailed, truncate(msg, maxErrorMessage))
}

// Cancel transitions a job to canceled. Running handlers observe the
// cancellation at their next item boundary.
func (r *Repository) Cancel(id int64) error {
	return r.finish(id, types.JobCanceled, "")
}

func (r *Repository) finish(id int64, status types.JobStatus, errMsg string) error {
	nowSec := r.now().Unix()
	if status == types.JobFailed {
		_, err := r.store.DB().Exec(`UPDATE jobs SET status = ?, finished_at = ?, error_message = ?, last_error_at = ?
			WHERE id = ? AND status NOT IN ('completed', 'failed', 'canceled')`,
			status, nowSec, errMsg, nowSec, id)
		return err
	}
	_, err := r.store.DB().Exec(`UPDATE jobs SET status = ?, finished_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'canceled')`,
		status, nowSec, id)
	return err
}

// Requeue returns a job to the queue with its run fields cleared, used
// by the retry policy after a transient handler failure. Attempts are
// preserved.
// DetachProject clears a job's project reference so the row survives
// the project's cascade delete and still reaches a terminal state.
func (r *Repository) DetachProject(id int64) error {
	_, err := r.store.DB().Exec(`UPDATE jobs SET project_id = NULL WHERE id = ?`, id)
	return err
}

func (r *Repository) Requeue(id int64) error {
	_, err := r.store.DB().Exec(`UPDATE jobs SET status = 'queued', started_at = NULL, heartbeat_at = NULL, worker_id = ''
		WHERE id = ? AND status = 'running'`, id)
	if err != nil {
		return err
	}
	r.notifyEnqueued()
	return nil
}

// CancelByProject cancels every non-terminal job belonging to a project.
// Sibling chunks that target other projects are deliberately left alone.
func (r *Repository) CancelByProject(projectID int64) (int64, error) {
	res, err := r.store.DB().Exec(`UPDATE jobs SET status = 'canceled', finished_at = ?
		WHERE project_id = ? AND status NOT IN ('completed', 'failed', 'canceled')`,
		r.now().Unix(), projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (r *Repository) IncrementAttempts(id int64) (int, error) {
	var attempts int
	err := r.store.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE jobs SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
			return err
		}
		return tx.QueryRow(`SELECT attempts FROM jobs WHERE id = ?`, id).Scan(&attempts)
	})
	return attempts, err
}

// SetDefaultMaxAttempts sets max_attempts only when the job has none,
// letting enqueue-time overrides win over the pool default.
func (r *Repository) SetDefaultMaxAttempts(id int64, n int) error {
	_, err := r.store.DB().Exec(`UPDATE jobs SET max_attempts = ? WHERE id = ? AND max_attempts IS NULL`, n, id)
	return err
}

// HasSuccessor reports whether a successor job of the given type was
// already enqueued for the predecessor, optionally scoped to a project.
// The predecessor marker lives in the successor's payload, so the check
// survives restarts and retried terminal transitions.
func (r *Repository) HasSuccessor(predecessorID int64, t types.JobType, projectID *int64) (bool, error) {
	key := "jobs:has_successor"
	query := `SELECT COUNT(*) FROM jobs WHERE tenant_id = ? AND type = ?
		AND json_extract(payload, '$.predecessor_id') = ?`
	args := []any{r.store.TenantID(), t, predecessorID}
	if projectID != nil {
		key = "jobs:has_successor:project"
		query = `SELECT COUNT(*) FROM jobs WHERE tenant_id = ? AND type = ? AND project_id = ?
			AND json_extract(payload, '$.predecessor_id') = ?`
		args = []any{r.store.TenantID(), t, *projectID, predecessorID}
	}

	stmt, err := r.store.Stmts().Get(key, query)
	if err != nil {
		return false, err
	}
	var n int
	if err := stmt.QueryRow(args...).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check successors of job %d: %w", predecessorID, err)
	}
	return n > 0, nil
}

// RequeueStaleRunning resets every running job whose heartbeat is older
// than staleSeconds back to queued, clearing its run fields but keeping
// the attempts counter. Returns the affected job IDs.
func (r *Repository) RequeueStaleRunning(staleSeconds int) ([]int64, error) {
	if staleSeconds <= 0 {
		return nil, fmt.Errorf("staleSeconds must be positive, got %d", staleSeconds)
	}
	cutoff := r.now().Unix() - int64(staleSeconds)

	var ids []int64
	err := r.store.WithTx(func(tx *sql.Tx) error {
		ids = ids[:0]
		rows, err := tx.Query(`SELECT id FROM jobs WHERE status = 'running' AND heartbeat_at < ? ORDER BY id ASC`, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			_, err := tx.Exec(`UPDATE jobs SET status = 'queued', started_at = NULL, heartbeat_at = NULL, worker_id = ''
				WHERE id = ? AND status = 'running'`, id)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		r.notifyEnqueued()
	}
	return ids, nil
}

func (r *Repository) notifyEnqueued() {
	if r.notifier != nil {
		r.notifier.JobEnqueued()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func scanJob(row interface{ Scan(...any) error }) (*types.Job, error) {
	var j types.Job
	var projectID sql.NullInt64
	var created int64
	var started, finished, heartbeat, lastErr sql.NullInt64
	var maxAttempts sql.NullInt64
	var payload sql.NullString

	err := row.Scan(&j.ID, &j.TenantID, &projectID, &j.Type, &j.Status, &j.Priority, &j.Scope,
		&created, &started, &finished, &heartbeat, &j.WorkerID,
		&j.ProgressDone, &j.ProgressTotal, &j.Attempts, &maxAttempts, &lastErr, &j.ErrorMessage, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	if projectID.Valid {
		j.ProjectID = &projectID.Int64
	}
	if maxAttempts.Valid {
		v := int(maxAttempts.Int64)
		j.MaxAttempts = &v
	}
	j.CreatedAt = time.Unix(created, 0).UTC()
	j.StartedAt = unixPtr(started)
	j.FinishedAt = unixPtr(finished)
	j.HeartbeatAt = unixPtr(heartbeat)
	j.LastErrorAt = unixPtr(lastErr)
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	return &j, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
