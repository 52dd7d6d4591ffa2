package jobs

import (
	"database/sql"
	"errors"
	"time"

	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/types"
)

const itemColumns = `id, job_id, photo_id, filename, status, message, created_at, updated_at`

// ListItems returns every item of a job in insertion order.
func (r *Repository) ListItems(jobID int64) ([]*types.JobItem, error) {
	stmt, err := r.store.Stmts().Get("items:list",
		`SELECT `+itemColumns+` FROM job_items WHERE job_id = ? ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*types.JobItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// NextPendingItem returns the oldest pending item of a job, or nil when
// every item has been picked up.
func (r *Repository) NextPendingItem(jobID int64) (*types.JobItem, error) {
	stmt, err := r.store.Stmts().Get("items:nextPending",
		`SELECT `+itemColumns+` FROM job_items WHERE job_id = ? AND status = 'pending' ORDER BY id ASC LIMIT 1`)
	if err != nil {
		return nil, err
	}

	it, err := scanItem(stmt.QueryRow(jobID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return it, nil
}

// UpdateItemStatus transitions an item and keeps the owning job's
// progress_done equal to the count of finished items, in one
// transaction so the invariant holds at every observable instant.
func (r *Repository) UpdateItemStatus(itemID int64, status types.ItemStatus, message string) error {
	return r.store.WithTx(func(tx *sql.Tx) error {
		nowSec := r.now().Unix()
		var jobID int64
		if err := tx.QueryRow(`SELECT job_id FROM job_items WHERE id = ?`, itemID).Scan(&jobID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return err
		}

		_, err := tx.Exec(`UPDATE job_items SET status = ?, message = ?, updated_at = ? WHERE id = ?`,
			status, truncate(message, maxErrorMessage), nowSec, itemID)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`UPDATE jobs SET progress_done =
			(SELECT COUNT(*) FROM job_items WHERE job_id = ? AND status IN ('done', 'failed'))
			WHERE id = ?`, jobID, jobID)
		return err
	})
}

// FailRunningItems reclassifies items left running by an interrupted
// handler, keeping progress consistent.
func (r *Repository) FailRunningItems(jobID int64, message string) (int64, error) {
	var affected int64
	err := r.store.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE job_items SET status = 'failed', message = ?, updated_at = ?
			WHERE job_id = ? AND status = 'running'`,
			truncate(message, maxErrorMessage), r.now().Unix(), jobID)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()

		_, err = tx.Exec(`UPDATE jobs SET progress_done =
			(SELECT COUNT(*) FROM job_items WHERE job_id = ? AND status IN ('done', 'failed'))
			WHERE id = ?`, jobID, jobID)
		return err
	})
	return affected, err
}

// ResetRunningItems returns items left running by an interrupted
// handler to pending, so a retried job processes them again.
func (r *Repository) ResetRunningItems(jobID int64) (int64, error) {
	res, err := r.store.DB().Exec(`UPDATE job_items SET status = 'pending', message = '', updated_at = ?
		WHERE job_id = ? AND status = 'running'`, r.now().Unix(), jobID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ItemsSummary counts a job's items by status, for the job detail API.
func (r *Repository) ItemsSummary(jobID int64) (map[types.ItemStatus]int, error) {
	stmt, err := r.store.Stmts().Get("items:summary",
		`SELECT status, COUNT(*) FROM job_items WHERE job_id = ? GROUP BY status`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := make(map[types.ItemStatus]int)
	for rows.Next() {
		var status types.ItemStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		summary[status] = count
	}
	return summary, rows.Err()
}

func scanItem(row interface{ Scan(...any) error }) (*types.JobItem, error) {
	var it types.JobItem
	var photoID sql.NullInt64
	var created, updated int64
	err := row.Scan(&it.ID, &it.JobID, &photoID, &it.Filename, &it.Status, &it.Message, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	if photoID.Valid {
		it.PhotoID = &photoID.Int64
	}
	it.CreatedAt = time.Unix(created, 0).UTC()
	it.UpdatedAt = time.Unix(updated, 0).UTC()
	return &it, nil
}
