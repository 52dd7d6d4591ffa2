package jobs

import (
	"strings"

	"github.com/druso/photoflow/pkg/types"
)

// ListFilter narrows a job listing. Zero values mean "no constraint".
type ListFilter struct {
	ProjectID *int64
	Status    types.JobStatus
	Type      types.JobType
	Limit     int
	Offset    int
}

// List returns jobs matching the filter, newest first. The statement
// cache key encodes the filter shape, so each combination of predicates
// compiles once.
func (r *Repository) List(f ListFilter) ([]*types.Job, error) {
	conds := []string{"tenant_id = ?"}
	args := []any{r.store.TenantID()}

	var key strings.Builder
	key.WriteString("jobs:list")
	if f.ProjectID != nil {
		key.WriteString(":project")
		conds = append(conds, "project_id = ?")
		args = append(args, *f.ProjectID)
	}
	if f.Status != "" {
		key.WriteString(":status")
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		key.WriteString(":type")
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	stmt, err := r.store.Stmts().Get(key.String(), query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
