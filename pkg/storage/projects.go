package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/druso/photoflow/pkg/types"
)

const projectColumns = `id, tenant_id, folder, name, status, manifest_version, created_at, updated_at`

// CreateProject inserts a new project row and fills in its ID and
// timestamps. Folder slugs are unique while a project exists.
func (s *Store) CreateProject(p *types.Project) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = types.ProjectStatusActive
	}

	res, err := s.db.Exec(`INSERT INTO projects (tenant_id, folder, name, status, manifest_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.TenantID, p.Folder, p.Name, p.Status, p.ManifestVersion, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to create project %s: %w", p.Folder, err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id int64) (*types.Project, error) {
	stmt, err := s.stmts.Get("projects:get", `SELECT `+projectColumns+` FROM projects WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	return scanProject(stmt.QueryRow(id))
}

// GetProjectByFolder retrieves a project by its folder slug.
func (s *Store) GetProjectByFolder(folder string) (*types.Project, error) {
	stmt, err := s.stmts.Get("projects:getByFolder", `SELECT `+projectColumns+` FROM projects WHERE folder = ?`)
	if err != nil {
		return nil, err
	}
	return scanProject(stmt.QueryRow(folder))
}

// ListProjects returns active projects ordered by creation time.
// Canceled projects are invisible to listing but may still own rows
// pending scavenge.
func (s *Store) ListProjects() ([]*types.Project, error) {
	stmt, err := s.stmts.Get("projects:list",
		`SELECT `+projectColumns+` FROM projects WHERE status = 'active' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// CancelProject marks a project canceled. Its rows remain until the
// scavenger removes the folder and deletes the row (cascading photos).
func (s *Store) CancelProject(id int64) error {
	_, err := s.db.Exec(`UPDATE projects SET status = 'canceled', updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id)
	return err
}

// DeleteProject removes the project row; photos, jobs, and hashes cascade.
func (s *Store) DeleteProject(id int64) error {
	_, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	return err
}

// BumpManifestVersion increments the project's manifest version after a
// reconcile changed rows.
func (s *Store) BumpManifestVersion(id int64) error {
	_, err := s.db.Exec(`UPDATE projects SET manifest_version = manifest_version + 1, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*types.Project, error) {
	var p types.Project
	var created, updated int64
	err := row.Scan(&p.ID, &p.TenantID, &p.Folder, &p.Name, &p.Status, &p.ManifestVersion, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.UpdatedAt = time.Unix(updated, 0).UTC()
	return &p, nil
}
