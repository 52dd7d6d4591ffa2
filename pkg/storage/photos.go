package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/druso/photoflow/pkg/types"
)

const photoColumns = `id, project_id, filename, basename, ext, date_time_original,
	jpg_available, raw_available, other_available, keep_jpg, keep_raw,
	thumbnail_status, preview_status, visibility, meta, orientation, created_at, updated_at`

// CreatePhoto inserts a new photo row. Keep flags default to mirroring
// availability when left unset by the caller.
func (s *Store) CreatePhoto(p *types.Photo) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.ThumbnailStatus == "" {
		p.ThumbnailStatus = types.DerivativePending
	}
	if p.PreviewStatus == "" {
		p.PreviewStatus = types.DerivativePending
	}
	if p.Visibility == "" {
		p.Visibility = types.VisibilityPrivate
	}
	if p.Orientation == 0 {
		p.Orientation = 1
	}

	res, err := s.db.Exec(`INSERT INTO photos (project_id, filename, basename, ext, date_time_original,
			jpg_available, raw_available, other_available, keep_jpg, keep_raw,
			thumbnail_status, preview_status, visibility, meta, orientation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProjectID, p.Filename, p.Basename, p.Ext, timeVal(p.DateTimeOriginal),
		p.JPGAvailable, p.RawAvailable, p.OtherAvailable, p.KeepJPG, p.KeepRaw,
		p.ThumbnailStatus, p.PreviewStatus, p.Visibility, []byte(p.Meta), p.Orientation,
		now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to create photo %s: %w", p.Filename, err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// GetPhoto retrieves a photo by ID.
func (s *Store) GetPhoto(id int64) (*types.Photo, error) {
	stmt, err := s.stmts.Get("photos:get", `SELECT `+photoColumns+` FROM photos WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	return scanPhoto(stmt.QueryRow(id))
}

// GetPhotoByFilename retrieves a photo by its (project, filename) key.
func (s *Store) GetPhotoByFilename(projectID int64, filename string) (*types.Photo, error) {
	stmt, err := s.stmts.Get("photos:getByFilename",
		`SELECT `+photoColumns+` FROM photos WHERE project_id = ? AND filename = ?`)
	if err != nil {
		return nil, err
	}
	return scanPhoto(stmt.QueryRow(projectID, filename))
}

// FindPhotoOwner resolves which project currently owns a filename. Used
// by image_move to locate the source of each file it relocates.
func (s *Store) FindPhotoOwner(filename string) (*types.Photo, error) {
	stmt, err := s.stmts.Get("photos:findOwner",
		`SELECT `+photoColumns+` FROM photos WHERE filename = ? ORDER BY id ASC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	return scanPhoto(stmt.QueryRow(filename))
}

// ListPhotos returns photos in a project ordered by capture time then
// filename, with pagination for the browser client.
func (s *Store) ListPhotos(projectID int64, limit, offset int) ([]*types.Photo, error) {
	stmt, err := s.stmts.Get("photos:list",
		`SELECT `+photoColumns+` FROM photos WHERE project_id = ?
		ORDER BY date_time_original ASC, filename ASC LIMIT ? OFFSET ?`)
	if err != nil {
		return nil, err
	}
	return queryPhotos(stmt, projectID, limit, offset)
}

// ListAllPhotos returns every photo in a project, ordered by filename.
// Used by manifest reconciliation and commit scans.
func (s *Store) ListAllPhotos(projectID int64) ([]*types.Photo, error) {
	stmt, err := s.stmts.Get("photos:listAll",
		`SELECT `+photoColumns+` FROM photos WHERE project_id = ? ORDER BY filename ASC`)
	if err != nil {
		return nil, err
	}
	return queryPhotos(stmt, projectID)
}

// ListPendingPhotos returns photos in a project with at least one
// available variant marked not-keep.
func (s *Store) ListPendingPhotos(projectID int64) ([]*types.Photo, error) {
	stmt, err := s.stmts.Get("photos:listPending",
		`SELECT `+photoColumns+` FROM photos WHERE project_id = ?
		AND ((jpg_available = 1 AND keep_jpg = 0) OR (raw_available = 1 AND keep_raw = 0))
		ORDER BY filename ASC`)
	if err != nil {
		return nil, err
	}
	return queryPhotos(stmt, projectID)
}

// UpdatePhoto persists every mutable column of the photo row.
func (s *Store) UpdatePhoto(p *types.Photo) error {
	p.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`UPDATE photos SET project_id = ?, filename = ?, basename = ?, ext = ?,
			date_time_original = ?, jpg_available = ?, raw_available = ?, other_available = ?,
			keep_jpg = ?, keep_raw = ?, thumbnail_status = ?, preview_status = ?,
			visibility = ?, meta = ?, orientation = ?, updated_at = ?
		WHERE id = ?`,
		p.ProjectID, p.Filename, p.Basename, p.Ext,
		timeVal(p.DateTimeOriginal), p.JPGAvailable, p.RawAvailable, p.OtherAvailable,
		p.KeepJPG, p.KeepRaw, p.ThumbnailStatus, p.PreviewStatus,
		p.Visibility, []byte(p.Meta), p.Orientation, p.UpdatedAt.Unix(),
		p.ID)
	return err
}

// DeletePhoto removes the photo row. A photo with no available variants
// must not exist, so commit deletes rows that end up empty.
func (s *Store) DeletePhoto(id int64) error {
	_, err := s.db.Exec(`DELETE FROM photos WHERE id = ?`, id)
	return err
}

// MovePhoto reassigns a photo to another project atomically. The
// destination may already contain a co-named photo; the move replaces it,
// matching the on-disk overwrite.
func (s *Store) MovePhoto(photoID, destProjectID int64) error {
	return s.WithTx(func(tx *sql.Tx) error {
		var filename string
		err := tx.QueryRow(`SELECT filename FROM photos WHERE id = ?`, photoID).Scan(&filename)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if _, err := tx.Exec(`DELETE FROM photos WHERE project_id = ? AND filename = ? AND id != ?`,
			destProjectID, filename, photoID); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE photos SET project_id = ?, updated_at = ? WHERE id = ?`,
			destProjectID, time.Now().Unix(), photoID)
		return err
	})
}

// RevertKeepFlags restores keep flags to mirror availability for every
// photo in the project. No filesystem state is touched.
func (s *Store) RevertKeepFlags(projectID int64) (int64, error) {
	res, err := s.db.Exec(`UPDATE photos SET keep_jpg = jpg_available, keep_raw = raw_available, updated_at = ?
		WHERE project_id = ? AND (keep_jpg != jpg_available OR keep_raw != raw_available)`,
		time.Now().Unix(), projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingChangesByProject aggregates pending deletions per active project.
func (s *Store) PendingChangesByProject() ([]types.PendingChanges, error) {
	stmt, err := s.stmts.Get("photos:pendingChanges",
		`SELECT pr.folder,
			SUM(CASE WHEN (p.jpg_available = 1 AND p.keep_jpg = 0) OR (p.raw_available = 1 AND p.keep_raw = 0) THEN 1 ELSE 0 END),
			SUM(CASE WHEN p.jpg_available = 1 AND p.keep_jpg = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN p.raw_available = 1 AND p.keep_raw = 0 THEN 1 ELSE 0 END)
		FROM photos p
		JOIN projects pr ON pr.id = p.project_id
		WHERE pr.status = 'active'
		GROUP BY pr.folder
		ORDER BY pr.folder ASC`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.PendingChanges
	for rows.Next() {
		var pc types.PendingChanges
		if err := rows.Scan(&pc.ProjectFolder, &pc.PendingTotal, &pc.PendingJPG, &pc.PendingRaw); err != nil {
			return nil, err
		}
		if pc.PendingTotal == 0 {
			continue
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

func queryPhotos(stmt *sql.Stmt, args ...any) ([]*types.Photo, error) {
	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var photos []*types.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

func scanPhoto(row rowScanner) (*types.Photo, error) {
	var p types.Photo
	var dto sql.NullInt64
	var meta []byte
	var created, updated int64
	err := row.Scan(&p.ID, &p.ProjectID, &p.Filename, &p.Basename, &p.Ext, &dto,
		&p.JPGAvailable, &p.RawAvailable, &p.OtherAvailable, &p.KeepJPG, &p.KeepRaw,
		&p.ThumbnailStatus, &p.PreviewStatus, &p.Visibility, &meta, &p.Orientation,
		&created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.DateTimeOriginal = nullTime(dto)
	p.Meta = meta
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.UpdatedAt = time.Unix(updated, 0).UTC()
	return &p, nil
}
