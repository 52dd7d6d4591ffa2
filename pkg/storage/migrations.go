package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one named, additive schema step. Migrations run in order
// on open and are recorded in schema_migrations; destructive changes are
// not allowed.
type migration struct {
	name string
	fn   func(*sql.Tx) error
}

var migrationsList = []migration{
	{"base_schema", migrateBaseSchema},
	{"photo_orientation_column", migratePhotoOrientation},
	{"jobs_claim_index", migrateJobsClaimIndex},
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrationsList {
		var applied int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, m.name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", m.name, err)
		}
		if applied > 0 {
			continue
		}

		err = s.WithTx(func(tx *sql.Tx) error {
			if err := m.fn(tx); err != nil {
				return fmt.Errorf("migration %s failed: %w", m.name, err)
			}
			_, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
				m.name, time.Now().Unix())
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func migrateBaseSchema(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id        TEXT NOT NULL,
			folder           TEXT NOT NULL UNIQUE,
			name             TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'active',
			manifest_version INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS photos (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id         INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			filename           TEXT NOT NULL,
			basename           TEXT NOT NULL,
			ext                TEXT NOT NULL,
			date_time_original INTEGER,
			jpg_available      INTEGER NOT NULL DEFAULT 0,
			raw_available      INTEGER NOT NULL DEFAULT 0,
			other_available    INTEGER NOT NULL DEFAULT 0,
			keep_jpg           INTEGER NOT NULL DEFAULT 0,
			keep_raw           INTEGER NOT NULL DEFAULT 0,
			thumbnail_status   TEXT NOT NULL DEFAULT 'pending',
			preview_status     TEXT NOT NULL DEFAULT 'pending',
			visibility         TEXT NOT NULL DEFAULT 'private',
			meta               BLOB,
			created_at         INTEGER NOT NULL,
			updated_at         INTEGER NOT NULL,
			UNIQUE(project_id, filename)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_photos_project_basename ON photos(project_id, basename)`,
		`CREATE INDEX IF NOT EXISTS idx_photos_project_dto ON photos(project_id, date_time_original)`,
		`CREATE TABLE IF NOT EXISTS tags (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			name      TEXT NOT NULL,
			UNIQUE(tenant_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS photo_tags (
			photo_id INTEGER NOT NULL REFERENCES photos(id) ON DELETE CASCADE,
			tag_id   INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			PRIMARY KEY (photo_id, tag_id)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id      TEXT NOT NULL,
			project_id     INTEGER REFERENCES projects(id) ON DELETE CASCADE,
			type           TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'queued',
			priority       INTEGER NOT NULL DEFAULT 50,
			scope          TEXT NOT NULL,
			created_at     INTEGER NOT NULL,
			started_at     INTEGER,
			finished_at    INTEGER,
			heartbeat_at   INTEGER,
			worker_id      TEXT NOT NULL DEFAULT '',
			progress_done  INTEGER NOT NULL DEFAULT 0,
			progress_total INTEGER NOT NULL DEFAULT 0,
			attempts       INTEGER NOT NULL DEFAULT 0,
			max_attempts   INTEGER,
			last_error_at  INTEGER,
			error_message  TEXT NOT NULL DEFAULT '',
			payload        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_tenant_status ON jobs(tenant_id, status)`,
		`CREATE TABLE IF NOT EXISTS job_items (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id     INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			photo_id   INTEGER REFERENCES photos(id) ON DELETE SET NULL,
			filename   TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'pending',
			message    TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_items_job ON job_items(job_id, status)`,
		`CREATE TABLE IF NOT EXISTS public_links (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id  TEXT NOT NULL,
			slug       TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS photo_public_links (
			link_id  INTEGER NOT NULL REFERENCES public_links(id) ON DELETE CASCADE,
			photo_id INTEGER NOT NULL REFERENCES photos(id) ON DELETE CASCADE,
			PRIMARY KEY (link_id, photo_id)
		)`,
		`CREATE TABLE IF NOT EXISTS photo_public_hashes (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			photo_id   INTEGER NOT NULL UNIQUE REFERENCES photos(id) ON DELETE CASCADE,
			hash       TEXT NOT NULL,
			rotated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_photo_public_hashes_expiry ON photo_public_hashes(expires_at)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migratePhotoOrientation(tx *sql.Tx) error {
	_, err := tx.Exec(`ALTER TABLE photos ADD COLUMN orientation INTEGER NOT NULL DEFAULT 1`)
	return err
}

func migrateJobsClaimIndex(tx *sql.Tx) error {
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, created_at ASC)`)
	return err
}
