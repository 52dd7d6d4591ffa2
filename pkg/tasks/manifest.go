package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/druso/photoflow/pkg/jobs"
	"github.com/druso/photoflow/pkg/log"
	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/types"
)

// manifestSummary is written back into the job payload when the pass
// finishes, so the API can surface what the reconcile did.
type manifestSummary struct {
	Checked  int `json:"checked"`
	Inserted int `json:"inserted"`
	Missing  int `json:"missing"`
}

// handleManifestCheck reconciles a project's on-disk files with its
// photo rows: files without rows get rows inserted, rows without files
// get availabilities cleared and derivative statuses set to missing.
// Files are walked in byte order so chunked reruns are deterministic.
// Oversized projects self-schedule: the handler processes one window
// and enqueues a sibling for the remainder.
func handleManifestCheck(ctx context.Context, c *Capabilities, job *types.Job) error {
	if job.ProjectID == nil {
		return fmt.Errorf("manifest_check requires a project")
	}
	project, err := c.Store.GetProject(*job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}

	var payload types.ManifestCheckPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("failed to parse payload: %w", err)
		}
	}

	files, err := c.Files.ListFiles(c.Store.TenantID(), project.Folder)
	if err != nil {
		return Transient(err)
	}
	sort.Strings(files)

	offset := payload.Offset
	if offset > len(files) {
		offset = len(files)
	}
	window := files[offset:]
	remainder := 0
	if len(window) > jobs.MaxItemsPerJob {
		remainder = len(window) - jobs.MaxItemsPerJob
		window = window[:jobs.MaxItemsPerJob]
	}

	onDisk := make(map[string]bool, len(files))
	for _, f := range files {
		onDisk[f] = true
	}

	var sum manifestSummary
	for _, filename := range window {
		if err := checkpoint(ctx, c, job.ID); err != nil {
			return err
		}
		sum.Checked++
		inserted, err := ensurePhotoRow(c, project.ID, filename)
		if err != nil {
			return err
		}
		if inserted {
			sum.Inserted++
		}
	}

	// Rows whose file vanished. Only on the final chunk, once the whole
	// listing has been seen.
	if remainder == 0 {
		rows, err := c.Store.ListAllPhotos(project.ID)
		if err != nil {
			return Transient(err)
		}
		for _, photo := range rows {
			if onDisk[photo.Filename] {
				continue
			}
			if err := markSourceMissing(c, photo); err != nil {
				return err
			}
			sum.Missing++
		}
		if err := c.Store.BumpManifestVersion(project.ID); err != nil {
			return Transient(err)
		}
	} else {
		next := types.ManifestCheckPayload{Offset: offset + len(window)}
		raw, _ := json.Marshal(next)
		if _, err := c.Jobs.Enqueue(jobs.EnqueueRequest{
			Type:      types.JobManifestCheck,
			Scope:     types.ScopeProject,
			Priority:  job.Priority,
			ProjectID: job.ProjectID,
			Payload:   raw,
		}); err != nil {
			return fmt.Errorf("failed to enqueue continuation: %w", err)
		}
	}

	raw, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := c.Jobs.UpdatePayload(job.ID, raw); err != nil {
		return fmt.Errorf("failed to persist summary: %w", err)
	}
	log.WithProject(project.Folder).Info().
		Int("checked", sum.Checked).
		Int("inserted", sum.Inserted).
		Int("missing", sum.Missing).
		Msg("manifest reconciled")
	return nil
}

// ensurePhotoRow inserts a row for an on-disk file that has none.
// Reports whether an insert happened.
func ensurePhotoRow(c *Capabilities, projectID int64, filename string) (bool, error) {
	_, err := c.Store.GetPhotoByFilename(projectID, filename)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, Transient(err)
	}

	base, ext := splitFilename(filename)
	photo := &types.Photo{
		ProjectID: projectID,
		Filename:  filename,
		Basename:  base,
		Ext:       ext,
	}
	switch classifyExt(filename) {
	case variantJPG:
		photo.JPGAvailable = true
		photo.KeepJPG = true
	case variantRaw:
		photo.RawAvailable = true
		photo.KeepRaw = true
	default:
		photo.OtherAvailable = true
	}
	if err := c.Store.CreatePhoto(photo); err != nil {
		return false, Transient(err)
	}
	return true, nil
}

// markSourceMissing clears availability for a row whose file is gone.
// A row left with no variants is deleted.
func markSourceMissing(c *Capabilities, photo *types.Photo) error {
	switch classifyExt(photo.Filename) {
	case variantJPG:
		photo.JPGAvailable = false
		photo.KeepJPG = false
		photo.ThumbnailStatus = types.DerivativeMissing
		photo.PreviewStatus = types.DerivativeMissing
	case variantRaw:
		photo.RawAvailable = false
		photo.KeepRaw = false
	default:
		photo.OtherAvailable = false
	}
	if !photo.JPGAvailable && !photo.RawAvailable && !photo.OtherAvailable {
		if err := c.Store.DeletePhoto(photo.ID); err != nil {
			return Transient(err)
		}
		return nil
	}
	if err := c.Store.UpdatePhoto(photo); err != nil {
		return Transient(err)
	}
	return nil
}
