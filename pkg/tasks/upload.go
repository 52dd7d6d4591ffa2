package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/druso/photoflow/pkg/events"
	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/types"
)

// handleUploadPostprocess registers freshly uploaded files in the
// job's project. A filename already owned by a photo in another
// project is not registered here: it is recorded as a conflict in the
// payload, and the orchestrator turns conflicts into an image_move
// successor toward this project.
func handleUploadPostprocess(ctx context.Context, c *Capabilities, job *types.Job) error {
	if job.ProjectID == nil {
		return fmt.Errorf("upload_postprocess requires a project")
	}
	project, err := c.Store.GetProject(*job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}

	var payload types.UploadPostprocessPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("failed to parse payload: %w", err)
		}
	}
	payload.ConflictFilenames = payload.ConflictFilenames[:0]

	done := 0
	total := len(payload.Filenames)
	if err := c.Jobs.UpdateProgress(job.ID, &done, &total); err != nil {
		return fmt.Errorf("failed to set progress: %w", err)
	}

	for _, filename := range payload.Filenames {
		if err := checkpoint(ctx, c, job.ID); err != nil {
			return err
		}

		owner, err := c.Store.FindPhotoOwner(filename)
		switch {
		case err == nil && owner.ProjectID != project.ID:
			payload.ConflictFilenames = append(payload.ConflictFilenames, filename)
		case err == nil:
			// Re-upload into the same project: refresh availability.
			if err := refreshUploaded(c, owner, filename, takenAt(payload.TakenAt, filename)); err != nil {
				return err
			}
			emitItemEvent(c, events.KindItem, job, project.Folder, filename)
		case errors.Is(err, storage.ErrNotFound):
			if _, err := ensurePhotoRow(c, project.ID, filename); err != nil {
				return err
			}
			if ts := takenAt(payload.TakenAt, filename); ts != nil {
				if err := stampTakenAt(c, project.ID, filename, ts); err != nil {
					return err
				}
			}
			emitItemEvent(c, events.KindItem, job, project.Folder, filename)
		default:
			return Transient(err)
		}

		done++
		if err := c.Jobs.UpdateProgress(job.ID, &done, nil); err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := c.Jobs.UpdatePayload(job.ID, raw); err != nil {
		return fmt.Errorf("failed to persist payload: %w", err)
	}
	return nil
}

// refreshUploaded marks a re-uploaded variant available again and
// queues its derivatives for regeneration.
func refreshUploaded(c *Capabilities, photo *types.Photo, filename string, ts *time.Time) error {
	switch classifyExt(filename) {
	case variantJPG:
		photo.JPGAvailable = true
		photo.KeepJPG = true
		photo.ThumbnailStatus = types.DerivativePending
		photo.PreviewStatus = types.DerivativePending
	case variantRaw:
		photo.RawAvailable = true
		photo.KeepRaw = true
	default:
		photo.OtherAvailable = true
	}
	if ts != nil {
		photo.DateTimeOriginal = ts
	}
	if err := c.Store.UpdatePhoto(photo); err != nil {
		return Transient(err)
	}
	return nil
}

// takenAt looks up the capture timestamp for a filename, if the upload
// carried one.
func takenAt(m map[string]time.Time, filename string) *time.Time {
	if m == nil {
		return nil
	}
	ts, ok := m[filename]
	if !ok {
		return nil
	}
	return &ts
}

// stampTakenAt sets the capture timestamp on a freshly inserted row.
func stampTakenAt(c *Capabilities, projectID int64, filename string, ts *time.Time) error {
	photo, err := c.Store.GetPhotoByFilename(projectID, filename)
	if err != nil {
		return Transient(err)
	}
	photo.DateTimeOriginal = ts
	if err := c.Store.UpdatePhoto(photo); err != nil {
		return Transient(err)
	}
	return nil
}
