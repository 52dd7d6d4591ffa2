package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/druso/photoflow/pkg/events"
	"github.com/druso/photoflow/pkg/fsstore"
	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/types"
)

// handleImageMove moves photos into the job's project. Each item names
// a file whose current owner is resolved from the photos table; the
// original and any present derivatives follow it on disk, then the row
// is reassigned. Derivatives that did not accompany the move are reset
// to pending and the payload records need_generate_derivatives so the
// orchestrator can enqueue a high-priority regeneration.
func handleImageMove(ctx context.Context, c *Capabilities, job *types.Job) error {
	if job.ProjectID == nil {
		return fmt.Errorf("image_move requires a destination project")
	}
	dest, err := c.Store.GetProject(*job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load destination project: %w", err)
	}

	var payload types.MovePayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("failed to parse payload: %w", err)
		}
	}

	if err := c.Files.EnsureProjectDirs(c.Store.TenantID(), dest.Folder); err != nil {
		return Transient(err)
	}

	needGen := payload.NeedGenerateDerivatives
	sources := make(map[int64]bool, len(payload.SourceProjectIDs))
	for _, id := range payload.SourceProjectIDs {
		sources[id] = true
	}
	var moved []string

	err = forEachItem(ctx, c, job, func(item *types.JobItem) error {
		movedWithout, srcID, err := moveOne(c, job, dest, item.Filename)
		if err != nil {
			return err
		}
		if movedWithout {
			needGen = true
		}
		if srcID != 0 {
			sources[srcID] = true
			moved = append(moved, item.Filename)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// The payload becomes the outcome record the orchestrator reads:
	// which files actually moved, out of which projects, and whether
	// derivatives need regenerating at the destination.
	if len(moved) > 0 {
		payload.Filenames = moved
	}
	payload.NeedGenerateDerivatives = needGen
	payload.SourceProjectIDs = payload.SourceProjectIDs[:0]
	for id := range sources {
		payload.SourceProjectIDs = append(payload.SourceProjectIDs, id)
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

// moveOne relocates a single filename into dest. Returns whether the
// photo arrived without its derivatives, and the source project id
// (zero when the move was a no-op).
func moveOne(c *Capabilities, job *types.Job, dest *types.Project, filename string) (bool, int64, error) {
	photo, err := c.Store.FindPhotoOwner(filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, 0, fmt.Errorf("no photo owns %s", filename)
		}
		return false, 0, Transient(err)
	}
	if photo.ProjectID == dest.ID {
		return false, 0, nil
	}
	src, err := c.Store.GetProject(photo.ProjectID)
	if err != nil {
		return false, 0, fmt.Errorf("failed to load source project: %w", err)
	}

	tenant := c.Store.TenantID()
	from := c.Files.OriginalPath(tenant, src.Folder, filename)
	to := c.Files.OriginalPath(tenant, dest.Folder, filename)
	// Destination overwrite replaces any co-named file; the row follows.
	if err := c.Files.MoveFile(from, to, true); err != nil {
		return false, 0, Transient(err)
	}

	missingDerivatives := false
	for _, dir := range []string{fsstore.ThumbDir, fsstore.PreviewDir} {
		dfrom := c.Files.DerivativePath(tenant, src.Folder, dir, filename)
		exists, err := c.Files.PathExists(dfrom)
		if err != nil {
			return false, 0, Transient(err)
		}
		if !exists {
			missingDerivatives = true
			continue
		}
		dto := c.Files.DerivativePath(tenant, dest.Folder, dir, filename)
		if err := c.Files.MoveFile(dfrom, dto, true); err != nil {
			return false, 0, Transient(err)
		}
	}

	if err := c.Store.MovePhoto(photo.ID, dest.ID); err != nil {
		return false, 0, Transient(fmt.Errorf("failed to reassign photo %d: %w", photo.ID, err))
	}
	if missingDerivatives {
		photo.ProjectID = dest.ID
		photo.ThumbnailStatus = types.DerivativePending
		photo.PreviewStatus = types.DerivativePending
		if err := c.Store.UpdatePhoto(photo); err != nil {
			return false, 0, Transient(err)
		}
	}

	emitItemEvent(c, events.KindItemRemoved, job, src.Folder, filename)
	emitItemEvent(c, events.KindItemMoved, job, dest.Folder, filename)
	return missingDerivatives, src.ID, nil
}
