package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/druso/photoflow/pkg/log"
	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/types"
)

// handleProjectScavenge removes the on-disk folder of a canceled
// project and purges its rows. A project that is still active, or
// already gone, makes the job a no-op.
func handleProjectScavenge(ctx context.Context, c *Capabilities, job *types.Job) error {
	if job.ProjectID == nil {
		return fmt.Errorf("project_scavenge requires a project")
	}
	project, err := c.Store.GetProject(*job.ProjectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return Transient(err)
	}
	if project.Status != types.ProjectStatusCanceled {
		log.WithProject(project.Folder).Warn().Msg("scavenge skipped: project still active")
		return nil
	}

	if err := checkpoint(ctx, c, job.ID); err != nil {
		return err
	}

	dir := c.Files.ProjectDir(c.Store.TenantID(), project.Folder)
	exists, err := c.Files.PathExists(dir)
	if err != nil {
		return Transient(err)
	}
	if exists {
		if err := c.Files.RemoveTree(dir); err != nil {
			return Transient(err)
		}
	}
	// Photo and job rows cascade from the project row. Detach this job
	// first or the delete would take its own row with it.
	if err := c.Jobs.DetachProject(job.ID); err != nil {
		return Transient(err)
	}
	job.ProjectID = nil
	if err := c.Store.DeleteProject(project.ID); err != nil {
		return Transient(err)
	}
	log.WithProject(project.Folder).Info().Msg("project scavenged")
	return nil
}

// rotationSummary is written into the payload when rotation finishes.
type rotationSummary struct {
	Rotated int `json:"rotated"`
}

// handleHashRotation reissues public-link hashes that are expired or
// older than the rotation horizon. New hashes get rotated_at=now and
// expires_at=now+ttl.
func handleHashRotation(ctx context.Context, c *Capabilities, job *types.Job) error {
	ttl := c.Opts.HashTTL
	var payload types.HashRotationPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("failed to parse payload: %w", err)
		}
	}
	if payload.TTLDays > 0 {
		ttl = time.Duration(payload.TTLDays) * 24 * time.Hour
	}

	now := c.Now()
	photoIDs, err := c.Store.ListRotatableHashes(now, c.Opts.HashRotationHorizon)
	if err != nil {
		return Transient(err)
	}

	done := 0
	total := len(photoIDs)
	if err := c.Jobs.UpdateProgress(job.ID, &done, &total); err != nil {
		return fmt.Errorf("failed to set progress: %w", err)
	}

	for _, photoID := range photoIDs {
		if err := checkpoint(ctx, c, job.ID); err != nil {
			return err
		}
		if _, err := c.Store.RotatePhotoHash(photoID, now, ttl); err != nil {
			return Transient(fmt.Errorf("failed to rotate hash for photo %d: %w", photoID, err))
		}
		done++
		if err := c.Jobs.UpdateProgress(job.ID, &done, nil); err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
	}

	raw, err := json.Marshal(rotationSummary{Rotated: done})
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := c.Jobs.UpdatePayload(job.ID, raw); err != nil {
		return fmt.Errorf("failed to persist summary: %w", err)
	}
	log.WithComponent("hash_rotation").Info().Int("rotated", done).Msg("hash rotation complete")
	return nil
}
