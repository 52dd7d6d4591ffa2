package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/druso/photoflow/pkg/events"
	"github.com/druso/photoflow/pkg/fsstore"
	img "github.com/druso/photoflow/pkg/imaging"
	"github.com/druso/photoflow/pkg/types"
)

// handleGenerateDerivatives produces thumbnails and previews for every
// photo item whose derivative status is pending, or for all items when
// the payload sets force. Outcomes map onto the photo row: generated,
// not_supported for undecodable sources, missing for vanished ones.
// Write failures are transient and retry the whole job.
func handleGenerateDerivatives(ctx context.Context, c *Capabilities, job *types.Job) error {
	if job.ProjectID == nil {
		return fmt.Errorf("generate_derivatives requires a project")
	}
	project, err := c.Store.GetProject(*job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project %d: %w", *job.ProjectID, err)
	}

	var payload types.DerivativesPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("failed to parse payload: %w", err)
		}
	}

	if err := c.Files.EnsureProjectDirs(c.Store.TenantID(), project.Folder); err != nil {
		return Transient(err)
	}

	return forEachItem(ctx, c, job, func(item *types.JobItem) error {
		photo, err := resolveItemPhoto(c, project.ID, item)
		if err != nil {
			return err
		}
		if err := generateFor(c, project, photo, payload.Force); err != nil {
			return err
		}
		emitItemEvent(c, events.KindItem, job, project.Folder, photo.Filename)
		return nil
	})
}

func resolveItemPhoto(c *Capabilities, projectID int64, item *types.JobItem) (*types.Photo, error) {
	if item.PhotoID != nil {
		return c.Store.GetPhoto(*item.PhotoID)
	}
	return c.Store.GetPhotoByFilename(projectID, item.Filename)
}

// generateFor runs the image processor for whichever derivatives the
// photo still needs. Re-running on a generated photo is a no-op unless
// forced.
func generateFor(c *Capabilities, project *types.Project, photo *types.Photo, force bool) error {
	tenant := c.Store.TenantID()
	source := c.Files.OriginalPath(tenant, project.Folder, photo.Filename)

	var specs []img.Spec
	if force || photo.ThumbnailStatus == types.DerivativePending {
		specs = append(specs, img.Spec{
			Kind:       img.KindThumbnail,
			MaxDim:     c.Opts.ThumbnailMaxDim,
			Quality:    c.Opts.ThumbnailQuality,
			OutputPath: c.Files.DerivativePath(tenant, project.Folder, fsstore.ThumbDir, photo.Filename),
		})
	}
	if force || photo.PreviewStatus == types.DerivativePending {
		specs = append(specs, img.Spec{
			Kind:       img.KindPreview,
			MaxDim:     c.Opts.PreviewMaxDim,
			Quality:    c.Opts.PreviewQuality,
			OutputPath: c.Files.DerivativePath(tenant, project.Folder, fsstore.PreviewDir, photo.Filename),
		})
	}
	if len(specs) == 0 {
		return nil
	}

	results, err := c.Images.Process(source, specs)
	if err != nil {
		return Transient(fmt.Errorf("failed to process %s: %w", photo.Filename, err))
	}

	var itemErr error
	for _, res := range results {
		status := types.DerivativeGenerated
		switch {
		case res.Err == nil:
		case errors.Is(res.Err, img.ErrNotSupported):
			status = types.DerivativeNotSupported
		case errors.Is(res.Err, img.ErrSourceMissing):
			status = types.DerivativeMissing
		default:
			// Write failure: leave the status alone and retry the job.
			return Transient(res.Err)
		}
		switch res.Kind {
		case img.KindThumbnail:
			photo.ThumbnailStatus = status
		case img.KindPreview:
			photo.PreviewStatus = status
		}
		if status == types.DerivativeNotSupported && itemErr == nil {
			itemErr = res.Err
		}
	}

	if err := c.Store.UpdatePhoto(photo); err != nil {
		return Transient(fmt.Errorf("failed to update photo %d: %w", photo.ID, err))
	}
	return itemErr
}
