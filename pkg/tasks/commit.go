package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/druso/photoflow/pkg/fsstore"
	"github.com/druso/photoflow/pkg/types"
)

// handleCommitChanges applies pending deletions in the job's project:
// every variant with availability true and keep false is removed from
// disk, then the row is updated to match. A photo left with no
// variants is deleted outright. Running commit twice, or after a
// revert, converges: with no pending deletions it completes with zero
// filesystem writes.
func handleCommitChanges(ctx context.Context, c *Capabilities, job *types.Job) error {
	if job.ProjectID == nil {
		return fmt.Errorf("commit_changes requires a project")
	}
	project, err := c.Store.GetProject(*job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}

	photos, err := c.Store.ListPendingPhotos(project.ID)
	if err != nil {
		return Transient(err)
	}

	done := 0
	total := len(photos)
	if err := c.Jobs.UpdateProgress(job.ID, &done, &total); err != nil {
		return fmt.Errorf("failed to set progress: %w", err)
	}

	for _, photo := range photos {
		if err := checkpoint(ctx, c, job.ID); err != nil {
			return err
		}
		if err := commitPhoto(c, project, photo); err != nil {
			return err
		}
		done++
		if err := c.Jobs.UpdateProgress(job.ID, &done, nil); err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
	}

	return publishPendingSnapshot(c)
}

// commitPhoto removes the discarded variants of one photo and updates
// or deletes its row.
func commitPhoto(c *Capabilities, project *types.Project, photo *types.Photo) error {
	if !photo.PendingDeletion() {
		return nil
	}
	tenant := c.Store.TenantID()

	if photo.JPGAvailable && !photo.KeepJPG {
		if err := removeVariantFiles(c, project.Folder, photo, variantJPG); err != nil {
			return Transient(err)
		}
		photo.JPGAvailable = false
		// The derivative source is gone with the JPG.
		photo.ThumbnailStatus = types.DerivativeMissing
		photo.PreviewStatus = types.DerivativeMissing
		for _, dir := range []string{fsstore.ThumbDir, fsstore.PreviewDir} {
			if err := c.Files.RemoveFile(c.Files.DerivativePath(tenant, project.Folder, dir, photo.Filename)); err != nil {
				return Transient(err)
			}
		}
	}
	if photo.RawAvailable && !photo.KeepRaw {
		if err := removeVariantFiles(c, project.Folder, photo, variantRaw); err != nil {
			return Transient(err)
		}
		photo.RawAvailable = false
	}

	if !photo.JPGAvailable && !photo.RawAvailable && !photo.OtherAvailable {
		if err := c.Store.DeletePhoto(photo.ID); err != nil {
			return Transient(err)
		}
		return nil
	}

	// Keep flags mirror availability once the variant is gone.
	photo.KeepJPG = photo.JPGAvailable && photo.KeepJPG
	photo.KeepRaw = photo.RawAvailable && photo.KeepRaw
	if err := c.Store.UpdatePhoto(photo); err != nil {
		return Transient(err)
	}
	return nil
}

// removeVariantFiles deletes the on-disk files of one variant kind.
// The photo's own filename is removed when it matches the kind; raw
// siblings sharing the basename are probed across the known raw
// extensions. Missing files are fine: commit is idempotent.
func removeVariantFiles(c *Capabilities, folder string, photo *types.Photo, kind variantKind) error {
	tenant := c.Store.TenantID()
	if classifyExt(photo.Filename) == kind {
		if err := c.Files.RemoveFile(c.Files.OriginalPath(tenant, folder, photo.Filename)); err != nil {
			return err
		}
	}
	if kind == variantRaw {
		for ext := range rawExts {
			for _, e := range []string{ext, strings.ToUpper(ext)} {
				if err := c.Files.RemoveFile(c.Files.OriginalPath(tenant, folder, photo.Basename+e)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// handleRevertChanges restores keep flags to mirror availability for
// the whole project. No filesystem writes.
func handleRevertChanges(ctx context.Context, c *Capabilities, job *types.Job) error {
	if job.ProjectID == nil {
		return fmt.Errorf("revert_changes requires a project")
	}
	if err := checkpoint(ctx, c, job.ID); err != nil {
		return err
	}
	n, err := c.Store.RevertKeepFlags(*job.ProjectID)
	if err != nil {
		return Transient(err)
	}
	done := int(n)
	total := int(n)
	if err := c.Jobs.UpdateProgress(job.ID, &done, &total); err != nil {
		return fmt.Errorf("failed to set progress: %w", err)
	}
	return publishPendingSnapshot(c)
}
