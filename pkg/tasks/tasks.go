package tasks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/druso/photoflow/pkg/events"
	"github.com/druso/photoflow/pkg/imaging"
	"github.com/druso/photoflow/pkg/jobs"
	"github.com/druso/photoflow/pkg/log"
	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/types"
)

var (
	// ErrCanceled is returned by a handler that observed a cancel
	// request at an item boundary. Not an error condition: the worker
	// leaves the job in its canceled state.
	ErrCanceled = errors.New("job canceled")

	// ErrUnregistered is returned when a job's type has no handler.
	ErrUnregistered = errors.New("no handler registered for job type")
)

// transientError marks a failure the worker should retry with a fresh
// claim, up to the job's max_attempts.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps an error so the worker retries instead of failing.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether the error asks for a retry.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// ImageProcessor produces photo derivatives from an on-disk source.
type ImageProcessor interface {
	Process(sourcePath string, specs []imaging.Spec) ([]imaging.Result, error)
}

// ProjectStore is the rooted filesystem a handler operates on.
type ProjectStore interface {
	ProjectDir(tenantID, folder string) string
	OriginalPath(tenantID, folder, filename string) string
	DerivativePath(tenantID, folder, derivativeDir, filename string) string
	EnsureProjectDirs(tenantID, folder string) error
	MoveFile(from, to string, overwrite bool) error
	PathExists(path string) (bool, error)
	RemoveTree(path string) error
	RemoveFile(path string) error
	ListFiles(tenantID, folder string) ([]string, error)
}

// EventPublisher fans handler-side mutations out to SSE subscribers.
type EventPublisher interface {
	PublishJob(ev events.JobEvent)
	PublishPending(snap events.PendingSnapshot)
}

// Options carries the handler-relevant configuration knobs.
type Options struct {
	ThumbnailMaxDim  int
	ThumbnailQuality int
	PreviewMaxDim    int
	PreviewQuality   int

	HashTTL             time.Duration
	HashRotationHorizon time.Duration
}

// Capabilities is everything a handler may touch. Handlers never reach
// past it: no globals, no direct orchestrator imports.
type Capabilities struct {
	Jobs   *jobs.Repository
	Store  *storage.Store
	Images ImageProcessor
	Files  ProjectStore
	Events EventPublisher
	Opts   Options

	// Now is the clock; tests substitute a fixed one.
	Now func() time.Time
}

// Handler runs one claimed job to completion, cancellation, or error.
type Handler func(ctx context.Context, c *Capabilities, job *types.Job) error

// Registry maps the closed job type enum to handlers. Unknown types
// are rejected at enqueue time and never reach dispatch.
type Registry struct {
	caps     *Capabilities
	handlers map[types.JobType]Handler
}

// NewRegistry builds the full handler registry over the capabilities.
func NewRegistry(caps *Capabilities) *Registry {
	if caps.Now == nil {
		caps.Now = time.Now
	}
	return &Registry{
		caps: caps,
		handlers: map[types.JobType]Handler{
			types.JobGenerateDerivatives: handleGenerateDerivatives,
			types.JobImageMove:           handleImageMove,
			types.JobUploadPostprocess:   handleUploadPostprocess,
			types.JobCommitChanges:       handleCommitChanges,
			types.JobRevertChanges:       handleRevertChanges,
			types.JobManifestCheck:       handleManifestCheck,
			types.JobProjectScavenge:     handleProjectScavenge,
			types.JobHashRotation:        handleHashRotation,
		},
	}
}

// Run dispatches a claimed job to its handler.
func (r *Registry) Run(ctx context.Context, job *types.Job) error {
	h, ok := r.handlers[job.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnregistered, job.Type)
	}
	return h(ctx, r.caps, job)
}

// cancelRequested reloads the job and reports whether it was canceled
// out from under the worker. Checked at every item boundary.
func cancelRequested(c *Capabilities, jobID int64) (bool, error) {
	j, err := c.Jobs.Get(jobID)
	if err != nil {
		return false, fmt.Errorf("failed to reload job %d: %w", jobID, err)
	}
	return j.Status == types.JobCanceled, nil
}

// checkpoint is the per-item-boundary suspension check: pool shutdown
// via context, user cancel via job status.
func checkpoint(ctx context.Context, c *Capabilities, jobID int64) error {
	select {
	case <-ctx.Done():
		return Transient(ctx.Err())
	default:
	}
	canceled, err := cancelRequested(c, jobID)
	if err != nil {
		return err
	}
	if canceled {
		return ErrCanceled
	}
	return nil
}

// forEachItem drains the job's pending items sequentially, marking each
// running before fn and done/failed after. A transient error from fn
// aborts the pass so the worker can retry the job; the in-flight item
// stays running and is reclassified on requeue.
func forEachItem(ctx context.Context, c *Capabilities, job *types.Job, fn func(item *types.JobItem) error) error {
	for {
		if err := checkpoint(ctx, c, job.ID); err != nil {
			return err
		}
		item, err := c.Jobs.NextPendingItem(job.ID)
		if err != nil {
			return fmt.Errorf("failed to fetch next item: %w", err)
		}
		if item == nil {
			return nil
		}
		if err := c.Jobs.UpdateItemStatus(item.ID, types.ItemRunning, ""); err != nil {
			return fmt.Errorf("failed to mark item running: %w", err)
		}
		if err := fn(item); err != nil {
			if IsTransient(err) || errors.Is(err, ErrCanceled) {
				return err
			}
			log.WithJobID(job.ID).Warn().Str("filename", item.Filename).Err(err).Msg("item failed")
			if uerr := c.Jobs.UpdateItemStatus(item.ID, types.ItemFailed, err.Error()); uerr != nil {
				return fmt.Errorf("failed to mark item failed: %w", uerr)
			}
			continue
		}
		if err := c.Jobs.UpdateItemStatus(item.ID, types.ItemDone, ""); err != nil {
			return fmt.Errorf("failed to mark item done: %w", err)
		}
	}
}

// publishPendingSnapshot rebuilds and broadcasts the pending-changes
// picture after any mutation of keep flags or availabilities.
func publishPendingSnapshot(c *Capabilities) error {
	rows, err := c.Store.PendingChangesByProject()
	if err != nil {
		return fmt.Errorf("failed to aggregate pending changes: %w", err)
	}
	c.Events.PublishPending(events.BuildSnapshot(rows))
	return nil
}

func emitItemEvent(c *Capabilities, kind events.EventKind, job *types.Job, folder, filename string) {
	c.Events.PublishJob(events.JobEvent{
		Kind:          kind,
		ID:            job.ID,
		JobType:       job.Type,
		ProjectFolder: folder,
		Filename:      filename,
		UpdatedAt:     c.Now(),
	})
}

// Variant classification by extension. RAW coverage matches the
// formats the uploader accepts.
var rawExts = map[string]bool{
	".cr2": true, ".cr3": true, ".nef": true, ".arw": true,
	".dng": true, ".raf": true, ".orf": true, ".rw2": true,
}

var jpgExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
}

type variantKind int

const (
	variantJPG variantKind = iota
	variantRaw
	variantOther
)

func classifyExt(filename string) variantKind {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case jpgExts[ext]:
		return variantJPG
	case rawExts[ext]:
		return variantRaw
	default:
		return variantOther
	}
}

func splitFilename(filename string) (base, ext string) {
	ext = filepath.Ext(filename)
	return strings.TrimSuffix(filename, ext), ext
}
