package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/druso/photoflow/pkg/jobs"
	"github.com/druso/photoflow/pkg/log"
	"github.com/druso/photoflow/pkg/types"
)

// Orchestrator stitches multi-step workflows together. After a job's
// terminal transition it inspects the outcome payload and enqueues
// successor jobs: moves trigger derivative regeneration and source
// reconciliation, uploads turn filename conflicts into moves.
// Successor enqueues are idempotent: each successor payload carries its
// predecessor id, and an existing (predecessor, type, project) match
// suppresses the duplicate.
type Orchestrator struct {
	repo        *jobs.Repository
	fanoutWidth int
}

// New creates an orchestrator. fanoutWidth caps how many successors one
// terminal transition may enqueue; zero means a default of 8.
func New(repo *jobs.Repository, fanoutWidth int) *Orchestrator {
	if fanoutWidth <= 0 {
		fanoutWidth = 8
	}
	return &Orchestrator{repo: repo, fanoutWidth: fanoutWidth}
}

// JobFinished inspects a job that just reached a terminal status and
// enqueues any successors its outcome calls for. Only completed jobs
// produce successors.
func (o *Orchestrator) JobFinished(job *types.Job) error {
	if job.Status != types.JobCompleted {
		return nil
	}
	switch job.Type {
	case types.JobImageMove:
		return o.afterImageMove(job)
	case types.JobUploadPostprocess:
		return o.afterUploadPostprocess(job)
	default:
		return nil
	}
}

// afterImageMove enqueues a high-priority generate_derivatives for the
// destination when the move left derivative gaps, and a manifest_check
// for every source project to reconcile leftovers.
func (o *Orchestrator) afterImageMove(job *types.Job) error {
	var payload types.MovePayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("failed to parse move payload: %w", err)
		}
	}

	budget := o.fanoutWidth

	if payload.NeedGenerateDerivatives && job.ProjectID != nil && budget > 0 {
		items := make([]jobs.Item, 0, len(payload.Filenames))
		for _, f := range payload.Filenames {
			items = append(items, jobs.Item{Filename: f})
		}
		derivPayload, err := json.Marshal(types.DerivativesPayload{
			SuccessorMeta: types.SuccessorMeta{PredecessorID: job.ID},
		})
		if err != nil {
			return err
		}
		enqueued, err := o.enqueueOnce(job.ID, jobs.EnqueueRequest{
			Type:      types.JobGenerateDerivatives,
			Scope:     types.ScopeProject,
			Priority:  types.PriorityHigh,
			ProjectID: job.ProjectID,
			Payload:   derivPayload,
		}, items)
		if err != nil {
			return err
		}
		if enqueued {
			budget--
		}
	}

	for _, srcID := range payload.SourceProjectIDs {
		if budget <= 0 {
			log.WithComponent("pipeline").Warn().
				Int64("job_id", job.ID).
				Msg("successor fanout width reached, remaining sources left to scheduled reconciles")
			break
		}
		checkPayload, err := json.Marshal(types.ManifestCheckPayload{
			SuccessorMeta: types.SuccessorMeta{PredecessorID: job.ID},
		})
		if err != nil {
			return err
		}
		enqueued, err := o.enqueueOnce(job.ID, jobs.EnqueueRequest{
			Type:      types.JobManifestCheck,
			Scope:     types.ScopeProject,
			Priority:  types.PriorityNormal,
			ProjectID: &srcID,
			Payload:   checkPayload,
		}, nil)
		if err != nil {
			return err
		}
		if enqueued {
			budget--
		}
	}
	return nil
}

// afterUploadPostprocess turns conflicting uploads into an image_move
// toward the upload's project.
func (o *Orchestrator) afterUploadPostprocess(job *types.Job) error {
	var payload types.UploadPostprocessPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("failed to parse upload payload: %w", err)
		}
	}
	if len(payload.ConflictFilenames) == 0 || job.ProjectID == nil {
		return nil
	}

	movePayload, err := json.Marshal(types.MovePayload{
		SuccessorMeta: types.SuccessorMeta{PredecessorID: job.ID},
		Filenames:     payload.ConflictFilenames,
	})
	if err != nil {
		return err
	}
	items := make([]jobs.Item, 0, len(payload.ConflictFilenames))
	for _, f := range payload.ConflictFilenames {
		items = append(items, jobs.Item{Filename: f})
	}
	_, err = o.enqueueOnce(job.ID, jobs.EnqueueRequest{
		Type:      types.JobImageMove,
		Scope:     types.ScopePhotoSet,
		Priority:  types.PriorityNormal,
		ProjectID: job.ProjectID,
		Payload:   movePayload,
	}, items)
	return err
}

// enqueueOnce enqueues a successor unless an identical one already
// exists for the predecessor. Reports whether a new job was created.
func (o *Orchestrator) enqueueOnce(predecessorID int64, req jobs.EnqueueRequest, items []jobs.Item) (bool, error) {
	exists, err := o.repo.HasSuccessor(predecessorID, req.Type, req.ProjectID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if len(items) == 0 {
		_, err = o.repo.Enqueue(req)
	} else {
		_, err = o.repo.EnqueueWithItems(req, items, true)
	}
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s successor of job %d: %w", req.Type, predecessorID, err)
	}
	log.WithComponent("pipeline").Debug().
		Int64("predecessor", predecessorID).
		Str("type", string(req.Type)).
		Msg("successor enqueued")
	return true, nil
}
