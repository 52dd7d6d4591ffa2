package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/druso/photoflow/pkg/jobs"
	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/types"
)

type jobResponse struct {
	ID            int64           `json:"id"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Priority      int             `json:"priority"`
	Scope         string          `json:"scope"`
	ProjectID     *int64          `json:"project_id,omitempty"`
	ProgressDone  int             `json:"progress_done"`
	ProgressTotal int             `json:"progress_total"`
	Attempts      int             `json:"attempts"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	ItemsSummary map[types.ItemStatus]int `json:"items_summary,omitempty"`
}

func jobToResponse(j *types.Job) jobResponse {
	return jobResponse{
		ID:            j.ID,
		Type:          string(j.Type),
		Status:        string(j.Status),
		Priority:      j.Priority,
		Scope:         string(j.Scope),
		ProjectID:     j.ProjectID,
		ProgressDone:  j.ProgressDone,
		ProgressTotal: j.ProgressTotal,
		Attempts:      j.Attempts,
		ErrorMessage:  j.ErrorMessage,
		CreatedAt:     j.CreatedAt.Unix(),
		Payload:       j.Payload,
	}
}

// handleSubmitJob enqueues a job scoped to the project. Filenames, when
// present, become job items (auto-chunked past the batch cap).
// Validation failures surface here synchronously; they never reach a
// worker.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectFromRequest(w, r)
	if !ok {
		return
	}
	var req struct {
		Type      types.JobType   `json:"type"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		Priority  *int            `json:"priority,omitempty"`
		Filenames []string        `json:"filenames,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	priority := types.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}
	scope := types.ScopeProject
	if len(req.Filenames) > 0 {
		scope = types.ScopePhotoSet
	}

	enqReq := jobs.EnqueueRequest{
		Type:      req.Type,
		Scope:     scope,
		Priority:  priority,
		ProjectID: &project.ID,
		Payload:   req.Payload,
	}

	var created *types.Job
	var err error
	if len(req.Filenames) > 0 {
		items := make([]jobs.Item, 0, len(req.Filenames))
		for _, f := range req.Filenames {
			items = append(items, jobs.Item{Filename: f})
		}
		var siblings []*types.Job
		siblings, err = s.repo.EnqueueWithItems(enqReq, items, true)
		if err == nil {
			created = siblings[0]
		}
	} else {
		created, err = s.repo.Enqueue(enqReq)
	}
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownJobType) || errors.Is(err, jobs.ErrMissingScope) || errors.Is(err, jobs.ErrBatchTooLarge) {
			writeError(w, http.StatusBadRequest, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		}
		return
	}
	writeJSON(w, http.StatusCreated, jobToResponse(created))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectFromRequest(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	list, err := s.repo.List(jobs.ListFilter{
		ProjectID: &project.ID,
		Status:    types.JobStatus(q.Get("status")),
		Type:      types.JobType(q.Get("type")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]jobResponse, 0, len(list))
	for _, j := range list {
		out = append(out, jobToResponse(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.repo.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load job")
		}
		return
	}

	resp := jobToResponse(job)
	summary, err := s.repo.ItemsSummary(job.ID)
	if err == nil && len(summary) > 0 {
		resp.ItemsSummary = summary
	}
	writeJSON(w, http.StatusOK, resp)
}
