package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/gorilla/mux"

	"github.com/druso/photoflow/pkg/jobs"
	"github.com/druso/photoflow/pkg/log"
	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/types"
)

var folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

type projectResponse struct {
	ID              int64  `json:"id"`
	Folder          string `json:"folder"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	ManifestVersion int    `json:"manifest_version"`
	CreatedAt       int64  `json:"created_at"`
}

func projectToResponse(p *types.Project) projectResponse {
	return projectResponse{
		ID:              p.ID,
		Folder:          p.Folder,
		Name:            p.Name,
		Status:          string(p.Status),
		ManifestVersion: p.ManifestVersion,
		CreatedAt:       p.CreatedAt.Unix(),
	}
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Folder string `json:"folder"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !folderPattern.MatchString(req.Folder) {
		writeError(w, http.StatusBadRequest, "folder must be a url-safe slug")
		return
	}
	if req.Name == "" {
		req.Name = req.Folder
	}

	if _, err := s.store.GetProjectByFolder(req.Folder); err == nil {
		writeError(w, http.StatusConflict, "folder already in use")
		return
	}

	project := &types.Project{
		TenantID: s.store.TenantID(),
		Folder:   req.Folder,
		Name:     req.Name,
	}
	if err := s.store.CreateProject(project); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	if err := s.files.EnsureProjectDirs(s.store.TenantID(), project.Folder); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create project folder")
		return
	}
	writeJSON(w, http.StatusCreated, projectToResponse(project))
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	out := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectToResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteProject cancels the project, cancels its in-flight jobs,
// and enqueues a scavenge to remove the folder and purge rows.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectFromRequest(w, r)
	if !ok {
		return
	}

	if err := s.store.CancelProject(project.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel project")
		return
	}
	canceled, err := s.repo.CancelByProject(project.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel project jobs")
		return
	}

	job, err := s.repo.Enqueue(jobs.EnqueueRequest{
		Type:      types.JobProjectScavenge,
		Scope:     types.ScopeProject,
		Priority:  types.PriorityNormal,
		ProjectID: &project.ID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue scavenge")
		return
	}
	log.WithProject(project.Folder).Info().
		Int64("scavenge_job", job.ID).
		Int64("jobs_canceled", canceled).
		Msg("project deletion started")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "canceled",
		"scavenge_job":  job.ID,
		"jobs_canceled": canceled,
	})
}

// projectFromRequest resolves the {folder} path variable, writing a 404
// when it does not name an active project.
func (s *Server) projectFromRequest(w http.ResponseWriter, r *http.Request) (*types.Project, bool) {
	folder := mux.Vars(r)["folder"]
	project, err := s.store.GetProjectByFolder(folder)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load project")
		}
		return nil, false
	}
	return project, true
}
