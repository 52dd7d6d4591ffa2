package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/druso/photoflow/pkg/config"
	"github.com/druso/photoflow/pkg/events"
	"github.com/druso/photoflow/pkg/fsstore"
	"github.com/druso/photoflow/pkg/jobs"
	"github.com/druso/photoflow/pkg/log"
	"github.com/druso/photoflow/pkg/metrics"
	"github.com/druso/photoflow/pkg/storage"
)

// Server is the REST + SSE front-end: project and photo management,
// job submission and inspection, and the two event streams.
type Server struct {
	cfg    *config.Config
	store  *storage.Store
	repo   *jobs.Repository
	broker *events.Broker
	files  *fsstore.Store

	router *mux.Router
	http   *http.Server

	// now is the clock; tests substitute a fixed one.
	now func() time.Time
}

// NewServer wires the HTTP surface over the given components.
func NewServer(cfg *config.Config, store *storage.Store, repo *jobs.Repository, broker *events.Broker, files *fsstore.Store) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		repo:   repo,
		broker: broker,
		files:  files,
		now:    time.Now,
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.observe)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	r.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)
	r.HandleFunc("/projects/{folder}", s.handleDeleteProject).Methods(http.MethodDelete)

	r.HandleFunc("/projects/{folder}/photos", s.handleListPhotos).Methods(http.MethodGet)
	r.HandleFunc("/projects/{folder}/photos/{filename}/keep", s.handleUpdateKeep).Methods(http.MethodPatch)
	r.HandleFunc("/projects/{folder}/photos/{filename}/visibility", s.handleUpdateVisibility).Methods(http.MethodPatch)
	r.HandleFunc("/projects/{folder}/photos/{filename}/asset/{kind}", s.handleAsset).Methods(http.MethodGet)

	r.HandleFunc("/projects/{folder}/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/projects/{folder}/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id:[0-9]+}", s.handleGetJob).Methods(http.MethodGet)

	r.HandleFunc("/jobs/stream", s.handleJobStream).Methods(http.MethodGet)
	r.HandleFunc("/pending-changes", s.handlePendingStream).Methods(http.MethodGet)

	return r
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	log.WithComponent("api").Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, including open SSE streams.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.WithComponent("api").Warn().Err(err).Msg("failed to encode response")
		}
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
