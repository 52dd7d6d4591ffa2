package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/druso/photoflow/pkg/events"
	"github.com/druso/photoflow/pkg/fsstore"
	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/types"
)

type photoResponse struct {
	ID              int64  `json:"id"`
	Filename        string `json:"filename"`
	Basename        string `json:"basename"`
	JPGAvailable    bool   `json:"jpg_available"`
	RawAvailable    bool   `json:"raw_available"`
	OtherAvailable  bool   `json:"other_available"`
	KeepJPG         bool   `json:"keep_jpg"`
	KeepRaw         bool   `json:"keep_raw"`
	ThumbnailStatus string `json:"thumbnail_status"`
	PreviewStatus   string `json:"preview_status"`
	Orientation     int    `json:"orientation"`
	Visibility      string `json:"visibility"`
	PendingDeletion bool   `json:"pending_deletion"`
}

func photoToResponse(p *types.Photo) photoResponse {
	return photoResponse{
		ID:              p.ID,
		Filename:        p.Filename,
		Basename:        p.Basename,
		JPGAvailable:    p.JPGAvailable,
		RawAvailable:    p.RawAvailable,
		OtherAvailable:  p.OtherAvailable,
		KeepJPG:         p.KeepJPG,
		KeepRaw:         p.KeepRaw,
		ThumbnailStatus: string(p.ThumbnailStatus),
		PreviewStatus:   string(p.PreviewStatus),
		Orientation:     p.Orientation,
		Visibility:      string(p.Visibility),
		PendingDeletion: p.PendingDeletion(),
	}
}

func (s *Server) handleListPhotos(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectFromRequest(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	photos, err := s.store.ListPhotos(project.ID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list photos")
		return
	}
	out := make([]photoResponse, 0, len(photos))
	for _, p := range photos {
		out = append(out, photoToResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// photoFromRequest resolves {folder}/{filename} to a photo row.
func (s *Server) photoFromRequest(w http.ResponseWriter, r *http.Request) (*types.Photo, *types.Project, bool) {
	project, ok := s.projectFromRequest(w, r)
	if !ok {
		return nil, nil, false
	}
	filename := mux.Vars(r)["filename"]
	photo, err := s.store.GetPhotoByFilename(project.ID, filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "photo not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load photo")
		}
		return nil, nil, false
	}
	return photo, project, true
}

// handleUpdateKeep sets a photo's keep flags. Keep flags can only be
// set on variants that exist; anything else is a validation error.
func (s *Server) handleUpdateKeep(w http.ResponseWriter, r *http.Request) {
	photo, _, ok := s.photoFromRequest(w, r)
	if !ok {
		return
	}
	var req struct {
		KeepJPG *bool `json:"keep_jpg"`
		KeepRaw *bool `json:"keep_raw"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// A keep flag is only meaningful for a variant that exists; on an
	// absent variant it stays mirroring availability.
	if req.KeepJPG != nil {
		if !photo.JPGAvailable {
			writeError(w, http.StatusBadRequest, "jpg variant is not available")
			return
		}
		photo.KeepJPG = *req.KeepJPG
	}
	if req.KeepRaw != nil {
		if !photo.RawAvailable {
			writeError(w, http.StatusBadRequest, "raw variant is not available")
			return
		}
		photo.KeepRaw = *req.KeepRaw
	}

	if err := s.store.UpdatePhoto(photo); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update photo")
		return
	}
	s.publishPending()
	writeJSON(w, http.StatusOK, photoToResponse(photo))
}

// handleUpdateVisibility toggles public sharing. Going private
// invalidates any active hash immediately; going public issues one.
func (s *Server) handleUpdateVisibility(w http.ResponseWriter, r *http.Request) {
	photo, _, ok := s.photoFromRequest(w, r)
	if !ok {
		return
	}
	var req struct {
		Visibility types.Visibility `json:"visibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Visibility != types.VisibilityPublic && req.Visibility != types.VisibilityPrivate {
		writeError(w, http.StatusBadRequest, "visibility must be public or private")
		return
	}

	photo.Visibility = req.Visibility
	if err := s.store.UpdatePhoto(photo); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update photo")
		return
	}

	resp := map[string]any{"visibility": string(photo.Visibility)}
	if req.Visibility == types.VisibilityPrivate {
		if err := s.store.InvalidatePhotoHash(photo.ID); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to invalidate hash")
			return
		}
	} else {
		ttl := s.hashTTL()
		hash, err := s.store.EnsurePhotoHash(photo.ID, s.now(), ttl)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to issue hash")
			return
		}
		resp["hash"] = hash.Hash
		resp["expires_at"] = hash.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAsset serves a photo file. Private photos are indistinguishable
// from absent ones: both 404. Public photos require the matching hash
// and answer 401 with the precise reason otherwise.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	folder := vars["folder"]
	filename := vars["filename"]
	kind := vars["kind"]

	project, err := s.store.GetProjectByFolder(folder)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	photo, err := s.store.GetPhotoByFilename(project.ID, filename)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if photo.Visibility != types.VisibilityPublic {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	check, err := s.store.ValidatePhotoHash(photo.ID, r.URL.Query().Get("hash"), s.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to validate hash")
		return
	}
	if check != storage.HashOK {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": string(check)})
		return
	}

	tenant := s.store.TenantID()
	var path string
	switch kind {
	case "original":
		path = s.files.OriginalPath(tenant, project.Folder, photo.Filename)
	case "thumbnail":
		path = s.files.DerivativePath(tenant, project.Folder, fsstore.ThumbDir, photo.Filename)
	case "preview":
		path = s.files.DerivativePath(tenant, project.Folder, fsstore.PreviewDir, photo.Filename)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) hashTTL() time.Duration {
	days := s.cfg.PublicLinks.TTLDays
	if days <= 0 {
		days = 28
	}
	return time.Duration(days) * 24 * time.Hour
}

// publishPending rebuilds the pending-changes snapshot and fans it out.
func (s *Server) publishPending() {
	rows, err := s.store.PendingChangesByProject()
	if err != nil {
		return
	}
	s.broker.PublishPending(events.BuildSnapshot(rows))
}
