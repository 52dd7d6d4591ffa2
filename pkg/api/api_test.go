package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druso/photoflow/pkg/config"
	"github.com/druso/photoflow/pkg/events"
	"github.com/druso/photoflow/pkg/fsstore"
	"github.com/druso/photoflow/pkg/jobs"
	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/types"
)

type apiEnv struct {
	srv    *Server
	store  *storage.Store
	repo   *jobs.Repository
	files  *fsstore.Store
	broker *events.Broker
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	store, err := storage.OpenMemory("t1")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker(64, 5*time.Millisecond)
	broker.Start()
	t.Cleanup(broker.Stop)

	repo := jobs.NewRepository(store)
	files := fsstore.New(t.TempDir())

	cfg := config.Default()
	cfg.SSE.KeepaliveInterval = 50 * time.Millisecond
	srv := NewServer(cfg, store, repo, broker, files)
	return &apiEnv{srv: srv, store: store, repo: repo, files: files, broker: broker}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) project(t *testing.T, folder string) *types.Project {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/projects", map[string]string{"folder": folder})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p, err := e.store.GetProjectByFolder(folder)
	require.NoError(t, err)
	return p
}

func (e *apiEnv) photo(t *testing.T, projectID int64, filename string) *types.Photo {
	t.Helper()
	p := &types.Photo{
		ProjectID: projectID, Filename: filename,
		Basename: strings.TrimSuffix(filename, ".jpg"), Ext: ".jpg",
		JPGAvailable: true, KeepJPG: true,
	}
	require.NoError(t, e.store.CreatePhoto(p))
	return p
}

func TestProjectLifecycle(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodPost, "/projects", map[string]string{"folder": "trip", "name": "Road Trip"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Slug rules and duplicates are rejected.
	rec = e.do(t, http.MethodPost, "/projects", map[string]string{"folder": "Bad Slug!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodPost, "/projects", map[string]string{"folder": "trip"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodGet, "/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []projectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Road Trip", list[0].Name)

	// Folder exists on disk.
	_, err := os.Stat(e.files.ProjectDir("t1", "trip"))
	assert.NoError(t, err)
}

func TestDeleteProjectCancelsAndScavenges(t *testing.T) {
	e := newAPIEnv(t)
	project := e.project(t, "trip")

	queued, err := e.repo.Enqueue(jobs.EnqueueRequest{
		Type: types.JobCommitChanges, Scope: types.ScopeProject,
		Priority: types.PriorityNormal, ProjectID: &project.ID,
	})
	require.NoError(t, err)

	rec := e.do(t, http.MethodDelete, "/projects/trip", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := e.repo.Get(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCanceled, got.Status)

	scavenges, err := e.repo.List(jobs.ListFilter{Type: types.JobProjectScavenge})
	require.NoError(t, err)
	require.Len(t, scavenges, 1)
	assert.Equal(t, types.JobQueued, scavenges[0].Status)
}

func TestSubmitJobValidation(t *testing.T) {
	e := newAPIEnv(t)
	e.project(t, "trip")

	rec := e.do(t, http.MethodPost, "/projects/trip/jobs", map[string]any{"type": "mine_bitcoin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/projects/nope/jobs", map[string]any{"type": "commit_changes"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/projects/trip/jobs", map[string]any{"type": "commit_changes"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "queued", created.Status)
	assert.Equal(t, types.PriorityNormal, created.Priority)
}

func TestSubmitJobWithFilenames(t *testing.T) {
	e := newAPIEnv(t)
	e.project(t, "trip")

	rec := e.do(t, http.MethodPost, "/projects/trip/jobs", map[string]any{
		"type":      "generate_derivatives",
		"filenames": []string{"a.jpg", "b.jpg"},
		"priority":  types.PriorityHigh,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	items, err := e.repo.ListItems(created.ID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, types.PriorityHigh, created.Priority)

	// Detail endpoint carries the per-status item summary.
	rec = e.do(t, http.MethodGet, fmt.Sprintf("/jobs/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, 2, detail.ItemsSummary[types.ItemPending])
}

func TestListJobsFilters(t *testing.T) {
	e := newAPIEnv(t)
	project := e.project(t, "trip")

	for _, typ := range []types.JobType{types.JobCommitChanges, types.JobRevertChanges} {
		_, err := e.repo.Enqueue(jobs.EnqueueRequest{
			Type: typ, Scope: types.ScopeProject,
			Priority: types.PriorityNormal, ProjectID: &project.ID,
		})
		require.NoError(t, err)
	}

	rec := e.do(t, http.MethodGet, "/projects/trip/jobs?type=commit_changes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "commit_changes", list[0].Type)
}

func TestKeepFlagValidation(t *testing.T) {
	e := newAPIEnv(t)
	project := e.project(t, "trip")
	e.photo(t, project.ID, "a.jpg")

	// Touching a keep flag for a variant that does not exist is a
	// validation error in either direction.
	f := false
	rec := e.do(t, http.MethodPatch, "/projects/trip/photos/a.jpg/keep", map[string]any{"keep_raw": f})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	tr := true
	rec = e.do(t, http.MethodPatch, "/projects/trip/photos/a.jpg/keep", map[string]any{"keep_raw": tr})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	reloaded, err := e.store.GetPhotoByFilename(project.ID, "a.jpg")
	require.NoError(t, err)
	assert.False(t, reloaded.KeepRaw)

	rec = e.do(t, http.MethodPatch, "/projects/trip/photos/a.jpg/keep", map[string]any{"keep_jpg": f})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp photoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.KeepJPG)
	assert.True(t, resp.PendingDeletion)
}

func TestListPhotosDefaultLimit(t *testing.T) {
	e := newAPIEnv(t)
	project := e.project(t, "trip")
	e.photo(t, project.ID, "a.jpg")
	e.photo(t, project.ID, "b.jpg")

	// Omitting the limit falls back to the default page size.
	rec := e.do(t, http.MethodGet, "/projects/trip/photos", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []photoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	rec = e.do(t, http.MethodGet, "/projects/trip/photos?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestAssetAccessControl(t *testing.T) {
	e := newAPIEnv(t)
	project := e.project(t, "trip")
	photo := e.photo(t, project.ID, "a.jpg")
	require.NoError(t, os.WriteFile(e.files.OriginalPath("t1", "trip", "a.jpg"), []byte("jpegdata"), 0644))

	// Private photos are indistinguishable from absent ones.
	rec := e.do(t, http.MethodGet, "/projects/trip/photos/a.jpg/asset/original", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodGet, "/projects/trip/photos/ghost.jpg/asset/original", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Publish the photo; a hash is issued.
	rec = e.do(t, http.MethodPatch, "/projects/trip/photos/a.jpg/visibility", map[string]string{"visibility": "public"})
	require.Equal(t, http.StatusOK, rec.Code)
	var vis map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vis))
	hash := vis["hash"].(string)
	require.Len(t, hash, 40)

	// No hash, wrong hash, right hash.
	rec = e.do(t, http.MethodGet, "/projects/trip/photos/a.jpg/asset/original", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing")

	rec = e.do(t, http.MethodGet, "/projects/trip/photos/a.jpg/asset/original?hash=wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "mismatch")

	rec = e.do(t, http.MethodGet, "/projects/trip/photos/a.jpg/asset/original?hash="+hash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpegdata", rec.Body.String())

	// Expired hashes name their reason.
	e.srv.now = func() time.Time { return time.Now().Add(29 * 24 * time.Hour) }
	rec = e.do(t, http.MethodGet, "/projects/trip/photos/a.jpg/asset/original?hash="+hash, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired")
	e.srv.now = time.Now

	// Going private invalidates the hash: back to 404 territory.
	rec = e.do(t, http.MethodPatch, "/projects/trip/photos/a.jpg/visibility", map[string]string{"visibility": "private"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/projects/trip/photos/a.jpg/asset/original?hash="+hash, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := e.store.GetPhotoHash(photo.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPendingStreamInitialSnapshot(t *testing.T) {
	e := newAPIEnv(t)
	project := e.project(t, "trip")
	photo := e.photo(t, project.ID, "a.jpg")
	photo.KeepJPG = false
	require.NoError(t, e.store.UpdatePhoto(photo))

	ts := httptest.NewServer(e.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/pending-changes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// First frame is the full snapshot, before any delta.
	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data: ") {
			data = strings.TrimPrefix(scanner.Text(), "data: ")
			break
		}
	}
	require.NotEmpty(t, data)

	var snap events.PendingSnapshot
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	assert.Equal(t, 1, snap.Totals.Total)
	require.Len(t, snap.Projects, 1)
	assert.Equal(t, "trip", snap.Projects[0].ProjectFolder)
	assert.True(t, snap.Flags["trip"])
}

func TestHealthz(t *testing.T) {
	e := newAPIEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestJobStreamDeliversEvents(t *testing.T) {
	e := newAPIEnv(t)

	ts := httptest.NewServer(e.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the subscriber a moment to register, then publish.
	require.Eventually(t, func() bool { return e.broker.SubscriberCount() > 0 }, time.Second, 5*time.Millisecond)
	e.broker.PublishJob(events.JobEvent{Kind: events.KindJob, ID: 42, Status: types.JobRunning, UpdatedAt: time.Now()})

	scanner := bufio.NewScanner(resp.Body)
	deadline := time.After(3 * time.Second)
	lines := make(chan string, 16)
	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-deadline:
			t.Fatal("no event received before deadline")
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed without event")
			}
			if strings.HasPrefix(line, "data: ") {
				assert.Contains(t, line, `"id":42`)
				return
			}
		}
	}
}
