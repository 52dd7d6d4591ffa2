package tasks

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"os"
	"sync"
	"testing"
	"time"

	di "github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druso/photoflow/pkg/events"
	"github.com/druso/photoflow/pkg/fsstore"
	"github.com/druso/photoflow/pkg/imaging"
	"github.com/druso/photoflow/pkg/jobs"
	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/types"
)

type stubEvents struct {
	mu       sync.Mutex
	jobs     []events.JobEvent
	pendings []events.PendingSnapshot
}

func (s *stubEvents) PublishJob(ev events.JobEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, ev)
}

func (s *stubEvents) PublishPending(snap events.PendingSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendings = append(s.pendings, snap)
}

func (s *stubEvents) jobEvents() []events.JobEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.JobEvent(nil), s.jobs...)
}

type env struct {
	store *storage.Store
	files *fsstore.Store
	repo  *jobs.Repository
	evs   *stubEvents
	caps  *Capabilities
	reg   *Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.OpenMemory("t1")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e := &env{
		store: store,
		files: fsstore.New(t.TempDir()),
		repo:  jobs.NewRepository(store),
		evs:   &stubEvents{},
	}
	e.caps = &Capabilities{
		Jobs:   e.repo,
		Store:  store,
		Images: imaging.NewProcessor(),
		Files:  e.files,
		Events: e.evs,
		Opts: Options{
			ThumbnailMaxDim:     480,
			ThumbnailQuality:    80,
			PreviewMaxDim:       2000,
			PreviewQuality:      90,
			HashTTL:             28 * 24 * time.Hour,
			HashRotationHorizon: 21 * 24 * time.Hour,
		},
	}
	e.reg = NewRegistry(e.caps)
	return e
}

func (e *env) project(t *testing.T, folder string) *types.Project {
	t.Helper()
	p := &types.Project{TenantID: "t1", Folder: folder, Name: folder}
	require.NoError(t, e.store.CreateProject(p))
	require.NoError(t, e.files.EnsureProjectDirs("t1", folder))
	return p
}

func (e *env) photo(t *testing.T, projectID int64, filename string) *types.Photo {
	t.Helper()
	base, ext := splitFilename(filename)
	p := &types.Photo{
		ProjectID:    projectID,
		Filename:     filename,
		Basename:     base,
		Ext:          ext,
		JPGAvailable: true,
		KeepJPG:      true,
	}
	require.NoError(t, e.store.CreatePhoto(p))
	return p
}

func (e *env) writeImage(t *testing.T, folder, filename string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 99, A: 255})
		}
	}
	require.NoError(t, di.Save(img, e.files.OriginalPath("t1", folder, filename)))
}

// run claims the next queued job, dispatches it, and applies the
// worker's terminal bookkeeping for the outcome.
func (e *env) run(t *testing.T) *types.Job {
	t.Helper()
	job, err := e.repo.ClaimNext(jobs.ClaimFilter{WorkerID: "test-worker"})
	require.NoError(t, err)
	require.NotNil(t, job, "expected a queued job to claim")

	err = e.reg.Run(context.Background(), job)
	switch {
	case err == nil:
		require.NoError(t, e.repo.Complete(job.ID))
	case err == ErrCanceled:
	default:
		require.NoError(t, e.repo.Fail(job.ID, err.Error()))
	}
	got, err := e.repo.Get(job.ID)
	require.NoError(t, err)
	return got
}

func TestGenerateDerivatives(t *testing.T) {
	e := newEnv(t)
	project := e.project(t, "trip")
	photo := e.photo(t, project.ID, "beach.jpg")
	e.writeImage(t, "trip", "beach.jpg", 1600, 1200)

	_, err := e.repo.EnqueueWithItems(jobs.EnqueueRequest{
		Type:      types.JobGenerateDerivatives,
		Scope:     types.ScopeProject,
		Priority:  types.PriorityNormal,
		ProjectID: &project.ID,
	}, []jobs.Item{{PhotoID: &photo.ID, Filename: "beach.jpg"}}, false)
	require.NoError(t, err)

	job := e.run(t)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, 1, job.ProgressDone)

	got, err := e.store.GetPhoto(photo.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DerivativeGenerated, got.ThumbnailStatus)
	assert.Equal(t, types.DerivativeGenerated, got.PreviewStatus)

	for _, dir := range []string{fsstore.ThumbDir, fsstore.PreviewDir} {
		_, err := os.Stat(e.files.DerivativePath("t1", "trip", dir, "beach.jpg"))
		assert.NoError(t, err)
	}
}

func TestGenerateDerivativesUnsupportedSource(t *testing.T) {
	e := newEnv(t)
	project := e.project(t, "trip")
	photo := e.photo(t, project.ID, "shot.cr2")
	require.NoError(t, os.WriteFile(e.files.OriginalPath("t1", "trip", "shot.cr2"), []byte("raw bytes"), 0644))

	_, err := e.repo.EnqueueWithItems(jobs.EnqueueRequest{
		Type:      types.JobGenerateDerivatives,
		Scope:     types.ScopeProject,
		Priority:  types.PriorityNormal,
		ProjectID: &project.ID,
	}, []jobs.Item{{PhotoID: &photo.ID, Filename: "shot.cr2"}}, false)
	require.NoError(t, err)

	job := e.run(t)
	// An unsupported source fails the item, not the job.
	assert.Equal(t, types.JobCompleted, job.Status)

	got, err := e.store.GetPhoto(photo.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DerivativeNotSupported, got.ThumbnailStatus)
	assert.Equal(t, types.DerivativeNotSupported, got.PreviewStatus)

	items, err := e.repo.ListItems(job.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.ItemFailed, items[0].Status)
}

func TestGenerateDerivativesIdempotent(t *testing.T) {
	e := newEnv(t)
	project := e.project(t, "trip")
	photo := e.photo(t, project.ID, "beach.jpg")
	e.writeImage(t, "trip", "beach.jpg", 800, 600)

	// Already generated and not forced: the processor is never needed.
	photo.ThumbnailStatus = types.DerivativeGenerated
	photo.PreviewStatus = types.DerivativeGenerated
	require.NoError(t, e.store.UpdatePhoto(photo))

	_, err := e.repo.EnqueueWithItems(jobs.EnqueueRequest{
		Type:      types.JobGenerateDerivatives,
		Scope:     types.ScopeProject,
		Priority:  types.PriorityNormal,
		ProjectID: &project.ID,
	}, []jobs.Item{{PhotoID: &photo.ID, Filename: "beach.jpg"}}, false)
	require.NoError(t, err)

	job := e.run(t)
	assert.Equal(t, types.JobCompleted, job.Status)
	_, err = os.Stat(e.files.DerivativePath("t1", "trip", fsstore.ThumbDir, "beach.jpg"))
	assert.True(t, os.IsNotExist(err))
}

func TestImageMoveWithDerivatives(t *testing.T) {
	e := newEnv(t)
	src := e.project(t, "src")
	dst := e.project(t, "dst")
	photo := e.photo(t, src.ID, "beach.jpg")
	photo.ThumbnailStatus = types.DerivativeGenerated
	photo.PreviewStatus = types.DerivativeGenerated
	require.NoError(t, e.store.UpdatePhoto(photo))

	e.writeImage(t, "src", "beach.jpg", 400, 300)
	for _, dir := range []string{fsstore.ThumbDir, fsstore.PreviewDir} {
		require.NoError(t, os.WriteFile(e.files.DerivativePath("t1", "src", dir, "beach.jpg"), []byte("jpeg"), 0644))
	}

	payload, _ := json.Marshal(types.MovePayload{Filenames: []string{"beach.jpg"}})
	_, err := e.repo.EnqueueWithItems(jobs.EnqueueRequest{
		Type:      types.JobImageMove,
		Scope:     types.ScopePhotoSet,
		Priority:  types.PriorityNormal,
		ProjectID: &dst.ID,
		Payload:   payload,
	}, []jobs.Item{{Filename: "beach.jpg"}}, false)
	require.NoError(t, err)

	job := e.run(t)
	require.Equal(t, types.JobCompleted, job.Status)

	// Derivatives traveled with the original: no regeneration needed.
	var out types.MovePayload
	require.NoError(t, json.Unmarshal(job.Payload, &out))
	assert.False(t, out.NeedGenerateDerivatives)
	assert.Equal(t, []int64{src.ID}, out.SourceProjectIDs)

	got, err := e.store.GetPhoto(photo.ID)
	require.NoError(t, err)
	assert.Equal(t, dst.ID, got.ProjectID)
	assert.Equal(t, types.DerivativeGenerated, got.ThumbnailStatus)

	exists, err := e.files.PathExists(e.files.OriginalPath("t1", "dst", "beach.jpg"))
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = e.files.PathExists(e.files.OriginalPath("t1", "src", "beach.jpg"))
	require.NoError(t, err)
	assert.False(t, exists)

	// Paired removal/arrival events for the filename.
	kinds := map[events.EventKind]bool{}
	for _, ev := range e.evs.jobEvents() {
		kinds[ev.Kind] = true
	}
	assert.True(t, kinds[events.KindItemRemoved])
	assert.True(t, kinds[events.KindItemMoved])
}

func TestImageMoveWithoutDerivatives(t *testing.T) {
	e := newEnv(t)
	src := e.project(t, "src")
	dst := e.project(t, "dst")
	photo := e.photo(t, src.ID, "beach.jpg")
	photo.ThumbnailStatus = types.DerivativeGenerated
	photo.PreviewStatus = types.DerivativeGenerated
	require.NoError(t, e.store.UpdatePhoto(photo))
	e.writeImage(t, "src", "beach.jpg", 400, 300)

	payload, _ := json.Marshal(types.MovePayload{Filenames: []string{"beach.jpg"}})
	_, err := e.repo.EnqueueWithItems(jobs.EnqueueRequest{
		Type:      types.JobImageMove,
		Scope:     types.ScopePhotoSet,
		Priority:  types.PriorityNormal,
		ProjectID: &dst.ID,
		Payload:   payload,
	}, []jobs.Item{{Filename: "beach.jpg"}}, false)
	require.NoError(t, err)

	job := e.run(t)
	require.Equal(t, types.JobCompleted, job.Status)

	var out types.MovePayload
	require.NoError(t, json.Unmarshal(job.Payload, &out))
	assert.True(t, out.NeedGenerateDerivatives)

	got, err := e.store.GetPhoto(photo.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DerivativePending, got.ThumbnailStatus)
	assert.Equal(t, types.DerivativePending, got.PreviewStatus)
}

func TestCommitChangesDeletesDiscarded(t *testing.T) {
	e := newEnv(t)
	project := e.project(t, "trip")
	photo := e.photo(t, project.ID, "beach.jpg")
	e.writeImage(t, "trip", "beach.jpg", 200, 150)

	photo.KeepJPG = false
	require.NoError(t, e.store.UpdatePhoto(photo))

	_, err := e.repo.Enqueue(jobs.EnqueueRequest{
		Type:      types.JobCommitChanges,
		Scope:     types.ScopeProject,
		Priority:  types.PriorityNormal,
		ProjectID: &project.ID,
	})
	require.NoError(t, err)

	job := e.run(t)
	assert.Equal(t, types.JobCompleted, job.Status)

	// Only variant gone: row deleted, file removed.
	_, err = e.store.GetPhoto(photo.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	exists, err := e.files.PathExists(e.files.OriginalPath("t1", "trip", "beach.jpg"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NotEmpty(t, e.evs.pendings)
}

func TestCommitThenRevertRace(t *testing.T) {
	e := newEnv(t)
	project := e.project(t, "trip")
	photo := e.photo(t, project.ID, "beach.jpg")
	e.writeImage(t, "trip", "beach.jpg", 200, 150)

	photo.KeepJPG = false
	require.NoError(t, e.store.UpdatePhoto(photo))

	_, err := e.repo.Enqueue(jobs.EnqueueRequest{
		Type:      types.JobCommitChanges,
		Scope:     types.ScopeProject,
		Priority:  types.PriorityNormal,
		ProjectID: &project.ID,
	})
	require.NoError(t, err)
	_, err = e.repo.Enqueue(jobs.EnqueueRequest{
		Type:      types.JobRevertChanges,
		Scope:     types.ScopeProject,
		Priority:  types.PriorityUrgent,
		ProjectID: &project.ID,
	})
	require.NoError(t, err)

	// Higher priority revert claims first and restores keep flags.
	revert := e.run(t)
	assert.Equal(t, types.JobRevertChanges, revert.Type)
	assert.Equal(t, types.JobCompleted, revert.Status)

	got, err := e.store.GetPhoto(photo.ID)
	require.NoError(t, err)
	assert.True(t, got.KeepJPG)

	// Commit then finds nothing pending and touches no files.
	commit := e.run(t)
	assert.Equal(t, types.JobCommitChanges, commit.Type)
	assert.Equal(t, types.JobCompleted, commit.Status)

	exists, err := e.files.PathExists(e.files.OriginalPath("t1", "trip", "beach.jpg"))
	require.NoError(t, err)
	assert.True(t, exists)
	_, err = e.store.GetPhoto(photo.ID)
	assert.NoError(t, err)
}

func TestManifestCheckReconciles(t *testing.T) {
	e := newEnv(t)
	project := e.project(t, "trip")

	// On disk but not in rows.
	e.writeImage(t, "trip", "new.jpg", 100, 80)
	// In rows but not on disk.
	ghost := e.photo(t, project.ID, "gone.jpg")

	_, err := e.repo.Enqueue(jobs.EnqueueRequest{
		Type:      types.JobManifestCheck,
		Scope:     types.ScopeProject,
		Priority:  types.PriorityNormal,
		ProjectID: &project.ID,
	})
	require.NoError(t, err)

	job := e.run(t)
	require.Equal(t, types.JobCompleted, job.Status)

	var sum manifestSummary
	require.NoError(t, json.Unmarshal(job.Payload, &sum))
	assert.Equal(t, 1, sum.Inserted)
	assert.Equal(t, 1, sum.Missing)

	inserted, err := e.store.GetPhotoByFilename(project.ID, "new.jpg")
	require.NoError(t, err)
	assert.True(t, inserted.JPGAvailable)
	assert.Equal(t, types.DerivativePending, inserted.ThumbnailStatus)

	// The ghost's only variant vanished, so its row is gone too.
	_, err = e.store.GetPhoto(ghost.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := e.store.GetProject(project.ID)
	require.NoError(t, err)
	assert.Equal(t, project.ManifestVersion+1, got.ManifestVersion)
}

func TestUploadPostprocessConflicts(t *testing.T) {
	e := newEnv(t)
	other := e.project(t, "other")
	project := e.project(t, "trip")
	e.photo(t, other.ID, "taken.jpg")
	e.writeImage(t, "trip", "fresh.jpg", 100, 80)

	shot := time.Date(2024, 6, 1, 14, 30, 0, 0, time.UTC)
	payload, _ := json.Marshal(types.UploadPostprocessPayload{
		Filenames: []string{"fresh.jpg", "taken.jpg"},
		TakenAt:   map[string]time.Time{"fresh.jpg": shot},
	})
	_, err := e.repo.Enqueue(jobs.EnqueueRequest{
		Type:      types.JobUploadPostprocess,
		Scope:     types.ScopePhotoSet,
		Priority:  types.PriorityNormal,
		ProjectID: &project.ID,
		Payload:   payload,
	})
	require.NoError(t, err)

	job := e.run(t)
	require.Equal(t, types.JobCompleted, job.Status)

	var out types.UploadPostprocessPayload
	require.NoError(t, json.Unmarshal(job.Payload, &out))
	assert.Equal(t, []string{"taken.jpg"}, out.ConflictFilenames)

	fresh, err := e.store.GetPhotoByFilename(project.ID, "fresh.jpg")
	require.NoError(t, err)
	require.NotNil(t, fresh.DateTimeOriginal)
	assert.True(t, fresh.DateTimeOriginal.Equal(shot))
	_, err = e.store.GetPhotoByFilename(project.ID, "taken.jpg")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProjectScavenge(t *testing.T) {
	e := newEnv(t)
	project := e.project(t, "old")
	e.photo(t, project.ID, "beach.jpg")
	require.NoError(t, e.store.CancelProject(project.ID))

	_, err := e.repo.Enqueue(jobs.EnqueueRequest{
		Type:      types.JobProjectScavenge,
		Scope:     types.ScopeProject,
		Priority:  types.PriorityNormal,
		ProjectID: &project.ID,
	})
	require.NoError(t, err)

	job := e.run(t)
	assert.Equal(t, types.JobCompleted, job.Status)
	// The job row must outlive the project's cascade delete.
	assert.Nil(t, job.ProjectID)

	exists, err := e.files.PathExists(e.files.ProjectDir("t1", "old"))
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = e.store.GetProject(project.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProjectScavengeSkipsActive(t *testing.T) {
	e := newEnv(t)
	project := e.project(t, "live")

	_, err := e.repo.Enqueue(jobs.EnqueueRequest{
		Type:      types.JobProjectScavenge,
		Scope:     types.ScopeProject,
		Priority:  types.PriorityNormal,
		ProjectID: &project.ID,
	})
	require.NoError(t, err)

	job := e.run(t)
	assert.Equal(t, types.JobCompleted, job.Status)

	exists, err := e.files.PathExists(e.files.ProjectDir("t1", "live"))
	require.NoError(t, err)
	assert.True(t, exists)
	_, err = e.store.GetProject(project.ID)
	assert.NoError(t, err)
}

func TestHashRotationWithFixedClock(t *testing.T) {
	e := newEnv(t)
	project := e.project(t, "trip")
	photo := e.photo(t, project.ID, "beach.jpg")

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old, err := e.store.EnsurePhotoHash(photo.ID, t0, 28*24*time.Hour)
	require.NoError(t, err)

	// 45 days later the hash is 17 days past expiry.
	now := t0.Add(45 * 24 * time.Hour)
	e.caps.Now = func() time.Time { return now }

	_, err = e.repo.Enqueue(jobs.EnqueueRequest{
		Type:     types.JobHashRotation,
		Scope:    types.ScopeTenant,
		Priority: types.PriorityNormal,
	})
	require.NoError(t, err)

	job := e.run(t)
	require.Equal(t, types.JobCompleted, job.Status)

	var sum rotationSummary
	require.NoError(t, json.Unmarshal(job.Payload, &sum))
	assert.GreaterOrEqual(t, sum.Rotated, 1)

	fresh, err := e.store.GetPhotoHash(photo.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.Hash, fresh.Hash)
	assert.True(t, fresh.ExpiresAt.After(now))
}

func TestCancelObservedAtItemBoundary(t *testing.T) {
	e := newEnv(t)
	project := e.project(t, "trip")
	p1 := e.photo(t, project.ID, "a.jpg")
	p2 := e.photo(t, project.ID, "b.jpg")
	e.writeImage(t, "trip", "a.jpg", 100, 80)
	e.writeImage(t, "trip", "b.jpg", 100, 80)

	created, err := e.repo.EnqueueWithItems(jobs.EnqueueRequest{
		Type:      types.JobGenerateDerivatives,
		Scope:     types.ScopeProject,
		Priority:  types.PriorityNormal,
		ProjectID: &project.ID,
	}, []jobs.Item{
		{PhotoID: &p1.ID, Filename: "a.jpg"},
		{PhotoID: &p2.ID, Filename: "b.jpg"},
	}, false)
	require.NoError(t, err)

	job, err := e.repo.ClaimNext(jobs.ClaimFilter{WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, job)

	// Cancel lands before the handler starts: the first boundary check
	// sees it and nothing is processed.
	require.NoError(t, e.repo.Cancel(created[0].ID))
	err = e.reg.Run(context.Background(), job)
	assert.ErrorIs(t, err, ErrCanceled)

	got, err := e.repo.Get(created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCanceled, got.Status)
	assert.Equal(t, 0, got.ProgressDone)
}

func TestTransientClassification(t *testing.T) {
	assert.Nil(t, Transient(nil))
	err := Transient(assert.AnError)
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(assert.AnError))
	assert.ErrorIs(t, err, assert.AnError)
}
