package worker

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	di "github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druso/photoflow/pkg/config"
	"github.com/druso/photoflow/pkg/events"
	"github.com/druso/photoflow/pkg/fsstore"
	"github.com/druso/photoflow/pkg/imaging"
	"github.com/druso/photoflow/pkg/jobs"
	"github.com/druso/photoflow/pkg/log"
	"github.com/druso/photoflow/pkg/pipeline"
	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/tasks"
	"github.com/druso/photoflow/pkg/types"
)

func testWorkersConfig() config.WorkersConfig {
	return config.WorkersConfig{
		TotalWorkers:             2,
		PriorityThreshold:        70,
		PriorityWorkers:          1,
		HeartbeatInterval:        20 * time.Millisecond,
		StaleTimeout:             200 * time.Millisecond,
		DefaultMaxAttempts:       3,
		ClaimPollInterval:        10 * time.Millisecond,
		EmptyPollsBeforeFallback: 4,
		FanoutWidth:              8,
	}
}

type poolEnv struct {
	pool   *Pool
	repo   *jobs.Repository
	store  *storage.Store
	files  *fsstore.Store
	broker *events.Broker
}

func newPoolEnv(t *testing.T) *poolEnv {
	t.Helper()
	store, err := storage.OpenMemory("t1")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker(64, 10*time.Millisecond)
	broker.Start()
	t.Cleanup(broker.Stop)

	repo := jobs.NewRepository(store)
	repo.SetNotifier(broker)

	files := fsstore.New(t.TempDir())
	caps := &tasks.Capabilities{
		Jobs:   repo,
		Store:  store,
		Images: imaging.NewProcessor(),
		Files:  files,
		Events: broker,
		Opts: tasks.Options{
			ThumbnailMaxDim:  120,
			ThumbnailQuality: 80,
			PreviewMaxDim:    600,
			PreviewQuality:   85,
		},
	}
	cfg := testWorkersConfig()
	pool := NewPool(cfg, repo, tasks.NewRegistry(caps), pipeline.New(repo, cfg.FanoutWidth), broker)
	return &poolEnv{pool: pool, repo: repo, store: store, files: files, broker: broker}
}

func (e *poolEnv) project(t *testing.T, folder string) *types.Project {
	t.Helper()
	p := &types.Project{TenantID: "t1", Folder: folder, Name: folder}
	require.NoError(t, e.store.CreateProject(p))
	require.NoError(t, e.files.EnsureProjectDirs("t1", folder))
	return p
}

func (e *poolEnv) writeImage(t *testing.T, folder, filename string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 300, 200))
	for x := 0; x < 300; x++ {
		for y := 0; y < 200; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	require.NoError(t, di.Save(img, e.files.OriginalPath("t1", folder, filename)))
}

func TestClaimFilterLanes(t *testing.T) {
	e := newPoolEnv(t)

	high := e.pool.claimFilter("w-high", true, 0)
	require.NotNil(t, high.MinPriority)
	assert.Equal(t, 70, *high.MinPriority)
	assert.Nil(t, high.MaxPriority)

	normal := e.pool.claimFilter("w-norm", false, 0)
	require.NotNil(t, normal.MaxPriority)
	assert.Equal(t, 69, *normal.MaxPriority)
	assert.Nil(t, normal.MinPriority)

	// High lane never widens, normal lane does after enough misses.
	stillHigh := e.pool.claimFilter("w-high", true, 100)
	assert.NotNil(t, stillHigh.MinPriority)

	fallback := e.pool.claimFilter("w-norm", false, 4)
	assert.Nil(t, fallback.MinPriority)
	assert.Nil(t, fallback.MaxPriority)
}

func TestPoolRunsJobToCompletion(t *testing.T) {
	e := newPoolEnv(t)
	project := e.project(t, "trip")
	photo := &types.Photo{
		ProjectID: project.ID, Filename: "a.jpg", Basename: "a", Ext: ".jpg",
		JPGAvailable: true, KeepJPG: false,
	}
	require.NoError(t, e.store.CreatePhoto(photo))

	job, err := e.repo.Enqueue(jobs.EnqueueRequest{
		Type:      types.JobRevertChanges,
		Scope:     types.ScopeProject,
		Priority:  types.PriorityNormal,
		ProjectID: &project.ID,
	})
	require.NoError(t, err)

	e.pool.Start()
	defer e.pool.Stop()

	require.Eventually(t, func() bool {
		got, err := e.repo.Get(job.ID)
		return err == nil && got.Status == types.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	got, err := e.store.GetPhoto(photo.ID)
	require.NoError(t, err)
	assert.True(t, got.KeepJPG)
}

func TestPoolMoveTriggersRegeneration(t *testing.T) {
	e := newPoolEnv(t)
	src := e.project(t, "src")
	dst := e.project(t, "dst")

	photo := &types.Photo{
		ProjectID: src.ID, Filename: "a.jpg", Basename: "a", Ext: ".jpg",
		JPGAvailable: true, KeepJPG: true,
		ThumbnailStatus: types.DerivativeGenerated,
		PreviewStatus:   types.DerivativeGenerated,
	}
	require.NoError(t, e.store.CreatePhoto(photo))
	e.writeImage(t, "src", "a.jpg")
	// No derivative files on disk: the move must leave statuses pending
	// and spawn a high-priority regeneration.

	_, err := e.repo.EnqueueWithItems(jobs.EnqueueRequest{
		Type:      types.JobImageMove,
		Scope:     types.ScopePhotoSet,
		Priority:  types.PriorityNormal,
		ProjectID: &dst.ID,
	}, []jobs.Item{{Filename: "a.jpg"}}, false)
	require.NoError(t, err)

	e.pool.Start()
	defer e.pool.Stop()

	require.Eventually(t, func() bool {
		got, err := e.store.GetPhoto(photo.ID)
		if err != nil || got.ProjectID != dst.ID {
			return false
		}
		return got.ThumbnailStatus == types.DerivativeGenerated &&
			got.PreviewStatus == types.DerivativeGenerated
	}, 10*time.Second, 20*time.Millisecond)

	gens, err := e.repo.List(jobs.ListFilter{Type: types.JobGenerateDerivatives})
	require.NoError(t, err)
	require.Len(t, gens, 1)
	assert.Equal(t, types.PriorityHigh, gens[0].Priority)

	checks, err := e.repo.List(jobs.ListFilter{Type: types.JobManifestCheck})
	require.NoError(t, err)
	assert.Len(t, checks, 1)
}

func TestRetryBudget(t *testing.T) {
	e := newPoolEnv(t)
	project := e.project(t, "trip")
	two := 2

	job, err := e.repo.Enqueue(jobs.EnqueueRequest{
		Type:        types.JobCommitChanges,
		Scope:       types.ScopeProject,
		Priority:    types.PriorityNormal,
		ProjectID:   &project.ID,
		MaxAttempts: &two,
	})
	require.NoError(t, err)
	logger := *log.WithComponent("test")

	// First transient failure: budget remains, job goes back to queued.
	claimed, err := e.repo.ClaimNext(jobs.ClaimFilter{WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	e.pool.retryOrFail(job.ID, tasks.Transient(assert.AnError), logger)

	got, err := e.repo.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// Second transient failure exhausts the budget.
	claimed, err = e.repo.ClaimNext(jobs.ClaimFilter{WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	e.pool.retryOrFail(job.ID, tasks.Transient(assert.AnError), logger)

	got, err = e.repo.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Contains(t, got.ErrorMessage, assert.AnError.Error())
}

func TestShutdownRequeuesWithoutSpendingAttempt(t *testing.T) {
	e := newPoolEnv(t)
	project := e.project(t, "trip")

	job, err := e.repo.Enqueue(jobs.EnqueueRequest{
		Type:      types.JobRevertChanges,
		Scope:     types.ScopeProject,
		Priority:  types.PriorityNormal,
		ProjectID: &project.ID,
	})
	require.NoError(t, err)

	claimed, err := e.repo.ClaimNext(jobs.ClaimFilter{WorkerID: "w-stop"})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A canceled pool context parks the job back in the queue with its
	// retry budget intact.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.pool.runJob(ctx, "w-stop", claimed)

	got, err := e.repo.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestStopIsClean(t *testing.T) {
	e := newPoolEnv(t)
	e.pool.Start()
	time.Sleep(50 * time.Millisecond)
	e.pool.Stop()
}
