package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/druso/photoflow/pkg/config"
	"github.com/druso/photoflow/pkg/events"
	"github.com/druso/photoflow/pkg/jobs"
	"github.com/druso/photoflow/pkg/log"
	"github.com/druso/photoflow/pkg/metrics"
	"github.com/druso/photoflow/pkg/pipeline"
	"github.com/druso/photoflow/pkg/tasks"
	"github.com/druso/photoflow/pkg/types"
)

// Pool runs the bounded set of job workers plus the stale-recovery
// maintenance loop. Workers are split into two lanes: priority workers
// only claim jobs at or above the threshold, normal workers prefer the
// rest but help drain the high lane after enough empty polls.
type Pool struct {
	cfg      config.WorkersConfig
	repo     *jobs.Repository
	registry *tasks.Registry
	orch     *pipeline.Orchestrator
	broker   *events.Broker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. Start must be called to spawn workers.
func NewPool(cfg config.WorkersConfig, repo *jobs.Repository, registry *tasks.Registry, orch *pipeline.Orchestrator, broker *events.Broker) *Pool {
	return &Pool{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		orch:     orch,
		broker:   broker,
	}
}

// Start spawns the configured workers and the maintenance loop.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	run := uuid.NewString()[:8]
	for i := 0; i < p.cfg.TotalWorkers; i++ {
		highLane := i < p.cfg.PriorityWorkers
		workerID := fmt.Sprintf("w%d-%s", i, run)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID, highLane)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runMaintenance(ctx)
	}()

	log.WithComponent("worker").Info().
		Int("total", p.cfg.TotalWorkers).
		Int("priority", p.cfg.PriorityWorkers).
		Msg("worker pool started")
}

// Stop signals all workers and waits for in-flight jobs to reach an
// item boundary and park.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.WithComponent("worker").Info().Msg("worker pool stopped")
}

// claimFilter builds the lane predicate for one poll. Normal workers
// widen to any lane after enough consecutive misses so a busy high
// lane cannot starve while they idle.
func (p *Pool) claimFilter(workerID string, highLane bool, emptyPolls int) jobs.ClaimFilter {
	f := jobs.ClaimFilter{WorkerID: workerID}
	threshold := p.cfg.PriorityThreshold
	if highLane {
		f.MinPriority = &threshold
		return f
	}
	if emptyPolls < p.cfg.EmptyPollsBeforeFallback {
		maxPri := threshold - 1
		f.MaxPriority = &maxPri
	}
	return f
}

func (p *Pool) runWorker(ctx context.Context, workerID string, highLane bool) {
	logger := log.WithWorkerID(workerID)
	emptyPolls := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.repo.ClaimNext(p.claimFilter(workerID, highLane, emptyPolls))
		if err != nil {
			logger.Error().Err(err).Msg("claim failed")
			p.sleep(ctx)
			continue
		}
		if job == nil {
			emptyPolls++
			metrics.ClaimMisses.Inc()
			p.sleep(ctx)
			continue
		}
		emptyPolls = 0
		metrics.JobsClaimed.Inc()
		p.runJob(ctx, workerID, job)
	}
}

// sleep waits out the claim poll interval, returning early on pool
// shutdown or an enqueue wakeup from the bus.
func (p *Pool) sleep(ctx context.Context) {
	timer := time.NewTimer(p.cfg.ClaimPollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-p.broker.Wakeup():
	case <-timer.C:
	}
}

// runJob drives one claimed job through its handler and terminal
// bookkeeping: heartbeats while running, then complete, retry, fail,
// or observe a cancel.
func (p *Pool) runJob(ctx context.Context, workerID string, job *types.Job) {
	logger := log.WithWorkerID(workerID).With().Int64("job_id", job.ID).Str("type", string(job.Type)).Logger()
	logger.Info().Int("priority", job.Priority).Msg("job claimed")

	if job.MaxAttempts == nil && p.cfg.DefaultMaxAttempts > 0 {
		if err := p.repo.SetDefaultMaxAttempts(job.ID, p.cfg.DefaultMaxAttempts); err != nil {
			logger.Warn().Err(err).Msg("failed to apply default max attempts")
		}
	}
	p.publishJobEvent(job.ID)

	hbStop := make(chan struct{})
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		p.heartbeat(job.ID, hbStop)
	}()

	timer := metrics.NewTimer()
	err := p.registry.Run(ctx, job)
	timer.ObserveDuration(metrics.HandlerDuration.WithLabelValues(string(job.Type)))

	close(hbStop)
	hbDone.Wait()

	switch {
	case err == nil:
		if cerr := p.repo.Complete(job.ID); cerr != nil {
			logger.Error().Err(cerr).Msg("failed to complete job")
			return
		}
		logger.Info().Msg("job completed")
		p.publishJobEvent(job.ID)
		p.runSuccessors(job.ID, logger)

	case errors.Is(err, tasks.ErrCanceled):
		if _, ferr := p.repo.FailRunningItems(job.ID, "interrupted"); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to reclassify interrupted items")
		}
		logger.Info().Msg("job cancel observed")
		p.publishJobEvent(job.ID)

	case errors.Is(err, context.Canceled):
		// Pool shutdown parked the job at an item boundary. Requeue
		// without touching attempts so restarts cannot exhaust a
		// healthy job's retry budget.
		if _, rerr := p.repo.ResetRunningItems(job.ID); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to reset running items")
		}
		if rerr := p.repo.Requeue(job.ID); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to requeue job")
			return
		}
		metrics.JobsRequeued.WithLabelValues("shutdown").Inc()
		logger.Info().Msg("job parked for shutdown")
		p.publishJobEvent(job.ID)

	case tasks.IsTransient(err):
		p.retryOrFail(job.ID, err, logger)

	default:
		logger.Error().Err(err).Msg("job failed")
		if _, ferr := p.repo.FailRunningItems(job.ID, "interrupted"); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to reclassify interrupted items")
		}
		if ferr := p.repo.Fail(job.ID, err.Error()); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to mark job failed")
		}
		p.publishJobEvent(job.ID)
	}
}

// retryOrFail books a transient failure: bump attempts, requeue while
// the budget lasts, fail once it is spent.
func (p *Pool) retryOrFail(jobID int64, cause error, logger zerolog.Logger) {
	attempts, err := p.repo.IncrementAttempts(jobID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to increment attempts")
		return
	}
	job, err := p.repo.Get(jobID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload job")
		return
	}

	if job.MaxAttempts == nil || attempts < *job.MaxAttempts {
		if _, err := p.repo.ResetRunningItems(jobID); err != nil {
			logger.Error().Err(err).Msg("failed to reset running items")
		}
		if err := p.repo.Requeue(jobID); err != nil {
			logger.Error().Err(err).Msg("failed to requeue job")
			return
		}
		metrics.JobsRequeued.WithLabelValues("retry").Inc()
		logger.Warn().Err(cause).Int("attempts", attempts).Msg("transient failure, requeued")
	} else {
		if _, err := p.repo.FailRunningItems(jobID, "interrupted"); err != nil {
			logger.Error().Err(err).Msg("failed to reclassify interrupted items")
		}
		if err := p.repo.Fail(jobID, cause.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to mark job failed")
			return
		}
		logger.Error().Err(cause).Int("attempts", attempts).Msg("retry budget spent, job failed")
	}
	p.publishJobEvent(jobID)
}

// heartbeat proves liveness while a job runs. Stops silently when the
// job leaves running: the guarded update simply stops matching.
func (p *Pool) heartbeat(jobID int64, stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.repo.Heartbeat(jobID); err != nil {
				log.WithJobID(jobID).Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// runMaintenance requeues abandoned running jobs at stale_timeout/2
// cadence. Requeued jobs keep their attempts counter.
func (p *Pool) runMaintenance(ctx context.Context) {
	interval := p.cfg.StaleTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := p.repo.RequeueStaleRunning(int(p.cfg.StaleTimeout.Seconds()))
			if err != nil {
				log.WithComponent("worker").Error().Err(err).Msg("stale requeue failed")
				continue
			}
			for _, id := range ids {
				if _, err := p.repo.ResetRunningItems(id); err != nil {
					log.WithJobID(id).Error().Err(err).Msg("failed to reset items of stale job")
				}
				metrics.JobsRequeued.WithLabelValues("stale").Inc()
				p.publishJobEvent(id)
			}
			if len(ids) > 0 {
				log.WithComponent("worker").Warn().Ints64("job_ids", ids).Msg("stale running jobs requeued")
			}
		}
	}
}

// runSuccessors hands the finished job, reloaded with its final
// payload, to the orchestrator.
func (p *Pool) runSuccessors(jobID int64, logger zerolog.Logger) {
	job, err := p.repo.Get(jobID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload job for successors")
		return
	}
	if err := p.orch.JobFinished(job); err != nil {
		logger.Error().Err(err).Msg("successor enqueue failed")
	}
}

// publishJobEvent broadcasts the job's current persisted state.
func (p *Pool) publishJobEvent(jobID int64) {
	job, err := p.repo.Get(jobID)
	if err != nil {
		log.WithJobID(jobID).Warn().Err(err).Msg("failed to load job for event")
		return
	}
	p.broker.PublishJob(events.JobEvent{
		Kind:          events.KindJob,
		ID:            job.ID,
		JobType:       job.Type,
		Status:        job.Status,
		ProgressDone:  job.ProgressDone,
		ProgressTotal: job.ProgressTotal,
		UpdatedAt:     time.Now(),
	})
}
