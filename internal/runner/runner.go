// Package runner tracks submitted jobs and executes their bodies
// asynchronously. The registry is process-local: restart forgets job
// history, never pipeline state, which lives in the store.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tieba-tools/tieba-relay/internal/jobs"
	"github.com/tieba-tools/tieba-relay/internal/metrics"
	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// Runner owns the job registry and fans job bodies out to goroutines.
type Runner struct {
	deps   jobs.Deps
	ids    relay.IDGenerator
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]*relay.Job
	wg   sync.WaitGroup
}

// New builds a Runner.
func New(deps jobs.Deps, ids relay.IDGenerator, logger *zap.Logger) *Runner {
	return &Runner{
		deps:   deps,
		ids:    ids,
		logger: logger,
		jobs:   make(map[string]*relay.Job),
	}
}

// Submit registers a job and starts it in the background. The returned
// job snapshot is in the queued state; poll Get for progress.
func (r *Runner) Submit(ctx context.Context, params relay.JobParams) (relay.Job, error) {
	switch params.(type) {
	case relay.CrawlParams, relay.DownloadImagesParams, relay.SyncCollectionsParams, relay.RelayParams:
	default:
		return relay.Job{}, fmt.Errorf("%w: %T", relay.ErrInvalidJobKind, params)
	}

	id, err := r.ids.NewID()
	if err != nil {
		return relay.Job{}, fmt.Errorf("mint job id: %w", err)
	}

	job := &relay.Job{
		ID:        id,
		JobKind:   params.Kind(),
		Status:    relay.JobQueued,
		Params:    params,
		CreatedAt: r.deps.Clock.Now(),
	}
	// snapshot before the worker goroutine can touch the shared record
	snapshot := *job

	r.mu.Lock()
	r.jobs[id] = job
	r.mu.Unlock()

	r.wg.Add(1)
	// the job outlives the submitting request; detach its context so the
	// caller's cancellation cannot kill the run after Submit returns
	go r.run(context.WithoutCancel(ctx), id, params)
	return snapshot, nil
}

// Get returns a snapshot of one job.
func (r *Runner) Get(id string) (relay.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return relay.Job{}, fmt.Errorf("%w: %s", relay.ErrJobNotFound, id)
	}
	return *job, nil
}

// List returns all tracked jobs, most recently created first.
func (r *Runner) List() []relay.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]relay.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until every submitted job has finished. Used on shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, id string, params relay.JobParams) {
	defer r.wg.Done()

	started := r.deps.Clock.Now()
	r.update(id, func(j *relay.Job) {
		j.Status = relay.JobRunning
		j.StartedAt = &started
	})

	result, err := r.execute(ctx, params)

	finished := r.deps.Clock.Now()
	r.update(id, func(j *relay.Job) {
		j.FinishedAt = &finished
		if err != nil {
			j.Status = relay.JobFailed
			j.Error = err.Error()
			return
		}
		j.Status = relay.JobSucceeded
		j.Result = result
	})

	status := relay.JobSucceeded
	if err != nil {
		status = relay.JobFailed
		r.logger.Warn("job failed",
			zap.String("job_id", id),
			zap.String("kind", string(params.Kind())),
			zap.Error(err))
	} else {
		r.logger.Info("job finished",
			zap.String("job_id", id),
			zap.String("kind", string(params.Kind())),
			zap.Duration("took", finished.Sub(started)))
	}
	metrics.RecordJobRun(string(params.Kind()), string(status))
}

// execute dispatches to the job body. The type switch is exhaustive over
// the closed params set; Submit already rejected everything else.
func (r *Runner) execute(ctx context.Context, params relay.JobParams) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()

	switch p := params.(type) {
	case relay.CrawlParams:
		return jobs.RunCrawl(ctx, r.deps, p)
	case relay.DownloadImagesParams:
		return jobs.RunDownloadImages(ctx, r.deps, p)
	case relay.SyncCollectionsParams:
		return jobs.RunSyncCollections(ctx, r.deps, p)
	case relay.RelayParams:
		return jobs.RunRelay(ctx, r.deps, p)
	default:
		return nil, fmt.Errorf("%w: %T", relay.ErrInvalidJobKind, params)
	}
}

func (r *Runner) update(id string, fn func(*relay.Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		fn(job)
	}
}

// ParseParams decodes a job kind plus raw JSON payload into typed params.
// Unknown kinds map to ErrInvalidJobKind.
func ParseParams(kind relay.JobKind, decode func(any) error) (relay.JobParams, error) {
	switch kind {
	case relay.KindCrawlThreads:
		var p relay.CrawlParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case relay.KindDownloadImages:
		var p relay.DownloadImagesParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case relay.KindSyncCollections:
		var p relay.SyncCollectionsParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case relay.KindRelayLabeled:
		var p relay.RelayParams
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", relay.ErrInvalidJobKind, kind)
	}
}
