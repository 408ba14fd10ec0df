// Package cycle implements the Cycle Runner: on each tick it discovers due
// jobs via the database's GetJobsToProcess, dispatches each to the Job
// Pipeline under a bounded concurrency limit, and aggregates the outcomes
// into a domain.ProcessingResult. Start spins up a mutex-guarded cancel
// func plus sync.WaitGroup and a ticker driving repeated work; Stop tears
// it down. Single-flight semantics keep a slow cycle from ever being
// overlapped by the next tick.
package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cronicorn/engine/internal/db"
	"github.com/cronicorn/engine/internal/domain"
	"github.com/cronicorn/engine/internal/pipeline"
	"github.com/cronicorn/engine/internal/telemetry"
)

// Config controls cycle discovery and dispatch behavior.
type Config struct {
	// MaxBatchSize bounds how many due jobs a single cycle processes.
	MaxBatchSize int

	// JobConcurrency bounds how many jobs are processed simultaneously
	// within one cycle.
	JobConcurrency int

	// Interval is the tick period between cycles when run via Start.
	Interval time.Duration

	// AllowCancellation controls whether a shutdown signal aborts jobs
	// already in flight. When true (config.Load's default; the zero Config
	// leaves it false), the tick loop's context
	// is passed straight through to ProcessCycle, so endpoint calls and
	// database writes observe the shutdown signal via ctx. When false, a
	// cycle already underway when Stop is called runs to completion on a
	// detached context; only the next tick is suppressed.
	AllowCancellation bool
}

// Runner drives repeated or one-shot cycles over due jobs.
type Runner struct {
	store    db.DatabaseService
	pipeline *pipeline.Pipeline
	cfg      Config
	log      telemetry.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	processing sync.Mutex // serializes ProcessCycle calls, single-flight

	progressMu sync.Mutex
	progress   domain.CycleProgress
}

// New constructs a Runner. log may be nil.
func New(store db.DatabaseService, p *pipeline.Pipeline, cfg Config, log telemetry.Logger) *Runner {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.JobConcurrency <= 0 {
		cfg.JobConcurrency = 1
	}
	return &Runner{store: store, pipeline: p, cfg: cfg, log: log}
}

// Start begins a background tick loop at cfg.Interval, calling ProcessCycle
// on each tick. Start returns an error if a loop is already running. The
// first cycle runs immediately rather than waiting for the first tick.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return fmt.Errorf("cycle: runner already started")
	}
	if r.cfg.Interval <= 0 {
		return fmt.Errorf("cycle: interval must be positive")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.loop(loopCtx)

	r.logInfo(ctx, "cycle runner started", "interval", r.cfg.Interval.String())
	return nil
}

// Stop cancels the tick loop and waits for any in-flight cycle to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.logInfo(context.Background(), "cycle runner stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	runCtx := ctx
	if !r.cfg.AllowCancellation {
		runCtx = context.Background()
	}
	if _, err := r.ProcessCycle(runCtx); err != nil {
		r.logWarn(ctx, "cycle failed", "error", err.Error())
	}
}

// ProcessCycle runs exactly one cycle: it loads due jobs, processes each
// through the Job Pipeline under the configured concurrency limit, and
// returns the aggregate result. Only one ProcessCycle call runs at a time;
// a call arriving while another is in flight blocks until it completes
// (single-flight), so a slow cycle is never overlapped by Start's ticker.
func (r *Runner) ProcessCycle(ctx context.Context) (domain.ProcessingResult, error) {
	r.processing.Lock()
	defer r.processing.Unlock()

	start := time.Now()
	jobs, err := r.store.GetJobsToProcess(ctx, r.cfg.MaxBatchSize)
	if err != nil {
		return domain.ProcessingResult{}, fmt.Errorf("cycle: discover due jobs failed: %w", err)
	}

	r.setProgress(domain.CycleProgress{
		Total:         len(jobs),
		EndpointsByID: make(map[string]domain.EndpointProgress, len(jobs)),
	})

	result := domain.ProcessingResult{}
	if len(jobs) == 0 {
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(r.cfg.JobConcurrency))
	)

	for _, job := range jobs {
		job := job
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors = append(result.Errors, domain.ProcessingError{
				JobID:   job.ID,
				Message: "cycle canceled before job could be dispatched",
				Code:    "canceled",
			})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			stats, procErr := r.pipeline.ProcessJob(ctx, job.ID)

			mu.Lock()
			defer mu.Unlock()
			r.incrementCompleted()
			result.EndpointCalls += stats.EndpointCalls
			result.AgentCalls += stats.AgentCalls
			result.TokenUsage = result.TokenUsage.Add(stats.TokenUsage)
			if procErr != nil {
				result.FailedJobs++
				result.Errors = append(result.Errors, domain.ProcessingError{
					JobID:   job.ID,
					Message: procErr.Error(),
					Code:    "pipeline_error",
				})
			} else {
				result.SuccessfulJobs++
			}
		}()
	}

	wg.Wait()

	result.JobsProcessed = result.SuccessfulJobs + result.FailedJobs
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// Progress returns a snapshot of the currently running (or most recently
// completed) cycle's job-count progress, for the `status` command to
// report while a long cycle is in flight.
func (r *Runner) Progress() domain.CycleProgress {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	return r.progress
}

func (r *Runner) setProgress(p domain.CycleProgress) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	r.progress = p
}

func (r *Runner) incrementCompleted() {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	r.progress.Completed++
}

func (r *Runner) logInfo(ctx context.Context, msg string, keyvals ...any) {
	if r.log != nil {
		r.log.Info(ctx, msg, keyvals...)
	}
}

func (r *Runner) logWarn(ctx context.Context, msg string, keyvals ...any) {
	if r.log != nil {
		r.log.Warn(ctx, msg, keyvals...)
	}
}
