// Package engine ties the Cycle Runner, database adapter, and telemetry
// together behind a single process-wide handle the CLI and any embedding
// program talks to: Start/Stop plus a status snapshot and cumulative
// counters across every cycle processed.
package engine

import (
	"context"
	"sync"

	"github.com/cronicorn/engine/internal/cycle"
	"github.com/cronicorn/engine/internal/db"
	"github.com/cronicorn/engine/internal/domain"
	"github.com/cronicorn/engine/internal/telemetry"
)

// Engine is the top-level handle for running the scheduling engine as a
// long-lived process or driving it one cycle at a time.
type Engine struct {
	store  db.DatabaseService
	runner *cycle.Runner
	log    telemetry.Logger

	mu       sync.Mutex
	status   domain.EngineRunStatus
	counters domain.EngineCounters
}

// New constructs an Engine. log may be nil.
func New(store db.DatabaseService, runner *cycle.Runner, log telemetry.Logger) *Engine {
	return &Engine{store: store, runner: runner, log: log, status: domain.EngineStopped}
}

// Start begins the background cycle loop. The engine's status becomes
// EngineRunning on success, EngineError if the underlying runner refuses to
// start (e.g. a bad interval).
func (e *Engine) Start(ctx context.Context) error {
	if err := e.runner.Start(ctx); err != nil {
		e.setStatus(domain.EngineError)
		return err
	}
	e.setStatus(domain.EngineRunning)
	return nil
}

// Stop halts the background cycle loop and waits for any in-flight cycle to
// finish.
func (e *Engine) Stop() {
	e.runner.Stop()
	e.setStatus(domain.EngineStopped)
}

// Status returns a snapshot of the engine's current run state and
// cumulative counters.
func (e *Engine) Status() (domain.EngineRunStatus, domain.EngineCounters) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.counters
}

// CurrentCycleProgress reports the job-count progress of the currently
// running (or most recently completed) cycle, so the `status` command can
// show "N/M jobs done" while a long cycle is still in flight.
func (e *Engine) CurrentCycleProgress() domain.CycleProgress {
	return e.runner.Progress()
}

// ProcessCycle runs exactly one cycle synchronously and folds its result
// into the engine's cumulative counters, regardless of whether the
// background loop is running. Used by the `process` CLI command and by
// tests that want a single deterministic pass.
func (e *Engine) ProcessCycle(ctx context.Context) (domain.ProcessingResult, error) {
	result, err := e.runner.ProcessCycle(ctx)
	if err != nil {
		return result, err
	}
	e.accumulate(result)
	return result, nil
}

// ForceUnlockStaleJobs clears the lease on any job whose lock has expired,
// recovering from a process that died mid-cycle without releasing its
// lease. It delegates directly to the database adapter.
func (e *Engine) ForceUnlockStaleJobs(ctx context.Context) (int, error) {
	return e.store.ForceUnlockStaleJobs(ctx)
}

func (e *Engine) accumulate(result domain.ProcessingResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters.JobsProcessed += int64(result.JobsProcessed)
	e.counters.SuccessfulJobs += int64(result.SuccessfulJobs)
	e.counters.FailedJobs += int64(result.FailedJobs)
	e.counters.EndpointCalls += result.EndpointCalls
	e.counters.AgentCalls += result.AgentCalls
	e.counters.TokenUsage = e.counters.TokenUsage.Add(result.TokenUsage)
}

func (e *Engine) setStatus(s domain.EngineRunStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
}
