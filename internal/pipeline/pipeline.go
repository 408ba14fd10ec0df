// Package pipeline implements the Job Pipeline state machine:
// LEASING -> LOADING_CONTEXT -> PLANNING -> EXECUTING -> SUMMARIZING ->
// SCHEDULING -> RELEASING -> DONE/FAILED, a single synchronous pass per
// job with a small mutable state struct threaded through named stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cronicorn/engine/internal/db"
	"github.com/cronicorn/engine/internal/domain"
	"github.com/cronicorn/engine/internal/engineerr"
	"github.com/cronicorn/engine/internal/hooks"
	"github.com/cronicorn/engine/internal/plan"
	"github.com/cronicorn/engine/internal/schedule"
	"github.com/cronicorn/engine/internal/strategy"
	"github.com/cronicorn/engine/internal/telemetry"
)

// Stage names the Job Pipeline's state machine positions, surfaced on
// telemetry spans and in error messages so operators can tell at a glance
// where a failed cycle stopped.
type Stage string

const (
	StageLeasing        Stage = "LEASING"
	StageLoadingContext Stage = "LOADING_CONTEXT"
	StagePlanning       Stage = "PLANNING"
	StageExecuting      Stage = "EXECUTING"
	StageSummarizing    Stage = "SUMMARIZING"
	StageScheduling     Stage = "SCHEDULING"
	StageReleasing      Stage = "RELEASING"
	StageDone           Stage = "DONE"
	StageFailed         Stage = "FAILED"
)

// Config controls leasing and escalation behavior.
type Config struct {
	LeaseDuration        time.Duration
	WarnFailureRatio     float64
	CriticalFailureRatio float64
}

// Pipeline processes one job through a full cycle.
type Pipeline struct {
	store     db.DatabaseService
	planner   *plan.Planner
	scheduler *schedule.Scheduler
	strategy  *strategy.Runner
	cfg       Config
	events    hooks.Bus
	log       telemetry.Logger
	tracer    telemetry.Tracer
}

// New constructs a Pipeline. events, log, and tracer may be nil.
func New(store db.DatabaseService, planner *plan.Planner, scheduler *schedule.Scheduler, runner *strategy.Runner, cfg Config, events hooks.Bus, log telemetry.Logger, tracer telemetry.Tracer) *Pipeline {
	return &Pipeline{store: store, planner: planner, scheduler: scheduler, strategy: runner, cfg: cfg, events: events, log: log, tracer: tracer}
}

// runState is the mutable state threaded through the pipeline's stages:
// stages mutate it in place rather than passing an ever-growing argument
// list.
type runState struct {
	stage     Stage
	token     string
	jobCtx    domain.JobContext
	plan      domain.ExecutionPlan
	results   []domain.EndpointExecutionResult
	summary   domain.ExecutionSummary
	decision  domain.ScheduleDecision
	startedAt time.Time
	stats     domain.JobRunStats
}

// ProcessJob runs jobID through one full cycle, returning the job's
// resource-usage stats for this pass (endpoint calls, agent calls, token
// usage) alongside any error so the Cycle Runner can fold them into
// EngineCounters regardless of outcome. A lock conflict (another process
// already holds the lease) is not an error; ProcessJob simply returns a nil
// error so the Cycle Runner moves on to the next job.
func (p *Pipeline) ProcessJob(ctx context.Context, jobID string) (domain.JobRunStats, error) {
	st := &runState{stage: StageLeasing, startedAt: time.Now()}

	ctx, span := p.startSpan(ctx, "pipeline.ProcessJob", jobID)
	defer span.End()

	token, err := p.store.LockJob(ctx, jobID, p.cfg.LeaseDuration)
	if err != nil {
		if errors.Is(err, db.ErrLockConflict) {
			return st.stats, nil
		}
		return st.stats, p.fail(ctx, jobID, st, engineerr.Wrap(engineerr.CategoryExecutionError, "lease acquisition failed", err))
	}
	st.token = token
	defer p.release(ctx, jobID, st)

	st.stage = StageLoadingContext
	jobCtx, err := p.store.GetJobContext(ctx, jobID)
	if err != nil {
		return st.stats, p.fail(ctx, jobID, st, engineerr.Wrap(engineerr.CategoryExecutionError, "load job context failed", err))
	}
	st.jobCtx = jobCtx

	st.stage = StagePlanning
	executionPlan, err := p.planner.Plan(ctx, withExecutionContext(jobCtx))
	if err != nil {
		return st.stats, p.fail(ctx, jobID, st, err)
	}
	st.stats.AgentCalls++
	st.stats.TokenUsage = st.stats.TokenUsage.Add(executionPlan.Usage)
	p.recordTokenUsage(ctx, jobID, executionPlan.Usage)
	executionPlan.EndpointsToCall = excludeDisabled(executionPlan.EndpointsToCall, jobCtx.Job.DisabledEndpoints)
	st.plan = executionPlan
	if err := p.store.RecordExecutionPlan(ctx, jobID, executionPlan); err != nil {
		return st.stats, p.fail(ctx, jobID, st, engineerr.Wrap(engineerr.CategoryExecutionError, "record execution plan failed", err))
	}

	st.stage = StageExecuting
	endpointsByID := indexEndpoints(jobCtx.Endpoints)
	results, err := p.strategy.Run(ctx, executionPlan, endpointsByID, jobCtx.Job.DefaultHeaders, p.onEndpointProgress(jobID))
	if err != nil {
		return st.stats, p.fail(ctx, jobID, st, engineerr.Wrap(engineerr.CategoryExecutionError, "strategy run failed", err))
	}
	st.results = results
	st.stats.EndpointCalls += int64(len(results))
	if err := p.store.RecordEndpointResults(ctx, jobID, results); err != nil {
		return st.stats, p.fail(ctx, jobID, st, engineerr.Wrap(engineerr.CategoryExecutionError, "record endpoint results failed", err))
	}

	st.stage = StageSummarizing
	summary := summarize(st.startedAt, results, p.cfg)
	st.summary = summary
	if summary.RecoveryAction == domain.RecoveryDisableEndpoint {
		disabled := unionDisabled(jobCtx.Job.DisabledEndpoints, summary.DisabledEndpoints)
		if err := p.store.UpdateDisabledEndpoints(ctx, jobID, disabled); err != nil {
			return st.stats, p.fail(ctx, jobID, st, engineerr.Wrap(engineerr.CategoryExecutionError, "update disabled endpoints failed", err))
		}
	}
	if summary.EscalationLevel != domain.EscalationNone {
		p.publish(ctx, hooks.EscalationEvent{
			JobID:          jobID,
			Level:          string(summary.EscalationLevel),
			FailureCount:   summary.FailureCount,
			AbortedCount:   summary.AbortedCount,
			RecoveryAction: string(summary.RecoveryAction),
			Timestamp:      time.Now(),
		})
	}
	if err := p.store.RecordExecutionSummary(ctx, jobID, summary); err != nil {
		return st.stats, p.fail(ctx, jobID, st, engineerr.Wrap(engineerr.CategoryExecutionError, "record execution summary failed", err))
	}

	st.stage = StageScheduling
	decision, err := p.scheduler.Schedule(ctx, jobCtx, summary, results)
	if err != nil {
		return st.stats, p.fail(ctx, jobID, st, err)
	}
	st.stats.AgentCalls++
	st.stats.TokenUsage = st.stats.TokenUsage.Add(decision.Usage)
	p.recordTokenUsage(ctx, jobID, decision.Usage)
	st.decision = decision
	if err := p.store.UpdateJobSchedule(ctx, jobID, decision); err != nil {
		return st.stats, p.fail(ctx, jobID, st, engineerr.Wrap(engineerr.CategoryExecutionError, "update job schedule failed", err))
	}

	st.stage = StageDone
	return st.stats, nil
}

// recordTokenUsage persists a token-usage delta against the job, best-effort:
// a failure here must not fail the pipeline pass, since the usage is still
// folded into the in-memory stats ProcessJob returns.
func (p *Pipeline) recordTokenUsage(ctx context.Context, jobID string, usage domain.TokenUsage) {
	if err := p.store.UpdateJobTokenUsage(ctx, jobID, usage); err != nil && p.log != nil {
		p.log.Warn(ctx, "pipeline: update job token usage failed", "jobId", jobID, "error", err.Error())
	}
}

// release unlocks the job lease unconditionally, logging failures rather
// than propagating them: a stuck lease expires after LeaseDuration, after
// which a later cycle can claim the job again, but a released-then-re-errored
// job must not mask the original failure.
func (p *Pipeline) release(ctx context.Context, jobID string, st *runState) {
	if st.token == "" {
		return
	}
	if err := p.store.UnlockJob(ctx, jobID, st.token); err != nil && p.log != nil {
		p.log.Warn(ctx, "pipeline: unlock job failed", "jobId", jobID, "error", err.Error())
	}
}

// fail records the error against the job (best-effort) and returns a
// stage-annotated error to the caller. The lease is still released by the
// deferred release call in ProcessJob.
func (p *Pipeline) fail(ctx context.Context, jobID string, st *runState, cause error) error {
	failedAt := st.stage
	st.stage = StageFailed
	wrapped := fmt.Errorf("pipeline: job %q failed at stage %s: %w", jobID, failedAt, cause)
	if err := p.store.RecordJobError(ctx, jobID, wrapped); err != nil && p.log != nil {
		p.log.Warn(ctx, "pipeline: record job error failed", "jobId", jobID, "error", err.Error())
	}
	return wrapped
}

func withExecutionContext(jobCtx domain.JobContext) domain.JobContext {
	jobCtx.ExecutionContext.CurrentTime = time.Now()
	return jobCtx
}

func indexEndpoints(endpoints []domain.Endpoint) map[string]domain.Endpoint {
	out := make(map[string]domain.Endpoint, len(endpoints))
	for _, e := range endpoints {
		out[e.ID] = e
	}
	return out
}

func excludeDisabled(planned []domain.PlannedEndpoint, disabled []string) []domain.PlannedEndpoint {
	if len(disabled) == 0 {
		return planned
	}
	skip := make(map[string]bool, len(disabled))
	for _, id := range disabled {
		skip[id] = true
	}
	out := make([]domain.PlannedEndpoint, 0, len(planned))
	for _, pe := range planned {
		if !skip[pe.EndpointID] {
			out = append(out, pe)
		}
	}
	return out
}

func unionDisabled(existing, added []string) []string {
	seen := make(map[string]bool, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, id := range existing {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range added {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// summarize aggregates a cycle's endpoint results into an ExecutionSummary,
// deriving the escalation level from the failure ratio and mapping it to
// a recovery action.
func summarize(startedAt time.Time, results []domain.EndpointExecutionResult, cfg Config) domain.ExecutionSummary {
	endTime := time.Now()
	summary := domain.ExecutionSummary{
		StartTime:       startedAt,
		EndTime:         endTime,
		TotalDurationMs: endTime.Sub(startedAt).Milliseconds(),
	}

	var failedIDs []string
	for _, r := range results {
		switch {
		case r.Aborted:
			summary.AbortedCount++
		case r.Success:
			summary.SuccessCount++
		default:
			summary.FailureCount++
			failedIDs = append(failedIDs, r.EndpointID)
		}
	}

	total := len(results)
	if total == 0 {
		summary.EscalationLevel = domain.EscalationNone
		summary.RecoveryAction = domain.RecoveryNone
		return summary
	}

	nonAborted := summary.SuccessCount + summary.FailureCount
	ratio := float64(summary.FailureCount) / math.Max(1, float64(nonAborted))
	switch {
	case ratio >= cfg.CriticalFailureRatio:
		summary.EscalationLevel = domain.EscalationCritical
		summary.RecoveryAction = domain.RecoveryDisableEndpoint
		summary.DisabledEndpoints = failedIDs
	case ratio >= cfg.WarnFailureRatio:
		summary.EscalationLevel = domain.EscalationWarn
		summary.RecoveryAction = domain.RecoveryBackoffOnly
	default:
		summary.EscalationLevel = domain.EscalationNone
		summary.RecoveryAction = domain.RecoveryNone
	}
	return summary
}

func (p *Pipeline) onEndpointProgress(jobID string) strategy.ProgressFunc {
	return func(endpointID, status string, attempt int, errMsg string) {
		p.publish(context.Background(), hooks.EndpointProgressEvent{
			JobID:      jobID,
			EndpointID: endpointID,
			Status:     status,
			Attempt:    attempt,
			Error:      errMsg,
			Timestamp:  time.Now(),
		})
	}
}

func (p *Pipeline) publish(ctx context.Context, ev hooks.Event) {
	if p.events == nil {
		return
	}
	p.events.Publish(ctx, ev)
}

func (p *Pipeline) startSpan(ctx context.Context, name, jobID string) (context.Context, telemetry.Span) {
	tracer := p.tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer{}
	}
	ctx, span := tracer.Start(ctx, name)
	span.AddEvent("job", "jobId", jobID)
	return ctx, span
}
