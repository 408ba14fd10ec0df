// Package strategy drives plan execution across a job's endpoints under one
// of three disciplines (sequential, parallel, dependency-DAG), delegating
// per-attempt retry/escalation decisions to internal/retrypolicy and
// concurrency bounding to golang.org/x/sync/semaphore.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cronicorn/engine/internal/domain"
	"github.com/cronicorn/engine/internal/executor"
	"github.com/cronicorn/engine/internal/retrypolicy"
)

// Config bounds concurrency and retry behavior for one plan execution.
type Config struct {
	// DefaultConcurrencyLimit is used when the plan did not specify one.
	DefaultConcurrencyLimit int

	// MaxConcurrency is a hard global cap regardless of what the plan or
	// default requests.
	MaxConcurrency int

	// DefaultTimeoutMs is passed to the executor for endpoints with no
	// per-endpoint timeout.
	DefaultTimeoutMs int

	// ResponseContentLengthLimit is passed to the executor.
	ResponseContentLengthLimit int

	// MaxEndpointRetries is the retry policy's maxAttempts.
	MaxEndpointRetries int

	// CriticalThresholdAttempt, when > 0, escalates (rather than retries)
	// a transient failure once this many attempts have been made.
	CriticalThresholdAttempt int
}

// ProgressFunc is invoked after every attempt of every endpoint, for the
// pipeline to emit endpointProgress events.
type ProgressFunc func(endpointID, status string, attempt int, errMsg string)

// Runner drives one ExecutionPlan to completion.
type Runner struct {
	exec *executor.Executor
	cfg  Config
}

// New constructs a Runner.
func New(exec *executor.Executor, cfg Config) *Runner {
	return &Runner{exec: exec, cfg: cfg}
}

// Run executes plan's endpoints per plan.Strategy and returns one result per
// attempted endpoint (endpoints skipped due to a strategy halt or cycle
// detection are simply absent — not-attempted rather than failed).
func (r *Runner) Run(
	ctx context.Context,
	plan domain.ExecutionPlan,
	endpoints map[string]domain.Endpoint,
	jobDefaultHeaders map[string]string,
	onProgress ProgressFunc,
) ([]domain.EndpointExecutionResult, error) {
	if onProgress == nil {
		onProgress = func(string, string, int, string) {}
	}
	switch plan.Strategy {
	case domain.StrategySequential:
		return r.runSequential(ctx, plan, endpoints, jobDefaultHeaders, onProgress), nil
	case domain.StrategyParallel:
		return r.runParallel(ctx, plan, endpoints, jobDefaultHeaders, onProgress), nil
	case domain.StrategyMixed:
		return r.runMixed(ctx, plan, endpoints, jobDefaultHeaders, onProgress)
	default:
		return nil, fmt.Errorf("strategy: unknown execution strategy %q", plan.Strategy)
	}
}

func (r *Runner) runSequential(
	ctx context.Context,
	plan domain.ExecutionPlan,
	endpoints map[string]domain.Endpoint,
	jobDefaultHeaders map[string]string,
	onProgress ProgressFunc,
) []domain.EndpointExecutionResult {
	ordered := make([]domain.PlannedEndpoint, len(plan.EndpointsToCall))
	copy(ordered, plan.EndpointsToCall)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	results := make([]domain.EndpointExecutionResult, 0, len(ordered))
	for _, pe := range ordered {
		if ctx.Err() != nil {
			return results
		}
		res := r.executeWithRetry(ctx, pe, endpoints, jobDefaultHeaders, onProgress)
		results = append(results, res)
		if pe.Critical && !res.Success && !res.Aborted {
			break
		}
	}
	return results
}

func (r *Runner) runParallel(
	ctx context.Context,
	plan domain.ExecutionPlan,
	endpoints map[string]domain.Endpoint,
	jobDefaultHeaders map[string]string,
	onProgress ProgressFunc,
) []domain.EndpointExecutionResult {
	limit := r.concurrencyLimit(plan.ConcurrencyLimit)
	sem := semaphore.NewWeighted(int64(limit))

	results := make([]domain.EndpointExecutionResult, len(plan.EndpointsToCall))
	var wg sync.WaitGroup
	for i, pe := range plan.EndpointsToCall {
		i, pe := i, pe
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = domain.EndpointExecutionResult{EndpointID: pe.EndpointID, Aborted: true, Error: err.Error()}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = r.executeWithRetry(ctx, pe, endpoints, jobDefaultHeaders, onProgress)
		}()
	}
	wg.Wait()
	return results
}

func (r *Runner) runMixed(
	ctx context.Context,
	plan domain.ExecutionPlan,
	endpoints map[string]domain.Endpoint,
	jobDefaultHeaders map[string]string,
	onProgress ProgressFunc,
) ([]domain.EndpointExecutionResult, error) {
	limit := r.concurrencyLimit(plan.ConcurrencyLimit)
	sem := semaphore.NewWeighted(int64(limit))

	pending := make(map[string]domain.PlannedEndpoint, len(plan.EndpointsToCall))
	for _, pe := range plan.EndpointsToCall {
		pending[pe.EndpointID] = pe
	}

	var mu sync.Mutex
	completed := make(map[string]bool, len(pending))
	failedCritical := make(map[string]bool)
	inFlight := make(map[string]bool)
	results := make(map[string]domain.EndpointExecutionResult, len(pending))

	resultCh := make(chan domain.EndpointExecutionResult, len(pending))
	var wg sync.WaitGroup

	isReady := func(pe domain.PlannedEndpoint) bool {
		for _, dep := range pe.DependsOn {
			if failedCritical[dep] {
				return false
			}
			if !completed[dep] {
				return false
			}
		}
		return true
	}

	for len(results) < len(pending) {
		mu.Lock()
		var ready []domain.PlannedEndpoint
		for id, pe := range pending {
			if _, done := results[id]; done {
				continue
			}
			if inFlight[id] {
				continue
			}
			if isReady(pe) {
				ready = append(ready, pe)
			}
		}
		anyInFlight := len(inFlight) > 0
		remaining := len(pending) - len(results)
		if len(ready) == 0 && !anyInFlight && remaining > 0 {
			// Distinguish endpoints that will never become ready because an
			// ancestor's critical dependency failed (not-attempted) from a
			// genuine dependency cycle (abort).
			blocked := blockedByFailure(pending, results, failedCritical)
			var cyclic []string
			for id := range pending {
				if _, done := results[id]; done {
					continue
				}
				if !blocked[id] {
					cyclic = append(cyclic, id)
				}
			}
			mu.Unlock()
			wg.Wait()
			if len(cyclic) == 0 {
				// Every remaining endpoint is unreachable solely due to an
				// upstream critical failure: leave them absent from the
				// result set (not-attempted) and finish normally.
				return resultsSlice(results, plan.EndpointsToCall), nil
			}
			return resultsSlice(results, plan.EndpointsToCall), fmt.Errorf(
				"strategy: circular dependency detected among endpoints %v", cyclic)
		}
		for _, pe := range ready {
			inFlight[pe.EndpointID] = true
		}
		mu.Unlock()

		if len(ready) == 0 {
			// Endpoints are in flight; wait for one to finish before
			// re-evaluating readiness.
			res := <-resultCh
			mu.Lock()
			completed[res.EndpointID] = true
			if !res.Success && pending[res.EndpointID].Critical {
				failedCritical[res.EndpointID] = true
			}
			delete(inFlight, res.EndpointID)
			results[res.EndpointID] = res
			mu.Unlock()
			continue
		}

		for _, pe := range ready {
			pe := pe
			if err := sem.Acquire(ctx, 1); err != nil {
				res := domain.EndpointExecutionResult{EndpointID: pe.EndpointID, Aborted: true, Error: err.Error()}
				mu.Lock()
				completed[pe.EndpointID] = true
				delete(inFlight, pe.EndpointID)
				results[pe.EndpointID] = res
				mu.Unlock()
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				res := r.executeWithRetry(ctx, pe, endpoints, jobDefaultHeaders, onProgress)
				resultCh <- res
			}()
		}

		// Drain exactly one completion per loop iteration that submitted
		// work, so freshly-unblocked dependents are reconsidered promptly.
		res := <-resultCh
		mu.Lock()
		completed[res.EndpointID] = true
		if !res.Success && pending[res.EndpointID].Critical {
			failedCritical[res.EndpointID] = true
		}
		delete(inFlight, res.EndpointID)
		results[res.EndpointID] = res
		mu.Unlock()
	}
	wg.Wait()
	return resultsSlice(results, plan.EndpointsToCall), nil
}

// blockedByFailure computes the transitive closure of endpoints that can
// never become ready because one of their (possibly indirect) dependencies
// is a failed critical endpoint.
func blockedByFailure(
	pending map[string]domain.PlannedEndpoint,
	results map[string]domain.EndpointExecutionResult,
	failedCritical map[string]bool,
) map[string]bool {
	blocked := make(map[string]bool)
	for {
		changed := false
		for id, pe := range pending {
			if _, done := results[id]; done {
				continue
			}
			if blocked[id] {
				continue
			}
			for _, dep := range pe.DependsOn {
				if failedCritical[dep] || blocked[dep] {
					blocked[id] = true
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}
	return blocked
}

func resultsSlice(results map[string]domain.EndpointExecutionResult, order []domain.PlannedEndpoint) []domain.EndpointExecutionResult {
	out := make([]domain.EndpointExecutionResult, 0, len(results))
	for _, pe := range order {
		if res, ok := results[pe.EndpointID]; ok {
			out = append(out, res)
		}
	}
	return out
}

func (r *Runner) concurrencyLimit(planLimit int) int {
	limit := planLimit
	if limit <= 0 {
		limit = r.cfg.DefaultConcurrencyLimit
	}
	if limit <= 0 {
		limit = 1
	}
	if r.cfg.MaxConcurrency > 0 && limit > r.cfg.MaxConcurrency {
		limit = r.cfg.MaxConcurrency
	}
	return limit
}

// executeWithRetry runs one endpoint to a terminal outcome (success, fail,
// or escalate-as-fail), applying the retry policy between attempts.
func (r *Runner) executeWithRetry(
	ctx context.Context,
	pe domain.PlannedEndpoint,
	endpoints map[string]domain.Endpoint,
	jobDefaultHeaders map[string]string,
	onProgress ProgressFunc,
) domain.EndpointExecutionResult {
	ep, ok := endpoints[pe.EndpointID]
	if !ok {
		onProgress(pe.EndpointID, "failed", 0, "endpoint not found in plan context")
		return domain.EndpointExecutionResult{EndpointID: pe.EndpointID, Error: "endpoint not found in plan context"}
	}

	maxAttempts := r.cfg.MaxEndpointRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var last executor.Result
	attempt := 0
	for {
		if ctx.Err() != nil {
			onProgress(pe.EndpointID, "aborted", attempt, ctx.Err().Error())
			return domain.EndpointExecutionResult{
				EndpointID: pe.EndpointID, Aborted: true, Attempts: attempt,
				Error: ctx.Err().Error(), Timestamp: time.Now(),
			}
		}
		attempt++
		last = r.exec.Execute(ctx, executor.Request{
			Endpoint:                   ep,
			JobDefaultHeaders:          jobDefaultHeaders,
			Parameters:                 pe.Parameters,
			Headers:                    pe.Headers,
			DefaultTimeoutMs:           r.cfg.DefaultTimeoutMs,
			ResponseContentLengthLimit: r.cfg.ResponseContentLengthLimit,
		})
		if last.Success {
			onProgress(pe.EndpointID, "succeeded", attempt, "")
			return toResult(pe.EndpointID, last, attempt)
		}
		status := "failed"
		errMsg := ""
		if last.Error != nil {
			errMsg = last.Error.Error()
		}
		if last.Aborted {
			status = "aborted"
		}
		onProgress(pe.EndpointID, status, attempt, errMsg)

		decision := retrypolicy.Decide(retrypolicy.Attempt{
			AttemptNumber:            attempt,
			MaxAttempts:              maxAttempts,
			Category:                 last.Category,
			StatusCode:               last.StatusCode,
			ErrorMessage:             errMsg,
			CriticalThresholdAttempt: r.cfg.CriticalThresholdAttempt,
		})
		switch decision {
		case retrypolicy.DecisionRetry:
			backoff := retrypolicy.Backoff(retrypolicy.Attempt{
				AttemptNumber: attempt, Category: last.Category, StatusCode: last.StatusCode,
			})
			select {
			case <-ctx.Done():
				return toResult(pe.EndpointID, last, attempt)
			case <-time.After(backoff):
			}
			continue
		default: // fail or escalate both terminate this endpoint's attempts
			return toResult(pe.EndpointID, last, attempt)
		}
	}
}

func toResult(endpointID string, res executor.Result, attempts int) domain.EndpointExecutionResult {
	errMsg := ""
	if res.Error != nil {
		errMsg = res.Error.Error()
	}
	return domain.EndpointExecutionResult{
		EndpointID:      endpointID,
		Success:         res.Success,
		StatusCode:      res.StatusCode,
		ExecutionTimeMs: res.ExecutionTimeMs,
		Timestamp:       time.Now(),
		ResponseContent: res.ResponseContent,
		Error:           errMsg,
		RequestSize:     res.RequestSize,
		ResponseSize:    res.ResponseSize,
		Truncated:       res.Truncated,
		Attempts:        attempts,
		Aborted:         res.Aborted,
	}
}
