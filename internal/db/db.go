// Package db defines the storage contract the scheduling engine's Job
// Pipeline and Cycle Runner depend on. Concrete adapters live in sibling
// packages (mongostore for durable storage, leasecache for a Redis-backed
// fast lock path); this package only describes the shape.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/cronicorn/engine/internal/domain"
)

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("db: not found")

// ErrLockConflict is returned by LockJob when another process already holds
// an unexpired lock on the job.
var ErrLockConflict = errors.New("db: job is already locked")

// DatabaseService is the storage collaborator the engine calls into once
// per job per cycle. Implementations must make LockJob/UnlockJob safe
// under concurrent callers across processes, since the engine runs
// single-leader-per-database but multiple engine processes may point at
// the same database.
type DatabaseService interface {
	// GetJobsToProcess returns up to maxBatchSize ACTIVE jobs whose
	// NextRunAt is due and that are unlocked or whose lease has expired.
	GetJobsToProcess(ctx context.Context, maxBatchSize int) ([]domain.Job, error)

	// LockJob attempts to acquire an exclusive lease on jobID for
	// leaseDuration via an atomic compare-and-set. It returns ErrLockConflict
	// if the job is already locked by someone else with an unexpired lease.
	// The returned token must be presented to UnlockJob to release the lease.
	LockJob(ctx context.Context, jobID string, leaseDuration time.Duration) (token string, err error)

	// UnlockJob releases the lease on jobID if token matches the lease
	// currently held. A mismatched or already-released token is not an
	// error; release is idempotent.
	UnlockJob(ctx context.Context, jobID, token string) error

	// GetJobContext loads the full JobContext (job, endpoints, message
	// history, endpoint usage history) for jobID.
	GetJobContext(ctx context.Context, jobID string) (domain.JobContext, error)

	// RecordExecutionPlan persists the plan produced for this cycle,
	// typically as an appended message in the job's history.
	RecordExecutionPlan(ctx context.Context, jobID string, plan domain.ExecutionPlan) error

	// RecordEndpointResults persists the per-endpoint execution results as
	// EndpointUsage rows.
	RecordEndpointResults(ctx context.Context, jobID string, results []domain.EndpointExecutionResult) error

	// RecordExecutionSummary persists the cycle's aggregate summary.
	RecordExecutionSummary(ctx context.Context, jobID string, summary domain.ExecutionSummary) error

	// UpdateJobSchedule applies a ScheduleDecision: sets NextRunAt (or
	// pauses the job when the decision recommends it).
	UpdateJobSchedule(ctx context.Context, jobID string, decision domain.ScheduleDecision) error

	// RecordJobError persists a terminal pipeline error against jobID for
	// audit and operator visibility.
	RecordJobError(ctx context.Context, jobID string, cause error) error

	// UpdateJobTokenUsage accumulates usage into the job's running total.
	// Counters are monotonic non-decreasing.
	UpdateJobTokenUsage(ctx context.Context, jobID string, usage domain.TokenUsage) error

	// UpdateDisabledEndpoints replaces the job's disabled-endpoint set,
	// persisting a critical-escalation recovery decision across cycles.
	UpdateDisabledEndpoints(ctx context.Context, jobID string, disabled []string) error

	// ForceUnlockStaleJobs clears the lock on any job whose LockExpiresAt is
	// in the past, returning the number of jobs unlocked. Used by the
	// `unlock-jobs` CLI command.
	ForceUnlockStaleJobs(ctx context.Context) (int, error)
}
