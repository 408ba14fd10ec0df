package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronicorn/engine/internal/cycle"
	"github.com/cronicorn/engine/internal/db"
	"github.com/cronicorn/engine/internal/domain"
)

type fakeStore struct {
	unlockCount int
}

func (s *fakeStore) GetJobsToProcess(ctx context.Context, max int) ([]domain.Job, error) {
	return nil, nil
}
func (s *fakeStore) LockJob(ctx context.Context, jobID string, d time.Duration) (string, error) {
	return "", nil
}
func (s *fakeStore) UnlockJob(ctx context.Context, jobID, token string) error { return nil }
func (s *fakeStore) GetJobContext(ctx context.Context, jobID string) (domain.JobContext, error) {
	return domain.JobContext{}, nil
}
func (s *fakeStore) RecordExecutionPlan(ctx context.Context, jobID string, p domain.ExecutionPlan) error {
	return nil
}
func (s *fakeStore) RecordEndpointResults(ctx context.Context, jobID string, r []domain.EndpointExecutionResult) error {
	return nil
}
func (s *fakeStore) RecordExecutionSummary(ctx context.Context, jobID string, sum domain.ExecutionSummary) error {
	return nil
}
func (s *fakeStore) UpdateJobSchedule(ctx context.Context, jobID string, d domain.ScheduleDecision) error {
	return nil
}
func (s *fakeStore) RecordJobError(ctx context.Context, jobID string, cause error) error { return nil }
func (s *fakeStore) UpdateJobTokenUsage(ctx context.Context, jobID string, u domain.TokenUsage) error {
	return nil
}
func (s *fakeStore) UpdateDisabledEndpoints(ctx context.Context, jobID string, disabled []string) error {
	return nil
}
func (s *fakeStore) ForceUnlockStaleJobs(ctx context.Context) (int, error) {
	s.unlockCount++
	return 3, nil
}

var _ db.DatabaseService = (*fakeStore)(nil)

func TestStatus_StartsStopped(t *testing.T) {
	store := &fakeStore{}
	runner := cycle.New(store, nil, cycle.Config{Interval: time.Hour}, nil)
	e := New(store, runner, nil)
	status, counters := e.Status()
	assert.Equal(t, domain.EngineStopped, status)
	assert.Zero(t, counters.JobsProcessed)
}

func TestStart_InvalidIntervalSetsErrorStatus(t *testing.T) {
	store := &fakeStore{}
	runner := cycle.New(store, nil, cycle.Config{}, nil)
	e := New(store, runner, nil)
	err := e.Start(context.Background())
	require.Error(t, err)
	status, _ := e.Status()
	assert.Equal(t, domain.EngineError, status)
}

func TestForceUnlockStaleJobs_DelegatesToStore(t *testing.T) {
	store := &fakeStore{}
	runner := cycle.New(store, nil, cycle.Config{Interval: time.Hour}, nil)
	e := New(store, runner, nil)
	n, err := e.ForceUnlockStaleJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, store.unlockCount)
}

func TestCurrentCycleProgress_ReflectsCompletedCycle(t *testing.T) {
	store := &fakeStore{}
	runner := cycle.New(store, nil, cycle.Config{Interval: time.Hour, MaxBatchSize: 5}, nil)
	e := New(store, runner, nil)

	_, err := e.ProcessCycle(context.Background())
	require.NoError(t, err)

	progress := e.CurrentCycleProgress()
	assert.Equal(t, 0, progress.Total)
}

func TestProcessCycle_AccumulatesCounters(t *testing.T) {
	store := &fakeStore{}
	runner := cycle.New(store, nil, cycle.Config{Interval: time.Hour, MaxBatchSize: 5}, nil)
	e := New(store, runner, nil)

	result, err := e.ProcessCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.JobsProcessed)

	_, counters := e.Status()
	assert.Zero(t, counters.JobsProcessed)
}
