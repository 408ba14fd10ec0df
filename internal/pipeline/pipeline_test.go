package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronicorn/engine/internal/db"
	"github.com/cronicorn/engine/internal/domain"
	"github.com/cronicorn/engine/internal/executor"
	"github.com/cronicorn/engine/internal/model"
	"github.com/cronicorn/engine/internal/plan"
	"github.com/cronicorn/engine/internal/schedule"
	"github.com/cronicorn/engine/internal/schema"
	"github.com/cronicorn/engine/internal/strategy"
)

type fakeStore struct {
	jobs              map[string]domain.Job
	endpoints         map[string][]domain.Endpoint
	lockTokens        map[string]string
	recordedPlans     []domain.ExecutionPlan
	recordedResults   [][]domain.EndpointExecutionResult
	recordedSummaries []domain.ExecutionSummary
	scheduleUpdates   []domain.ScheduleDecision
	recordedErrors    []error
	disabledUpdates   [][]string
	lockConflict      bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:       map[string]domain.Job{},
		endpoints:  map[string][]domain.Endpoint{},
		lockTokens: map[string]string{},
	}
}

func (s *fakeStore) GetJobsToProcess(ctx context.Context, max int) ([]domain.Job, error) { return nil, nil }

func (s *fakeStore) LockJob(ctx context.Context, jobID string, d time.Duration) (string, error) {
	if s.lockConflict {
		return "", db.ErrLockConflict
	}
	tok := "tok-" + jobID
	s.lockTokens[jobID] = tok
	return tok, nil
}

func (s *fakeStore) UnlockJob(ctx context.Context, jobID, token string) error {
	delete(s.lockTokens, jobID)
	return nil
}

func (s *fakeStore) GetJobContext(ctx context.Context, jobID string) (domain.JobContext, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.JobContext{}, db.ErrNotFound
	}
	return domain.JobContext{Job: job, Endpoints: s.endpoints[jobID]}, nil
}

func (s *fakeStore) RecordExecutionPlan(ctx context.Context, jobID string, p domain.ExecutionPlan) error {
	s.recordedPlans = append(s.recordedPlans, p)
	return nil
}

func (s *fakeStore) RecordEndpointResults(ctx context.Context, jobID string, r []domain.EndpointExecutionResult) error {
	s.recordedResults = append(s.recordedResults, r)
	return nil
}

func (s *fakeStore) RecordExecutionSummary(ctx context.Context, jobID string, sum domain.ExecutionSummary) error {
	s.recordedSummaries = append(s.recordedSummaries, sum)
	return nil
}

func (s *fakeStore) UpdateJobSchedule(ctx context.Context, jobID string, d domain.ScheduleDecision) error {
	s.scheduleUpdates = append(s.scheduleUpdates, d)
	return nil
}

func (s *fakeStore) RecordJobError(ctx context.Context, jobID string, cause error) error {
	s.recordedErrors = append(s.recordedErrors, cause)
	return nil
}

func (s *fakeStore) UpdateJobTokenUsage(ctx context.Context, jobID string, u domain.TokenUsage) error {
	return nil
}

func (s *fakeStore) UpdateDisabledEndpoints(ctx context.Context, jobID string, disabled []string) error {
	s.disabledUpdates = append(s.disabledUpdates, disabled)
	return nil
}

func (s *fakeStore) ForceUnlockStaleJobs(ctx context.Context) (int, error) { return 0, nil }

var _ db.DatabaseService = (*fakeStore)(nil)

type scriptedModel struct {
	planRaw     string
	scheduleRaw string
}

func (m *scriptedModel) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if req.SchemaName == "executionPlan" {
		return model.Response{Raw: m.planRaw}, nil
	}
	return model.Response{Raw: m.scheduleRaw}, nil
}

func buildPipeline(t *testing.T, store *fakeStore, lm model.LanguageModel) *Pipeline {
	planSchema, err := schema.Compile("plan.json", schema.ExecutionPlanDoc)
	require.NoError(t, err)
	scheduleSchema, err := schema.Compile("schedule.json", schema.ScheduleDecisionDoc)
	require.NoError(t, err)

	planner := plan.New(lm, planSchema, plan.Config{ValidateSemantics: true}, nil, nil)
	scheduler := schedule.New(lm, scheduleSchema, schedule.Config{ValidateSemantics: true}, nil, nil)
	runner := strategy.New(executor.New(nil), strategy.Config{MaxEndpointRetries: 1})

	return New(store, planner, scheduler, runner, Config{
		LeaseDuration:        time.Minute,
		WarnFailureRatio:     0.25,
		CriticalFailureRatio: 0.5,
	}, nil, nil, nil)
}

func TestProcessJob_HappyPathCompletesAllStages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.jobs["job1"] = domain.Job{ID: "job1", Definition: "poll a feed"}
	store.endpoints["job1"] = []domain.Endpoint{{ID: "ep1", URL: srv.URL, Method: "GET"}}

	future := time.Now().Add(1 * time.Hour).UTC().Format(time.RFC3339)
	lm := &scriptedModel{
		planRaw: `{"endpointsToCall":[{"endpointId":"ep1","priority":1,"critical":false}],"executionStrategy":"sequential","reasoning":"ok","confidence":0.9}`,
		scheduleRaw: `{"nextRunAt":"` + future + `","reasoning":"steady","confidence":0.8}`,
	}

	p := buildPipeline(t, store, lm)
	stats, err := p.ProcessJob(context.Background(), "job1")
	require.NoError(t, err)

	assert.Len(t, store.recordedPlans, 1)
	assert.Len(t, store.recordedResults, 1)
	assert.Len(t, store.recordedSummaries, 1)
	assert.Len(t, store.scheduleUpdates, 1)
	assert.Empty(t, store.lockTokens, "lease must be released after a successful run")
	assert.EqualValues(t, 1, stats.EndpointCalls)
	assert.EqualValues(t, 2, stats.AgentCalls)
}

func TestProcessJob_LockConflictReturnsNilWithoutSideEffects(t *testing.T) {
	store := newFakeStore()
	store.lockConflict = true
	p := buildPipeline(t, store, &scriptedModel{})
	stats, err := p.ProcessJob(context.Background(), "job1")
	require.NoError(t, err)
	assert.Empty(t, store.recordedPlans)
	assert.Zero(t, stats.EndpointCalls)
	assert.Zero(t, stats.AgentCalls)
}

func TestProcessJob_PlanningFailureRecordsErrorAndReleasesLease(t *testing.T) {
	store := newFakeStore()
	store.jobs["job1"] = domain.Job{ID: "job1", Definition: "poll a feed"}
	store.endpoints["job1"] = []domain.Endpoint{{ID: "ep1", URL: "http://example.invalid", Method: "GET"}}

	lm := &scriptedModel{planRaw: `not json`}
	p := buildPipeline(t, store, lm)
	stats, err := p.ProcessJob(context.Background(), "job1")
	require.Error(t, err)
	assert.Len(t, store.recordedErrors, 1)
	assert.Empty(t, store.lockTokens, "lease must be released even when a stage fails")
	assert.Zero(t, stats.AgentCalls, "planning failed before producing a usable plan")
}

func TestSummarize_CriticalRatioDisablesFailedEndpoints(t *testing.T) {
	results := []domain.EndpointExecutionResult{
		{EndpointID: "a", Success: false},
		{EndpointID: "b", Success: true},
	}
	summary := summarize(time.Now(), results, Config{WarnFailureRatio: 0.25, CriticalFailureRatio: 0.5})
	assert.Equal(t, domain.EscalationCritical, summary.EscalationLevel)
	assert.Equal(t, domain.RecoveryDisableEndpoint, summary.RecoveryAction)
	assert.Equal(t, []string{"a"}, summary.DisabledEndpoints)
}

func TestSummarize_RatioExcludesAbortedFromBothNumeratorAndDenominator(t *testing.T) {
	results := []domain.EndpointExecutionResult{
		{EndpointID: "a", Success: true},
		{EndpointID: "b", Success: true},
		{EndpointID: "c", Success: true},
		{EndpointID: "d", Success: true},
		{EndpointID: "e", Success: false},
		{EndpointID: "f", Aborted: true},
		{EndpointID: "g", Aborted: true},
		{EndpointID: "h", Aborted: true},
		{EndpointID: "i", Aborted: true},
		{EndpointID: "j", Aborted: true},
	}
	summary := summarize(time.Now(), results, Config{WarnFailureRatio: 0.25, CriticalFailureRatio: 0.5})
	assert.Equal(t, domain.EscalationNone, summary.EscalationLevel, "1 failure over 5 non-aborted attempts is below the warn ratio")
	assert.Equal(t, domain.RecoveryNone, summary.RecoveryAction)
}

func TestSummarize_NoResultsIsNoEscalation(t *testing.T) {
	summary := summarize(time.Now(), nil, Config{WarnFailureRatio: 0.25, CriticalFailureRatio: 0.5})
	assert.Equal(t, domain.EscalationNone, summary.EscalationLevel)
}

func TestExcludeDisabled_FiltersOutDisabledEndpoints(t *testing.T) {
	planned := []domain.PlannedEndpoint{{EndpointID: "a"}, {EndpointID: "b"}}
	out := excludeDisabled(planned, []string{"a"})
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].EndpointID)
}
