package strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronicorn/engine/internal/domain"
	"github.com/cronicorn/engine/internal/executor"
)

func newTestRunner(cfg Config) *Runner {
	if cfg.MaxEndpointRetries == 0 {
		cfg.MaxEndpointRetries = 1
	}
	return New(executor.New(nil), cfg)
}

func serverWithStatus(t *testing.T, status int) (*httptest.Server, *int) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRun_SequentialOrdersByPriority(t *testing.T) {
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, r.URL.Query().Get("id"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoints := map[string]domain.Endpoint{
		"a": {ID: "a", URL: srv.URL + "?id=a", Method: "GET"},
		"b": {ID: "b", URL: srv.URL + "?id=b", Method: "GET"},
	}
	plan := domain.ExecutionPlan{
		Strategy: domain.StrategySequential,
		EndpointsToCall: []domain.PlannedEndpoint{
			{EndpointID: "b", Priority: 2},
			{EndpointID: "a", Priority: 1},
		},
	}
	r := newTestRunner(Config{})
	results, err := r.Run(context.Background(), plan, endpoints, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestRun_SequentialStopsOnCriticalFailure(t *testing.T) {
	srv, calls := serverWithStatus(t, http.StatusNotFound)
	endpoints := map[string]domain.Endpoint{
		"a": {ID: "a", URL: srv.URL, Method: "GET"},
		"b": {ID: "b", URL: srv.URL, Method: "GET"},
	}
	plan := domain.ExecutionPlan{
		Strategy: domain.StrategySequential,
		EndpointsToCall: []domain.PlannedEndpoint{
			{EndpointID: "a", Priority: 1, Critical: true},
			{EndpointID: "b", Priority: 2},
		},
	}
	r := newTestRunner(Config{})
	results, err := r.Run(context.Background(), plan, endpoints, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].EndpointID)
	assert.Equal(t, 1, *calls)
}

func TestRun_ParallelContinuesPastNonCriticalFailure(t *testing.T) {
	srv, _ := serverWithStatus(t, http.StatusNotFound)
	endpoints := map[string]domain.Endpoint{
		"a": {ID: "a", URL: srv.URL, Method: "GET"},
		"b": {ID: "b", URL: srv.URL, Method: "GET"},
	}
	plan := domain.ExecutionPlan{
		Strategy:         domain.StrategyParallel,
		ConcurrencyLimit: 2,
		EndpointsToCall: []domain.PlannedEndpoint{
			{EndpointID: "a", Priority: 1},
			{EndpointID: "b", Priority: 2},
		},
	}
	r := newTestRunner(Config{DefaultConcurrencyLimit: 2, MaxConcurrency: 5})
	results, err := r.Run(context.Background(), plan, endpoints, nil, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRun_MixedRespectsDependencyOrder(t *testing.T) {
	var order []string
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-mu
		order = append(order, r.URL.Query().Get("id"))
		mu <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoints := map[string]domain.Endpoint{
		"a": {ID: "a", URL: srv.URL + "?id=a", Method: "GET"},
		"b": {ID: "b", URL: srv.URL + "?id=b", Method: "GET"},
	}
	plan := domain.ExecutionPlan{
		Strategy:         domain.StrategyMixed,
		ConcurrencyLimit: 2,
		EndpointsToCall: []domain.PlannedEndpoint{
			{EndpointID: "a", Priority: 1},
			{EndpointID: "b", Priority: 2, DependsOn: []string{"a"}},
		},
	}
	r := newTestRunner(Config{DefaultConcurrencyLimit: 2, MaxConcurrency: 5})
	results, err := r.Run(context.Background(), plan, endpoints, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, order, 2)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "b", order[1])
}

func TestRun_MixedDetectsCycle(t *testing.T) {
	srv, _ := serverWithStatus(t, http.StatusOK)
	endpoints := map[string]domain.Endpoint{
		"a": {ID: "a", URL: srv.URL, Method: "GET"},
		"b": {ID: "b", URL: srv.URL, Method: "GET"},
	}
	plan := domain.ExecutionPlan{
		Strategy:         domain.StrategyMixed,
		ConcurrencyLimit: 2,
		EndpointsToCall: []domain.PlannedEndpoint{
			{EndpointID: "a", Priority: 1, DependsOn: []string{"b"}},
			{EndpointID: "b", Priority: 2, DependsOn: []string{"a"}},
		},
	}
	r := newTestRunner(Config{DefaultConcurrencyLimit: 2, MaxConcurrency: 5})
	_, err := r.Run(context.Background(), plan, endpoints, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency")
}

func TestRun_MixedOmitsDescendantsOfFailedCriticalDependencyAsNotAttempted(t *testing.T) {
	srv, _ := serverWithStatus(t, http.StatusNotFound)
	endpoints := map[string]domain.Endpoint{
		"a": {ID: "a", URL: srv.URL, Method: "GET"},
		"b": {ID: "b", URL: srv.URL, Method: "GET"},
	}
	plan := domain.ExecutionPlan{
		Strategy:         domain.StrategyMixed,
		ConcurrencyLimit: 2,
		EndpointsToCall: []domain.PlannedEndpoint{
			{EndpointID: "a", Priority: 1, Critical: true},
			{EndpointID: "b", Priority: 2, DependsOn: []string{"a"}},
		},
	}
	r := newTestRunner(Config{DefaultConcurrencyLimit: 2, MaxConcurrency: 5})
	results, err := r.Run(context.Background(), plan, endpoints, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].EndpointID)
	assert.False(t, results[0].Success)
}

func TestRun_UnknownStrategyErrors(t *testing.T) {
	r := newTestRunner(Config{})
	plan := domain.ExecutionPlan{Strategy: "bogus"}
	_, err := r.Run(context.Background(), plan, nil, nil, nil)
	assert.Error(t, err)
}

func TestRun_MissingEndpointRecordsError(t *testing.T) {
	r := newTestRunner(Config{})
	plan := domain.ExecutionPlan{
		Strategy:        domain.StrategySequential,
		EndpointsToCall: []domain.PlannedEndpoint{{EndpointID: "missing"}},
	}
	results, err := r.Run(context.Background(), plan, map[string]domain.Endpoint{}, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "not found")
}
