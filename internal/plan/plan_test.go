package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronicorn/engine/internal/domain"
	"github.com/cronicorn/engine/internal/model"
	"github.com/cronicorn/engine/internal/schema"
)

type fakeModel struct {
	responses []model.Response
	errs      []error
	calls     int
}

func (f *fakeModel) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return model.Response{}, f.errs[i]
	}
	return f.responses[i], nil
}

func mustCompile(t *testing.T) *schema.Compiled {
	c, err := schema.Compile("executionPlan-test.json", schema.ExecutionPlanDoc)
	require.NoError(t, err)
	return c
}

func testJobCtx() domain.JobContext {
	return domain.JobContext{
		Job:       domain.Job{ID: "job1", Definition: "poll a feed"},
		Endpoints: []domain.Endpoint{{ID: "ep1", URL: "http://x", Method: "GET"}},
	}
}

func TestPlan_ValidFirstResponseReturnsPlan(t *testing.T) {
	lm := &fakeModel{responses: []model.Response{{Raw: `{
		"endpointsToCall":[{"endpointId":"ep1","priority":1,"critical":false}],
		"executionStrategy":"sequential",
		"reasoning":"ok",
		"confidence":0.9
	}`}}}
	p := New(lm, mustCompile(t), Config{ValidateSemantics: true}, nil, nil)
	out, err := p.Plan(context.Background(), testJobCtx())
	require.NoError(t, err)
	assert.Equal(t, domain.StrategySequential, out.Strategy)
	assert.Len(t, out.EndpointsToCall, 1)
}

func TestPlan_SalvagesParallelConcurrencyLimit(t *testing.T) {
	lm := &fakeModel{responses: []model.Response{{Raw: `{
		"endpointsToCall":[{"endpointId":"ep1","priority":1,"critical":false}],
		"executionStrategy":"parallel",
		"reasoning":"go wide",
		"confidence":0.5
	}`}}}
	p := New(lm, mustCompile(t), Config{ValidateSemantics: true}, nil, nil)
	out, err := p.Plan(context.Background(), testJobCtx())
	require.NoError(t, err)
	assert.Equal(t, 2, out.ConcurrencyLimit)
	assert.Contains(t, out.Reasoning, "SemanticSalvage")
}

func TestPlan_SalvagesDanglingDependency(t *testing.T) {
	lm := &fakeModel{responses: []model.Response{{Raw: `{
		"endpointsToCall":[{"endpointId":"ep1","priority":1,"critical":false,"dependsOn":["ghost"]}],
		"executionStrategy":"sequential",
		"reasoning":"ok",
		"confidence":0.5
	}`}}}
	p := New(lm, mustCompile(t), Config{ValidateSemantics: true}, nil, nil)
	out, err := p.Plan(context.Background(), testJobCtx())
	require.NoError(t, err)
	assert.Empty(t, out.EndpointsToCall[0].DependsOn)
}

func TestPlan_RepairsAfterMalformedResponse(t *testing.T) {
	lm := &fakeModel{responses: []model.Response{
		{Raw: `not json`},
		{Raw: `{
			"endpointsToCall":[{"endpointId":"ep1","priority":1,"critical":false}],
			"executionStrategy":"sequential",
			"reasoning":"fixed",
			"confidence":0.7
		}`},
	}}
	p := New(lm, mustCompile(t), Config{
		ValidateSemantics:        true,
		RepairMalformedResponses: true,
		MaxRepairAttempts:        1,
	}, nil, nil)
	out, err := p.Plan(context.Background(), testJobCtx())
	require.NoError(t, err)
	assert.Equal(t, "fixed", out.Reasoning)
	assert.Equal(t, 2, lm.calls)
}

func TestPlan_FailsAfterExhaustingRepairAttempts(t *testing.T) {
	lm := &fakeModel{responses: []model.Response{{Raw: `not json`}, {Raw: `still not json`}}}
	p := New(lm, mustCompile(t), Config{
		ValidateSemantics:        true,
		RepairMalformedResponses: true,
		MaxRepairAttempts:        1,
	}, nil, nil)
	_, err := p.Plan(context.Background(), testJobCtx())
	assert.Error(t, err)
	assert.Equal(t, 2, lm.calls)
}

func TestPlan_StrictModeRejectsSemanticViolation(t *testing.T) {
	lm := &fakeModel{responses: []model.Response{{Raw: `{
		"endpointsToCall":[{"endpointId":"ep1","priority":1,"critical":false}],
		"executionStrategy":"parallel",
		"reasoning":"go wide",
		"confidence":0.5
	}`}}}
	p := New(lm, mustCompile(t), Config{ValidateSemantics: true, SemanticStrict: true}, nil, nil)
	_, err := p.Plan(context.Background(), testJobCtx())
	assert.Error(t, err)
}

func TestFindCycleEdge_DetectsCycle(t *testing.T) {
	endpoints := []domain.PlannedEndpoint{
		{EndpointID: "a", DependsOn: []string{"b"}},
		{EndpointID: "b", DependsOn: []string{"a"}},
	}
	assert.NotEmpty(t, findCycleEdge(endpoints))
}

func TestFindCycleEdge_NoCycle(t *testing.T) {
	endpoints := []domain.PlannedEndpoint{
		{EndpointID: "a"},
		{EndpointID: "b", DependsOn: []string{"a"}},
	}
	assert.Empty(t, findCycleEdge(endpoints))
}
