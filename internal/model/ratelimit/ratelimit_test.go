package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronicorn/engine/internal/model"
)

type fakeModel struct {
	err  error
	resp model.Response
}

func (f *fakeModel) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	return f.resp, f.err
}

func TestGenerate_DelegatesAndPassesThroughResponse(t *testing.T) {
	fake := &fakeModel{resp: model.Response{Raw: `{"ok":true}`}}
	lim := New(fake, 600000, 600000)

	resp, err := lim.Generate(context.Background(), model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Raw)
}

func TestGenerate_RateLimitedErrorHalvesBudget(t *testing.T) {
	fake := &fakeModel{err: errors.New("boom")}
	lim := New(fake, 1000, 1000)
	before := lim.CurrentTPM()

	fake.err = model.ErrRateLimited
	_, err := lim.Generate(context.Background(), model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}})
	require.Error(t, err)

	after := lim.CurrentTPM()
	assert.Less(t, after, before)
}

func TestGenerate_SuccessGrowsBudgetTowardMax(t *testing.T) {
	fake := &fakeModel{err: model.ErrRateLimited}
	lim := New(fake, 1000, 1000)
	_, _ = lim.Generate(context.Background(), model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}})
	reduced := lim.CurrentTPM()
	require.Less(t, reduced, 1000.0)

	fake.err = nil
	_, err := lim.Generate(context.Background(), model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Greater(t, lim.CurrentTPM(), reduced)
}

func TestNew_ClampsMaxBelowInitial(t *testing.T) {
	lim := New(nil, 1000, 500)
	assert.Equal(t, 1000.0, lim.maxTPM)
}
