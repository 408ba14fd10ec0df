package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenUsageAdd_SumsAllCounters(t *testing.T) {
	a := TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, ReasoningTokens: 2, CachedInputTokens: 1}
	b := TokenUsage{InputTokens: 3, OutputTokens: 1, TotalTokens: 4, ReasoningTokens: 0, CachedInputTokens: 2}

	got := a.Add(b)
	assert.Equal(t, TokenUsage{InputTokens: 13, OutputTokens: 6, TotalTokens: 19, ReasoningTokens: 2, CachedInputTokens: 3}, got)
}

func TestTokenUsageAdd_ZeroIsIdentity(t *testing.T) {
	a := TokenUsage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10}
	assert.Equal(t, a, a.Add(TokenUsage{}))
}

func TestIsUserContentValid_UserMessageWithPartsIsInvalid(t *testing.T) {
	m := Message{Role: MessageRoleUser, Parts: []MessagePart{{Type: "text", Text: "hi"}}}
	assert.False(t, m.IsUserContentValid())
}

func TestIsUserContentValid_UserMessageWithContentIsValid(t *testing.T) {
	m := Message{Role: MessageRoleUser, Content: "hi"}
	assert.True(t, m.IsUserContentValid())
}

func TestIsUserContentValid_NonUserRoleAlwaysValid(t *testing.T) {
	m := Message{Role: MessageRoleAssistant, Parts: []MessagePart{{Type: "tool-call"}}}
	assert.True(t, m.IsUserContentValid())
}

func TestPausesJob_TrueWhenRecommendedActionIsPause(t *testing.T) {
	d := ScheduleDecision{
		NextRunAt:          time.Now(),
		RecommendedActions: []RecommendedAction{{Type: ActionPauseJob}},
	}
	assert.True(t, d.PausesJob())
}

func TestPausesJob_FalseWithNoRecommendedActions(t *testing.T) {
	d := ScheduleDecision{NextRunAt: time.Now().Add(time.Hour)}
	assert.False(t, d.PausesJob())
}

func TestPausesJob_FalseWithOtherRecommendedAction(t *testing.T) {
	d := ScheduleDecision{RecommendedActions: []RecommendedAction{{Type: ActionModifyFrequency}}}
	assert.False(t, d.PausesJob())
}
