// Package model defines the provider-agnostic message types and the
// structured-output LanguageModel abstraction used by the planner and
// scheduler: a single call that turns a prompt transcript plus a JSON
// Schema into a schema-conforming raw JSON response.
package model

import (
	"context"
	"errors"
)

// Role identifies the speaker for one message in a prompt transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry handed to a LanguageModel. Content is
// plain text: planning and scheduling prompts are pure text-in,
// schema-validated-JSON-out, with no need for a richer multi-part
// (image/document/tool-use) message shape.
type Message struct {
	Role    Role
	Content string
}

// TokenUsage tracks token consumption for one model call. Field names
// mirror domain.TokenUsage so callers can convert with a straight field
// copy.
type TokenUsage struct {
	InputTokens       int
	OutputTokens      int
	TotalTokens       int
	ReasoningTokens   int
	CachedInputTokens int
}

// Request captures one structured-output invocation.
type Request struct {
	// Messages is the ordered prompt transcript (system + user turns).
	Messages []Message

	// Schema is the JSON Schema the model's output must conform to, as a
	// Go value ready for json.Marshal (typically produced by
	// internal/schema).
	Schema any

	// SchemaName labels the schema for providers that require a name
	// alongside the schema document (e.g. OpenAI's json_schema response
	// format).
	SchemaName string

	// Temperature controls sampling.
	Temperature float64

	// MaxOutputTokens caps the generated output when supported.
	MaxOutputTokens int
}

// Response is the result of a structured-output invocation. Raw is the
// unparsed JSON text the provider returned; callers decode it against
// their own target type rather than forcing the model package to know
// about ExecutionPlan/ScheduleDecision shapes.
type Response struct {
	Raw   string
	Usage TokenUsage
}

// LanguageModel is the minimal capability the planner and scheduler need
// from an LLM provider: turn a prompt plus a JSON Schema into raw JSON
// text. Provider adapters (anthropicmodel, openaimodel) and the
// ratelimit wrapper all implement this single method, so the plan/
// schedule core never branches on provider identity.
type LanguageModel interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting after exhausting any provider-internal retries. The ratelimit
// wrapper halves its token budget when it sees this error; the plan and
// schedule cores wrap it as a plan_error or schedule_error like any other
// failed model call.
var ErrRateLimited = errors.New("model: rate limited")
