// Package domain defines the entities the scheduling engine operates on:
// jobs, endpoints, messages, execution plans and results, schedule
// decisions, and the process-wide engine state. Storage representation is
// the concern of internal/db; this package only describes semantic shape.
package domain

import "time"

// JobStatus is the lifecycle status of a Job.
type JobStatus string

const (
	JobStatusActive   JobStatus = "ACTIVE"
	JobStatusPaused   JobStatus = "PAUSED"
	JobStatusArchived JobStatus = "ARCHIVED"
)

// Environment identifies the execution environment recorded on a cycle's
// JobContext.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentDevelopment Environment = "development"
	EnvironmentTest        Environment = "test"
)

// TokenUsage accumulates LLM token counters. Counters are monotonic
// non-decreasing across cycles.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens" bson:"inputTokens"`
	OutputTokens int `json:"outputTokens" bson:"outputTokens"`
	TotalTokens  int `json:"totalTokens" bson:"totalTokens"`
	ReasoningTokens int `json:"reasoningTokens" bson:"reasoningTokens"`
	CachedInputTokens int `json:"cachedInputTokens" bson:"cachedInputTokens"`
}

// Add returns the element-wise sum of u and other.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:       u.InputTokens + other.InputTokens,
		OutputTokens:      u.OutputTokens + other.OutputTokens,
		TotalTokens:        u.TotalTokens + other.TotalTokens,
		ReasoningTokens:    u.ReasoningTokens + other.ReasoningTokens,
		CachedInputTokens:  u.CachedInputTokens + other.CachedInputTokens,
	}
}

// Job is a user-defined, AI-scheduled task with a set of HTTP endpoints.
type Job struct {
	ID              string     `bson:"_id" json:"id"`
	OwnerUserID     string     `bson:"ownerUserId" json:"ownerUserId"`
	Definition      string     `bson:"definition" json:"definition"`
	Status          JobStatus  `bson:"status" json:"status"`
	NextRunAt       *time.Time `bson:"nextRunAt" json:"nextRunAt"`
	Locked          bool       `bson:"locked" json:"locked"`
	LockExpiresAt   *time.Time `bson:"lockExpiresAt" json:"lockExpiresAt"`
	LockToken       string     `bson:"lockToken,omitempty" json:"lockToken,omitempty"`
	TokenUsage      TokenUsage `bson:"tokenUsage" json:"tokenUsage"`
	DefaultHeaders  map[string]string `bson:"defaultHeaders,omitempty" json:"defaultHeaders,omitempty"`
	// DisabledEndpoints lists endpoint IDs the Job Pipeline has disabled
	// after a critical-level escalation. Disabled endpoints are removed from
	// each new plan before execution until an operator re-enables them.
	DisabledEndpoints []string   `bson:"disabledEndpoints,omitempty" json:"disabledEndpoints,omitempty"`
	CreatedAt       time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// Endpoint belongs to exactly one Job.
type Endpoint struct {
	ID                         string            `bson:"_id" json:"id"`
	JobID                      string            `bson:"jobId" json:"jobId"`
	Name                       string            `bson:"name" json:"name"`
	URL                        string            `bson:"url" json:"url"`
	Method                     string            `bson:"method" json:"method"`
	BearerToken                string            `bson:"bearerToken,omitempty" json:"bearerToken,omitempty"`
	RequestSchema              map[string]any    `bson:"requestSchema,omitempty" json:"requestSchema,omitempty"`
	DefaultHeaders             map[string]string `bson:"defaultHeaders,omitempty" json:"defaultHeaders,omitempty"`
	TimeoutMs                  int               `bson:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	RequestContentLengthLimit  int               `bson:"requestContentLengthLimit,omitempty" json:"requestContentLengthLimit,omitempty"`
	ResponseContentLengthLimit int               `bson:"responseContentLengthLimit,omitempty" json:"responseContentLengthLimit,omitempty"`
	FireAndForget              bool              `bson:"fireAndForget" json:"fireAndForget"`
}

// MessageRole identifies the speaker of a Message.
type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// MessageSource tags the origin of a message for audit/history purposes.
type MessageSource string

// MessageSourceEndpointResponse tags a message appended from an endpoint
// call's response.
const MessageSourceEndpointResponse MessageSource = "endpointResponse"

// Message is an append-only record attached to a Job. A message with Role
// MessageRoleUser must carry string Content; other roles may carry
// structured Parts instead.
type Message struct {
	ID        string        `bson:"_id" json:"id"`
	JobID     string        `bson:"jobId" json:"jobId"`
	Role      MessageRole   `bson:"role" json:"role"`
	Content   string        `bson:"content,omitempty" json:"content,omitempty"`
	Parts     []MessagePart `bson:"parts,omitempty" json:"parts,omitempty"`
	Source    MessageSource `bson:"source,omitempty" json:"source,omitempty"`
	CreatedAt time.Time     `bson:"createdAt" json:"createdAt"`
}

// MessagePart is one block of a structured (non-user) message. Which of
// Text, ToolName/ToolInput or Data is populated depends on Type.
type MessagePart struct {
	Type      string `bson:"type" json:"type"` // "text" | "image" | "file" | "tool-call" | "reasoning" | "redacted-reasoning"
	Text      string `bson:"text,omitempty" json:"text,omitempty"`
	ToolName  string `bson:"toolName,omitempty" json:"toolName,omitempty"`
	ToolInput any    `bson:"toolInput,omitempty" json:"toolInput,omitempty"`
	Data      []byte `bson:"data,omitempty" json:"data,omitempty"`
}

// IsUserContentValid reports whether a MessageRoleUser message carries
// string content rather than structured parts; other roles always pass.
func (m Message) IsUserContentValid() bool {
	if m.Role != MessageRoleUser {
		return true
	}
	return len(m.Parts) == 0
}

// EndpointUsage is a per-execution record of an endpoint call.
type EndpointUsage struct {
	ID              string    `bson:"_id" json:"id"`
	JobID           string    `bson:"jobId" json:"jobId"`
	EndpointID      string    `bson:"endpointId" json:"endpointId"`
	Timestamp       time.Time `bson:"timestamp" json:"timestamp"`
	RequestSize     int       `bson:"requestSize" json:"requestSize"`
	ResponseSize    int       `bson:"responseSize" json:"responseSize"`
	ExecutionTimeMs int64     `bson:"executionTimeMs" json:"executionTimeMs"`
	StatusCode      int       `bson:"statusCode" json:"statusCode"`
	Success         bool      `bson:"success" json:"success"`
	Truncated       bool      `bson:"truncated" json:"truncated"`
	ErrorMessage    string    `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
}

// ExecutionContext carries per-cycle execution metadata stamped onto a
// JobContext by the Job Pipeline before planning.
type ExecutionContext struct {
	CurrentTime time.Time   `json:"currentTime"`
	Environment Environment `json:"environment"`
	Cancelled   <-chan struct{} `json:"-"`
}

// JobContext is the value object assembled per cycle for the planner and
// scheduler.
type JobContext struct {
	Job               Job
	Endpoints         []Endpoint
	Messages          []Message
	EndpointUsage     []EndpointUsage
	ExecutionContext  ExecutionContext
}

// ExecutionStrategy selects how the Strategy Runner drives endpoint calls.
type ExecutionStrategy string

const (
	StrategySequential ExecutionStrategy = "sequential"
	StrategyParallel   ExecutionStrategy = "parallel"
	StrategyMixed      ExecutionStrategy = "mixed"
)

// PlannedEndpoint is one entry in an ExecutionPlan.
type PlannedEndpoint struct {
	EndpointID string            `json:"endpointId"`
	Parameters map[string]any    `json:"parameters,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Priority   int               `json:"priority"`
	DependsOn  []string          `json:"dependsOn,omitempty"`
	Critical   bool              `json:"critical"`
}

// ExecutionPlan is produced by the Plan Core.
type ExecutionPlan struct {
	EndpointsToCall       []PlannedEndpoint `json:"endpointsToCall"`
	Strategy              ExecutionStrategy `json:"executionStrategy"`
	ConcurrencyLimit      int               `json:"concurrencyLimit,omitempty"`
	PreliminaryNextRunAt  *time.Time        `json:"preliminaryNextRunAt,omitempty"`
	Reasoning             string            `json:"reasoning"`
	Confidence            float64           `json:"confidence"`
	Usage                 TokenUsage        `json:"usage,omitempty"`
}

// EndpointExecutionResult is the per-call outcome recorded by the Strategy
// Runner. Each endpoint in a plan appears in the result set at most once.
type EndpointExecutionResult struct {
	EndpointID      string    `json:"endpointId"`
	Success         bool      `json:"success"`
	StatusCode      int       `json:"statusCode"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	Timestamp       time.Time `json:"timestamp"`
	ResponseContent any       `json:"responseContent,omitempty"`
	Error           string    `json:"error,omitempty"`
	RequestSize     int       `json:"requestSize"`
	ResponseSize    int       `json:"responseSize"`
	Truncated       bool      `json:"truncated"`
	Attempts        int       `json:"attempts"`
	Aborted         bool      `json:"aborted"`
}

// EscalationLevel is the ratio-derived severity of a cycle's endpoint
// failures.
type EscalationLevel string

const (
	EscalationNone     EscalationLevel = "none"
	EscalationWarn     EscalationLevel = "warn"
	EscalationCritical EscalationLevel = "critical"
)

// RecoveryAction is the engine's response to an escalation.
type RecoveryAction string

const (
	RecoveryNone               RecoveryAction = "NONE"
	RecoveryBackoffOnly        RecoveryAction = "BACKOFF_ONLY"
	RecoveryReduceConcurrency  RecoveryAction = "REDUCE_CONCURRENCY"
	RecoveryDisableEndpoint    RecoveryAction = "DISABLE_ENDPOINT"
)

// ExecutionSummary is the per-cycle aggregate computed after execution.
type ExecutionSummary struct {
	StartTime        time.Time       `json:"startTime"`
	EndTime           time.Time       `json:"endTime"`
	TotalDurationMs   int64           `json:"totalDurationMs"`
	SuccessCount      int             `json:"successCount"`
	FailureCount      int             `json:"failureCount"`
	AbortedCount      int             `json:"abortedCount"`
	EscalationLevel   EscalationLevel `json:"escalationLevel"`
	RecoveryAction    RecoveryAction  `json:"recoveryAction"`
	DisabledEndpoints []string        `json:"disabledEndpoints,omitempty"`
}

// RecommendedActionType enumerates the kinds of follow-up actions a
// ScheduleDecision may recommend.
type RecommendedActionType string

const (
	ActionRetryFailedEndpoints RecommendedActionType = "retry_failed_endpoints"
	ActionPauseJob             RecommendedActionType = "pause_job"
	ActionModifyFrequency      RecommendedActionType = "modify_frequency"
	ActionNotifyUser           RecommendedActionType = "notify_user"
	ActionAdjustTimeout        RecommendedActionType = "adjust_timeout"
)

// RecommendedActionPriority is the urgency of a RecommendedAction.
type RecommendedActionPriority string

const (
	PriorityLow    RecommendedActionPriority = "low"
	PriorityMedium RecommendedActionPriority = "medium"
	PriorityHigh   RecommendedActionPriority = "high"
)

// RecommendedAction is one follow-up suggestion attached to a
// ScheduleDecision.
type RecommendedAction struct {
	Type     RecommendedActionType     `json:"type"`
	Details  string                    `json:"details"`
	Priority RecommendedActionPriority `json:"priority"`
}

// ScheduleDecision is produced by the Schedule Core.
type ScheduleDecision struct {
	NextRunAt          time.Time            `json:"nextRunAt"`
	Reasoning          string               `json:"reasoning"`
	Confidence         float64              `json:"confidence"`
	RecommendedActions []RecommendedAction  `json:"recommendedActions,omitempty"`
	Usage              TokenUsage           `json:"usage,omitempty"`
}

// PausesJob reports whether d explicitly recommends pausing the job, which
// is the one case where NextRunAt need not be strictly future.
func (d ScheduleDecision) PausesJob() bool {
	for _, a := range d.RecommendedActions {
		if a.Type == ActionPauseJob {
			return true
		}
	}
	return false
}

// EngineRunStatus is the process-wide status of the Cycle Runner.
type EngineRunStatus string

const (
	EngineStopped EngineRunStatus = "stopped"
	EngineRunning EngineRunStatus = "running"
	EnginePaused  EngineRunStatus = "paused"
	EngineError   EngineRunStatus = "error"
)

// EngineCounters tracks process-wide cumulative counts.
type EngineCounters struct {
	JobsProcessed  int64
	SuccessfulJobs int64
	FailedJobs     int64
	EndpointCalls  int64
	AgentCalls     int64
	TokenUsage     TokenUsage
}

// EndpointProgress is the transient per-endpoint progress recorded during a
// cycle.
type EndpointProgress struct {
	Status      string
	Attempts    int
	LastUpdated time.Time
}

// CycleProgress is the transient per-cycle progress recorded by the Cycle
// Runner.
type CycleProgress struct {
	Total          int
	Completed      int
	EndpointsByID  map[string]EndpointProgress
}

// ProcessingResult is returned by a single Cycle Runner invocation
// (processCycle) and printed by the `process` CLI command.
type ProcessingResult struct {
	JobsProcessed  int             `json:"jobsProcessed"`
	SuccessfulJobs int             `json:"successfulJobs"`
	FailedJobs     int             `json:"failedJobs"`
	DurationMs     int64           `json:"duration"`
	Errors         []ProcessingError `json:"errors"`
	EndpointCalls  int64           `json:"endpointCalls"`
	AgentCalls     int64           `json:"agentCalls"`
	TokenUsage     TokenUsage      `json:"tokenUsage"`
}

// JobRunStats summarizes one job's resource usage for a single pipeline
// pass, folded into ProcessingResult by the Cycle Runner and from there
// into EngineCounters.
type JobRunStats struct {
	EndpointCalls int64
	AgentCalls    int64
	TokenUsage    TokenUsage
}

// ProcessingError is one entry in ProcessingResult.Errors.
type ProcessingError struct {
	Message string `json:"message"`
	JobID   string `json:"jobId,omitempty"`
	Code    string `json:"code,omitempty"`
}
