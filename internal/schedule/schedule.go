// Package schedule implements the Schedule Core: it turns a cycle's
// ExecutionSummary and JobContext into a ScheduleDecision by composing a
// prompt, invoking a model.LanguageModel against the scheduleDecision
// schema, and semantically validating the result. It mirrors
// internal/plan's generate-validate-repair loop, narrowed to the
// scheduler's own semantic rules.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cronicorn/engine/internal/domain"
	"github.com/cronicorn/engine/internal/engineerr"
	"github.com/cronicorn/engine/internal/hooks"
	"github.com/cronicorn/engine/internal/model"
	"github.com/cronicorn/engine/internal/promptopt"
	"github.com/cronicorn/engine/internal/schema"
	"github.com/cronicorn/engine/internal/telemetry"
)

// Config controls prompt composition, validation strictness, and repair
// behavior.
type Config struct {
	Temperature              float64
	ValidateSemantics        bool
	SemanticStrict           bool
	RepairMalformedResponses bool
	MaxRepairAttempts        int
	PromptOpt                promptopt.Config
}

// Scheduler produces ScheduleDecisions for a job.
type Scheduler struct {
	lm     model.LanguageModel
	schema *schema.Compiled
	cfg    Config
	events hooks.Bus
	log    telemetry.Logger
}

// New constructs a Scheduler. events and log may be nil.
func New(lm model.LanguageModel, sch *schema.Compiled, cfg Config, events hooks.Bus, log telemetry.Logger) *Scheduler {
	return &Scheduler{lm: lm, schema: sch, cfg: cfg, events: events, log: log}
}

// Schedule generates a ScheduleDecision for jobCtx given the cycle's
// ExecutionSummary.
func (s *Scheduler) Schedule(ctx context.Context, jobCtx domain.JobContext, summary domain.ExecutionSummary, results []domain.EndpointExecutionResult) (domain.ScheduleDecision, error) {
	optimized := promptopt.Optimize(jobCtx, s.cfg.PromptOpt)
	messages := composeMessages(optimized, summary, results)

	attempt := 1
	maxAttempts := 1
	if s.cfg.RepairMalformedResponses && s.cfg.MaxRepairAttempts > 0 {
		maxAttempts += s.cfg.MaxRepairAttempts
	}

	var lastErr error
	var usage domain.TokenUsage
	for {
		temp := s.cfg.Temperature
		if attempt > 1 {
			temp = 0
		}
		resp, err := s.lm.Generate(ctx, model.Request{
			Messages:    messages,
			Schema:      schemaDoc(s.schema),
			SchemaName:  "scheduleDecision",
			Temperature: temp,
		})
		if err != nil {
			return domain.ScheduleDecision{}, engineerr.Wrap(engineerr.CategoryScheduleError, "schedule: model call failed", err)
		}
		usage = usage.Add(convertUsage(resp.Usage))

		out, serr := s.decodeAndValidate(ctx, jobCtx.Job.ID, resp.Raw)
		if serr == nil {
			out.Usage = usage
			if attempt > 1 {
				s.publish(ctx, hooks.RepairSuccessEvent{JobID: jobCtx.Job.ID, Stage: "schedule", Attempt: attempt, Timestamp: now()})
			}
			return out, nil
		}
		lastErr = serr

		if attempt >= maxAttempts {
			s.publish(ctx, hooks.RepairFailureEvent{JobID: jobCtx.Job.ID, Stage: "schedule", Attempt: attempt, Reason: serr.Error(), Timestamp: now()})
			return domain.ScheduleDecision{}, serr
		}

		attempt++
		messages = append(messages, model.Message{Role: model.RoleUser, Content: rescuePrompt(lastErr)})
		s.publish(ctx, hooks.RepairAttemptEvent{JobID: jobCtx.Job.ID, Stage: "schedule", Attempt: attempt, Timestamp: now()})
	}
}

func (s *Scheduler) decodeAndValidate(ctx context.Context, jobID, raw string) (domain.ScheduleDecision, error) {
	if err := s.schema.ValidateJSON([]byte(raw)); err != nil {
		s.publish(ctx, hooks.MalformedEvent{JobID: jobID, Stage: "schedule", Reason: err.Error(), Timestamp: now()})
		return domain.ScheduleDecision{}, engineerr.Wrap(engineerr.CategorySchemaParseError, "schedule: schema validation failed", err)
	}

	var out domain.ScheduleDecision
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.publish(ctx, hooks.MalformedEvent{JobID: jobID, Stage: "schedule", Reason: err.Error(), Timestamp: now()})
		return domain.ScheduleDecision{}, engineerr.Wrap(engineerr.CategorySchemaParseError, "schedule: json decode failed", err)
	}

	if !s.cfg.ValidateSemantics {
		return out, nil
	}

	if violation, salvaged := semanticCheck(&out, s.cfg.SemanticStrict); violation != "" {
		if s.cfg.SemanticStrict {
			s.publish(ctx, hooks.MalformedEvent{JobID: jobID, Stage: "schedule", Reason: violation, Timestamp: now()})
			return domain.ScheduleDecision{}, engineerr.New(engineerr.CategorySemanticViolation, violation)
		}
		out.Reasoning = appendNote(out.Reasoning, "[SemanticSalvage] "+salvaged)
	}
	return out, nil
}

// semanticCheck enforces the scheduler's one semantic rule: NextRunAt must
// be strictly future, unless the decision pauses the job. In strict mode a
// violation is reported; in salvage mode NextRunAt is bumped to now+60s
// and a note is returned describing the fix.
func semanticCheck(d *domain.ScheduleDecision, strict bool) (violation, salvaged string) {
	if d.PausesJob() {
		return "", ""
	}
	if d.NextRunAt.After(time.Now()) {
		return "", ""
	}
	if strict {
		return "nextRunAt must be strictly in the future", ""
	}
	d.NextRunAt = time.Now().Add(60 * time.Second)
	return "", "nextRunAt was not in the future; set to now+60s"
}

func composeMessages(jobCtx domain.JobContext, summary domain.ExecutionSummary, results []domain.EndpointExecutionResult) []model.Message {
	msgs := []model.Message{{Role: model.RoleSystem, Content: systemPrompt(jobCtx, summary, results)}}
	for _, m := range jobCtx.Messages {
		msgs = append(msgs, model.Message{Role: convertRole(m.Role), Content: m.Content})
	}
	return msgs
}

func systemPrompt(jobCtx domain.JobContext, summary domain.ExecutionSummary, results []domain.EndpointExecutionResult) string {
	var b []byte
	b = append(b, "You are deciding the next run time for a scheduled job based on this cycle's execution.\n"...)
	b = append(b, fmt.Sprintf("Job definition: %s\n", jobCtx.Job.Definition)...)
	b = append(b, fmt.Sprintf("Cycle summary: %d succeeded, %d failed, %d aborted, escalation=%s\n",
		summary.SuccessCount, summary.FailureCount, summary.AbortedCount, summary.EscalationLevel)...)
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "failed: " + r.Error
		}
		b = append(b, fmt.Sprintf("- %s: %s\n", r.EndpointID, status)...)
	}
	b = append(b, "Respond with a schedule decision conforming to the required schema.\n"...)
	return string(b)
}

func rescuePrompt(prevErr error) string {
	return fmt.Sprintf("Your previous response was invalid: %v\nRespond again with a corrected result conforming exactly to the required schema.", prevErr)
}

func convertRole(r domain.MessageRole) model.Role {
	switch r {
	case domain.MessageRoleSystem:
		return model.RoleSystem
	case domain.MessageRoleAssistant:
		return model.RoleAssistant
	default:
		return model.RoleUser
	}
}

func convertUsage(u model.TokenUsage) domain.TokenUsage {
	return domain.TokenUsage{
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		TotalTokens:       u.TotalTokens,
		ReasoningTokens:   u.ReasoningTokens,
		CachedInputTokens: u.CachedInputTokens,
	}
}

func schemaDoc(c *schema.Compiled) any {
	if c == nil {
		return nil
	}
	return c.Doc()
}

func appendNote(reasoning, note string) string {
	if reasoning == "" {
		return note
	}
	return reasoning + " " + note
}

func (s *Scheduler) publish(ctx context.Context, ev hooks.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, ev)
}

func now() time.Time { return time.Now() }
