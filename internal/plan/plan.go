// Package plan implements the Plan Core: it turns a trimmed JobContext into
// an ExecutionPlan by composing a prompt, invoking a model.LanguageModel
// against the executionPlan schema, and semantically validating the
// result, with up to MaxRepairAttempts repair re-prompts on a malformed or
// invalid response.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
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

// Planner produces ExecutionPlans for a job.
type Planner struct {
	lm     model.LanguageModel
	schema *schema.Compiled
	cfg    Config
	events hooks.Bus
	log    telemetry.Logger
}

// New constructs a Planner. events and log may be nil; a nil Bus skips
// publication and a nil Logger skips logging.
func New(lm model.LanguageModel, sch *schema.Compiled, cfg Config, events hooks.Bus, log telemetry.Logger) *Planner {
	return &Planner{lm: lm, schema: sch, cfg: cfg, events: events, log: log}
}

// Plan generates an ExecutionPlan for jobCtx.
func (p *Planner) Plan(ctx context.Context, jobCtx domain.JobContext) (domain.ExecutionPlan, error) {
	optimized := promptopt.Optimize(jobCtx, p.cfg.PromptOpt)
	messages := composeMessages(optimized)

	attempt := 1
	maxAttempts := 1
	if p.cfg.RepairMalformedResponses && p.cfg.MaxRepairAttempts > 0 {
		maxAttempts += p.cfg.MaxRepairAttempts
	}

	var lastErr error
	var usage domain.TokenUsage
	for {
		temp := p.cfg.Temperature
		if attempt > 1 {
			temp = 0
		}
		resp, err := p.lm.Generate(ctx, model.Request{
			Messages:    messages,
			Schema:      schemaDoc(p.schema),
			SchemaName:  "executionPlan",
			Temperature: temp,
		})
		if err != nil {
			return domain.ExecutionPlan{}, engineerr.Wrap(engineerr.CategoryPlanError, "plan: model call failed", err)
		}
		usage = usage.Add(convertUsage(resp.Usage))

		out, perr := p.decodeAndValidate(ctx, jobCtx.Job.ID, optimized, resp.Raw, attempt)
		if perr == nil {
			out.Usage = usage
			if attempt > 1 {
				p.publish(ctx, hooks.RepairSuccessEvent{JobID: jobCtx.Job.ID, Stage: "plan", Attempt: attempt, Timestamp: now()})
			}
			return out, nil
		}
		lastErr = perr

		if attempt >= maxAttempts {
			p.publish(ctx, hooks.RepairFailureEvent{JobID: jobCtx.Job.ID, Stage: "plan", Attempt: attempt, Reason: perr.Error(), Timestamp: now()})
			return domain.ExecutionPlan{}, perr
		}

		attempt++
		messages = append(messages, model.Message{
			Role:    model.RoleUser,
			Content: rescuePrompt(lastErr),
		})
		p.publish(ctx, hooks.RepairAttemptEvent{JobID: jobCtx.Job.ID, Stage: "plan", Attempt: attempt, Timestamp: now()})
	}
}

// decodeAndValidate parses raw against the executionPlan schema, applies
// semantic checks, and returns the resulting plan or a categorized error.
func (p *Planner) decodeAndValidate(ctx context.Context, jobID string, jobCtx domain.JobContext, raw string, attempt int) (domain.ExecutionPlan, error) {
	if err := p.schema.ValidateJSON([]byte(raw)); err != nil {
		p.publish(ctx, hooks.MalformedEvent{JobID: jobID, Stage: "plan", Reason: err.Error(), Timestamp: now()})
		return domain.ExecutionPlan{}, engineerr.Wrap(engineerr.CategorySchemaParseError, "plan: schema validation failed", err)
	}

	var out domain.ExecutionPlan
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		p.publish(ctx, hooks.MalformedEvent{JobID: jobID, Stage: "plan", Reason: err.Error(), Timestamp: now()})
		return domain.ExecutionPlan{}, engineerr.Wrap(engineerr.CategorySchemaParseError, "plan: json decode failed", err)
	}

	if !p.cfg.ValidateSemantics {
		return out, nil
	}

	endpointIDs := make(map[string]bool, len(jobCtx.Endpoints))
	for _, e := range jobCtx.Endpoints {
		endpointIDs[e.ID] = true
	}

	violations, notes := semanticCheck(&out, endpointIDs, p.cfg.SemanticStrict)
	if len(violations) > 0 {
		if p.cfg.SemanticStrict {
			p.publish(ctx, hooks.MalformedEvent{JobID: jobID, Stage: "plan", Reason: violations[0], Timestamp: now()})
			return domain.ExecutionPlan{}, engineerr.New(engineerr.CategorySemanticViolation, violations[0])
		}
	}
	if len(notes) > 0 {
		out.Reasoning = appendNote(out.Reasoning, "[SemanticSalvage] "+joinNotes(notes))
	}
	return out, nil
}

// semanticCheck applies the planner-specific semantic rules. In strict
// mode it only reports violations; in salvage mode it mutates
// plan in place to correct them and returns human-readable notes instead.
func semanticCheck(p *domain.ExecutionPlan, endpointIDs map[string]bool, strict bool) (violations, notes []string) {
	if p.Strategy == domain.StrategyParallel && p.ConcurrencyLimit < 2 {
		if strict {
			violations = append(violations, "parallel strategy requires concurrencyLimit >= 2")
		} else {
			p.ConcurrencyLimit = 2
			notes = append(notes, "concurrencyLimit raised to 2 for parallel strategy")
		}
	}

	planned := make(map[string]bool, len(p.EndpointsToCall))
	for _, pe := range p.EndpointsToCall {
		planned[pe.EndpointID] = true
	}

	for i := range p.EndpointsToCall {
		pe := &p.EndpointsToCall[i]
		if !endpointIDs[pe.EndpointID] {
			if strict {
				violations = append(violations, fmt.Sprintf("endpoint %q is not a known endpoint for this job", pe.EndpointID))
				continue
			}
		}
		var kept []string
		for _, dep := range pe.DependsOn {
			if planned[dep] {
				kept = append(kept, dep)
			} else if strict {
				violations = append(violations, fmt.Sprintf("endpoint %q depends on unplanned endpoint %q", pe.EndpointID, dep))
			} else {
				notes = append(notes, fmt.Sprintf("dropped dangling dependency %q -> %q", pe.EndpointID, dep))
			}
		}
		pe.DependsOn = kept
	}

	if cyc := findCycleEdge(p.EndpointsToCall); cyc != "" {
		if strict {
			violations = append(violations, "dependency cycle detected: "+cyc)
		} else {
			breakCycle(p.EndpointsToCall)
			notes = append(notes, "dropped an edge to break dependency cycle: "+cyc)
		}
	}

	if p.PreliminaryNextRunAt != nil {
		if !p.PreliminaryNextRunAt.After(time.Now()) {
			if strict {
				violations = append(violations, "preliminaryNextRunAt must be in the future")
			} else {
				p.PreliminaryNextRunAt = nil
				notes = append(notes, "dropped non-future preliminaryNextRunAt")
			}
		}
	}

	return violations, notes
}

// findCycleEdge returns a description of one edge participating in a
// dependency cycle among endpoints, or "" if the graph is acyclic.
func findCycleEdge(endpoints []domain.PlannedEndpoint) string {
	deps := make(map[string][]string, len(endpoints))
	for _, pe := range endpoints {
		deps[pe.EndpointID] = pe.DependsOn
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(endpoints))
	var cycleDesc string
	var visit func(id, from string) bool
	visit = func(id, from string) bool {
		if color[id] == gray {
			cycleDesc = fmt.Sprintf("%s -> %s", from, id)
			return true
		}
		if color[id] == black {
			return false
		}
		color[id] = gray
		for _, dep := range deps[id] {
			if visit(dep, id) {
				return true
			}
		}
		color[id] = black
		return false
	}
	ids := make([]string, 0, len(endpoints))
	for _, pe := range endpoints {
		ids = append(ids, pe.EndpointID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if visit(id, id) {
				return cycleDesc
			}
		}
	}
	return ""
}

// breakCycle repeatedly drops the edge that findCycleEdge reports as closing
// a cycle until the graph is acyclic. Dependencies that lie on no cycle are
// kept.
func breakCycle(endpoints []domain.PlannedEndpoint) {
	for {
		edge := findCycleEdge(endpoints)
		if edge == "" {
			return
		}
		from, at := -1, -1
		for i := len(endpoints) - 1; i >= 0 && from < 0; i-- {
			for j := len(endpoints[i].DependsOn) - 1; j >= 0; j-- {
				if fmt.Sprintf("%s -> %s", endpoints[i].EndpointID, endpoints[i].DependsOn[j]) == edge {
					from, at = i, j
					break
				}
			}
		}
		if from < 0 {
			return
		}
		deps := endpoints[from].DependsOn
		endpoints[from].DependsOn = append(deps[:at:at], deps[at+1:]...)
	}
}

func composeMessages(jobCtx domain.JobContext) []model.Message {
	msgs := []model.Message{{Role: model.RoleSystem, Content: systemPrompt(jobCtx)}}
	for _, m := range jobCtx.Messages {
		msgs = append(msgs, model.Message{Role: convertRole(m.Role), Content: m.Content})
	}
	return msgs
}

func systemPrompt(jobCtx domain.JobContext) string {
	var b []byte
	b = append(b, "You are planning the next execution cycle for a scheduled job.\n"...)
	b = append(b, fmt.Sprintf("Job definition: %s\n", jobCtx.Job.Definition)...)
	b = append(b, "Available endpoints:\n"...)
	for _, e := range jobCtx.Endpoints {
		b = append(b, fmt.Sprintf("- %s (%s %s)\n", e.ID, e.Method, e.URL)...)
	}
	b = append(b, "Respond with an execution plan conforming to the required schema.\n"...)
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

func joinNotes(notes []string) string {
	out := notes[0]
	for _, n := range notes[1:] {
		out += "; " + n
	}
	return out
}

func (p *Planner) publish(ctx context.Context, ev hooks.Event) {
	if p.events == nil {
		return
	}
	p.events.Publish(ctx, ev)
}

// now is a seam so tests can stay deterministic if ever needed; production
// always uses the wall clock.
func now() time.Time { return time.Now() }
