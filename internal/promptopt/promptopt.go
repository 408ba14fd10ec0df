// Package promptopt trims a JobContext's message history and endpoint
// usage history to fit configured message/entry caps before it is composed
// into an LLM prompt.
package promptopt

import (
	"github.com/cronicorn/engine/internal/domain"
)

// Config controls trimming behavior.
type Config struct {
	Enabled                 bool
	MaxMessages             int
	MinRecentMessages       int
	MaxEndpointUsageEntries int
}

// Optimize returns a copy of ctx with Messages and EndpointUsage trimmed per
// cfg. The stored history (ctx as loaded from the database) is never
// mutated; only the copy handed to the prompt composer is reduced.
func Optimize(ctx domain.JobContext, cfg Config) domain.JobContext {
	if !cfg.Enabled {
		return ctx
	}
	ctx.Messages = trimMessages(ctx.Messages, cfg.MaxMessages, cfg.MinRecentMessages)
	ctx.EndpointUsage = trimUsage(ctx.EndpointUsage, cfg.MaxEndpointUsageEntries)
	return ctx
}

// trimMessages keeps every system message, plus at least minRecent of the
// most recent non-system messages, merged back into chronological order
// and capped at maxMessages total. System messages are never dropped, so
// when they alone exceed maxMessages the result holds all of them and no
// non-system message.
func trimMessages(msgs []domain.Message, maxMessages, minRecent int) []domain.Message {
	if maxMessages <= 0 {
		return msgs
	}

	var system []domain.Message
	var rest []domain.Message
	for _, m := range msgs {
		if m.Role == domain.MessageRoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	keep := minRecent
	if keep > len(rest) {
		keep = len(rest)
	}
	recent := rest[len(rest)-keep:]

	merged := mergeChronological(system, recent)
	if len(merged) <= maxMessages {
		return merged
	}

	// Still over budget: keep all system messages (never dropped) and trim
	// the non-system tail down to what remains of the budget.
	budgetForRest := maxMessages - len(system)
	if budgetForRest < 0 {
		budgetForRest = 0
	}
	if budgetForRest > len(recent) {
		budgetForRest = len(recent)
	}
	trimmedRecent := recent[len(recent)-budgetForRest:]
	return mergeChronological(system, trimmedRecent)
}

// mergeChronological merges two message slices, each already in ascending
// chronological order, preserving overall chronological order by comparing
// CreatedAt. When a system and a non-system message have the same
// CreatedAt, the non-system message comes first.
func mergeChronological(system, rest []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(system)+len(rest))
	si, ri := 0, 0
	for si < len(system) || ri < len(rest) {
		switch {
		case si >= len(system):
			out = append(out, rest[ri])
			ri++
		case ri >= len(rest):
			out = append(out, system[si])
			si++
		case system[si].CreatedAt.Before(rest[ri].CreatedAt):
			out = append(out, system[si])
			si++
		default:
			out = append(out, rest[ri])
			ri++
		}
	}
	return out
}

// trimUsage keeps the most recent maxEntries usage records (input order is
// assumed chronological, oldest first).
func trimUsage(usage []domain.EndpointUsage, maxEntries int) []domain.EndpointUsage {
	if maxEntries <= 0 || len(usage) <= maxEntries {
		return usage
	}
	return usage[len(usage)-maxEntries:]
}
