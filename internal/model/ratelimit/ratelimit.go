// Package ratelimit wraps a model.LanguageModel with an adaptive
// tokens-per-minute token bucket, scoped to a single process: one engine
// runs per database, so there is no second node to coordinate a shared
// budget with.
package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/cronicorn/engine/internal/model"
)

// Limiter applies an AIMD-style adaptive token bucket in front of a
// model.LanguageModel: each call waits for estimated-token capacity, then
// halves the effective budget on a rate-limit error and grows it back
// gradually on success.
type Limiter struct {
	next model.LanguageModel

	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// New wraps next with an adaptive limiter configured with an initial and
// maximum tokens-per-minute budget. A non-positive initialTPM defaults to a
// conservative 60000 TPM; a maxTPM below initialTPM is clamped up to it.
func New(next model.LanguageModel, initialTPM, maxTPM float64) *Limiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &Limiter{
		next:         next,
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Generate waits for estimated token capacity, delegates to the wrapped
// model, and adjusts the budget based on the outcome.
func (l *Limiter) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	tokens := estimateTokens(req)
	if burst := l.limiter.Burst(); tokens > burst {
		tokens = burst
	}
	if err := l.limiter.WaitN(ctx, tokens); err != nil {
		return model.Response{}, err
	}
	resp, err := l.next.Generate(ctx, req)
	l.observe(err)
	return resp, err
}

func (l *Limiter) observe(err error) {
	if err == nil {
		l.adjust(l.recoveryRate)
		return
	}
	if errors.Is(err, model.ErrRateLimited) {
		l.mu.Lock()
		halved := l.currentTPM*0.5 - l.currentTPM
		l.mu.Unlock()
		l.adjust(halved)
	}
}

// adjust applies delta to the current budget, clamped to [minTPM, maxTPM],
// and resizes the underlying limiter to match.
func (l *Limiter) adjust(delta float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	newTPM := l.currentTPM + delta
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// CurrentTPM returns the limiter's current effective tokens-per-minute
// budget, for status reporting.
func (l *Limiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// estimateTokens is a cheap heuristic over the prompt transcript: roughly
// one token per three characters plus a fixed buffer for framing overhead.
func estimateTokens(req model.Request) int {
	charCount := 0
	for _, m := range req.Messages {
		charCount += len(m.Content)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
