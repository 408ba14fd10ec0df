// Package retrypolicy classifies endpoint errors and decides whether an
// attempt should be retried, failed, or escalated, and computes the backoff
// delay between attempts.
package retrypolicy

import "time"

// Category classifies an endpoint error for retry purposes.
type Category string

const (
	CategoryTimeout Category = "timeout"
	CategoryNetwork Category = "network"
	CategoryHTTP4xx Category = "http_4xx"
	CategoryHTTP5xx Category = "http_5xx"
	CategoryAborted Category = "aborted"
	CategoryUnknown Category = "unknown"
)

// Decision is the outcome of evaluating one attempt.
type Decision string

const (
	DecisionRetry    Decision = "retry"
	DecisionFail     Decision = "fail"
	DecisionEscalate Decision = "escalate"
)

// Attempt describes one endpoint call outcome for policy evaluation.
type Attempt struct {
	AttemptNumber            int // 1-based
	MaxAttempts              int
	Category                 Category
	Transient                bool
	StatusCode               int
	ErrorMessage             string
	WarnThresholdAttempt     int // 0 means unset
	CriticalThresholdAttempt int // 0 means unset
}

// retryableStatus reports whether a 4xx status is retryable (408, 429);
// all other 4xx statuses are not.
func retryableStatus(code int) bool {
	return code == 408 || code == 429
}

// isTransientCategory reports whether a category is inherently transient
// (timeout, network, http_5xx), independent of status-code exceptions.
func isTransientCategory(cat Category) bool {
	switch cat {
	case CategoryTimeout, CategoryNetwork, CategoryHTTP5xx:
		return true
	default:
		return false
	}
}

// Decide applies the retry policy rules in order:
//  1. aborted -> fail
//  2. http_4xx not in {408,429} -> fail
//  3. attempt >= criticalThresholdAttempt on a transient category -> escalate
//  4. attempt >= maxAttempts -> fail
//  5. transient (timeout|network|http_5xx|408|429) -> retry; else fail
func Decide(a Attempt) Decision {
	if a.Category == CategoryAborted {
		return DecisionFail
	}
	if a.Category == CategoryHTTP4xx && !retryableStatus(a.StatusCode) {
		return DecisionFail
	}
	transient := isTransientCategory(a.Category) || (a.Category == CategoryHTTP4xx && retryableStatus(a.StatusCode))
	if a.CriticalThresholdAttempt > 0 && a.AttemptNumber >= a.CriticalThresholdAttempt && transient {
		return DecisionEscalate
	}
	if a.MaxAttempts > 0 && a.AttemptNumber >= a.MaxAttempts {
		return DecisionFail
	}
	if transient {
		return DecisionRetry
	}
	return DecisionFail
}

// Backoff computes the delay before the next attempt:
// base 250ms*attempt, exponential min(5000, 500*2^(attempt-1)) for status
// 429, doubled at the warn threshold, doubled again at the critical
// threshold.
func Backoff(a Attempt) time.Duration {
	var delay time.Duration
	if a.Category == CategoryHTTP4xx && a.StatusCode == 429 {
		ms := 500.0
		for i := 1; i < a.AttemptNumber; i++ {
			ms *= 2
		}
		if ms > 5000 {
			ms = 5000
		}
		delay = time.Duration(ms) * time.Millisecond
	} else {
		delay = time.Duration(250*a.AttemptNumber) * time.Millisecond
	}
	if a.CriticalThresholdAttempt > 0 && a.AttemptNumber >= a.CriticalThresholdAttempt {
		delay *= 4
	} else if a.WarnThresholdAttempt > 0 && a.AttemptNumber >= a.WarnThresholdAttempt {
		delay *= 2
	}
	return delay
}

// MaxPossibleAttempts returns the upper bound on attempts a single endpoint
// call can make under this policy: min(maxAttempts, criticalThresholdAttempt)
// when a critical threshold is configured, else maxAttempts.
func MaxPossibleAttempts(maxAttempts, criticalThresholdAttempt int) int {
	if criticalThresholdAttempt > 0 && criticalThresholdAttempt < maxAttempts {
		return criticalThresholdAttempt
	}
	return maxAttempts
}
