// Package retry implements the attempt loop's backoff policy: which HTTP
// statuses are retryable, and how long to wait between candidate backends.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy configures the attempt loop's retry behavior.
type Policy struct {
	Enabled      bool
	MaxAttempts  int
	StatusCodes  map[int]bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// NewPolicy builds a Policy from the configured retry status codes.
// MaxAttempts <= 0 is treated as 1.
func NewPolicy(enabled bool, maxAttempts int, statusCodes []int) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	codes := make(map[int]bool, len(statusCodes))
	for _, c := range statusCodes {
		codes[c] = true
	}
	return &Policy{
		Enabled:      enabled,
		MaxAttempts:  maxAttempts,
		StatusCodes:  codes,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryable reports whether status should advance to the next candidate,
// given that a further candidate exists.
func (p *Policy) Retryable(status int, hasNextCandidate bool) bool {
	if p == nil || !p.Enabled || !hasNextCandidate {
		return false
	}
	return p.StatusCodes[status]
}

// Delay computes the backoff delay before attempt N (1-indexed: attempt 1
// has no delay). Mirrors the exponential-backoff-with-jitter shape used
// throughout the pack's retry helpers.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-2))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(p.InitialDelay) {
		delay = float64(p.InitialDelay)
	}
	return time.Duration(delay)
}

// MaxCandidates returns min(MaxAttempts, available).
func (p *Policy) MaxCandidates(available int) int {
	if available <= 0 {
		return 0
	}
	if p == nil || p.MaxAttempts <= 0 || p.MaxAttempts > available {
		return available
	}
	return p.MaxAttempts
}
