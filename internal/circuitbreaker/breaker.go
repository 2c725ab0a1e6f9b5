// Package circuitbreaker implements a per-backend closed/open/half-open
// breaker that trips on upstream failures while never counting invalid
// requests or guardrail-style client errors against the backend.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/internal/gwerr"
)

// State is the breaker's current admission mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a single breaker's trip/recovery thresholds.
type Config struct {
	// Threshold is the consecutive-failure count that trips the breaker.
	Threshold int

	// Timeout bounds a single guarded call.
	Timeout time.Duration

	// ResetTimeout is how long the breaker stays Open before allowing a
	// probing call in HalfOpen.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls is the number of concurrent probing calls allowed
	// while HalfOpen. The gateway default is 1: exactly one probe
	// decides whether the breaker closes or re-opens.
	HalfOpenMaxCalls int

	OnStateChange func(from, to State)
}

func DefaultConfig() *Config {
	return &Config{
		Threshold:        5,
		Timeout:          30 * time.Second,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker guards calls to a single backend. Call/CallWithResult
// wrap a closure; Allow/Record expose the same state machine to callers
// that need to separate admission from outcome, like the proxy's attempt
// loop where the "call" spans an entire streamed response.
type CircuitBreaker interface {
	Call(ctx context.Context, fn func() error) error
	CallWithResult(ctx context.Context, fn func() (any, error)) (any, error)
	// Allow admits or rejects a call now, transitioning Open to HalfOpen
	// once the reset timeout has elapsed.
	Allow() error
	// Record reports the outcome of a call admitted by Allow.
	Record(success bool)
	// Available is a non-mutating routing check: it reports whether a
	// call issued now would plausibly be admitted.
	Available() bool
	State() State
	Reset()
}

type breaker struct {
	name   string
	config *Config
	logger *zap.Logger

	mu                sync.RWMutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCallCount int
}

// New creates a breaker for one named backend.
func New(name string, config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &breaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

func (b *breaker) Call(ctx context.Context, fn func() error) error {
	_, err := b.CallWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

func (b *breaker) CallWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	resultCh := make(chan callResult, 1)
	go func() {
		result, err := fn()
		resultCh <- callResult{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		err := fmt.Errorf("backend %q call timed out: %w", b.name, callCtx.Err())
		b.afterCall(false)
		return nil, err

	case res := <-resultCh:
		success := res.err == nil || !isBreakerFailure(res.err)
		b.afterCall(success)
		if !success {
			return nil, res.err
		}
		return res.result, nil
	}
}

type callResult struct {
	result any
	err    error
}

// isBreakerFailure reports whether err should count against the breaker.
// Client-caused errors (invalid request, guardrail rejection, unauthenticated)
// never trip a backend's breaker; only backend/transport failures do.
func isBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if ge, ok := gwerr.As(err); ok {
		switch ge.Code {
		case gwerr.CodeBackendError, gwerr.CodeBackendRateLimited:
			return true
		default:
			return false
		}
	}
	// An unclassified error reaching the breaker is treated as a transport
	// failure (e.g. dial/timeout errors from the HTTP client).
	return true
}

func (b *breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			// the call admitted by this transition is the first probe
			b.halfOpenCallCount = 1
			b.logger.Info("breaker entering half-open", zap.String("backend", b.name))
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if b.halfOpenCallCount >= b.config.HalfOpenMaxCalls {
			return ErrTooManyCallsInHalfOpen
		}
		b.halfOpenCallCount++
		return nil

	default:
		return fmt.Errorf("unknown breaker state: %v", b.state)
	}
}

func (b *breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.logger.Info("breaker closing after successful probe", zap.String("backend", b.name))
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCallCount = 0

	case StateOpen:
		b.logger.Warn("success observed while breaker open", zap.String("backend", b.name))
	}
}

func (b *breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("breaker opening",
				zap.String("backend", b.name),
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold))
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		b.logger.Warn("probe failed, reopening breaker", zap.String("backend", b.name))
		b.setState(StateOpen)
		b.halfOpenCallCount = 0

	case StateOpen:
		b.logger.Warn("failure observed while breaker open", zap.String("backend", b.name))
	}
}

func (b *breaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}

func (b *breaker) Allow() error { return b.beforeCall() }

func (b *breaker) Record(success bool) { b.afterCall(success) }

func (b *breaker) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return time.Since(b.lastFailureTime) > b.config.ResetTimeout
	case StateHalfOpen:
		return b.halfOpenCallCount < b.config.HalfOpenMaxCalls
	default:
		return true
	}
}

func (b *breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCallCount = 0

	b.logger.Info("breaker reset", zap.String("backend", b.name), zap.String("from_state", oldState.String()))

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}

var (
	ErrCircuitOpen            = errors.New("circuit breaker open")
	ErrTooManyCallsInHalfOpen = errors.New("too many concurrent calls while half-open")
)
