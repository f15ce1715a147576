package skill

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/skillflow/model"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
	// BreakerHalfOpen allows probe requests through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// BreakerConfig holds circuit breaker thresholds. Zero values take defaults.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ErrorRateThreshold (0.0-1.0) trips on error rate; 0 disables.
	ErrorRateThreshold float64
	// ErrorRateWindow is the tumbling window for the error rate; 0 disables.
	ErrorRateWindow time.Duration
}

// CircuitBreaker implements Closed → Open → HalfOpen. It trips on either
// consecutive failure count or error rate within a tumbling window. It is safe
// for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	cfg       BreakerConfig
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int

	now      func() time.Time
	onChange func(BreakerState)
}

// NewCircuitBreaker creates a circuit breaker with the given thresholds.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cb := &CircuitBreaker{
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
	cb.windowStart = cb.now()
	return cb
}

// OnStateChange registers a callback invoked, with the lock held, whenever the
// breaker changes state. It must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(BreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

func (cb *CircuitBreaker) setState(s BreakerState) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.onChange != nil {
		cb.onChange(s)
	}
}

// Allow returns nil if a call may proceed, or ErrBreakerOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen {
		if cb.now().Sub(cb.openedAt) <= cb.cfg.Timeout {
			return ErrBreakerOpen
		}
		cb.successes = 0
		cb.setState(BreakerHalfOpen)
	}
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.recordWindowCall(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.resetWindow()
			cb.setState(BreakerClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.recordWindowCall(true)
		if cb.failures >= cb.cfg.FailureThreshold || cb.errorRateExceeded() {
			cb.openedAt = cb.now()
			cb.resetWindow()
			cb.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		// Any failure while probing reopens.
		cb.openedAt = cb.now()
		cb.successes = 0
		cb.setState(BreakerOpen)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.cfg.Timeout {
		cb.successes = 0
		cb.setState(BreakerHalfOpen)
	}
	return cb.state
}

// Counts returns the current failure and success counts.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.successes
}

// ErrorRate returns the current error rate and total calls in the window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetWindow()
	if cb.windowTotal == 0 {
		return 0, 0
	}
	return float64(cb.windowFailures) / float64(cb.windowTotal), cb.windowTotal
}

// recordWindowCall must be called with the lock held.
func (cb *CircuitBreaker) recordWindowCall(isFailure bool) {
	if cb.cfg.ErrorRateWindow <= 0 {
		return
	}
	cb.maybeResetWindow()
	cb.windowTotal++
	if isFailure {
		cb.windowFailures++
	}
}

// maybeResetWindow must be called with the lock held.
func (cb *CircuitBreaker) maybeResetWindow() {
	if cb.cfg.ErrorRateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.cfg.ErrorRateWindow {
		cb.resetWindow()
	}
}

// resetWindow must be called with the lock held.
func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = cb.now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

// errorRateExceeded must be called with the lock held.
func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.cfg.ErrorRateThreshold <= 0 || cb.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	rate := float64(cb.windowFailures) / float64(cb.windowTotal)
	return rate >= cb.cfg.ErrorRateThreshold
}

// BreakerResolver guards another Resolver with one circuit breaker per skill.
// Calls rejected by an open breaker fail with SKILL_UNAVAILABLE. Failures
// caused by the caller's context ending are not counted.
type BreakerResolver struct {
	inner    Resolver
	cfg      BreakerConfig
	onChange func(skillID string, s BreakerState)

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerResolver wraps inner. onChange may be nil.
func NewBreakerResolver(inner Resolver, cfg BreakerConfig, onChange func(skillID string, s BreakerState)) *BreakerResolver {
	return &BreakerResolver{
		inner:    inner,
		cfg:      cfg,
		onChange: onChange,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Supports delegates to the wrapped resolver.
func (b *BreakerResolver) Supports(skillID string) bool {
	return b.inner.Supports(skillID)
}

// Breaker returns the breaker for skillID, creating it on first use.
func (b *BreakerResolver) Breaker(skillID string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[skillID]
	if !ok {
		cb = NewCircuitBreaker(b.cfg)
		if b.onChange != nil {
			notify := b.onChange
			cb.OnStateChange(func(s BreakerState) { notify(skillID, s) })
		}
		b.breakers[skillID] = cb
	}
	return cb
}

// Invoke runs the skill if its breaker allows it.
func (b *BreakerResolver) Invoke(ctx context.Context, req model.SkillRequest) (model.SkillResult, error) {
	cb := b.Breaker(req.SkillID)
	if err := cb.Allow(); err != nil {
		return model.SkillResult{}, model.NewSkillUnavailableError()
	}

	res, err := b.inner.Invoke(ctx, req)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case ctx.Err() != nil:
	default:
		cb.RecordFailure()
	}
	return res, err
}
