package workflow

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pitabwire/skillflow/internal/config"
	"github.com/pitabwire/skillflow/model"
)

const (
	defaultRetryDelay    = 500 * time.Millisecond
	defaultRetryMaxDelay = 30 * time.Second
)

// newBackOff builds the delay schedule for policy. The returned BackOff stops
// after MaxAttempts-1 retries.
func newBackOff(policy model.RetryPolicy) backoff.BackOff {
	initial := time.Duration(policy.InitialDelayMS) * time.Millisecond
	if initial <= 0 {
		initial = defaultRetryDelay
	}
	maxDelay := time.Duration(policy.MaxDelayMS) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	maxDelay = max(maxDelay, initial)

	var b backoff.BackOff
	switch policy.Backoff {
	case model.BackoffExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = initial
		eb.MaxInterval = maxDelay
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	case model.BackoffLinear:
		b = &linearBackOff{step: initial, max: maxDelay}
	default:
		b = backoff.NewConstantBackOff(initial)
	}

	retries := max(policy.MaxAttempts, 1) - 1
	return backoff.WithMaxRetries(b, uint64(retries))
}

// linearBackOff waits step, 2*step, 3*step, ... capped at max.
type linearBackOff struct {
	step time.Duration
	max  time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return min(time.Duration(b.n)*b.step, b.max)
}

func (b *linearBackOff) Reset() { b.n = 0 }

// RetryPolicyFromConfig converts the engine-wide retry settings into the
// policy applied to steps that declare none.
func RetryPolicyFromConfig(cfg config.RetryConfig) model.RetryPolicy {
	return model.RetryPolicy{
		MaxAttempts:    max(cfg.MaxAttempts, 1),
		Backoff:        model.BackoffExponential,
		InitialDelayMS: int(cfg.BackoffInitial / time.Millisecond),
		MaxDelayMS:     int(cfg.BackoffMax / time.Millisecond),
	}
}
