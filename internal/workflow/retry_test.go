package workflow

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pitabwire/skillflow/internal/config"
	"github.com/pitabwire/skillflow/model"
)

func delays(b backoff.BackOff, n int) []time.Duration {
	var out []time.Duration
	for range n {
		out = append(out, b.NextBackOff())
	}
	return out
}

func TestNewBackOff_linear(t *testing.T) {
	b := newBackOff(model.RetryPolicy{
		MaxAttempts:    5,
		Backoff:        model.BackoffLinear,
		InitialDelayMS: 100,
		MaxDelayMS:     250,
	})

	got := delays(b, 5)
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond, backoff.Stop}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNewBackOff_fixed(t *testing.T) {
	b := newBackOff(model.RetryPolicy{MaxAttempts: 3, Backoff: model.BackoffFixed, InitialDelayMS: 50})

	got := delays(b, 3)
	if got[0] != 50*time.Millisecond || got[1] != 50*time.Millisecond {
		t.Errorf("delays = %v, want 50ms twice", got)
	}
	if got[2] != backoff.Stop {
		t.Errorf("third delay = %v, want Stop", got[2])
	}
}

func TestNewBackOff_singleAttemptNeverRetries(t *testing.T) {
	for _, p := range []model.RetryPolicy{{}, {MaxAttempts: 1, Backoff: model.BackoffExponential}} {
		if d := newBackOff(p).NextBackOff(); d != backoff.Stop {
			t.Errorf("policy %+v: first delay = %v, want Stop", p, d)
		}
	}
}

func TestNewBackOff_exponentialCapped(t *testing.T) {
	b := newBackOff(model.RetryPolicy{
		MaxAttempts:    10,
		Backoff:        model.BackoffExponential,
		InitialDelayMS: 100,
		MaxDelayMS:     400,
	})

	// Jitter spreads each interval by up to half of it.
	for i, d := range delays(b, 9) {
		if d <= 0 || d > 600*time.Millisecond {
			t.Errorf("delay[%d] = %v, want within (0, 600ms]", i, d)
		}
	}
	if d := b.NextBackOff(); d != backoff.Stop {
		t.Errorf("delay after max attempts = %v, want Stop", d)
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicyFromConfig(config.RetryConfig{
		MaxAttempts:    3,
		BackoffInitial: 2 * time.Second,
		BackoffMax:     time.Minute,
	})
	if p.MaxAttempts != 3 || p.Backoff != model.BackoffExponential {
		t.Errorf("policy = %+v", p)
	}
	if p.InitialDelayMS != 2000 || p.MaxDelayMS != 60000 {
		t.Errorf("delays = %d/%d ms", p.InitialDelayMS, p.MaxDelayMS)
	}

	if p := RetryPolicyFromConfig(config.RetryConfig{}); p.MaxAttempts != 1 {
		t.Errorf("zero config MaxAttempts = %d, want 1", p.MaxAttempts)
	}
}
