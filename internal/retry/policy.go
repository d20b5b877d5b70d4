package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"retry-proxy-go/internal/config"
)

// Policy describes the exponential delay schedule between attempts.
//
// The n-th delay is InitialInterval * Multiplier^(n-1), capped at MaxInterval,
// then scaled by a random factor in [1-RandomizationFactor, 1+RandomizationFactor].
// With RandomizationFactor <= (Multiplier-1)/(Multiplier+1) no sampled delay
// is shorter than the one before it while the schedule grows. Once it reaches
// MaxInterval, each delay is held at or above the previous one.
type Policy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultPolicy starts at one second and doubles, with 25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:     time.Second,
		MaxInterval:         10 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.25,
	}
}

// PolicyFromConfig converts validated retry settings into a Policy.
func PolicyFromConfig(rc *config.RetryConfig) Policy {
	return Policy{
		InitialInterval:     rc.InitialInterval(),
		MaxInterval:         rc.MaxInterval(),
		Multiplier:          rc.Multiplier,
		RandomizationFactor: rc.RandomizationFactor,
	}
}

// NewBackOff returns a fresh schedule following p.
func (p Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.Reset()
	return &nonDecreasing{inner: b}
}

type nonDecreasing struct {
	inner backoff.BackOff
	last  time.Duration
}

func (n *nonDecreasing) NextBackOff() time.Duration {
	d := n.inner.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if d < n.last {
		d = n.last
	}
	n.last = d
	return d
}

func (n *nonDecreasing) Reset() {
	n.inner.Reset()
	n.last = 0
}
