// Package retry wraps external calls with bounded
// exponential-backoff-with-jitter retries, built on cenkalti/backoff.
//
// Only classified-retryable failures are retried (HTTP 429 and 5xx by
// default); everything else propagates unchanged on the first attempt.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/toolforge/toolforge/engine/pkg/contracts"
)

// Policy configures one retry wrapper. The zero value is not usable; use
// DefaultPolicy or fill all fields.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64

	// IsRetryable classifies failures. Nil means contracts.IsRetryable.
	IsRetryable func(error) bool
}

// DefaultPolicy matches the engine's standard capability-call behavior.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// jitterFraction bounds the additive random jitter on each delay.
const jitterFraction = 0.1

// additiveJitter adds up to jitterFraction of each computed delay on top of
// it, so the exponential base is a floor, never a midpoint: every delay is
// in [base, base*1.1].
type additiveJitter struct {
	backoff.BackOff
}

func (j *additiveJitter) NextBackOff() time.Duration {
	d := j.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	return d + time.Duration(rand.Float64()*jitterFraction*float64(d))
}

// Do invokes fn until it succeeds, fails fatally, or the retry budget is
// exhausted. Delays follow InitialDelay * BackoffFactor^(attempt-1) plus up
// to 10% random jitter; the exponential base is a strict lower bound. After
// exhaustion the original error propagates.
func Do[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	classify := p.IsRetryable
	if classify == nil {
		classify = contracts.IsRetryable
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.BackoffFactor
	b.RandomizationFactor = 0 // jitter is additive, applied below
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0 // MaxRetries bounds the attempt count
	b.Reset()

	wrapped := func() (T, error) {
		v, err := fn()
		if err != nil && !classify(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.RetryWithData(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(&additiveJitter{BackOff: b}, uint64(p.MaxRetries)), ctx))
}
