package fetch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is an explicit retry schedule injected into each call site:
// exponential backoff capped by MaxInterval, abandoned once MaxElapsed of
// wall-clock time has been spent on a single logical request.
//
// A server-supplied rate-limit hint overrides the computed backoff interval
// for that attempt. Non-retryable errors stop the loop immediately.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxElapsed      time.Duration

	// Clock feeds the elapsed-budget bookkeeping. Nil means wall clock.
	Clock backoff.Clock
}

// DefaultRetryPolicy matches the upstream API's documented tolerance: retry
// for up to three minutes, starting at half a second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      2.0,
		MaxInterval:     30 * time.Second,
		MaxElapsed:      180 * time.Second,
	}
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	if p.Clock != nil {
		b.Clock = p.Clock
	}
	b.Reset()
	return b
}

// Do runs op until it succeeds, fails permanently, exhausts the elapsed
// budget, or ctx is cancelled. The last error is returned on giving up.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	bo := p.newBackOff()
	for {
		err := op()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if hint := retryAfterHint(err); hint > 0 {
			wait = hint
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
