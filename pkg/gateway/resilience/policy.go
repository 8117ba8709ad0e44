//
//  Copyright © Maatini. All rights reserved.
//

// Package resilience provides a single combinator that wraps an outbound
// call with a per-attempt timeout, fixed-delay retry, a circuit breaker
// and a fallback. The same wrapper guards both the roles-service call and
// the policy-decision call so fault-tolerance semantics stay uniform.
package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/maatini/authgate/internal/logging"
)

var logger = logging.GetLogger("resilience")

// Options configures one guarded call site.
type Options struct {
	// Name identifies the call site in logs and breaker state changes.
	Name string
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first.
	Retries int
	// RetryDelay is the fixed delay between attempts.
	RetryDelay time.Duration
	// VolumeThreshold is the minimum number of observed requests before
	// the breaker may trip.
	VolumeThreshold uint32
	// FailureRatio trips the breaker once reached within a volume window.
	FailureRatio float64
	// OpenDelay is how long the breaker stays open before probing again.
	OpenDelay time.Duration
}

// Policy guards calls returning T.
type Policy[T any] struct {
	opts    Options
	breaker *gobreaker.CircuitBreaker[T]
}

// New creates a Policy from the given options.
func New[T any](opts Options) *Policy[T] {
	settings := gobreaker.Settings{
		Name:     opts.Name,
		Interval: opts.OpenDelay,
		Timeout:  opts.OpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < opts.VolumeThreshold {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= opts.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("breaker %s: %s -> %s", name, from, to)
		},
	}

	return &Policy[T]{
		opts:    opts,
		breaker: gobreaker.NewCircuitBreaker[T](settings),
	}
}

// Execute runs fn under the policy: each attempt gets its own timeout
// derived from ctx, failed attempts are retried after the configured
// delay, and the sequence as a whole counts as one breaker request. The
// fallback receives the terminal error (including ErrOpenState) and
// produces the degraded result; it is invoked for every failure path so
// callers never observe an error unless the fallback itself returns one.
func (p *Policy[T]) Execute(ctx context.Context, fn func(context.Context) (T, error), fallback func(error) (T, error)) (T, error) {
	result, err := p.breaker.Execute(func() (T, error) {
		return p.attempt(ctx, fn)
	})
	if err != nil {
		logger.Warnf("%s: falling back: %v", p.opts.Name, err)
		return fallback(err)
	}
	return result, nil
}

func (p *Policy[T]) attempt(ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var result T
	var err error

	for i := 0; i <= p.opts.Retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(p.opts.RetryDelay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		result, err = fn(attemptCtx)
		cancel()
		if err == nil {
			return result, nil
		}

		// The caller disconnecting aborts the whole sequence.
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}

	return result, err
}

// ErrOpenState is re-exported so callers can distinguish a fast-failing
// breaker from an exhausted retry sequence.
var ErrOpenState = gobreaker.ErrOpenState
