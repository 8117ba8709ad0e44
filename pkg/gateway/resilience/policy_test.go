//
//  Copyright © Maatini. All rights reserved.
//

package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		Name:            "test",
		Timeout:         100 * time.Millisecond,
		Retries:         2,
		RetryDelay:      time.Millisecond,
		VolumeThreshold: 10,
		FailureRatio:    0.5,
		OpenDelay:       time.Second,
	}
}

func passthroughFallback(err error) (string, error) {
	return "fallback", nil
}

func TestExecuteSuccess(t *testing.T) {
	p := New[string](testOptions())

	out, err := p.Execute(context.Background(), func(ctx context.Context) (string, error) {
		return "ok", nil
	}, passthroughFallback)

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	p := New[string](testOptions())

	calls := 0
	out, err := p.Execute(context.Background(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, passthroughFallback)

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)
}

func TestExecuteExhaustedRetriesFallsBack(t *testing.T) {
	p := New[string](testOptions())

	calls := 0
	out, err := p.Execute(context.Background(), func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("down")
	}, passthroughFallback)

	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
	assert.Equal(t, 3, calls) // first attempt + 2 retries
}

func TestExecuteTimeoutPerAttempt(t *testing.T) {
	opts := testOptions()
	opts.Retries = 0
	opts.Timeout = 20 * time.Millisecond
	p := New[string](opts)

	start := time.Now()
	out, err := p.Execute(context.Background(), func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, passthroughFallback)

	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBreakerOpensAfterVolumeWindow(t *testing.T) {
	opts := testOptions()
	opts.Retries = 0
	p := New[string](opts)

	boom := func(ctx context.Context) (string, error) { return "", errors.New("down") }

	for i := 0; i < 10; i++ {
		_, _ = p.Execute(context.Background(), boom, passthroughFallback)
	}

	// The breaker is now open: fn must not run anymore.
	called := false
	var seen error
	out, err := p.Execute(context.Background(), func(ctx context.Context) (string, error) {
		called = true
		return "ok", nil
	}, func(e error) (string, error) {
		seen = e
		return "fallback", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
	assert.False(t, called)
	assert.ErrorIs(t, seen, ErrOpenState)
}

func TestCallerCancellationAbortsRetries(t *testing.T) {
	opts := testOptions()
	opts.Retries = 5
	opts.RetryDelay = 50 * time.Millisecond
	p := New[string](opts)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Execute(ctx, func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("down")
	}, func(e error) (string, error) { return "", e })

	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestFallbackReceivesTerminalError(t *testing.T) {
	opts := testOptions()
	opts.Retries = 0
	p := New[string](opts)

	terminal := errors.New("specific failure")
	var seen error
	_, _ = p.Execute(context.Background(), func(ctx context.Context) (string, error) {
		return "", terminal
	}, func(e error) (string, error) {
		seen = e
		return "", nil
	})

	assert.ErrorIs(t, seen, terminal)
}
