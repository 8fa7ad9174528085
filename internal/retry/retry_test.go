package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagrab/internal/failure"
	xlog "mediagrab/internal/log"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	var delays []time.Duration
	p := DefaultPolicy()
	p.Sleep = noSleep(&delays)

	calls := 0
	got, err := Do(context.Background(), p, xlog.Nop(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", failure.Wrap(failure.UpstreamUnavailable, errors.New("connection reset"), "")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, delays)
}

func TestDoStopsOnTerminalFailure(t *testing.T) {
	var delays []time.Duration
	p := DefaultPolicy()
	p.Sleep = noSleep(&delays)

	calls := 0
	_, err := Do(context.Background(), p, xlog.Nop(), func(context.Context) (int, error) {
		calls++
		return 0, failure.New(failure.UpstreamRejected, "not found")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 1, ex.Attempts)
	assert.Equal(t, failure.UpstreamRejected, failure.KindOf(err))
	assert.Equal(t, "not found", failure.Message(err))
}

func TestDoExhaustsBudget(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 4, Delay: time.Second, Sleep: noSleep(&delays)}

	calls := 0
	_, err := Do(context.Background(), p, xlog.Nop(), func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, failure.New(failure.UpstreamUnavailable, "503")
	})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 4, ex.Attempts)
	assert.Equal(t, 4, calls)
	assert.Len(t, delays, 3)
	assert.True(t, failure.IsRetryable(err))
}

func TestDoAppliesAttemptTimeout(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 2, AttemptTimeout: 20 * time.Millisecond, Sleep: noSleep(&delays)}

	calls := 0
	_, err := Do(context.Background(), p, xlog.Nop(), func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, failure.Wrap(failure.UpstreamUnavailable, ctx.Err(), "upstream request timed out")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoHonorsCancellationDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, Delay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, p, xlog.Nop(), func(context.Context) (int, error) {
			calls++
			return 0, failure.New(failure.UpstreamUnavailable, "down")
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, failure.UpstreamUnavailable, failure.KindOf(err))
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestExponentialBackOffGrows(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 4, Delay: time.Second, Exponential: true, MaxDelay: 3 * time.Second, Sleep: noSleep(&delays)}

	_, _ = Do(context.Background(), p, xlog.Nop(), func(context.Context) (int, error) {
		return 0, failure.New(failure.UpstreamUnavailable, "down")
	})

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, delays)
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0, 1))
	l := NewLimiter(2, 0)
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())
}
