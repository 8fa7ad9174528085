// Package retry runs upstream operations in a bounded attempt loop with a
// per-attempt timeout, rate limiting and typed-failure aware retry decisions.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mediagrab/internal/failure"
	xlog "mediagrab/internal/log"
)

const (
	DefaultMaxAttempts    = 3
	DefaultDelay          = 3 * time.Second
	DefaultAttemptTimeout = 60 * time.Second
)

var attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mediagrab",
	Name:      "upstream_attempts_total",
	Help:      "Upstream attempts by outcome (success, retry, terminal, exhausted).",
}, []string{"outcome"})

// Policy configures Do.
type Policy struct {
	MaxAttempts    int
	Delay          time.Duration
	AttemptTimeout time.Duration

	// Exponential doubles the delay after each failed attempt, capped at MaxDelay.
	Exponential bool
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to each delay, 0 to 1.
	Jitter float64

	// Limiter, when set, is waited on before every attempt.
	Limiter *rate.Limiter

	// Sleep replaces the delay between attempts. Tests use it to avoid
	// real waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns three attempts, a fixed 3s delay and a 60s
// per-attempt timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		Delay:          DefaultDelay,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Sleep == nil {
		p.Sleep = sleep
	}
	return p
}

func (p Policy) backOff() backoff.BackOff {
	if !p.Exponential && p.Jitter <= 0 {
		return backoff.NewConstantBackOff(p.Delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 1
	if p.Exponential {
		b.Multiplier = 2
	}
	b.MaxInterval = p.MaxDelay
	b.Reset()
	return b
}

// NewLimiter builds a token bucket limiter. A non-positive rps disables
// limiting.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Operation is the state of one Do call.
type Operation struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	LastError   error
}

// ExhaustedError is returned when Do gives up. It unwraps to the last
// attempt's error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Each attempt gets its own timeout derived from ctx.
func Do[T any](ctx context.Context, p Policy, logger zerolog.Logger, op func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	b := p.backOff()
	state := Operation{MaxAttempts: p.MaxAttempts, Delay: p.Delay}
	var zero T

	for ; state.Attempt < state.MaxAttempts; state.Attempt++ {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return zero, exhausted(state, fmt.Errorf("waiting for rate limiter: %w", err))
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		v, err := op(attemptCtx)
		cancel()
		if err == nil {
			attemptsTotal.WithLabelValues("success").Inc()
			return v, nil
		}
		state.LastError = err

		event := logger.Warn().
			Int(xlog.FieldAttempt, state.Attempt+1).
			Int(xlog.FieldMaxTries, state.MaxAttempts).
			Str("kind", failure.KindOf(err).String()).
			Err(err)

		if !failure.IsRetryable(err) || ctx.Err() != nil {
			attemptsTotal.WithLabelValues("terminal").Inc()
			event.Msg("upstream attempt failed, not retrying")
			state.Attempt++
			return zero, exhausted(state, err)
		}
		if state.Attempt+1 >= state.MaxAttempts {
			attemptsTotal.WithLabelValues("exhausted").Inc()
			event.Msg("upstream attempt failed, no attempts left")
			continue
		}

		state.Delay = b.NextBackOff()
		attemptsTotal.WithLabelValues("retry").Inc()
		event.Dur(xlog.FieldDelay, state.Delay).Msg("upstream attempt failed, retrying")
		if err := p.Sleep(ctx, state.Delay); err != nil {
			state.Attempt++
			return zero, exhausted(state, fmt.Errorf("%w (last error: %w)", err, state.LastError))
		}
	}
	return zero, exhausted(state, state.LastError)
}

func exhausted(state Operation, err error) *ExhaustedError {
	return &ExhaustedError{Attempts: state.Attempt, Err: err}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
