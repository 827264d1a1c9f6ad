// Package inference defines the contracts of the pluggable analysis,
// segmentation and conversational providers used by the report lifecycle,
// their placeholder and remote implementations, and the Outcome type that
// lets callers treat a failed provider call as a degraded but usable result.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDegraded marks an Outcome whose value is a fallback.
var ErrDegraded = errors.New("provider degraded")

// Outcome is either Ok(value) or Degraded(fallback). A degraded outcome keeps
// the underlying cause for logging; callers use Value either way.
type Outcome[T any] struct {
	Value T
	cause error
}

// Ok wraps a genuine provider result.
func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

// Degraded wraps a fallback substituted for a failed provider call.
func Degraded[T any](fallback T, cause error) Outcome[T] {
	if cause == nil {
		cause = ErrDegraded
	} else if !errors.Is(cause, ErrDegraded) {
		cause = fmt.Errorf("%w: %w", ErrDegraded, cause)
	}
	return Outcome[T]{Value: fallback, cause: cause}
}

func (o Outcome[T]) IsDegraded() bool { return o.cause != nil }

// Err returns the reason the outcome is degraded, or nil.
func (o Outcome[T]) Err() error { return o.cause }

// Guard bounds a provider call. Each attempt gets its own Timeout; a failed
// attempt is retried up to Retries more times unless the caller's context is
// already done.
type Guard struct {
	Timeout time.Duration
	Retries int
}

// DefaultGuard is used when no explicit guard is configured.
var DefaultGuard = Guard{Timeout: 20 * time.Second, Retries: 1}

// Run executes call under g and never returns an error: a call that keeps
// failing, times out or panics yields Degraded(fallback).
func Run[T any](ctx context.Context, g Guard, fallback T, call func(context.Context) (T, error)) Outcome[T] {
	attempts := g.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		v, err := attempt(ctx, g.Timeout, call)
		if err == nil {
			return Ok(v)
		}
		lastErr = fmt.Errorf("attempt %d/%d: %w", i+1, attempts, err)
	}
	return Degraded(fallback, lastErr)
}

func attempt[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error)) (v T, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		v, err := call(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return v, ctx.Err()
	}
}
