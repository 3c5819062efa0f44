// Package classify replaces string-matched error codes with an explicit
// taxonomy: a Classified error carrying retryable/rate-limited/permanent
// flags, and a Result[T] that pairs a value with its Classified outcome so
// callers branch on flags instead of inspecting error text.
package classify

import "fmt"

// Classified wraps an underlying error with the taxonomy flags callers need
// to decide whether to retry, back off, or give up.
type Classified struct {
	Err         error
	Retryable   bool
	RateLimited bool
	Permanent   bool
}

// Error implements the error interface, delegating to the wrapped error.
func (c *Classified) Error() string {
	if c.Err == nil {
		return "classified error"
	}
	return c.Err.Error()
}

// Unwrap allows errors.Is/errors.As to see through to the underlying error.
func (c *Classified) Unwrap() error {
	return c.Err
}

// Retryable classifies a transient failure worth retrying with backoff
// (e.g. a downstream timeout or a dropped connection).
func Retryable(err error) *Classified {
	return &Classified{Err: err, Retryable: true}
}

// RateLimited classifies a failure caused by hitting a quota; callers
// should back off longer than a plain Retryable failure.
func RateLimited(err error) *Classified {
	return &Classified{Err: err, Retryable: true, RateLimited: true}
}

// Permanent classifies a failure that will never succeed on retry (bad
// input, revoked credential, unknown entity).
func Permanent(err error) *Classified {
	return &Classified{Err: err, Permanent: true}
}

// Permanentf is a convenience constructor combining fmt.Errorf with Permanent.
func Permanentf(format string, args ...any) *Classified {
	return Permanent(fmt.Errorf(format, args...))
}

// Retryablef is a convenience constructor combining fmt.Errorf with Retryable.
func Retryablef(format string, args ...any) *Classified {
	return Retryable(fmt.Errorf(format, args...))
}

// Result pairs a value with its Classified outcome. A nil Err means Value is
// valid; a non-nil Err means Value should be ignored.
type Result[T any] struct {
	Value T
	Err   *Classified
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Err wraps a classified failure, leaving Value at its zero value.
func Err[T any](c *Classified) Result[T] {
	return Result[T]{Err: c}
}

// IsOk reports whether the result carries a usable value.
func (r Result[T]) IsOk() bool {
	return r.Err == nil
}

// ShouldRetry reports whether the caller should retry the operation that
// produced r — false for a successful result.
func (r Result[T]) ShouldRetry() bool {
	return r.Err != nil && r.Err.Retryable
}
