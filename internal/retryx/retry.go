// Package retryx retries a single idempotent operation with exponential
// backoff. Whole workflows are never retried here; callers wrap the smallest
// unit they can safely repeat.
package retryx

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond
)

// Policy bounds the number of attempts and the first backoff delay.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultPolicy is used when a zero Policy is supplied.
var DefaultPolicy = Policy{Attempts: DefaultAttempts, BaseDelay: DefaultBaseDelay}

func (p Policy) normalize() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

// Retry runs fn until it succeeds, returns an error that isRetriable rejects,
// the attempts run out, or ctx is done. A nil isRetriable retries every error.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error, isRetriable func(error) bool) error {
	p = p.normalize()

	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithMaxRetries(uint64(p.Attempts-1), b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if isRetriable != nil && !isRetriable(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}

// Value is Retry for functions that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error), isRetriable func(error) bool) (T, error) {
	var out T
	err := Retry(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, isRetriable)
	return out, err
}
