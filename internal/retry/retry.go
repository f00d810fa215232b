// Package retry wraps fallible calls with classified exponential backoff on
// top of cenkalti/backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Policy is an exponential backoff schedule. The zero value makes one attempt.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Classify defaults to Retryable.
	Classify Classifier
	// Exhausted wraps the last error once retries run out. Defaults to
	// schemas.ErrProviderUnavailable.
	Exhausted error
}

// Default is used by adapters that configure nothing.
var Default = Policy{
	MaxRetries: 2,
	BaseDelay:  250 * time.Millisecond,
	Multiplier: 2,
	MaxDelay:   5 * time.Second,
}

// newBackOff builds the deterministic exponential schedule for p, capped at
// p.MaxRetries retries and bound to ctx.
func (p Policy) newBackOff(ctx context.Context) backoff.BackOffContext {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.BaseDelay > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.BaseDelay
		exp.RandomizationFactor = 0
		exp.Multiplier = p.Multiplier
		if exp.Multiplier < 1 {
			exp.Multiplier = 1
		}
		exp.MaxInterval = p.MaxDelay
		if exp.MaxInterval <= 0 {
			exp.MaxInterval = time.Duration(math.MaxInt64)
		}
		if exp.InitialInterval > exp.MaxInterval {
			exp.InitialInterval = exp.MaxInterval
		}
		// Attempts are bounded by MaxRetries, not by wall time.
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = exp
	}
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Delay returns the backoff before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	b := p
	b.MaxRetries = attempt
	schedule := b.newBackOff(context.Background())
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = schedule.NextBackOff()
	}
	return d
}

// Do runs op until it succeeds, returns a terminal error, or the retries are
// used up. Exhaustion wraps the last error with p.Exhausted.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	classify := p.Classify
	if classify == nil {
		classify = Retryable
	}

	var (
		attempts int
		lastErr  error
		terminal bool
	)
	v, err := backoff.RetryWithData(func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !classify(err) || ctx.Err() != nil {
			terminal = true
			return v, backoff.Permanent(err)
		}
		return v, err
	}, p.newBackOff(ctx))

	var zero T
	switch {
	case err == nil:
		return v, nil
	case terminal:
		return zero, lastErr
	case ctx.Err() != nil && lastErr != nil:
		return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempts, lastErr)
	case lastErr == nil:
		return zero, err
	}
	exhausted := p.Exhausted
	if exhausted == nil {
		exhausted = schemas.ErrProviderUnavailable
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", exhausted, attempts, lastErr)
}

// Retryable is the default classifier. Validation, quota, caller cancellation
// and client errors are terminal; timeouts, 5xx, 429 and dropped connections
// are retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		valErr   *schemas.ValidationError
		quotaErr *schemas.QuotaError
		provErr  *schemas.ProviderError
		connErr  *schemas.StoreConnectionError
		writeErr *schemas.StoreWriteError
		netErr   net.Error
	)
	switch {
	case errors.As(err, &valErr), errors.As(err, &quotaErr), errors.Is(err, schemas.ErrQuotaExhausted):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.As(err, &provErr):
		if provErr.StatusCode != 0 {
			return RetryableStatus(provErr.StatusCode)
		}
		if provErr.Retryable {
			return true
		}
		// Fall through to the wrapped cause.
		return provErr.Err != nil && transient(provErr.Err)
	case errors.As(err, &connErr):
		return true
	case errors.As(err, &writeErr):
		return false
	case errors.As(err, &netErr) && netErr.Timeout():
		return true
	}
	return transient(err)
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(code int) bool {
	return code == 429 || code >= 500
}

func transient(err error) bool {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &netErr) && netErr.Timeout():
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
