package repo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"todoline/internal/validate"
)

const (
	DefaultRetries    = 3
	DefaultRetryDelay = time.Second
)

// RetryPolicy bounds how often an operation body is re-run on transient failure.
// Attempts = Retries + 1.
type RetryPolicy struct {
	Retries int
	Delay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: DefaultRetries, Delay: DefaultRetryDelay}
}

// permanent errors are returned as-is without another attempt.
func permanent(err error) bool {
	return errors.Is(err, validate.ErrValidation) ||
		errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// retry runs fn until it succeeds, fails permanently or the policy is exhausted.
func retry[T any](ctx context.Context, policy RetryPolicy, logger *slog.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if policy.Retries < 0 {
		policy.Retries = 0
	}
	attempts := policy.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if permanent(err) {
			return zero, err
		}
		if isConstraint(err) {
			return zero, &OperationError{Op: op, Attempts: attempt, Err: err}
		}
		lastErr = err
		if attempt == attempts {
			logger.Error("storage operation exhausted retries", "op", op, "attempts", attempts, "err", err)
			break
		}
		logger.Warn("storage operation failed, retrying", "op", op, "attempt", attempt, "max_attempts", attempts, "err", err)
		if policy.Delay > 0 {
			t := time.NewTimer(policy.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, &OperationError{Op: op, Attempts: attempt, Err: lastErr}
			case <-t.C:
			}
		}
	}
	return zero, &OperationError{Op: op, Attempts: attempts, Err: lastErr}
}
