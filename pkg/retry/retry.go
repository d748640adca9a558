package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"attachsync/pkg/apierrors"
	"attachsync/pkg/logger"
)

// Operation is a function that may need retrying.
type Operation func() error

// OperationWithResult is a function returning a result that may need retrying.
type OperationWithResult[T any] func() (T, error)

// Config holds the retry policy. The policy itself is a pure decision
// function; the transport call being retried lives entirely in the Operation.
type Config struct {
	// MaxAttempts is the maximum number of attempts (0 means unlimited).
	MaxAttempts int
	// Backoff strategy to use between attempts.
	Backoff BackoffStrategy
	// RetryIf decides whether an error should be retried.
	RetryIf func(error) bool
	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Context for cancellation of backoff waits.
	Context context.Context
	// Logger for retry attempts; nil silences policy logging.
	Logger logger.Logger
}

// DefaultConfig returns a retry configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		Backoff:     DefaultExponentialBackoff(),
		RetryIf:     DefaultRetryIf,
		Context:     context.Background(),
	}
}

// DefaultRetryIf retries transient API errors and anything unclassified,
// but never context cancellation.
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *apierrors.Error
	if errors.As(err, &apiErr) {
		return apierrors.IsRetryable(apiErr.Type)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return true
}

// Do executes an operation under the retry policy.
func Do(op Operation, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	attempt := 0

	for {
		attempt++

		if cfg.MaxAttempts > 0 && attempt > cfg.MaxAttempts {
			return fmt.Errorf("max retry attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
		}

		err := op()
		if err == nil {
			if attempt > 1 && cfg.Logger != nil {
				cfg.Logger.DebugWithFields("operation succeeded after retry", map[string]interface{}{
					"attempt": attempt,
				})
			}
			return nil
		}
		lastErr = err

		if !cfg.RetryIf(err) {
			return err
		}

		delay := cfg.Backoff.NextDelay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		if cfg.Logger != nil {
			cfg.Logger.WarnWithFields("retrying operation", map[string]interface{}{
				"attempt":      attempt,
				"error":        err.Error(),
				"delay_ms":     delay.Milliseconds(),
				"max_attempts": cfg.MaxAttempts,
			})
		}

		if err := Wait(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}
}

// DoWithResult executes an operation that returns a result under the policy.
func DoWithResult[T any](op OperationWithResult[T], cfg *Config) (T, error) {
	var result T

	err := Do(func() error {
		var opErr error
		result, opErr = op()
		return opErr
	}, cfg)

	return result, err
}
