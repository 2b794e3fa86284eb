package inventory

import (
	"context"
	"runtime/debug"
	"time"
)

// ValidationMiddleware rejects commands whose Validate fails before any
// state is loaded.
func ValidationMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if err := cmd.Validate(); err != nil {
				return NewErrorResult(err), err
			}
			return next(ctx, cmd)
		}
	}
}

// RecoveryMiddleware turns handler panics into PanicError results.
func RecoveryMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (result CommandResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					panicErr := NewPanicError(cmd.CommandType(), r, string(debug.Stack()))
					result = NewErrorResult(panicErr)
					err = panicErr
				}
			}()
			return next(ctx, cmd)
		}
	}
}

// LoggingMiddleware logs command execution.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Middleware returns the middleware function.
func (m *LoggingMiddleware) Middleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			start := time.Now()
			aggregateID := ""
			if ac, ok := cmd.(AggregateCommand); ok {
				aggregateID = ac.AggregateID()
			}

			m.logger.Debug("Submitting command", "type", cmd.CommandType(), "product", aggregateID)

			result, err := next(ctx, cmd)
			duration := time.Since(start)

			switch {
			case err == nil:
				m.logger.Info("Command completed",
					"type", cmd.CommandType(),
					"product", result.AggregateID,
					"version", result.Version,
					"duration", duration)
			case IsRetryable(err):
				m.logger.Warn("Command failed with retryable error",
					"type", cmd.CommandType(),
					"product", aggregateID,
					"duration", duration,
					"error", err)
			default:
				m.logger.Info("Command rejected",
					"type", cmd.CommandType(),
					"product", aggregateID,
					"duration", duration,
					"error", err)
			}

			return result, err
		}
	}
}

// TimeoutMiddleware bounds the whole command, retries included.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, cmd)
		}
	}
}

// RetryConfig configures RetryMiddleware.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first one).
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier grows the delay after each retry.
	Multiplier float64

	// ShouldRetry decides whether an error is retried.
	// Defaults to IsRetryable.
	ShouldRetry func(err error) bool
}

// DefaultRetryConfig retries conflicts and transient store failures
// three times with exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		ShouldRetry:  IsRetryable,
	}
}

// RetryMiddleware resubmits commands that fail with a retryable error.
// Every attempt reloads the product, so a retry whose effect already
// committed is revalidated against the new state.
func RetryMiddleware(config RetryConfig) Middleware {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 50 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 2 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 1.0
	}
	if config.ShouldRetry == nil {
		config.ShouldRetry = IsRetryable
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			var result CommandResult
			var err error
			delay := config.InitialDelay

			for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
				result, err = next(ctx, cmd)
				if err == nil || attempt == config.MaxAttempts || !config.ShouldRetry(err) {
					break
				}

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return NewErrorResult(ctx.Err()), ctx.Err()
				case <-timer.C:
				}

				delay = time.Duration(float64(delay) * config.Multiplier)
				if delay > config.MaxDelay {
					delay = config.MaxDelay
				}
			}

			return result, err
		}
	}
}

// MetricsCollector receives command outcomes.
type MetricsCollector interface {
	RecordCommand(cmdType string, duration time.Duration, success bool, err error)
}

// MetricsMiddleware records every command with a MetricsCollector.
func MetricsMiddleware(collector MetricsCollector) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			start := time.Now()
			result, err := next(ctx, cmd)
			collector.RecordCommand(cmd.CommandType(), time.Since(start), err == nil && result.IsSuccess(), err)
			return result, err
		}
	}
}

type correlationIDKey struct{}

// CorrelationIDFromContext returns the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID returns a context carrying a correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDMiddleware makes sure every command runs with a correlation
// ID in its context: the command's own, the caller's, or a generated one.
func CorrelationIDMiddleware(generator func() string) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if CorrelationIDFromContext(ctx) == "" {
				id := ""
				if c, ok := cmd.(interface{ correlationID() string }); ok {
					id = c.correlationID()
				}
				if id == "" && generator != nil {
					id = generator()
				}
				if id != "" {
					ctx = WithCorrelationID(ctx, id)
				}
			}
			return next(ctx, cmd)
		}
	}
}
