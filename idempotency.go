package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matsushun1/inventory/adapters"
)

type (
	// IdempotencyStore remembers the outcome of commands submitted with an
	// idempotency key.
	IdempotencyStore = adapters.IdempotencyStore

	// IdempotencyRecord is the remembered outcome of one command.
	IdempotencyRecord = adapters.IdempotencyRecord
)

var (
	// ErrCommandAlreadyProcessed indicates a replayed key whose first run failed.
	ErrCommandAlreadyProcessed = errors.New("inventory: command already processed")

	// ErrCommandInProgress indicates another submission with the same key is
	// still running. Retry once it finishes.
	ErrCommandInProgress = errors.New("inventory: command with this idempotency key is in progress")
)

// IdempotencyReplayError is returned when a key is replayed and its first
// run was rejected.
type IdempotencyReplayError struct {
	Key     string
	Message string
}

func (e *IdempotencyReplayError) Error() string {
	if e.Message != "" {
		return "inventory: command already processed with key " + e.Key + ": " + e.Message
	}
	return "inventory: command already processed with key " + e.Key
}

func (e *IdempotencyReplayError) Is(target error) bool {
	return target == ErrCommandAlreadyProcessed
}

// NewIdempotencyRecord builds the record stored for a finished command.
func NewIdempotencyRecord(key, cmdType string, result CommandResult, ttl time.Duration) *IdempotencyRecord {
	now := time.Now()
	record := &IdempotencyRecord{
		Key:         key,
		CommandType: cmdType,
		AggregateID: result.AggregateID,
		Version:     result.Version,
		Success:     result.IsSuccess(),
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	if result.Error != nil {
		record.Error = result.Error.Error()
	}
	return record
}

// IdempotencyRecordToResult rebuilds the CommandResult of a remembered command.
func IdempotencyRecordToResult(r *IdempotencyRecord) (CommandResult, error) {
	if r.Success {
		return NewSuccessResult(r.AggregateID, r.Version), nil
	}
	err := &IdempotencyReplayError{Key: r.Key, Message: r.Error}
	return NewErrorResult(err), err
}

// IdempotencyConfig configures IdempotencyMiddleware.
type IdempotencyConfig struct {
	Store IdempotencyStore

	// TTL is how long outcomes are remembered. Default 24h.
	TTL time.Duration

	// ClaimTTL bounds how long a key stays reserved by a submission that
	// never finishes, e.g. after a crash. Default 1m.
	ClaimTTL time.Duration

	// WaitTimeout is how long a duplicate waits for the running submission
	// before giving up with ErrCommandInProgress. Default 5s.
	WaitTimeout time.Duration

	// StoreErrors also remembers rejected commands, so a replay returns the
	// original rejection instead of running again.
	StoreErrors bool

	Logger Logger
}

// DefaultIdempotencyConfig returns a config that remembers successes for 24h.
func DefaultIdempotencyConfig(store IdempotencyStore) IdempotencyConfig {
	return IdempotencyConfig{
		Store:       store,
		TTL:         24 * time.Hour,
		ClaimTTL:    time.Minute,
		WaitTimeout: 5 * time.Second,
	}
}

const idempotencyPollInterval = 10 * time.Millisecond

// idempotencyKey scopes the client key by command type and product. Creates
// are scoped by type only because the product id may be generated per request.
func idempotencyKey(cmd Command, key string) string {
	if ac, ok := cmd.(AggregateCommand); ok && cmd.CommandType() != CmdCreateProduct && ac.AggregateID() != "" {
		return cmd.CommandType() + ":" + ac.AggregateID() + ":" + key
	}
	return cmd.CommandType() + ":" + key
}

// IdempotencyMiddleware answers a replayed idempotency key with the first
// run's result instead of running the command again. Commands without a key
// pass straight through.
//
// The key is reserved before the command runs, so of two concurrent
// submissions only one reaches the handler; the other waits for its outcome.
// Retryable failures are never remembered: the reservation is released and
// a client retrying after a conflict or outage gets a fresh attempt.
func IdempotencyMiddleware(config IdempotencyConfig) Middleware {
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = time.Minute
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			ic, ok := cmd.(IdempotentCommand)
			if !ok || ic.IdempotencyKey() == "" {
				return next(ctx, cmd)
			}
			key := idempotencyKey(cmd, ic.IdempotencyKey())

			record, err := reserveIdempotencyKey(ctx, config, key, cmd.CommandType())
			if err != nil {
				return NewErrorResult(err), err
			}
			if record != nil {
				config.Logger.Debug("Replaying remembered command result", "key", key)
				return IdempotencyRecordToResult(record)
			}

			result, cmdErr := next(ctx, cmd)

			// The outcome is written even if the caller has gone away.
			storeCtx := context.WithoutCancel(ctx)
			remember := result.IsSuccess() || (config.StoreErrors && cmdErr != nil && !IsRetryable(cmdErr))
			if remember {
				if err := config.Store.Complete(storeCtx, NewIdempotencyRecord(key, cmd.CommandType(), result, config.TTL)); err != nil {
					config.Logger.Warn("Failed to store idempotency record", "key", key, "error", err)
					releaseIdempotencyKey(storeCtx, config, key)
				}
			} else {
				releaseIdempotencyKey(storeCtx, config, key)
			}

			return result, cmdErr
		}
	}
}

// reserveIdempotencyKey claims key for this submission. It returns nil when
// the claim succeeded, or the finished record of an earlier submission. A
// claim held by a running submission is waited on.
func reserveIdempotencyKey(ctx context.Context, config IdempotencyConfig, key, cmdType string) (*IdempotencyRecord, error) {
	deadline := time.Now().Add(config.WaitTimeout)
	for {
		now := time.Now()
		held, ok, err := config.Store.Reserve(ctx, &IdempotencyRecord{
			Key:         key,
			CommandType: cmdType,
			ProcessedAt: now,
			ExpiresAt:   now.Add(config.ClaimTTL),
		})
		if err != nil {
			config.Logger.Warn("Idempotency reservation failed", "key", key, "error", err)
			return nil, NewStoreUnavailableError("reserve idempotency key", err)
		}
		if ok {
			return nil, nil
		}
		if held != nil && !held.Pending && !held.IsExpired() {
			return held, nil
		}

		if now.After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrCommandInProgress, key)
		}
		timer := time.NewTimer(idempotencyPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func releaseIdempotencyKey(ctx context.Context, config IdempotencyConfig, key string) {
	if err := config.Store.Release(ctx, key); err != nil {
		config.Logger.Warn("Failed to release idempotency key", "key", key, "error", err)
	}
}
