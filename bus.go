package inventory

import (
	"context"
	"sync"
	"sync/atomic"
)

// CommandBus routes commands through the middleware chain to their handler.
// It is the command submission boundary of the service.
type CommandBus struct {
	registry   *HandlerRegistry
	middleware []Middleware
	closed     atomic.Bool
	mu         sync.RWMutex
}

// CommandBusOption configures a CommandBus.
type CommandBusOption func(*CommandBus)

// WithMiddleware adds middleware to the bus.
func WithMiddleware(middleware ...Middleware) CommandBusOption {
	return func(b *CommandBus) {
		b.middleware = append(b.middleware, middleware...)
	}
}

// NewCommandBus creates a new CommandBus.
func NewCommandBus(opts ...CommandBusOption) *CommandBus {
	bus := &CommandBus{
		registry:   NewHandlerRegistry(),
		middleware: make([]Middleware, 0),
	}

	for _, opt := range opts {
		opt(bus)
	}

	return bus
}

// Register adds a handler.
func (b *CommandBus) Register(handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registry.Register(handler)
}

// RegisterFunc adds a function as the handler for cmdType.
func (b *CommandBus) RegisterFunc(cmdType string, fn func(ctx context.Context, cmd Command) (CommandResult, error)) {
	b.Register(NewCommandHandlerFunc(cmdType, fn))
}

// Use appends middleware. The first middleware added is the outermost.
func (b *CommandBus) Use(middleware ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware...)
}

// Submit runs a command and returns the committed version on success,
// or one of the service errors: validation, not found, already exists,
// insufficient stock, concurrency conflict or store unavailable.
func (b *CommandBus) Submit(ctx context.Context, cmd Command) (CommandResult, error) {
	if b.closed.Load() {
		return NewErrorResult(ErrCommandBusClosed), ErrCommandBusClosed
	}
	if cmd == nil {
		return NewErrorResult(ErrNilCommand), ErrNilCommand
	}

	b.mu.RLock()
	handler := b.registry.Get(cmd.CommandType())
	middleware := make([]Middleware, len(b.middleware))
	copy(middleware, b.middleware)
	b.mu.RUnlock()

	if handler == nil {
		err := NewHandlerNotFoundError(cmd.CommandType())
		return NewErrorResult(err), err
	}

	chain := MiddlewareFunc(handler.Handle)
	for i := len(middleware) - 1; i >= 0; i-- {
		chain = middleware[i](chain)
	}

	return chain(ctx, cmd)
}

// SubmitRaw decodes a command from its type tag and JSON payload and submits it.
func (b *CommandBus) SubmitRaw(ctx context.Context, commandType, aggregateID string, payload []byte) (CommandResult, error) {
	cmd, err := DecodeCommand(commandType, aggregateID, payload)
	if err != nil {
		return NewErrorResult(err), err
	}
	return b.Submit(ctx, cmd)
}

// HasHandler reports whether a handler is registered for cmdType.
func (b *CommandBus) HasHandler(cmdType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.registry.Has(cmdType)
}

// HandlerCount returns the number of registered handlers.
func (b *CommandBus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.registry.Count()
}

// Close stops the bus from accepting commands.
func (b *CommandBus) Close() error {
	b.closed.Store(true)
	return nil
}

// IsClosed reports whether Close was called.
func (b *CommandBus) IsClosed() bool {
	return b.closed.Load()
}

// MiddlewareFunc is the signature of a step in the command pipeline.
type MiddlewareFunc func(ctx context.Context, cmd Command) (CommandResult, error)

// Middleware wraps a MiddlewareFunc.
type Middleware func(next MiddlewareFunc) MiddlewareFunc

// ChainMiddleware composes middleware into one, first is outermost.
func ChainMiddleware(middleware ...Middleware) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		for i := len(middleware) - 1; i >= 0; i-- {
			next = middleware[i](next)
		}
		return next
	}
}
