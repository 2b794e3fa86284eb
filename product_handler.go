package inventory

import (
	"context"
	"errors"
	"time"
)

// Notifier is told when new events have been committed.
// Dispatcher implements it.
type Notifier interface {
	Notify()
}

// ProductHandler runs product commands: it loads and folds the product,
// runs the aggregate operation and appends the result with the loaded
// tail as the expected version.
//
// Commands for one product are serialized by a per-product lock held
// across load, validate and append. Commands for different products run
// concurrently. The store's version check still guards against writers in
// other processes; a conflict triggers a reload and revalidation, at most
// MaxConflictRetries times.
type ProductHandler struct {
	store    *EventStore
	locks    *KeyedLocker
	notifier Notifier
	logger   Logger

	lockTimeout        time.Duration
	operationTimeout   time.Duration
	maxConflictRetries int
	conflictBackoff    time.Duration
}

// HandlerOption configures a ProductHandler.
type HandlerOption func(*ProductHandler)

// WithNotifier sets the component told about committed events.
func WithNotifier(n Notifier) HandlerOption {
	return func(h *ProductHandler) {
		h.notifier = n
	}
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l Logger) HandlerOption {
	return func(h *ProductHandler) {
		h.logger = l
	}
}

// WithLockTimeout bounds the wait for the per-product lock.
func WithLockTimeout(d time.Duration) HandlerOption {
	return func(h *ProductHandler) {
		h.lockTimeout = d
	}
}

// WithOperationTimeout bounds each load-validate-append attempt.
func WithOperationTimeout(d time.Duration) HandlerOption {
	return func(h *ProductHandler) {
		h.operationTimeout = d
	}
}

// WithConflictRetries sets how many times a conflicting command is reloaded
// and retried, and the base delay between attempts.
func WithConflictRetries(n int, backoff time.Duration) HandlerOption {
	return func(h *ProductHandler) {
		h.maxConflictRetries = n
		h.conflictBackoff = backoff
	}
}

// WithKeyedLocker shares a locker between handlers.
func WithKeyedLocker(l *KeyedLocker) HandlerOption {
	return func(h *ProductHandler) {
		h.locks = l
	}
}

// NewProductHandler creates a ProductHandler.
func NewProductHandler(store *EventStore, opts ...HandlerOption) *ProductHandler {
	h := &ProductHandler{
		store:              store,
		locks:              NewKeyedLocker(),
		logger:             &noopLogger{},
		lockTimeout:        5 * time.Second,
		operationTimeout:   10 * time.Second,
		maxConflictRetries: 3,
		conflictBackoff:    10 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Register adds the product command handlers to a bus.
func (h *ProductHandler) Register(bus *CommandBus) {
	bus.Register(NewGenericHandler(h.HandleCreate))
	bus.Register(NewGenericHandler(h.HandleAddInventory))
	bus.Register(NewGenericHandler(h.HandleRemoveInventory))
}

// HandleCreate runs a CreateProduct command.
func (h *ProductHandler) HandleCreate(ctx context.Context, cmd CreateProduct) (CommandResult, error) {
	return h.execute(ctx, cmd.ProductID, cmd.CommandType(), cmd.metadata(), func(p *Product) error {
		return p.Create(cmd.Name, cmd.InitialQuantity)
	})
}

// HandleAddInventory runs an AddInventory command.
func (h *ProductHandler) HandleAddInventory(ctx context.Context, cmd AddInventory) (CommandResult, error) {
	return h.execute(ctx, cmd.ProductID, cmd.CommandType(), cmd.metadata(), func(p *Product) error {
		return p.AddInventory(cmd.Quantity)
	})
}

// HandleRemoveInventory runs a RemoveInventory command.
func (h *ProductHandler) HandleRemoveInventory(ctx context.Context, cmd RemoveInventory) (CommandResult, error) {
	return h.execute(ctx, cmd.ProductID, cmd.CommandType(), cmd.metadata(), func(p *Product) error {
		return p.RemoveInventory(cmd.Quantity)
	})
}

func (h *ProductHandler) execute(ctx context.Context, productID, cmdType string, meta Metadata, op func(*Product) error) (CommandResult, error) {
	if productID == "" {
		err := NewValidationError(cmdType, "ProductID", "is required")
		return NewErrorResult(err), err
	}

	if meta.CorrelationID == "" {
		meta.CorrelationID = CorrelationIDFromContext(ctx)
	}

	release, err := h.locks.Lock(ctx, productID, h.lockTimeout)
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			err = NewStoreUnavailableError("acquire lock", err)
		}
		h.logger.Warn("Could not acquire product lock", "product", productID, "command", cmdType, "error", err)
		return NewErrorResult(err), err
	}
	defer release()

	var lastErr error
	for attempt := 0; attempt <= h.maxConflictRetries; attempt++ {
		if attempt > 0 {
			if err := h.wait(ctx, attempt); err != nil {
				return NewErrorResult(err), err
			}
		}

		version, err := h.attempt(ctx, productID, meta, op)
		if err == nil {
			if h.notifier != nil {
				h.notifier.Notify()
			}
			return NewSuccessResult(productID, version), nil
		}

		if !errors.Is(err, ErrConcurrencyConflict) {
			return NewErrorResult(err), err
		}

		lastErr = err
		h.logger.Warn("Concurrency conflict, reloading product",
			"product", productID,
			"command", cmdType,
			"attempt", attempt+1)
	}

	return NewErrorResult(lastErr), lastErr
}

// attempt is one load-validate-append cycle. It never appends when op fails.
func (h *ProductHandler) attempt(ctx context.Context, productID string, meta Metadata, op func(*Product) error) (int64, error) {
	if h.operationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.operationTimeout)
		defer cancel()
	}

	product, err := h.store.LoadProduct(ctx, productID)
	if err != nil {
		return 0, err
	}

	if err := op(product); err != nil {
		return 0, err
	}

	events := product.UncommittedEvents()
	if len(events) == 0 {
		return product.Version(), nil
	}

	return h.store.Append(ctx, productID, product.Version(), events, WithAppendMetadata(meta))
}

func (h *ProductHandler) wait(ctx context.Context, attempt int) error {
	delay := h.conflictBackoff << (attempt - 1)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
