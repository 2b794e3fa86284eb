package inventory

import (
	"encoding/json"
	"fmt"
)

// Command type names.
const (
	CmdCreateProduct   = "CreateProduct"
	CmdAddInventory    = "AddInventory"
	CmdRemoveInventory = "RemoveInventory"
)

// Command represents an intent to change a product.
type Command interface {
	// CommandType returns the type identifier for this command.
	CommandType() string

	// Validate checks the command's shape before any state is loaded.
	Validate() error
}

// AggregateCommand is a command that targets a specific product.
type AggregateCommand interface {
	Command
	AggregateID() string
}

// IdempotentCommand carries a client-supplied key for duplicate detection.
type IdempotentCommand interface {
	Command
	IdempotencyKey() string
}

// CommandBase carries the request context shared by all commands.
type CommandBase struct {
	CommandID     string `json:"commandId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Key           string `json:"idempotencyKey,omitempty"`
}

// IdempotencyKey returns the client-supplied idempotency key, if any.
func (c CommandBase) IdempotencyKey() string {
	return c.Key
}

func (c CommandBase) correlationID() string {
	return c.CorrelationID
}

// metadata returns the event metadata stamped on events this command produces.
func (c CommandBase) metadata() Metadata {
	return Metadata{
		CorrelationID:  c.CorrelationID,
		CausationID:    c.CommandID,
		IdempotencyKey: c.Key,
	}
}

// CreateProduct registers a new product with its initial stock.
type CreateProduct struct {
	CommandBase
	ProductID       string `json:"productId"`
	Name            string `json:"name"`
	InitialQuantity int64  `json:"initialQuantity"`
}

// CommandType implements Command.
func (c CreateProduct) CommandType() string { return CmdCreateProduct }

// AggregateID implements AggregateCommand.
func (c CreateProduct) AggregateID() string { return c.ProductID }

// Validate implements Command.
func (c CreateProduct) Validate() error {
	if c.ProductID == "" {
		return NewValidationError(CmdCreateProduct, "ProductID", "is required")
	}
	if c.Name == "" {
		return NewValidationError(CmdCreateProduct, "Name", "must not be empty")
	}
	if c.InitialQuantity < 0 {
		return NewValidationError(CmdCreateProduct, "InitialQuantity", "must be zero or positive")
	}
	return nil
}

// AddInventory increases a product's stock.
type AddInventory struct {
	CommandBase
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

// CommandType implements Command.
func (c AddInventory) CommandType() string { return CmdAddInventory }

// AggregateID implements AggregateCommand.
func (c AddInventory) AggregateID() string { return c.ProductID }

// Validate implements Command.
func (c AddInventory) Validate() error {
	if c.ProductID == "" {
		return NewValidationError(CmdAddInventory, "ProductID", "is required")
	}
	if c.Quantity <= 0 {
		return NewValidationError(CmdAddInventory, "Quantity", "must be positive")
	}
	return nil
}

// RemoveInventory decreases a product's stock.
type RemoveInventory struct {
	CommandBase
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

// CommandType implements Command.
func (c RemoveInventory) CommandType() string { return CmdRemoveInventory }

// AggregateID implements AggregateCommand.
func (c RemoveInventory) AggregateID() string { return c.ProductID }

// Validate implements Command.
func (c RemoveInventory) Validate() error {
	if c.ProductID == "" {
		return NewValidationError(CmdRemoveInventory, "ProductID", "is required")
	}
	if c.Quantity <= 0 {
		return NewValidationError(CmdRemoveInventory, "Quantity", "must be positive")
	}
	return nil
}

// DecodeCommand builds a command from its type tag, target product and
// JSON payload. The aggregateID argument wins over any productId in the payload.
func DecodeCommand(commandType, aggregateID string, payload []byte) (Command, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	switch commandType {
	case CmdCreateProduct:
		var cmd CreateProduct
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return nil, NewValidationError(commandType, "", fmt.Sprintf("malformed payload: %v", err))
		}
		cmd.ProductID = aggregateID
		return cmd, nil
	case CmdAddInventory:
		var cmd AddInventory
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return nil, NewValidationError(commandType, "", fmt.Sprintf("malformed payload: %v", err))
		}
		cmd.ProductID = aggregateID
		return cmd, nil
	case CmdRemoveInventory:
		var cmd RemoveInventory
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return nil, NewValidationError(commandType, "", fmt.Sprintf("malformed payload: %v", err))
		}
		cmd.ProductID = aggregateID
		return cmd, nil
	default:
		return nil, NewHandlerNotFoundError(commandType)
	}
}

// CommandResult is the outcome of a successful or failed command.
type CommandResult struct {
	Success     bool
	AggregateID string

	// Version is the committed tail of the product stream.
	Version int64

	Error error
}

// NewSuccessResult creates a successful CommandResult.
func NewSuccessResult(aggregateID string, version int64) CommandResult {
	return CommandResult{Success: true, AggregateID: aggregateID, Version: version}
}

// NewErrorResult creates a failed CommandResult.
func NewErrorResult(err error) CommandResult {
	return CommandResult{Error: err}
}

// IsSuccess returns true if the command succeeded.
func (r CommandResult) IsSuccess() bool {
	return r.Success && r.Error == nil
}
