package inventory

import "fmt"

// ProductState is the folded write-side state of one product.
type ProductState struct {
	ProductID string
	Name      string
	Quantity  int64
}

// Product is the inventory aggregate. A zero-event Product is
// Uninitialized; folding ProductCreated makes it Active.
type Product struct {
	AggregateBase

	name     string
	quantity int64
	active   bool
}

// NewProduct returns an Uninitialized product.
func NewProduct(id string) *Product {
	return &Product{AggregateBase: NewAggregateBase(id, ProductAggregateType)}
}

// Exists reports whether ProductCreated has been folded.
func (p *Product) Exists() bool { return p.active }

// Name returns the product name.
func (p *Product) Name() string { return p.name }

// Quantity returns the current stock.
func (p *Product) Quantity() int64 { return p.quantity }

// State returns a copy of the folded state.
func (p *Product) State() ProductState {
	return ProductState{ProductID: p.AggregateID(), Name: p.name, Quantity: p.quantity}
}

// Create starts the product with an initial stock.
func (p *Product) Create(name string, initialQuantity int64) error {
	if name == "" {
		return NewValidationError(CmdCreateProduct, "Name", "must not be empty")
	}
	if initialQuantity < 0 {
		return NewValidationError(CmdCreateProduct, "InitialQuantity", "must be zero or positive")
	}
	if p.active {
		return NewAlreadyExistsError(p.AggregateID())
	}

	return p.raise(ProductCreated{
		ProductID:       p.AggregateID(),
		Name:            name,
		InitialQuantity: initialQuantity,
	})
}

// AddInventory increases stock.
func (p *Product) AddInventory(quantity int64) error {
	if quantity <= 0 {
		return NewValidationError(CmdAddInventory, "Quantity", "must be positive")
	}
	if !p.active {
		return NewNotFoundError(p.AggregateID())
	}

	return p.raise(InventoryAdded{ProductID: p.AggregateID(), Quantity: quantity})
}

// RemoveInventory decreases stock. Stock never goes below zero.
func (p *Product) RemoveInventory(quantity int64) error {
	if quantity <= 0 {
		return NewValidationError(CmdRemoveInventory, "Quantity", "must be positive")
	}
	if !p.active {
		return NewNotFoundError(p.AggregateID())
	}
	if p.quantity < quantity {
		return NewInsufficientStockError(p.AggregateID(), quantity, p.quantity)
	}

	return p.raise(InventoryRemoved{ProductID: p.AggregateID(), Quantity: quantity})
}

func (p *Product) raise(event interface{}) error {
	if err := p.ApplyEvent(event); err != nil {
		return err
	}
	p.Apply(event)
	return nil
}

// ApplyEvent folds one event. Business rules were checked when the
// event was raised and are not checked again here.
func (p *Product) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case ProductCreated:
		p.name = e.Name
		p.quantity = e.InitialQuantity
		p.active = true
	case *ProductCreated:
		return p.ApplyEvent(*e)
	case InventoryAdded:
		p.quantity += e.Quantity
	case *InventoryAdded:
		return p.ApplyEvent(*e)
	case InventoryRemoved:
		p.quantity -= e.Quantity
	case *InventoryRemoved:
		return p.ApplyEvent(*e)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, event)
	}
	return nil
}

// FoldProduct replays events into a fresh Product. The version is set to
// the number of folded events, which equals the tail sequence of a
// gap-free stream.
func FoldProduct(id string, events []interface{}) (*Product, error) {
	p := NewProduct(id)
	for i, event := range events {
		if err := p.ApplyEvent(event); err != nil {
			return nil, fmt.Errorf("inventory: fold event %d: %w", i+1, err)
		}
	}
	p.SetVersion(int64(len(events)))
	return p, nil
}
