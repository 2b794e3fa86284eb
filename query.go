package inventory

import (
	"context"

	"github.com/matsushun1/inventory/adapters"
)

// ProductView is the read-side representation of a product.
type ProductView = adapters.ProductRecord

// QueryHandler answers product queries from the read model. It never reads
// the event store and never takes command-side locks, so results may lag
// behind the latest committed command.
type QueryHandler struct {
	products adapters.ProductStore
}

// NewQueryHandler creates a QueryHandler over a product read model.
func NewQueryHandler(products adapters.ProductStore) *QueryHandler {
	return &QueryHandler{products: products}
}

// GetProduct returns a product's current view, or a NotFoundError when the
// read model has no record for it.
func (q *QueryHandler) GetProduct(ctx context.Context, productID string) (*ProductView, error) {
	if productID == "" {
		return nil, NewValidationError("GetProduct", "ProductID", "is required")
	}

	record, err := q.products.Get(ctx, productID)
	if err != nil {
		return nil, NewStoreUnavailableError("get product", err)
	}
	if record == nil {
		return nil, NewNotFoundError(productID)
	}
	return record, nil
}

// ListProducts returns every product ordered by id.
func (q *QueryHandler) ListProducts(ctx context.Context) ([]*ProductView, error) {
	records, err := q.products.List(ctx)
	if err != nil {
		return nil, NewStoreUnavailableError("list products", err)
	}
	if records == nil {
		records = []*ProductView{}
	}
	return records, nil
}
