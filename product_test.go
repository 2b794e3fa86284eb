package inventory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProduct_Create(t *testing.T) {
	t.Run("raises ProductCreated", func(t *testing.T) {
		p := NewProduct("p1")

		require.NoError(t, p.Create("Widget", 10))

		assert.True(t, p.Exists())
		assert.Equal(t, "Widget", p.Name())
		assert.Equal(t, int64(10), p.Quantity())
		require.Len(t, p.UncommittedEvents(), 1)
		assert.Equal(t, ProductCreated{ProductID: "p1", Name: "Widget", InitialQuantity: 10}, p.UncommittedEvents()[0])
	})

	t.Run("zero initial quantity is allowed", func(t *testing.T) {
		p := NewProduct("p1")
		require.NoError(t, p.Create("Widget", 0))
		assert.Equal(t, int64(0), p.Quantity())
	})

	t.Run("rejects empty name", func(t *testing.T) {
		p := NewProduct("p1")
		err := p.Create("", 10)
		assert.ErrorIs(t, err, ErrValidationFailed)
		assert.Empty(t, p.UncommittedEvents())
	})

	t.Run("rejects negative quantity", func(t *testing.T) {
		p := NewProduct("p1")
		err := p.Create("Widget", -1)
		assert.ErrorIs(t, err, ErrValidationFailed)
	})

	t.Run("rejects existing product", func(t *testing.T) {
		p, err := FoldProduct("p1", []interface{}{ProductCreated{ProductID: "p1", Name: "Widget", InitialQuantity: 1}})
		require.NoError(t, err)

		err = p.Create("Other", 5)

		var exists *AlreadyExistsError
		require.ErrorAs(t, err, &exists)
		assert.Equal(t, "p1", exists.ProductID)
		assert.Equal(t, "Widget", p.Name())
	})
}

func TestProduct_AddInventory(t *testing.T) {
	t.Run("increases quantity", func(t *testing.T) {
		p := NewProduct("p1")
		require.NoError(t, p.Create("Widget", 10))
		require.NoError(t, p.AddInventory(5))

		assert.Equal(t, int64(15), p.Quantity())
		assert.Equal(t, InventoryAdded{ProductID: "p1", Quantity: 5}, p.UncommittedEvents()[1])
	})

	t.Run("unknown product", func(t *testing.T) {
		err := NewProduct("p1").AddInventory(5)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("non-positive quantity", func(t *testing.T) {
		p := NewProduct("p1")
		require.NoError(t, p.Create("Widget", 10))

		for _, q := range []int64{0, -3} {
			assert.ErrorIs(t, p.AddInventory(q), ErrValidationFailed)
		}
		assert.Equal(t, int64(10), p.Quantity())
	})

	t.Run("validation wins over not found", func(t *testing.T) {
		assert.ErrorIs(t, NewProduct("p1").AddInventory(0), ErrValidationFailed)
	})
}

func TestProduct_RemoveInventory(t *testing.T) {
	t.Run("decreases quantity", func(t *testing.T) {
		p := NewProduct("p1")
		require.NoError(t, p.Create("Widget", 10))
		require.NoError(t, p.RemoveInventory(4))
		assert.Equal(t, int64(6), p.Quantity())
	})

	t.Run("can remove everything", func(t *testing.T) {
		p := NewProduct("p1")
		require.NoError(t, p.Create("Widget", 3))
		require.NoError(t, p.RemoveInventory(3))
		assert.Equal(t, int64(0), p.Quantity())
	})

	t.Run("insufficient stock", func(t *testing.T) {
		p := NewProduct("p1")
		require.NoError(t, p.Create("Widget", 3))

		err := p.RemoveInventory(4)

		var stock *InsufficientStockError
		require.ErrorAs(t, err, &stock)
		assert.Equal(t, int64(4), stock.Requested)
		assert.Equal(t, int64(3), stock.Available)
		assert.Equal(t, int64(3), p.Quantity())
		assert.Len(t, p.UncommittedEvents(), 1)
	})

	t.Run("unknown product", func(t *testing.T) {
		assert.ErrorIs(t, NewProduct("p1").RemoveInventory(1), ErrNotFound)
	})

	t.Run("non-positive quantity", func(t *testing.T) {
		p := NewProduct("p1")
		require.NoError(t, p.Create("Widget", 3))
		assert.ErrorIs(t, p.RemoveInventory(0), ErrValidationFailed)
	})
}

func TestFoldProduct(t *testing.T) {
	history := []interface{}{
		ProductCreated{ProductID: "p1", Name: "Widget", InitialQuantity: 10},
		InventoryAdded{ProductID: "p1", Quantity: 5},
		&InventoryRemoved{ProductID: "p1", Quantity: 3},
		InventoryRemoved{ProductID: "p1", Quantity: 12},
	}

	t.Run("quantity is initial plus adds minus removes", func(t *testing.T) {
		p, err := FoldProduct("p1", history)
		require.NoError(t, err)

		assert.Equal(t, ProductState{ProductID: "p1", Name: "Widget", Quantity: 0}, p.State())
		assert.Equal(t, int64(4), p.Version())
		assert.Empty(t, p.UncommittedEvents())
	})

	t.Run("folding twice gives the same state", func(t *testing.T) {
		a, err := FoldProduct("p1", history)
		require.NoError(t, err)
		b, err := FoldProduct("p1", history)
		require.NoError(t, err)

		assert.Equal(t, a.State(), b.State())
		assert.Equal(t, a.Version(), b.Version())
	})

	t.Run("every prefix folds to the running total", func(t *testing.T) {
		want := []int64{10, 15, 12, 0}
		for i := range history {
			p, err := FoldProduct("p1", history[:i+1])
			require.NoError(t, err)
			assert.Equal(t, want[i], p.Quantity(), "after %d events", i+1)
			assert.GreaterOrEqual(t, p.Quantity(), int64(0))
		}
	})

	t.Run("empty history is uninitialized", func(t *testing.T) {
		p, err := FoldProduct("p1", nil)
		require.NoError(t, err)
		assert.False(t, p.Exists())
		assert.Equal(t, int64(0), p.Version())
	})

	t.Run("unknown event fails the fold", func(t *testing.T) {
		_, err := FoldProduct("p1", []interface{}{struct{ X int }{1}})
		assert.True(t, errors.Is(err, ErrUnknownEvent))
	})
}
