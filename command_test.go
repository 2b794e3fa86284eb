package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommands_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"create ok", CreateProduct{ProductID: "p1", Name: "Widget", InitialQuantity: 0}, false},
		{"create without id", CreateProduct{Name: "Widget"}, true},
		{"create without name", CreateProduct{ProductID: "p1"}, true},
		{"create negative", CreateProduct{ProductID: "p1", Name: "Widget", InitialQuantity: -1}, true},
		{"add ok", AddInventory{ProductID: "p1", Quantity: 1}, false},
		{"add zero", AddInventory{ProductID: "p1"}, true},
		{"add without id", AddInventory{Quantity: 1}, true},
		{"remove ok", RemoveInventory{ProductID: "p1", Quantity: 1}, false},
		{"remove negative", RemoveInventory{ProductID: "p1", Quantity: -2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidationFailed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodeCommand(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		cmd, err := DecodeCommand(CmdCreateProduct, "p1", []byte(`{"name":"Widget","initialQuantity":4,"idempotencyKey":"k"}`))
		require.NoError(t, err)

		create, ok := cmd.(CreateProduct)
		require.True(t, ok)
		assert.Equal(t, "p1", create.ProductID)
		assert.Equal(t, "Widget", create.Name)
		assert.Equal(t, int64(4), create.InitialQuantity)
		assert.Equal(t, "k", create.IdempotencyKey())
	})

	t.Run("path id wins over payload id", func(t *testing.T) {
		cmd, err := DecodeCommand(CmdAddInventory, "p1", []byte(`{"productId":"other","quantity":2}`))
		require.NoError(t, err)
		assert.Equal(t, "p1", cmd.(AddInventory).ProductID)
	})

	t.Run("empty payload", func(t *testing.T) {
		cmd, err := DecodeCommand(CmdRemoveInventory, "p1", nil)
		require.NoError(t, err)
		assert.ErrorIs(t, cmd.Validate(), ErrValidationFailed)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := DecodeCommand(CmdAddInventory, "p1", []byte(`{"quantity":"lots"}`))
		assert.ErrorIs(t, err, ErrValidationFailed)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := DecodeCommand("Teleport", "p1", nil)
		assert.ErrorIs(t, err, ErrHandlerNotFound)
	})
}

func TestCommandResult(t *testing.T) {
	assert.True(t, NewSuccessResult("p1", 3).IsSuccess())
	assert.False(t, NewErrorResult(ErrNotFound).IsSuccess())
	assert.False(t, CommandResult{Success: true, Error: ErrNotFound}.IsSuccess())
}
