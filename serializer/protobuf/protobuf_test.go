package protobuf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matsushun1/inventory"
	"github.com/matsushun1/inventory/adapters/memory"
)

type notProto struct {
	Value string
}

func TestSerializer_ProductEvents(t *testing.T) {
	s := NewSerializer()

	tests := []struct {
		name      string
		eventType string
		event     interface{}
		want      interface{}
	}{
		{"created", inventory.EventProductCreated,
			inventory.ProductCreated{ProductID: "p1", Name: "Widget", InitialQuantity: 10},
			inventory.ProductCreated{ProductID: "p1", Name: "Widget", InitialQuantity: 10}},
		{"created zero quantity", inventory.EventProductCreated,
			&inventory.ProductCreated{ProductID: "p1", Name: "Widget"},
			inventory.ProductCreated{ProductID: "p1", Name: "Widget"}},
		{"added", inventory.EventInventoryAdded,
			inventory.InventoryAdded{ProductID: "p1", Quantity: 1 << 40},
			inventory.InventoryAdded{ProductID: "p1", Quantity: 1 << 40}},
		{"removed", inventory.EventInventoryRemoved,
			&inventory.InventoryRemoved{ProductID: "p2", Quantity: 3},
			inventory.InventoryRemoved{ProductID: "p2", Quantity: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := s.Serialize(tt.event)
			require.NoError(t, err)

			got, err := s.Deserialize(data, tt.eventType)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSerializer_WireLayout(t *testing.T) {
	s := NewSerializer()
	data, err := s.Serialize(inventory.InventoryAdded{ProductID: "p1", Quantity: 5})
	require.NoError(t, err)

	want := protowire.AppendTag(nil, 1, protowire.BytesType)
	want = protowire.AppendString(want, "p1")
	want = protowire.AppendTag(want, 2, protowire.VarintType)
	want = protowire.AppendVarint(want, 5)
	assert.Equal(t, want, data)
}

func TestSerializer_SkipsUnknownFields(t *testing.T) {
	s := NewSerializer()
	data, err := s.Serialize(inventory.InventoryAdded{ProductID: "p1", Quantity: 5})
	require.NoError(t, err)

	data = protowire.AppendTag(data, 9, protowire.BytesType)
	data = protowire.AppendString(data, "added later")

	got, err := s.Deserialize(data, inventory.EventInventoryAdded)
	require.NoError(t, err)
	assert.Equal(t, inventory.InventoryAdded{ProductID: "p1", Quantity: 5}, got)
}

func TestSerializer_Truncated(t *testing.T) {
	s := NewSerializer()
	data, err := s.Serialize(inventory.ProductCreated{ProductID: "p1", Name: "Widget", InitialQuantity: 300})
	require.NoError(t, err)

	_, err = s.Deserialize(data[:len(data)-1], inventory.EventProductCreated)
	assert.ErrorIs(t, err, inventory.ErrSerializationFailed)
}

func TestSerializer_RegisteredMessages(t *testing.T) {
	s := NewSerializer()
	require.NoError(t, s.Register("Note", &wrapperspb.StringValue{}))
	s.MustRegister("Count", &wrapperspb.Int64Value{})
	assert.Equal(t, []string{"Count", "Note"}, s.RegisteredTypes())

	data, err := s.Serialize(wrapperspb.String("restock due"))
	require.NoError(t, err)

	got, err := s.Deserialize(data, "Note")
	require.NoError(t, err)
	msg, ok := got.(*wrapperspb.StringValue)
	require.True(t, ok)
	assert.True(t, proto.Equal(wrapperspb.String("restock due"), msg))
}

func TestSerializer_Errors(t *testing.T) {
	s := NewSerializer()

	err := s.Register("Plain", notProto{})
	assert.ErrorIs(t, err, ErrNotProtoMessage)
	assert.Panics(t, func() { s.MustRegister("Plain", notProto{}) })

	_, err = s.Serialize(nil)
	assert.ErrorIs(t, err, inventory.ErrSerializationFailed)

	_, err = s.Serialize(notProto{Value: "x"})
	assert.ErrorIs(t, err, ErrNotProtoMessage)

	_, err = s.Deserialize([]byte{0x0a}, "Unknown")
	assert.ErrorIs(t, err, ErrTypeNotRegistered)
	assert.ErrorIs(t, err, inventory.ErrSerializationFailed)
}

func TestSerializer_WithEventStore(t *testing.T) {
	ctx := context.Background()
	store := inventory.NewEventStore(memory.NewAdapter(), inventory.WithSerializer(NewSerializer()))

	_, err := store.Append(ctx, "p1", inventory.NoStream, []interface{}{
		inventory.ProductCreated{ProductID: "p1", Name: "Widget", InitialQuantity: 2},
		inventory.InventoryRemoved{ProductID: "p1", Quantity: 2},
	})
	require.NoError(t, err)

	product, err := store.LoadProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Widget", product.Name())
	assert.Equal(t, int64(0), product.Quantity())
}
