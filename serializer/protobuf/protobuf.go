// Package protobuf provides a Protocol Buffers wire-format event serializer.
//
// Product events are encoded field by field with protowire, so no generated
// code is needed for them:
//
//	message ProductCreated   { string product_id = 1; string name = 2; int64 initial_quantity = 3; }
//	message InventoryAdded   { string product_id = 1; int64 quantity = 2; }
//	message InventoryRemoved { string product_id = 1; int64 quantity = 2; }
//
// Other event types may be registered as generated proto.Message types.
package protobuf

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"github.com/matsushun1/inventory"
)

var (
	// ErrNotProtoMessage indicates the event is neither a product event nor a proto.Message.
	ErrNotProtoMessage = errors.New("inventory/protobuf: event must implement proto.Message")

	// ErrTypeNotRegistered indicates the event type is not registered.
	ErrTypeNotRegistered = errors.New("inventory/protobuf: event type not registered")
)

var _ inventory.Serializer = (*Serializer)(nil)

// Field numbers of the product event messages.
const (
	fieldProductID       protowire.Number = 1
	fieldName            protowire.Number = 2
	fieldInitialQuantity protowire.Number = 3
	fieldQuantity        protowire.Number = 2
)

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// Serializer encodes events in the Protocol Buffers wire format.
type Serializer struct {
	mu       sync.RWMutex
	registry map[string]reflect.Type
}

// NewSerializer creates a serializer that knows the product events.
func NewSerializer() *Serializer {
	return &Serializer{registry: make(map[string]reflect.Type)}
}

// Register adds a generated message type under eventType.
func (s *Serializer) Register(eventType string, message interface{}) error {
	typ := reflect.TypeOf(message)
	if typ == nil {
		return inventory.NewSerializationError(eventType, "register", ErrNotProtoMessage)
	}
	if typ.Kind() != reflect.Ptr {
		typ = reflect.PointerTo(typ)
	}
	if !typ.Implements(protoMessageType) {
		return inventory.NewSerializationError(eventType, "register", ErrNotProtoMessage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[eventType] = typ.Elem()
	return nil
}

// MustRegister registers a message type and panics on error.
func (s *Serializer) MustRegister(eventType string, message interface{}) {
	if err := s.Register(eventType, message); err != nil {
		panic(err)
	}
}

// RegisteredTypes returns the sorted names of the registered message types.
func (s *Serializer) RegisteredTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.registry))
	for name := range s.registry {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Serialize encodes an event.
func (s *Serializer) Serialize(event interface{}) ([]byte, error) {
	switch e := event.(type) {
	case nil:
		return nil, inventory.NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	case inventory.ProductCreated:
		return encodeProductCreated(e), nil
	case *inventory.ProductCreated:
		return encodeProductCreated(*e), nil
	case inventory.InventoryAdded:
		return encodeQuantity(e.ProductID, e.Quantity), nil
	case *inventory.InventoryAdded:
		return encodeQuantity(e.ProductID, e.Quantity), nil
	case inventory.InventoryRemoved:
		return encodeQuantity(e.ProductID, e.Quantity), nil
	case *inventory.InventoryRemoved:
		return encodeQuantity(e.ProductID, e.Quantity), nil
	case proto.Message:
		data, err := proto.Marshal(e)
		if err != nil {
			return nil, inventory.NewSerializationError(inventory.GetEventType(event), "serialize", err)
		}
		return data, nil
	}
	return nil, inventory.NewSerializationError(inventory.GetEventType(event), "serialize", ErrNotProtoMessage)
}

// Deserialize decodes data as eventType. Product events come back as values,
// registered messages as pointers.
func (s *Serializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	switch eventType {
	case inventory.EventProductCreated:
		e, err := decodeProductCreated(data)
		if err != nil {
			return nil, inventory.NewSerializationError(eventType, "deserialize", err)
		}
		return e, nil
	case inventory.EventInventoryAdded:
		id, qty, err := decodeQuantity(data)
		if err != nil {
			return nil, inventory.NewSerializationError(eventType, "deserialize", err)
		}
		return inventory.InventoryAdded{ProductID: id, Quantity: qty}, nil
	case inventory.EventInventoryRemoved:
		id, qty, err := decodeQuantity(data)
		if err != nil {
			return nil, inventory.NewSerializationError(eventType, "deserialize", err)
		}
		return inventory.InventoryRemoved{ProductID: id, Quantity: qty}, nil
	}

	s.mu.RLock()
	typ, ok := s.registry[eventType]
	s.mu.RUnlock()
	if !ok {
		return nil, inventory.NewSerializationError(eventType, "deserialize", ErrTypeNotRegistered)
	}

	msg := reflect.New(typ).Interface().(proto.Message)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, inventory.NewSerializationError(eventType, "deserialize", err)
	}
	return msg, nil
}

func encodeProductCreated(e inventory.ProductCreated) []byte {
	var b []byte
	b = appendString(b, fieldProductID, e.ProductID)
	b = appendString(b, fieldName, e.Name)
	return appendInt(b, fieldInitialQuantity, e.InitialQuantity)
}

func encodeQuantity(productID string, quantity int64) []byte {
	b := appendString(nil, fieldProductID, productID)
	return appendInt(b, fieldQuantity, quantity)
}

// Zero values are omitted, as proto3 does.
func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func decodeProductCreated(data []byte) (inventory.ProductCreated, error) {
	var e inventory.ProductCreated
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldProductID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.ProductID = v
			return n, nil
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.Name = v
			return n, nil
		case num == fieldInitialQuantity && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.InitialQuantity = int64(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return e, err
}

func decodeQuantity(data []byte) (string, int64, error) {
	var (
		productID string
		quantity  int64
	)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldProductID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			productID = v
			return n, nil
		case num == fieldQuantity && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			quantity = int64(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return productID, quantity, err
}

// walk calls field for every field in data. Unknown fields are skipped.
func walk(data []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		m, err := field(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}
