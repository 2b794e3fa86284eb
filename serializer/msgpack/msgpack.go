// Package msgpack provides a MessagePack event serializer.
//
// Payloads are smaller than JSON and decode into the same registered Go
// types:
//
//	store := inventory.NewEventStore(adapter,
//		inventory.WithSerializer(msgpack.NewSerializer()))
package msgpack

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/matsushun1/inventory"
)

var (
	_ inventory.Serializer     = (*Serializer)(nil)
	_ inventory.EventRegistrar = (*Serializer)(nil)
)

// Serializer encodes events with MessagePack.
type Serializer struct {
	registry *inventory.EventRegistry
	useJSON  bool
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithRegistry shares an existing registry.
func WithRegistry(registry *inventory.EventRegistry) SerializerOption {
	return func(s *Serializer) {
		s.registry = registry
	}
}

// WithJSONTags makes field names follow json struct tags when a field has no
// msgpack tag.
func WithJSONTags() SerializerOption {
	return func(s *Serializer) {
		s.useJSON = true
	}
}

// NewSerializer creates a Serializer with an empty registry.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{registry: inventory.NewEventRegistry()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register maps eventType to the Go type of example.
func (s *Serializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers events under their struct names.
func (s *Serializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the type registry.
func (s *Serializer) Registry() *inventory.EventRegistry {
	return s.registry
}

// Serialize converts an event to MessagePack bytes.
func (s *Serializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, inventory.NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if s.useJSON {
		enc.SetCustomStructTag("json")
	}
	if err := enc.Encode(event); err != nil {
		return nil, inventory.NewSerializationError(inventory.GetEventType(event), "serialize", err)
	}
	return buf.Bytes(), nil
}

// Deserialize converts MessagePack bytes back to an event. Unregistered
// types decode to map[string]interface{}.
func (s *Serializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	if len(data) == 0 {
		return nil, inventory.NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if s.useJSON {
		dec.SetCustomStructTag("json")
	}

	t, ok := s.registry.Lookup(eventType)
	if !ok {
		var result map[string]interface{}
		if err := dec.Decode(&result); err != nil {
			return nil, inventory.NewSerializationError(eventType, "deserialize", err)
		}
		return result, nil
	}

	ptr := reflect.New(t)
	if err := dec.Decode(ptr.Interface()); err != nil {
		return nil, inventory.NewSerializationError(eventType, "deserialize", err)
	}
	return ptr.Elem().Interface(), nil
}
