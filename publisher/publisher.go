// Package publisher relays committed inventory events to message brokers.
//
// A Relay is a dispatcher subscriber. Each event becomes one Message keyed by
// product id, so brokers that partition by key keep per-product order:
//
//	relay := publisher.NewRelay("kafka-relay", kafka.New(kafka.WithBrokers("localhost:9092")))
//	svc, _ := inventory.NewService(adapter, products, inventory.WithSubscribers(relay))
//
// Delivery is at-least-once. Consumers should deduplicate on Message.ID.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matsushun1/inventory"
)

// DefaultTopic is the topic used when a Relay has none configured.
const DefaultTopic = "inventory.products"

// Header names set on every relayed message.
const (
	HeaderEventID        = "event-id"
	HeaderEventType      = "event-type"
	HeaderProductID      = "product-id"
	HeaderSequence       = "sequence"
	HeaderGlobalPosition = "global-position"
	HeaderCorrelationID  = "correlation-id"
	HeaderCausationID    = "causation-id"
)

// Message is one event ready for a broker.
type Message struct {
	ID      string
	Topic   string
	Key     string
	Payload []byte
	Headers map[string]string
}

// Publisher sends messages to one kind of broker.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, messages []Message) error
	Close() error
}

// Envelope is the JSON payload of a relayed message.
type Envelope struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	ProductID      string          `json:"productId"`
	Sequence       int64           `json:"sequence"`
	GlobalPosition uint64          `json:"globalPosition"`
	Timestamp      time.Time       `json:"timestamp"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Data           json.RawMessage `json:"data"`
}

// ToMessage builds the message for event on topic.
func ToMessage(topic string, event inventory.Event) (Message, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return Message{}, fmt.Errorf("publisher: encoding %s data: %w", event.Type, err)
	}

	payload, err := json.Marshal(Envelope{
		ID:             event.ID,
		Type:           event.Type,
		ProductID:      event.ProductID,
		Sequence:       event.Version,
		GlobalPosition: event.GlobalPosition,
		Timestamp:      event.Timestamp,
		CorrelationID:  event.Metadata.CorrelationID,
		Data:           data,
	})
	if err != nil {
		return Message{}, fmt.Errorf("publisher: encoding envelope: %w", err)
	}

	headers := map[string]string{
		HeaderEventID:        event.ID,
		HeaderEventType:      event.Type,
		HeaderProductID:      event.ProductID,
		HeaderSequence:       strconv.FormatInt(event.Version, 10),
		HeaderGlobalPosition: strconv.FormatUint(event.GlobalPosition, 10),
	}
	if event.Metadata.CorrelationID != "" {
		headers[HeaderCorrelationID] = event.Metadata.CorrelationID
	}
	if event.Metadata.CausationID != "" {
		headers[HeaderCausationID] = event.Metadata.CausationID
	}

	return Message{
		ID:      event.ID,
		Topic:   topic,
		Key:     event.ProductID,
		Payload: payload,
		Headers: headers,
	}, nil
}

// Relay forwards every event it receives to its publishers.
type Relay struct {
	name       string
	topic      string
	eventTypes map[string]bool
	publishers []Publisher
	logger     inventory.Logger
}

var _ inventory.Subscriber = (*Relay)(nil)

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithTopic sets the topic, subject or destination name.
func WithTopic(topic string) RelayOption {
	return func(r *Relay) {
		r.topic = topic
	}
}

// WithEventTypes limits the relay to the given event types.
func WithEventTypes(types ...string) RelayOption {
	return func(r *Relay) {
		r.eventTypes = make(map[string]bool, len(types))
		for _, t := range types {
			r.eventTypes[t] = true
		}
	}
}

// WithRelayLogger sets the logger.
func WithRelayLogger(l inventory.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = l
	}
}

// NewRelay creates a relay named name. The name is also its checkpoint key.
func NewRelay(name string, publishers []Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		name:       name,
		topic:      DefaultTopic,
		publishers: publishers,
		logger:     inventory.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements inventory.Subscriber.
func (r *Relay) Name() string {
	return r.name
}

// Publishers returns the configured publishers.
func (r *Relay) Publishers() []Publisher {
	return r.publishers
}

// Handle publishes event to every publisher. All publishers are attempted;
// failures are joined so the dispatcher redelivers the event.
func (r *Relay) Handle(ctx context.Context, event inventory.Event) error {
	if r.eventTypes != nil && !r.eventTypes[event.Type] {
		return nil
	}

	msg, err := ToMessage(r.topic, event)
	if err != nil {
		return err
	}

	var errs []error
	for _, p := range r.publishers {
		if err := p.Publish(ctx, []Message{msg}); err != nil {
			r.logger.Warn("Publish failed",
				"relay", r.name,
				"publisher", p.Name(),
				"event", event.ID,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (r *Relay) Close() error {
	var errs []error
	for _, p := range r.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
