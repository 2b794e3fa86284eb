// Package kafka publishes relayed inventory events to Kafka with
// github.com/segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/matsushun1/inventory/publisher"
)

var _ publisher.Publisher = (*Publisher)(nil)

// MessageWriter is the part of *kafkago.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes messages to Kafka topics, one writer per topic.
type Publisher struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	transport    kafkago.RoundTripper
	newWriter    func(topic string) MessageWriter

	mu      sync.RWMutex
	writers map[string]MessageWriter
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithBrokers sets the broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithBalancer sets the partitioner. The default hashes the message key so
// one product's events land on one partition.
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(p *Publisher) {
		p.balancer = balancer
	}
}

// WithBatchTimeout sets the writer batch timeout.
func WithBatchTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.batchTimeout = d
	}
}

// WithTransport sets the writer transport.
func WithTransport(t kafkago.RoundTripper) Option {
	return func(p *Publisher) {
		p.transport = t
	}
}

// WithWriterFactory replaces how per-topic writers are built.
func WithWriterFactory(fn func(topic string) MessageWriter) Option {
	return func(p *Publisher) {
		p.newWriter = fn
	}
}

// New creates a Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		writers:      make(map[string]MessageWriter),
	}
	p.newWriter = p.kafkaWriter

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements publisher.Publisher.
func (p *Publisher) Name() string {
	return "kafka"
}

// Publish writes messages grouped by topic. Every topic is attempted; errors
// are joined.
func (p *Publisher) Publish(ctx context.Context, messages []publisher.Message) error {
	grouped := make(map[string][]kafkago.Message)
	var order []string
	var errs []error
	for _, msg := range messages {
		if msg.Topic == "" {
			errs = append(errs, fmt.Errorf("kafka: message %s has no topic", msg.ID))
			continue
		}

		km := kafkago.Message{
			Key:   []byte(msg.Key),
			Value: msg.Payload,
		}
		for k, v := range msg.Headers {
			km.Headers = append(km.Headers, kafkago.Header{Key: k, Value: []byte(v)})
		}

		if _, ok := grouped[msg.Topic]; !ok {
			order = append(order, msg.Topic)
		}
		grouped[msg.Topic] = append(grouped[msg.Topic], km)
	}

	for _, topic := range order {
		if err := p.writer(topic).WriteMessages(ctx, grouped[topic]...); err != nil {
			errs = append(errs, fmt.Errorf("kafka: failed to write to topic %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}

func (p *Publisher) writer(topic string) MessageWriter {
	p.mu.RLock()
	if w, ok := p.writers[topic]; ok {
		p.mu.RUnlock()
		return w
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := p.newWriter(topic)
	p.writers[topic] = w
	return w
}

func (p *Publisher) kafkaWriter(topic string) MessageWriter {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               p.balancer,
		BatchTimeout:           p.batchTimeout,
		Transport:              p.transport,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
}
