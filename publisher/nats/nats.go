// Package nats publishes relayed inventory events to NATS JetStream.
//
// Every message is published with its event id as the JetStream message id,
// so redeliveries inside the stream's duplicate window are dropped by the
// server.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/matsushun1/inventory/publisher"
)

var _ publisher.Publisher = (*Publisher)(nil)

// DefaultStream is the stream created by EnsureStream when none is named.
const DefaultStream = "INVENTORY"

// MsgPublisher is the part of jetstream.JetStream the publisher uses.
type MsgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher publishes messages with JetStream acknowledgements.
type Publisher struct {
	js      MsgPublisher
	conn    *nats.Conn
	subject string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithSubject overrides Message.Topic as the subject.
func WithSubject(subject string) Option {
	return func(p *Publisher) {
		p.subject = subject
	}
}

// New creates a Publisher over an existing JetStream handle.
func New(js MsgPublisher, opts ...Option) *Publisher {
	p := &Publisher{js: js}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials url and returns a Publisher that owns the connection.
func Connect(url string, opts ...Option) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("inventory"))
	if err != nil {
		return nil, fmt.Errorf("nats: connect to %s: %w", url, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats: create JetStream context: %w", err)
	}

	p := New(js, opts...)
	p.conn = conn
	return p, nil
}

// EnsureStream creates or updates a stream capturing subjects, with a
// duplicate window for message-id deduplication.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string, subjects ...string) (jetstream.Stream, error) {
	if name == "" {
		name = DefaultStream
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("nats: ensure stream %s: %w", name, err)
	}
	return stream, nil
}

// EnsureStream creates the stream for the publisher's subjects when the
// publisher was built over a full JetStream handle.
func (p *Publisher) EnsureStream(ctx context.Context, name string, subjects ...string) error {
	js, ok := p.js.(jetstream.JetStream)
	if !ok {
		return fmt.Errorf("nats: stream management needs a JetStream handle")
	}
	if p.subject != "" {
		subjects = append(subjects, p.subject)
	}
	_, err := EnsureStream(ctx, js, name, subjects...)
	return err
}

// Name implements publisher.Publisher.
func (p *Publisher) Name() string {
	return "nats"
}

// Publish sends each message and waits for its ack. Errors are joined.
func (p *Publisher) Publish(ctx context.Context, messages []publisher.Message) error {
	var errs []error
	for _, msg := range messages {
		subject := p.subject
		if subject == "" {
			subject = msg.Topic
		}
		if subject == "" {
			errs = append(errs, fmt.Errorf("nats: message %s has no subject", msg.ID))
			continue
		}

		m := nats.NewMsg(subject)
		m.Data = msg.Payload
		for k, v := range msg.Headers {
			m.Header.Set(k, v)
		}

		if _, err := p.js.PublishMsg(ctx, m, jetstream.WithMsgID(msg.ID)); err != nil {
			errs = append(errs, fmt.Errorf("nats: failed to publish %s to %s: %w", msg.ID, subject, err))
		}
	}
	return errors.Join(errs...)
}

// Close drains the connection when the publisher owns one.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	p.conn = nil
	return err
}
