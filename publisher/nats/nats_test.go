package nats

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matsushun1/inventory/publisher"
)

type published struct {
	msg  *nats.Msg
	opts int
}

type fakeJetStream struct {
	calls []published
	err   error
}

func (f *fakeJetStream) PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.calls = append(f.calls, published{msg: msg, opts: len(opts)})
	if f.err != nil {
		return nil, f.err
	}
	return &jetstream.PubAck{Stream: DefaultStream, Sequence: uint64(len(f.calls))}, nil
}

func TestPublisher_Publish(t *testing.T) {
	js := &fakeJetStream{}
	p := New(js)
	assert.Equal(t, "nats", p.Name())

	err := p.Publish(context.Background(), []publisher.Message{{
		ID: "e1", Topic: "inventory.products", Key: "p1",
		Payload: []byte(`{"type":"ProductCreated"}`),
		Headers: map[string]string{publisher.HeaderEventType: "ProductCreated"},
	}})
	require.NoError(t, err)
	require.Len(t, js.calls, 1)
	assert.Equal(t, "inventory.products", js.calls[0].msg.Subject)
	assert.Equal(t, []byte(`{"type":"ProductCreated"}`), js.calls[0].msg.Data)
	assert.Equal(t, "ProductCreated", js.calls[0].msg.Header.Get(publisher.HeaderEventType))
	assert.Equal(t, 1, js.calls[0].opts)
	assert.NoError(t, p.Close())
}

func TestPublisher_SubjectOverride(t *testing.T) {
	js := &fakeJetStream{}
	p := New(js, WithSubject("stock.events"))

	require.NoError(t, p.Publish(context.Background(), []publisher.Message{{ID: "e1", Payload: []byte(`{}`)}}))
	assert.Equal(t, "stock.events", js.calls[0].msg.Subject)
}

func TestPublisher_Errors(t *testing.T) {
	unavailable := errors.New("no responders")
	js := &fakeJetStream{err: unavailable}
	p := New(js)

	err := p.Publish(context.Background(), []publisher.Message{
		{ID: "e1", Payload: []byte(`{}`)},
		{ID: "e2", Topic: "inventory.products", Payload: []byte(`{}`)},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, unavailable)
	assert.Contains(t, err.Error(), "has no subject")
	assert.Len(t, js.calls, 1)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1")
	assert.Error(t, err)
}

func TestPublisher_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test (short mode)")
	}
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := nats.Connect(url)
	require.NoError(t, err)
	defer conn.Close()
	js, err := jetstream.New(conn)
	require.NoError(t, err)

	name := fmt.Sprintf("INVENTORY_TEST_%d", time.Now().UnixNano())
	subject := fmt.Sprintf("inventory.test.%d", time.Now().UnixNano())
	stream, err := EnsureStream(ctx, js, name, subject)
	require.NoError(t, err)
	defer func() { _ = js.DeleteStream(context.Background(), name) }()

	p := New(js)
	msg := publisher.Message{ID: "e1", Topic: subject, Key: "p1", Payload: []byte(`{}`)}
	require.NoError(t, p.Publish(ctx, []publisher.Message{msg}))
	require.NoError(t, p.Publish(ctx, []publisher.Message{msg}))

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

func TestPublisher_EnsureStreamNeedsJetStream(t *testing.T) {
	p := New(&fakeJetStream{})
	assert.Error(t, p.EnsureStream(context.Background(), DefaultStream, "inventory.>"))
}
