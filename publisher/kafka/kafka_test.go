package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matsushun1/inventory/publisher"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafkago.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newFake(writers map[string]*fakeWriter) Option {
	return WithWriterFactory(func(topic string) MessageWriter {
		w, ok := writers[topic]
		if !ok {
			w = &fakeWriter{}
			writers[topic] = w
		}
		return w
	})
}

func TestNew(t *testing.T) {
	p := New()
	assert.Equal(t, "kafka", p.Name())
	assert.Equal(t, []string{"localhost:9092"}, p.brokers)
	assert.IsType(t, &kafkago.Hash{}, p.balancer)

	balancer := &kafkago.RoundRobin{}
	p = New(WithBrokers("b1:9092", "b2:9092"), WithBalancer(balancer), WithBatchTimeout(time.Second))
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, p.brokers)
	assert.Same(t, balancer, p.balancer)
	assert.Equal(t, time.Second, p.batchTimeout)
}

func TestPublisher_Publish(t *testing.T) {
	writers := map[string]*fakeWriter{}
	p := New(newFake(writers))

	err := p.Publish(context.Background(), []publisher.Message{
		{ID: "e1", Topic: "stock", Key: "p1", Payload: []byte(`{"a":1}`), Headers: map[string]string{"event-type": "InventoryAdded"}},
		{ID: "e2", Topic: "audit", Key: "p1", Payload: []byte(`{"b":2}`)},
		{ID: "e3", Topic: "stock", Key: "p2", Payload: []byte(`{"c":3}`)},
	})
	require.NoError(t, err)

	require.Len(t, writers["stock"].messages, 2)
	first := writers["stock"].messages[0]
	assert.Equal(t, []byte("p1"), first.Key)
	assert.Equal(t, []byte(`{"a":1}`), first.Value)
	require.Len(t, first.Headers, 1)
	assert.Equal(t, "event-type", first.Headers[0].Key)
	assert.Equal(t, []byte("p2"), writers["stock"].messages[1].Key)
	assert.Len(t, writers["audit"].messages, 1)

	require.NoError(t, p.Close())
	assert.True(t, writers["stock"].closed)
	assert.True(t, writers["audit"].closed)
}

func TestPublisher_PublishErrors(t *testing.T) {
	broken := errors.New("leader not available")
	writers := map[string]*fakeWriter{"bad": {err: broken}}
	p := New(newFake(writers))

	err := p.Publish(context.Background(), []publisher.Message{
		{ID: "e1", Payload: []byte(`{}`)},
		{ID: "e2", Topic: "bad", Payload: []byte(`{}`)},
		{ID: "e3", Topic: "good", Payload: []byte(`{}`)},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, broken)
	assert.Contains(t, err.Error(), "has no topic")
	assert.Len(t, writers["good"].messages, 1)
}

func TestPublisher_WriterCached(t *testing.T) {
	p := New(WithBrokers("localhost:1"))
	w1 := p.writer("stock")
	w2 := p.writer("stock")
	assert.Same(t, w1, w2)
	assert.NotSame(t, w1, p.writer("audit"))
	assert.NoError(t, p.Close())
}

func createTopic(t *testing.T, brokers, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", brokers)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer controllerConn.Close()

	require.NoError(t, controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		partitions, err := conn.ReadPartitions(topic)
		if err == nil && len(partitions) > 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("topic %s not available after 10s", topic)
}

func TestPublisher_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test (short mode)")
	}
	brokers := os.Getenv("TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("TEST_KAFKA_BROKERS not set")
	}

	topic := fmt.Sprintf("inventory-test-%d", time.Now().UnixNano())
	createTopic(t, brokers, topic)

	p := New(WithBrokers(brokers), WithTransport(&kafkago.Transport{}))
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, []publisher.Message{{
		ID: "e1", Topic: topic, Key: "p1", Payload: []byte(`{"type":"ProductCreated"}`),
		Headers: map[string]string{publisher.HeaderCorrelationID: "corr-1"},
	}}))

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: []string{brokers}, Topic: topic, Partition: 0,
		MinBytes: 1, MaxBytes: 10e6, MaxWait: 5 * time.Second,
	})
	defer reader.Close()

	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)
	assert.Equal(t, []byte("p1"), msg.Key)
	assert.Equal(t, []byte(`{"type":"ProductCreated"}`), msg.Value)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "corr-1", string(msg.Headers[0].Value))
}
