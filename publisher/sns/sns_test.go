package sns

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matsushun1/inventory/publisher"
)

type mockSNSClient struct {
	calls []*sns.PublishInput
	err   error
}

func (m *mockSNSClient) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-123")}, nil
}

const arn = "arn:aws:sns:us-east-1:123456789012:inventory"

func TestPublisher_Publish(t *testing.T) {
	mock := &mockSNSClient{}
	p := New(arn, WithSNSClient(mock))
	assert.Equal(t, "sns", p.Name())

	err := p.Publish(context.Background(), []publisher.Message{{
		ID: "e1", Topic: "inventory.products", Key: "p1",
		Payload: []byte(`{"type":"InventoryAdded"}`),
		Headers: map[string]string{"event-type": "InventoryAdded"},
	}})
	require.NoError(t, err)
	require.Len(t, mock.calls, 1)

	call := mock.calls[0]
	assert.Equal(t, arn, *call.TopicArn)
	assert.Equal(t, `{"type":"InventoryAdded"}`, *call.Message)
	assert.Equal(t, "InventoryAdded", *call.MessageAttributes["event-type"].StringValue)
	assert.Equal(t, "inventory.products", *call.MessageAttributes["topic"].StringValue)
	assert.Nil(t, call.MessageGroupId)
	require.NoError(t, p.Close())
}

func TestPublisher_FIFO(t *testing.T) {
	mock := &mockSNSClient{}
	p := New(arn+".fifo", WithSNSClient(mock), WithFIFO())

	require.NoError(t, p.Publish(context.Background(), []publisher.Message{{ID: "e1", Key: "p1", Payload: []byte(`{}`)}}))
	require.Len(t, mock.calls, 1)
	assert.Equal(t, "p1", *mock.calls[0].MessageGroupId)
	assert.Equal(t, "e1", *mock.calls[0].MessageDeduplicationId)
}

func TestPublisher_Errors(t *testing.T) {
	ctx := context.Background()
	msgs := []publisher.Message{{ID: "e1", Payload: []byte(`{}`)}, {ID: "e2", Payload: []byte(`{}`)}}

	assert.Error(t, New(arn).Publish(ctx, msgs))
	assert.Error(t, New("", WithSNSClient(&mockSNSClient{})).Publish(ctx, msgs))

	throttled := errors.New("throttled")
	mock := &mockSNSClient{err: throttled}
	err := New(arn, WithSNSClient(mock)).Publish(ctx, msgs)
	assert.ErrorIs(t, err, throttled)
	assert.Len(t, mock.calls, 2)
}

func TestNewClient(t *testing.T) {
	client := NewClient("eu-west-1", "http://localhost:4566")
	require.NotNil(t, client)
	assert.Equal(t, "eu-west-1", client.Options().Region)
	assert.Equal(t, "http://localhost:4566", aws.ToString(client.Options().BaseEndpoint))

	t.Setenv("AWS_ACCESS_KEY_ID", "")
	_, err := client.Options().Credentials.Retrieve(context.Background())
	assert.Error(t, err)

	t.Setenv("AWS_ACCESS_KEY_ID", "AKIDEXAMPLE")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	creds, err := NewClient("eu-west-1", "").Options().Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
}
