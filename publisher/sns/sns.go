// Package sns publishes relayed inventory events to an AWS SNS topic.
package sns

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/matsushun1/inventory/publisher"
)

var _ publisher.Publisher = (*Publisher)(nil)

// SNSClient is the subset of the SNS API the publisher uses.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes each message to one topic ARN. Message.Topic is kept
// as a message attribute.
type Publisher struct {
	client   SNSClient
	topicARN string
	fifo     bool
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithSNSClient sets the SNS client.
func WithSNSClient(client SNSClient) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithFIFO sets MessageGroupId to the message key and
// MessageDeduplicationId to the message id, as FIFO topics require.
func WithFIFO() Option {
	return func(p *Publisher) {
		p.fifo = true
	}
}

// New creates a Publisher for topicARN.
func New(topicARN string, opts ...Option) *Publisher {
	p := &Publisher{topicARN: topicARN}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewClient builds an SNS client for region from the standard AWS_*
// environment credentials. endpoint overrides the service URL when set.
func NewClient(region, endpoint string) *sns.Client {
	creds := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, errors.New("sns: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "EnvironmentVariables",
		}, nil
	})

	opts := sns.Options{
		Region:      region,
		Credentials: aws.NewCredentialsCache(creds),
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return sns.New(opts)
}

// Name implements publisher.Publisher.
func (p *Publisher) Name() string {
	return "sns"
}

// Publish sends each message. All messages are attempted; errors are joined.
func (p *Publisher) Publish(ctx context.Context, messages []publisher.Message) error {
	if p.client == nil {
		return errors.New("sns: client not configured")
	}
	if p.topicARN == "" {
		return errors.New("sns: topic ARN not configured")
	}

	var errs []error
	for _, msg := range messages {
		input := &sns.PublishInput{
			TopicArn:          aws.String(p.topicARN),
			Message:           aws.String(string(msg.Payload)),
			MessageAttributes: make(map[string]types.MessageAttributeValue, len(msg.Headers)+1),
		}
		for k, v := range msg.Headers {
			input.MessageAttributes[k] = stringAttribute(v)
		}
		if msg.Topic != "" {
			input.MessageAttributes["topic"] = stringAttribute(msg.Topic)
		}
		if p.fifo {
			input.MessageGroupId = aws.String(msg.Key)
			input.MessageDeduplicationId = aws.String(msg.ID)
		}

		if _, err := p.client.Publish(ctx, input); err != nil {
			errs = append(errs, fmt.Errorf("sns: failed to publish %s to %s: %w", msg.ID, p.topicARN, err))
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op; the SNS client holds no connections of its own.
func (p *Publisher) Close() error {
	return nil
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
