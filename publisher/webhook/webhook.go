// Package webhook delivers relayed inventory events as HTTP POST requests.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matsushun1/inventory/publisher"
)

var _ publisher.Publisher = (*Publisher)(nil)

// HeaderPrefix is prepended to every message header.
const HeaderPrefix = "X-Inventory-"

// Publisher POSTs each message to one URL.
type Publisher struct {
	url            string
	client         *http.Client
	defaultHeaders map[string]string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = d
	}
}

// WithDefaultHeaders adds headers sent with every request.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Publisher) {
		for k, v := range headers {
			p.defaultHeaders[k] = v
		}
	}
}

// New creates a Publisher for url.
func New(url string, opts ...Option) *Publisher {
	p := &Publisher{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements publisher.Publisher.
func (p *Publisher) Name() string {
	return "webhook"
}

// Publish POSTs each message. Every message is attempted; errors are joined.
// The message id is sent as Idempotency-Key so receivers can drop repeats.
func (p *Publisher) Publish(ctx context.Context, messages []publisher.Message) error {
	if p.url == "" {
		return errors.New("webhook: URL not configured")
	}

	var errs []error
	for _, msg := range messages {
		if err := p.post(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) post(ctx context.Context, msg publisher.Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("webhook: failed to create request: %w", err)
	}

	for k, v := range p.defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range msg.Headers {
		req.Header.Set(HeaderPrefix+k, v)
	}
	if msg.Topic != "" {
		req.Header.Set(HeaderPrefix+"topic", msg.Topic)
	}
	req.Header.Set("Idempotency-Key", msg.ID)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed for %s: %w", p.url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook: server error %d from %s", resp.StatusCode, p.url)
	case resp.StatusCode >= 400:
		return fmt.Errorf("webhook: client error %d from %s", resp.StatusCode, p.url)
	}
	return nil
}

// Close releases idle connections.
func (p *Publisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
