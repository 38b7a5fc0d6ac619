package udp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Strob0t/hostagent/internal/resilience"
)

// Pusher delivers serialized records to udp://host:port or http(s)://
// destinations. HTTP pushes are guarded by one breaker per host.
type Pusher struct {
	transport *Transport
	client    *http.Client
	breakers  *resilience.Set
}

// NewPusher creates a pusher sending datagrams through t.
func NewPusher(t *Transport, breakers *resilience.Set) *Pusher {
	return &Pusher{
		transport: t,
		client:    &http.Client{Timeout: 10 * time.Second},
		breakers:  breakers,
	}
}

// Push sends data to destination.
func (p *Pusher) Push(ctx context.Context, destination string, data []byte) error {
	u, err := url.Parse(destination)
	if err != nil {
		return fmt.Errorf("parse destination: %w", err)
	}
	switch u.Scheme {
	case "udp":
		return p.transport.SendTo(u.Host, data)
	case "http", "https":
		return p.breakers.For(u.Host).Execute(ctx, func(ctx context.Context) error {
			return p.post(ctx, destination, data)
		})
	default:
		return fmt.Errorf("unsupported destination scheme %q", u.Scheme)
	}
}

func (p *Pusher) post(ctx context.Context, destination string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", destination, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: status %d", destination, resp.StatusCode)
	}
	return nil
}
