// Package link defines the port for the persistent event channel between an
// agent and its coordinator.
package link

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// ErrNotConnected is returned by Publish while no connection is up.
var ErrNotConnected = errors.New("link not connected")

// Handler processes one inbound message from the coordinator.
type Handler func(ctx context.Context, data []byte)

// Conn is one established coordinator connection.
type Conn interface {
	// Publish sends a serialized command to the coordinator.
	Publish(ctx context.Context, data []byte) error

	// IsConnected reports whether the connection is still usable.
	IsConnected() bool

	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}

	// Close shuts the connection down.
	Close() error
}

// Dialer opens a connection to the coordinator at url. Inbound messages are
// delivered to h until the connection ends.
type Dialer interface {
	Dial(ctx context.Context, url, agentID string, h Handler) (Conn, error)
}

// Schemes selects a Dialer by URL scheme.
type Schemes map[string]Dialer

// Dial dispatches to the dialer registered for the scheme of rawURL.
func (s Schemes) Dial(ctx context.Context, rawURL, agentID string, h Handler) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse link url: %w", err)
	}
	d, ok := s[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("no link dialer for scheme %q", u.Scheme)
	}
	return d.Dial(ctx, rawURL, agentID, h)
}
