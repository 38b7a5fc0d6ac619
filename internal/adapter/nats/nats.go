// Package nats implements the coordinator link over core NATS subjects.
//
// The agent publishes on agents.<id>.events and receives commands on
// agents.<id>.commands.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Strob0t/hostagent/internal/logger"
	"github.com/Strob0t/hostagent/internal/port/link"
)

const headerRequestID = "X-Request-ID"

// EventsSubject is where agent id publishes.
func EventsSubject(agentID string) string { return "agents." + agentID + ".events" }

// CommandsSubject is where agent id receives commands.
func CommandsSubject(agentID string) string { return "agents." + agentID + ".commands" }

// Dialer connects to nats:// coordinators.
type Dialer struct {
	ReconnectWait time.Duration
}

// NewDialer returns a dialer with default settings.
func NewDialer() *Dialer {
	return &Dialer{ReconnectWait: 2 * time.Second}
}

// Dial connects and subscribes to the agent command subject. The client
// reconnects on its own; the link is reported done only when the client
// gives up or is closed.
func (d *Dialer) Dial(ctx context.Context, url, agentID string, h link.Handler) (link.Conn, error) {
	c := &Conn{
		events: EventsSubject(agentID),
		done:   make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name("hostagent-" + agentID),
		nats.ReconnectWait(d.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(*nats.Conn) { c.markDone() }),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.nc = nc

	sub, err := nc.Subscribe(CommandsSubject(agentID), func(msg *nats.Msg) {
		mctx := context.Background()
		if id := msg.Header.Get(headerRequestID); id != "" {
			mctx = logger.WithRequestID(mctx, id)
		}
		h(mctx, msg.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	c.sub = sub

	slog.Info("link connected", "url", nc.ConnectedUrlRedacted(), "transport", "nats")
	return c, nil
}

// Conn is an established NATS link.
type Conn struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	events string

	once sync.Once
	done chan struct{}
}

// Publish sends data on the events subject. The request id of ctx, if any,
// travels as a header.
func (c *Conn) Publish(ctx context.Context, data []byte) error {
	if !c.IsConnected() {
		return link.ErrNotConnected
	}
	msg := nats.NewMsg(c.events)
	msg.Data = data
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", c.events, err)
	}
	return nil
}

// IsConnected reports whether the client is currently connected.
func (c *Conn) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Done is closed once the client is closed for good.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close drains the subscription and closes the client.
func (c *Conn) Close() error {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.nc.Close()
	c.markDone()
	return nil
}

func (c *Conn) markDone() {
	c.once.Do(func() {
		close(c.done)
		slog.Info("link disconnected", "transport", "nats")
	})
}
