// Package ws implements the coordinator link over a WebSocket connection.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/hostagent/internal/port/link"
)

// DefaultPingInterval is how often an idle connection is pinged.
const DefaultPingInterval = 30 * time.Second

// readLimit caps a single inbound message.
const readLimit = 1 << 20

// maxInFlight bounds inbound messages being handled at once. Reading pauses
// while the limit is reached.
const maxInFlight = 64

// Dialer connects to ws:// and wss:// coordinators.
type Dialer struct {
	PingInterval time.Duration
}

// NewDialer returns a dialer with default settings.
func NewDialer() *Dialer {
	return &Dialer{PingInterval: DefaultPingInterval}
}

// Dial opens the connection. The agent id travels both as the agentId query
// parameter and the X-Agent-ID header.
func (d *Dialer) Dial(ctx context.Context, rawURL, agentID string, h link.Handler) (link.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse link url: %w", err)
	}
	q := u.Query()
	q.Set("agentId", agentID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("X-Agent-ID", agentID)

	ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u.Host, err)
	}
	ws.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		ctx:    connCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	slog.Info("link connected", "url", u.Redacted(), "transport", "websocket")

	go c.readLoop(h)
	if d.PingInterval > 0 {
		go c.pingLoop(d.PingInterval)
	}
	return c, nil
}

// Conn is an established WebSocket link.
type Conn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
}

// Publish writes one text message.
func (c *Conn) Publish(ctx context.Context, data []byte) error {
	if !c.IsConnected() {
		return link.ErrNotConnected
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.shutdown(websocket.StatusInternalError, "write failed")
		return fmt.Errorf("%w: %v", link.ErrNotConnected, err)
	}
	return nil
}

// IsConnected reports whether the connection is still open.
func (c *Conn) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close closes the connection normally.
func (c *Conn) Close() error {
	c.shutdown(websocket.StatusNormalClosure, "")
	return nil
}

func (c *Conn) shutdown(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.cancel()
		_ = c.ws.Close(code, reason)
		close(c.done)
		slog.Info("link disconnected", "transport", "websocket")
	})
}

// readLoop hands each message to h on its own goroutine so that control
// frames keep being read while a command runs.
func (c *Conn) readLoop(h link.Handler) {
	var handlers errgroup.Group
	handlers.SetLimit(maxInFlight)
	defer func() {
		c.shutdown(websocket.StatusNormalClosure, "")
		_ = handlers.Wait()
	}()
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
				slog.Warn("link read failed", "error", err)
			}
			return
		}
		handlers.Go(func() error {
			h(c.ctx, data)
			return nil
		})
	}
}

func (c *Conn) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.ctx, interval)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				slog.Warn("link ping failed", "error", err)
				c.shutdown(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}
