package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/hostagent/internal/port/link"
	"github.com/Strob0t/hostagent/internal/resilience"
)

// LinkManager keeps at most one coordinator connection open. The target is
// either a static URL or the latest URL announced by a coordinator.
type LinkManager struct {
	dialers   link.Schemes
	agentID   string
	staticURL string
	reconnect time.Duration
	breaker   *resilience.Breaker

	onMessage link.Handler
	onConnect func(ctx context.Context)

	announced chan string

	mu   sync.Mutex
	conn link.Conn
	url  string
}

// NewLinkManager creates a manager. onMessage receives inbound messages;
// onConnect runs after every successful dial.
func NewLinkManager(
	dialers link.Schemes,
	agentID, staticURL string,
	reconnect time.Duration,
	breaker *resilience.Breaker,
	onMessage link.Handler,
	onConnect func(ctx context.Context),
) *LinkManager {
	return &LinkManager{
		dialers:   dialers,
		agentID:   agentID,
		staticURL: staticURL,
		reconnect: reconnect,
		breaker:   breaker,
		onMessage: onMessage,
		onConnect: onConnect,
		announced: make(chan string, 1),
	}
}

// Static reports whether the target URL is fixed by configuration.
func (m *LinkManager) Static() bool { return m.staticURL != "" }

// Announce offers a coordinator URL. It is ignored with a static URL;
// otherwise the latest announcement replaces any pending one.
func (m *LinkManager) Announce(url string) {
	if m.Static() {
		return
	}
	select {
	case <-m.announced:
	default:
	}
	m.announced <- url
}

// Connected reports whether a connection is up.
func (m *LinkManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.conn.IsConnected()
}

// URL returns the current target URL, empty before discovery.
func (m *LinkManager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// Publish sends data on the current connection.
func (m *LinkManager) Publish(ctx context.Context, data []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return link.ErrNotConnected
	}
	return conn.Publish(ctx, data)
}

// Run dials, waits for the connection to end and dials again until ctx is
// cancelled.
func (m *LinkManager) Run(ctx context.Context) error {
	target := m.staticURL
	for {
		if target == "" {
			select {
			case <-ctx.Done():
				return nil
			case target = <-m.announced:
			}
		}
		m.setURL(target)

		conn, err := m.dial(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("link dial failed", "url", target, "error", err, "retry_in", m.reconnect)
			if next, ok := m.wait(ctx, m.reconnect); ok {
				target = next
			} else if ctx.Err() != nil {
				return nil
			}
			continue
		}

		m.setConn(conn)
		slog.Info("link connected", "url", target)
		if m.onConnect != nil {
			m.onConnect(ctx)
		}

		next, stop := m.hold(ctx, conn, target)
		m.setConn(nil)
		_ = conn.Close()
		if stop {
			return nil
		}
		if next != "" {
			target = next
			continue
		}
		slog.Warn("link lost", "url", target, "retry_in", m.reconnect)
		if next, ok := m.wait(ctx, m.reconnect); ok {
			target = next
		} else if ctx.Err() != nil {
			return nil
		}
	}
}

func (m *LinkManager) dial(ctx context.Context, target string) (link.Conn, error) {
	var conn link.Conn
	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		c, err := m.dialers.Dial(ctx, target, m.agentID, m.onMessage)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

// hold blocks while conn is up. It returns a different announced URL to
// switch to, or stop when ctx ended.
func (m *LinkManager) hold(ctx context.Context, conn link.Conn, target string) (next string, stop bool) {
	for {
		select {
		case <-ctx.Done():
			return "", true
		case <-conn.Done():
			return "", false
		case u := <-m.announced:
			if u != target {
				slog.Info("link target changed", "from", target, "to", u)
				return u, false
			}
		}
	}
}

// wait sleeps for d unless a new URL is announced first.
func (m *LinkManager) wait(ctx context.Context, d time.Duration) (string, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", false
	case <-timer.C:
		return "", false
	case u := <-m.announced:
		return u, true
	}
}

func (m *LinkManager) setConn(c link.Conn) {
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
}

func (m *LinkManager) setURL(u string) {
	m.mu.Lock()
	m.url = u
	m.mu.Unlock()
}
