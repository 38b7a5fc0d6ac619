// Package udp is the datagram side of the command transport: it receives
// commands, sends broadcasts on every IPv4 interface and pushes status
// reports to caller supplied destinations.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/command"
	"github.com/Strob0t/hostagent/internal/netutil"
	"github.com/Strob0t/hostagent/internal/service"
)

// maxDatagram is the receive buffer size.
const maxDatagram = 64 * 1024

// maxInFlight bounds the datagrams handled at once. Datagrams arriving
// while every slot is busy are dropped.
const maxInFlight = 32

// Reporter handles ReportStatus and ReportContact at the transport layer.
type Reporter interface {
	Report(ctx context.Context, inv *command.Invocation) error
}

// Transport owns the agent UDP socket. The socket may be dropped after an
// error; Maintain recreates it.
type Transport struct {
	port       int
	dispatcher *service.TransportService
	reporter   Reporter

	// interfaces lists local addresses; replaced in tests.
	interfaces func() ([]netutil.IPv4, error)

	mu         sync.Mutex
	conn       *net.UDPConn
	broadcasts []string
	rebuilt    chan struct{}
}

// Listen binds the UDP port on all interfaces. A bind failure is returned
// to the caller; startup should not proceed without a socket.
func Listen(ctx context.Context, port int, dispatcher *service.TransportService) (*Transport, error) {
	conn, err := bind(ctx, port)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		port:       conn.LocalAddr().(*net.UDPAddr).Port,
		dispatcher: dispatcher,
		interfaces: netutil.InterfaceAddresses,
		conn:       conn,
		rebuilt:    make(chan struct{}),
	}
	if addrs, err := t.interfaces(); err == nil {
		t.broadcasts = netutil.BroadcastAddresses(addrs)
	}
	slog.Info("udp transport listening", "port", t.port, "broadcast", t.broadcasts)
	return t, nil
}

// SetReporter installs the handler for status report directives.
func (t *Transport) SetReporter(r Reporter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reporter = r
}

// Port returns the bound port.
func (t *Transport) Port() int { return t.port }

// BroadcastAddresses returns the current broadcast set.
func (t *Transport) BroadcastAddresses() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.broadcasts)
}

// Serve reads datagrams until ctx is cancelled and handles each on its own
// goroutine, so a slow command never holds up the socket. While the socket
// is down it waits for Maintain to rebuild it. Serve returns after every
// handler finished.
func (t *Transport) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	var handlers errgroup.Group
	handlers.SetLimit(maxInFlight)
	defer func() { _ = handlers.Wait() }()

	buf := make([]byte, maxDatagram)
	for {
		conn, rebuilt := t.current()
		if conn == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-rebuilt:
				continue
			}
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("udp socket failed, dropping it", "error", err)
			t.drop(conn)
			continue
		}
		data := slices.Clone(buf[:n])
		if !handlers.TryGo(func() error {
			t.handle(ctx, data, from)
			return nil
		}) {
			slog.Warn("udp handlers busy, dropping datagram", "from", from.String())
		}
	}
}

func (t *Transport) handle(ctx context.Context, data []byte, from *net.UDPAddr) {
	inv, err := t.dispatcher.Parse(data)
	if err != nil {
		slog.Debug("discarding invalid datagram", "from", from.String(), "error", err)
		return
	}

	switch inv.CommandID {
	case command.IDReportStatus, command.IDReportContact:
		t.mu.Lock()
		r := t.reporter
		t.mu.Unlock()
		if r == nil {
			return
		}
		if err := r.Report(ctx, inv); err != nil {
			slog.Warn("status report failed", "command", inv.CommandName, "error", err)
		}
		return
	}

	if _, err := t.dispatcher.Dispatch(ctx, "udp", "/", inv); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Debug("no udp handler", "command", inv.CommandName, "from", from.String())
			return
		}
		slog.Warn("udp command failed", "command", inv.CommandName, "from", from.String(), "error", err)
	}
}

// Maintain recomputes the broadcast address set and rebuilds the socket
// when the set changed or the socket is gone. Errors leave the socket down
// until the next call.
func (t *Transport) Maintain(ctx context.Context) error {
	addrs, err := t.interfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}
	next := netutil.BroadcastAddresses(addrs)

	t.mu.Lock()
	changed := !slices.Equal(next, t.broadcasts)
	missing := t.conn == nil
	old := t.conn
	t.mu.Unlock()

	if !changed && !missing {
		return nil
	}
	slog.Info("rebuilding udp socket", "broadcast", next, "changed", changed)

	if old != nil {
		t.drop(old)
	}
	conn, err := bind(ctx, t.port)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.broadcasts = next
	close(t.rebuilt)
	t.rebuilt = make(chan struct{})
	t.mu.Unlock()
	return nil
}

// Broadcast sends data to port on every broadcast address.
func (t *Transport) Broadcast(data []byte, port int) error {
	t.mu.Lock()
	conn := t.conn
	targets := slices.Clone(t.broadcasts)
	t.mu.Unlock()

	if conn == nil {
		return errSocketDown
	}
	var errs []error
	for _, addr := range targets {
		dst := &net.UDPAddr{IP: net.ParseIP(addr), Port: port}
		if _, err := conn.WriteToUDP(data, dst); err != nil {
			errs = append(errs, fmt.Errorf("broadcast to %s: %w", dst, err))
		}
	}
	return errors.Join(errs...)
}

// SendTo sends one datagram to host:port.
func (t *Transport) SendTo(hostport string, data []byte) error {
	dst, err := net.ResolveUDPAddr("udp4", hostport)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", hostport, err)
	}
	conn, _ := t.current()
	if conn == nil {
		return errSocketDown
	}
	if _, err := conn.WriteToUDP(data, dst); err != nil {
		return fmt.Errorf("send to %s: %w", hostport, err)
	}
	return nil
}

// Close closes the socket.
func (t *Transport) Close() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

var errSocketDown = errors.New("udp socket is down")

func (t *Transport) current() (*net.UDPConn, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn, t.rebuilt
}

// drop closes conn and clears it if it is still the current socket.
func (t *Transport) drop(conn *net.UDPConn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
}

func bind(ctx context.Context, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
					return
				}
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("udp listen %d: %w", port, err)
	}
	return pc.(*net.UDPConn), nil
}
