// Package displayserver implements the "display" domain server. A display
// script points the local browser at a URL or clears it; a finder script
// tells whether the browser process is alive.
package displayserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/command"
	"github.com/Strob0t/hostagent/internal/periodic"
	"github.com/Strob0t/hostagent/internal/port/domainserver"
	"github.com/Strob0t/hostagent/internal/process"
)

// Type is the registered server type.
const Type = "display"

// Signals passed to the display script.
const (
	SignalShow  = "show"
	SignalClear = "clear"
)

// ErrNotRunning is returned for requests to a stopped server.
var ErrNotRunning = errors.New("display server not running")

func init() {
	domainserver.Register(Type, func(env domainserver.Env) (domainserver.Server, error) {
		return New(env), nil
	})
}

var schema = domainserver.Schema{
	{Name: "script", Kind: domainserver.KindString, Description: "display script, default <bin>/display"},
	{Name: "finder", Kind: domainserver.KindString, Description: "browser finder script, default <bin>/find-browser"},
	{Name: "findIntervalSeconds", Kind: domainserver.KindNumber, Default: 10.0},
	{Name: "scriptTimeoutSeconds", Kind: domainserver.KindNumber, Default: 30.0},
}

// Server is the display domain server.
type Server struct {
	env domainserver.Env

	mu        sync.Mutex
	cfg       map[string]any
	running   bool
	url       string
	browser   bool
	lastCheck time.Time
	lastErr   string
	finder    *periodic.Task
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a stopped display server and makes the rotation intent type
// available.
func New(env domainserver.Env) *Server {
	s := &Server{env: env}
	if env.Intents != nil {
		env.Intents.RegisterOnce(RotateIntent, s.newRotation)
	}
	return s
}

func (s *Server) Type() string { return Type }

func (s *Server) Schema() domainserver.Schema { return schema }

func (s *Server) Check(cfg map[string]any) error {
	for _, name := range []string{"findIntervalSeconds", "scriptTimeoutSeconds"} {
		if domainserver.Number(cfg, name, 1) <= 0 {
			return fmt.Errorf("%w: %s must be positive", domain.ErrValidation, name)
		}
	}
	return nil
}

func (s *Server) Configure(cfg map[string]any) error {
	if err := s.Check(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

// Start registers the command handler and begins polling for the browser.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	interval := time.Duration(domainserver.Number(s.cfg, "findIntervalSeconds", 10) * float64(time.Second))
	s.finder = periodic.New("display.find-browser", interval, s.findBrowser)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(t *periodic.Task, done chan struct{}) {
		defer close(done)
		t.Run(ctx)
	}(s.finder, s.done)

	s.env.Routes.AddInvokeHandler("/", command.TypeDisplay, s.handle)
	s.running = true
	return nil
}

// Stop unregisters the handler and waits for the finder to return. The
// display keeps showing whatever it shows.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.env.Routes.RemoveInvokeHandler("/", command.TypeDisplay)
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]any{
		"url":            s.url,
		"browserRunning": s.browser,
	}
	if !s.lastCheck.IsZero() {
		out["lastCheck"] = s.lastCheck.UnixMilli()
	}
	if s.lastErr != "" {
		out["lastError"] = s.lastErr
	}
	return out
}

// view returns the shown URL, whether the browser was found and when the
// finder last ran.
func (s *Server) view() (string, bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url, s.browser, s.lastCheck
}

func (s *Server) handle(ctx context.Context, inv *command.Invocation) (any, error) {
	switch inv.CommandID {
	case command.IDDisplayShowURL:
		p, _ := command.ParamsAs[command.DisplayShowURLParams](inv)
		if err := s.Show(ctx, p.URL); err != nil {
			return nil, err
		}
		return map[string]any{"url": p.URL}, nil
	case command.IDDisplayClear:
		if err := s.Clear(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"url": ""}, nil
	}
	return nil, fmt.Errorf("%w: %s is not a display command", domain.ErrValidation, inv.CommandName)
}

// Show points the browser at url.
func (s *Server) Show(ctx context.Context, url string) error {
	return s.signal(ctx, SignalShow, url)
}

// Clear blanks the display.
func (s *Server) Clear(ctx context.Context) error {
	return s.signal(ctx, SignalClear, "")
}

func (s *Server) signal(ctx context.Context, signal, url string) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	script := s.scriptLocked("script", "display")
	timeout := time.Duration(domainserver.Number(s.cfg, "scriptTimeoutSeconds", 30) * float64(time.Second))
	finder := s.finder
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	lines, res := process.Run(ctx, process.Options{
		Path:       script,
		Env:        map[string]string{"TARGET_URL": url, "SIGNAL": signal},
		InheritEnv: process.SessionEnv,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if !res.Success() {
		err := scriptError("display script", lines, res)
		s.lastErr = err.Error()
		slog.Warn("display script failed", "signal", signal, "url", url, "error", err)
		return err
	}
	s.url = url
	s.lastErr = ""
	slog.Info("display updated", "signal", signal, "url", url)
	finder.RunNow()
	return nil
}

// findBrowser runs the finder script. The browser is up when its last
// output line is "true".
func (s *Server) findBrowser(ctx context.Context) error {
	s.mu.Lock()
	script := s.scriptLocked("finder", "find-browser")
	s.mu.Unlock()

	lines, res := process.Run(ctx, process.Options{Path: script, InheritEnv: process.SessionEnv})
	found := res.Success() && len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "true"

	s.mu.Lock()
	changed := found != s.browser
	s.browser = found
	s.lastCheck = time.Now()
	s.mu.Unlock()
	if changed {
		slog.Info("browser process state changed", "running", found)
	}
	if !res.Success() && ctx.Err() == nil {
		return scriptError("browser finder", lines, res)
	}
	return nil
}

func (s *Server) scriptLocked(key, name string) string {
	if p := domainserver.String(s.cfg, key, ""); p != "" {
		return p
	}
	return filepath.Join(s.env.BinDir, name)
}

func scriptError(what string, lines []string, res process.Result) error {
	if res.Err != nil {
		return fmt.Errorf("%s: %w", what, res.Err)
	}
	msg := fmt.Sprintf("%s exited with %d", what, res.ExitCode)
	if len(lines) > 0 {
		msg += ": " + lines[len(lines)-1]
	}
	return errors.New(msg)
}
