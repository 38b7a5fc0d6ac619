package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cfotel "github.com/Strob0t/hostagent/internal/adapter/otel"
	"github.com/Strob0t/hostagent/internal/middleware"
)

// NewRouter builds the agent HTTP router: /health plus the command
// transport on every other path. An empty corsOrigin means "*".
func NewRouter(commands *CommandHandler, health http.HandlerFunc, serviceName, corsOrigin string) http.Handler {
	if corsOrigin == "" {
		corsOrigin = "*"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	r.Use(CORS(corsOrigin))
	r.Use(cfotel.HTTPMiddleware(serviceName))

	if health != nil {
		r.Get("/health", health)
	}
	r.Handle("/*", commands)
	return r
}

// Server is a bound HTTP listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr. Binding happens here so callers see bind failures
// before serving starts.
func Listen(addr string, handler http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("http listen %s: %w", addr, err)
	}
	return &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if a, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Serve blocks until the server is shut down.
func (s *Server) Serve() error {
	slog.Info("http transport listening", "addr", s.ln.Addr().String())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
