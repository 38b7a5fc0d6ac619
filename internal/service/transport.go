package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/hostagent/internal/adapter/otel"
	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/command"
	"github.com/Strob0t/hostagent/internal/logger"
)

// HandlerKey routes invocations by command type and path.
type HandlerKey struct {
	Type command.Type
	Path string
}

// TransportService parses inbound commands and routes them to the handlers
// registered by the agent and its domain servers. It is shared by the HTTP
// and UDP adapters.
type TransportService struct {
	schema  *command.Schema
	metrics *cfotel.Metrics

	mu     sync.RWMutex
	invoke map[HandlerKey]command.Handler
	raw    map[string]http.Handler
}

// NewTransportService creates a dispatcher validating against schema.
// metrics may be nil.
func NewTransportService(schema *command.Schema, metrics *cfotel.Metrics) *TransportService {
	return &TransportService{
		schema:  schema,
		metrics: metrics,
		invoke:  make(map[HandlerKey]command.Handler),
		raw:     make(map[string]http.Handler),
	}
}

// Schema returns the command schema used for parsing.
func (s *TransportService) Schema() *command.Schema { return s.schema }

// AddInvokeHandler registers h for commands of typ arriving on path. A later
// registration for the same key replaces the earlier one.
func (s *TransportService) AddInvokeHandler(path string, typ command.Type, h command.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoke[HandlerKey{Type: typ, Path: path}] = h
}

// RemoveInvokeHandler drops the handler for typ on path.
func (s *TransportService) RemoveInvokeHandler(path string, typ command.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.invoke, HandlerKey{Type: typ, Path: path})
}

// AddRawHandler registers a plain HTTP handler for path. A path ending in
// "/" also serves everything below it. Raw handlers take precedence over
// invoke dispatch on their path.
func (s *TransportService) AddRawHandler(path string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[path] = h
}

// RemoveRawHandler drops the raw handler for path.
func (s *TransportService) RemoveRawHandler(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.raw, path)
}

// RawHandler returns the raw handler for path: an exact registration, or
// else the longest registered "/"-terminated prefix.
func (s *TransportService) RawHandler(path string) (http.Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.raw[path]; ok {
		return h, true
	}
	var (
		best    string
		handler http.Handler
	)
	for prefix, h := range s.raw {
		if strings.HasSuffix(prefix, "/") && strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best, handler = prefix, h
		}
	}
	return handler, handler != nil
}

// HasRoute reports whether anything is registered for path.
func (s *TransportService) HasRoute(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for prefix := range s.raw {
		if prefix == path || (strings.HasSuffix(prefix, "/") && strings.HasPrefix(path, prefix)) {
			return true
		}
	}
	for k := range s.invoke {
		if k.Path == path {
			return true
		}
	}
	return false
}

// Parse validates raw bytes into an invocation.
func (s *TransportService) Parse(data []byte) (*command.Invocation, error) {
	return s.schema.Parse(data)
}

// Dispatch routes inv to the handler for its type on path. A missing
// handler yields domain.ErrNotFound.
func (s *TransportService) Dispatch(ctx context.Context, source, path string, inv *command.Invocation) (any, error) {
	s.mu.RLock()
	h, ok := s.invoke[HandlerKey{Type: inv.CommandType, Path: path}]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler for %s on %s: %w", inv.CommandName, path, domain.ErrNotFound)
	}

	ctx, span := cfotel.StartCommandSpan(ctx, source, inv.CommandName, int(inv.CommandType))
	defer span.End()

	start := time.Now()
	result, err := h(ctx, inv)
	if s.metrics != nil {
		s.metrics.CommandsDispatched.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command", inv.CommandName),
			attribute.String("source", source),
			attribute.Bool("error", err != nil),
		))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Debug("command failed",
			"command", inv.CommandName,
			"source", source,
			"error", err,
			"request_id", logger.RequestID(ctx),
		)
		return nil, err
	}
	slog.Debug("command dispatched",
		"command", inv.CommandName,
		"source", source,
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", logger.RequestID(ctx),
	)
	return result, nil
}
