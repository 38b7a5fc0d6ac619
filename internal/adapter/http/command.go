package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Strob0t/hostagent/internal/service"
)

// DefaultBodyLimit caps POSTed command bodies.
const DefaultBodyLimit = 1 << 20

// errNotObject marks a handler result that does not serialize to a JSON
// object.
var errNotObject = errors.New("handler returned a non-object result")

// CommandHandler serves commands: GET with the command in the json query
// parameter, POST with the command as the body.
type CommandHandler struct {
	Transport *service.TransportService
	BodyLimit int64
}

// NewCommandHandler creates a handler dispatching through transport.
func NewCommandHandler(transport *service.TransportService) *CommandHandler {
	return &CommandHandler{Transport: transport, BodyLimit: DefaultBodyLimit}
}

func (h *CommandHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if raw, ok := h.Transport.RawHandler(path); ok {
		raw.ServeHTTP(w, r)
		return
	}

	var data []byte
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query().Get("json")
		if q == "" {
			writeError(w, http.StatusBadRequest, "json parameter is required")
			return
		}
		data = []byte(q)
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.BodyLimit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			} else {
				writeError(w, http.StatusBadRequest, "invalid request body")
			}
			return
		}
		data = body
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !h.Transport.HasRoute(path) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	inv, err := h.Transport.Parse(data)
	if err != nil {
		writeCommandError(w, "", err)
		return
	}

	result, err := h.Transport.Dispatch(r.Context(), "http", path, inv)
	if err != nil {
		writeCommandError(w, inv.CommandName, err)
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := encodeObject(result)
	if err != nil {
		writeCommandError(w, inv.CommandName, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// encodeObject serializes v and requires the result to be a JSON object.
func encodeObject(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 || body[0] != '{' {
		return nil, errNotObject
	}
	return body, nil
}

// HealthHandler reports agent liveness on GET /health.
func HealthHandler(status func() map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, status())
	}
}
