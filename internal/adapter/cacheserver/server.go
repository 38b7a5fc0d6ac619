// Package cacheserver implements the "cache" domain server: it downloads
// objects into a local directory as background tasks and serves them back
// over HTTP.
package cacheserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/hostagent/internal/adapter/diskcache"
	"github.com/Strob0t/hostagent/internal/adapter/ristretto"
	"github.com/Strob0t/hostagent/internal/adapter/tiered"
	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/command"
	"github.com/Strob0t/hostagent/internal/domain/task"
	"github.com/Strob0t/hostagent/internal/port/domainserver"
)

// Type is the registered server type.
const Type = "cache"

// RoutePrefix is the raw HTTP path objects are served under.
const RoutePrefix = "/cache/"

func init() {
	domainserver.Register(Type, func(env domainserver.Env) (domainserver.Server, error) {
		return New(env), nil
	})
}

var schema = domainserver.Schema{
	{Name: "dir", Kind: domainserver.KindString, Description: "object directory, default <data>/cache"},
	{Name: "memoryBytes", Kind: domainserver.KindNumber, Default: float64(64 << 20), Description: "in-memory cache size"},
	{Name: "memoryItemBytes", Kind: domainserver.KindNumber, Default: float64(4 << 20), Description: "largest object kept in memory"},
	{Name: "fetchTimeoutSeconds", Kind: domainserver.KindNumber, Default: 600.0},
}

// ErrNotRunning is returned for requests to a stopped server.
var ErrNotRunning = errors.New("cache server not running")

// Server is the cache domain server.
type Server struct {
	env domainserver.Env

	mu       sync.Mutex
	cfg      map[string]any
	client   *http.Client
	store    *diskcache.Store
	l1       *ristretto.Cache
	objects  *tiered.Cache
	itemMax  int64
	running  bool
	fetching atomic.Int32
}

// backend is what one request or download works with. Start replaces the
// server fields; a backend taken before keeps the previous set.
type backend struct {
	client  *http.Client
	store   *diskcache.Store
	objects *tiered.Cache
	itemMax int64
}

// New creates a stopped cache server.
func New(env domainserver.Env) *Server {
	return &Server{env: env}
}

func (s *Server) backend() (backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return backend{}, ErrNotRunning
	}
	return backend{client: s.client, store: s.store, objects: s.objects, itemMax: s.itemMax}, nil
}

func (s *Server) Type() string { return Type }

func (s *Server) Schema() domainserver.Schema { return schema }

// Check rejects sizes and timeouts that cannot work.
func (s *Server) Check(cfg map[string]any) error {
	for _, name := range []string{"memoryBytes", "memoryItemBytes", "fetchTimeoutSeconds"} {
		if domainserver.Number(cfg, name, 1) <= 0 {
			return fmt.Errorf("%w: %s must be positive", domain.ErrValidation, name)
		}
	}
	return nil
}

// Configure stores cfg for the next Start.
func (s *Server) Configure(cfg map[string]any) error {
	if err := s.Check(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

// Start opens the object directory and registers the routes.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	dir := domainserver.String(s.cfg, "dir", "")
	if dir == "" {
		dir = filepath.Join(s.env.DataDir, "cache")
	}
	store, err := diskcache.New(dir)
	if err != nil {
		return err
	}
	s.itemMax = int64(domainserver.Number(s.cfg, "memoryItemBytes", 4<<20))
	l1, err := ristretto.New(int64(domainserver.Number(s.cfg, "memoryBytes", 64<<20)), s.itemMax)
	if err != nil {
		return fmt.Errorf("create memory cache: %w", err)
	}
	s.store, s.l1 = store, l1
	s.objects = tiered.New(l1, store)
	s.client = &http.Client{
		Timeout: time.Duration(domainserver.Number(s.cfg, "fetchTimeoutSeconds", 600) * float64(time.Second)),
	}

	s.env.Routes.AddInvokeHandler("/", command.TypeCache, s.handle)
	s.env.Routes.AddRawHandler(RoutePrefix, http.HandlerFunc(s.serveObject))
	s.running = true
	return nil
}

// Stop unregisters the routes and drops the memory cache. Downloads in
// flight keep running until their task ends.
func (s *Server) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.env.Routes.RemoveInvokeHandler("/", command.TypeCache)
	s.env.Routes.RemoveRawHandler(RoutePrefix)
	s.l1.Close()
	s.running = false
	return nil
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status reports object count and total size.
func (s *Server) Status() map[string]any {
	s.mu.Lock()
	store := s.store
	running := s.running
	s.mu.Unlock()

	out := map[string]any{"fetching": int(s.fetching.Load())}
	if !running || store == nil {
		return out
	}
	entries, err := store.List(context.Background())
	if err != nil {
		out["error"] = err.Error()
		return out
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	out["objects"] = len(entries)
	out["bytes"] = total
	out["dir"] = store.Dir()
	return out
}

func (s *Server) handle(ctx context.Context, inv *command.Invocation) (any, error) {
	b, err := s.backend()
	if err != nil {
		return nil, err
	}
	switch inv.CommandID {
	case command.IDCacheFetch:
		p, _ := command.ParamsAs[command.CacheFetchParams](inv)
		id := s.fetch(b, p.URL, p.Key)
		return map[string]any{"taskId": id, "key": p.Key}, nil
	case command.IDCacheList:
		entries, err := b.store.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"objects": entries}, nil
	case command.IDCacheEvict:
		p, _ := command.ParamsAs[command.CacheKeyParams](inv)
		if _, ok := b.store.Stat(p.Key); !ok {
			return nil, fmt.Errorf("object %s: %w", p.Key, domain.ErrNotFound)
		}
		if err := b.objects.Delete(ctx, p.Key); err != nil {
			return nil, err
		}
		slog.Info("cache object evicted", "key", p.Key)
		return map[string]any{"key": p.Key}, nil
	}
	return nil, fmt.Errorf("%w: %s is not a cache command", domain.ErrValidation, inv.CommandName)
}

// fetch admits a download task into b and returns its id.
func (s *Server) fetch(b backend, url, key string) string {
	t := task.New("cache.fetch", func(ctx context.Context, t *task.Task) (map[string]any, error) {
		s.fetching.Add(1)
		defer s.fetching.Add(-1)
		return download(ctx, b, t, url, key)
	})
	t.Tags = []string{Type}
	t.Description = url
	t.Subtitle = key
	t.Configuration = map[string]any{"url": url, "key": key}
	return s.env.Tasks.Admit(t)
}

func download(ctx context.Context, b backend, t *task.Task, url, key string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	w, err := b.store.Create(key)
	if err != nil {
		return nil, err
	}
	pw := &progressWriter{w: w, total: resp.ContentLength, task: t}
	n, err := pw.copyFrom(ctx, resp.Body)
	if err != nil {
		w.Abort()
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if err := w.Commit(); err != nil {
		return nil, err
	}
	b.objects.Invalidate(ctx, key)
	slog.Info("cache object stored", "key", key, "bytes", n)
	return map[string]any{"key": key, "bytes": n}, nil
}

// serveObject streams GET /cache/{key}.
func (s *Server) serveObject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, RoutePrefix)
	if err := (&command.CacheKeyParams{Key: key}).Validate(); err != nil {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}
	b, err := s.backend()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	entry, ok := b.store.Stat(key)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if entry.Size <= b.itemMax {
		data, found, err := b.objects.Get(r.Context(), key)
		if err == nil && found {
			http.ServeContent(w, r, key, entry.ModTime, bytes.NewReader(data))
			return
		}
	}

	f, err := b.store.Open(key)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, key, entry.ModTime, f)
}

// progressWriter copies into the object writer and reports percent done.
type progressWriter struct {
	w       *diskcache.Writer
	total   int64
	written int64
	task    *task.Task
}

func (p *progressWriter) copyFrom(ctx context.Context, r io.Reader) (int64, error) {
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return p.written, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := p.w.Write(buf[:n]); err != nil {
				return p.written, err
			}
			p.written += int64(n)
			if p.total > 0 {
				p.task.SetProgress(int(p.written * 100 / p.total))
			}
			p.task.SetStatus("bytes", p.written)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return p.written, nil
			}
			return p.written, rerr
		}
	}
}
