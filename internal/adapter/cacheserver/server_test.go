package cacheserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/command"
	"github.com/Strob0t/hostagent/internal/domain/intent"
	"github.com/Strob0t/hostagent/internal/domain/task"
	"github.com/Strob0t/hostagent/internal/port/cache"
	"github.com/Strob0t/hostagent/internal/port/domainserver"
	"github.com/Strob0t/hostagent/internal/service"
)

// inlineTasks runs every admitted task immediately.
type inlineTasks struct {
	ended chan *task.Task
}

func (r *inlineTasks) Admit(t *task.Task) string {
	t.ID = uuid.NewString()
	t.OnEnd(func(t *task.Task) { r.ended <- t })
	_ = t.Run(context.Background())
	return t.ID
}

func (r *inlineTasks) Cancel(string) error { return nil }

type fixture struct {
	server    *Server
	transport *service.TransportService
	tasks     *inlineTasks
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tr := service.NewTransportService(command.DefaultSchema(), nil)
	tasks := &inlineTasks{ended: make(chan *task.Task, 4)}
	s := New(domainserver.Env{Routes: tr, Tasks: tasks, Intents: intent.NewRegistry(), DataDir: t.TempDir()})
	if err := s.Configure(schema.Merge(nil, nil)); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return &fixture{server: s, transport: tr, tasks: tasks}
}

func (f *fixture) invoke(t *testing.T, cmd string) (any, error) {
	t.Helper()
	inv, err := f.transport.Parse([]byte(cmd))
	if err != nil {
		t.Fatal(err)
	}
	return f.transport.Dispatch(context.Background(), "test", "/", inv)
}

func (f *fixture) waitTask(t *testing.T) *task.Task {
	t.Helper()
	select {
	case tk := <-f.tasks.ended:
		return tk
	case <-time.After(5 * time.Second):
		t.Fatal("task did not end")
		return nil
	}
}

func TestFetchServeEvict(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("cached bytes"))
	}))
	defer origin.Close()
	f := newFixture(t)

	res, err := f.invoke(t, `{"commandName":"CacheFetch","params":{"url":"`+origin.URL+`/clip","key":"clip"}}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.(map[string]any)["key"] != "clip" {
		t.Errorf("unexpected fetch result %v", res)
	}
	tk := f.waitTask(t)
	if !tk.IsSuccess() || tk.Result()["bytes"] != int64(12) {
		t.Fatalf("download failed: %+v", tk.Record(true))
	}

	raw, ok := f.transport.RawHandler("/cache/clip")
	if !ok {
		t.Fatal("raw handler not registered")
	}
	for range 2 {
		rec := httptest.NewRecorder()
		raw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache/clip", http.NoBody))
		if rec.Code != http.StatusOK || rec.Body.String() != "cached bytes" {
			t.Fatalf("unexpected object response %d %q", rec.Code, rec.Body.String())
		}
	}

	res, err = f.invoke(t, `{"commandName":"CacheList"}`)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(res.(map[string]any)["objects"].([]cache.Entry)); n != 1 {
		t.Errorf("expected one object, got %d", n)
	}

	if _, err := f.invoke(t, `{"commandName":"CacheEvict","params":{"key":"clip"}}`); err != nil {
		t.Fatal(err)
	}
	if _, err := f.invoke(t, `{"commandName":"CacheEvict","params":{"key":"clip"}}`); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found on second evict, got %v", err)
	}
	rec := httptest.NewRecorder()
	raw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache/clip", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after evict, got %d", rec.Code)
	}
}

func TestFetchFailureFailsTask(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	defer origin.Close()
	f := newFixture(t)

	if _, err := f.invoke(t, `{"commandName":"CacheFetch","params":{"url":"`+origin.URL+`/missing"}}`); err != nil {
		t.Fatal(err)
	}
	tk := f.waitTask(t)
	rec := tk.Record(true)
	if tk.IsSuccess() || !strings.Contains(rec.Error, "status 404") {
		t.Errorf("expected failed task, got %+v", rec)
	}
	if entries, _ := f.server.store.List(context.Background()); len(entries) != 0 {
		t.Errorf("failed download left objects behind: %v", entries)
	}
}

func TestStopUnregistersRoutes(t *testing.T) {
	f := newFixture(t)
	if err := f.server.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.server.IsRunning() {
		t.Error("expected stopped")
	}
	if _, ok := f.transport.RawHandler("/cache/x"); ok {
		t.Error("raw handler still registered")
	}
	if _, err := f.invoke(t, `{"commandName":"CacheList"}`); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected no handler, got %v", err)
	}
}

func TestRestartDuringDownload(t *testing.T) {
	requested := make(chan struct{})
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(requested)
		<-release
		_, _ = w.Write([]byte("late bytes"))
	}))
	defer origin.Close()
	f := newFixture(t)

	if _, err := f.invoke(t, `{"commandName":"CacheFetch","params":{"url":"`+origin.URL+`/late","key":"late"}}`); err != nil {
		t.Fatal(err)
	}
	select {
	case <-requested:
	case <-time.After(5 * time.Second):
		t.Fatal("origin was not requested")
	}

	ctx := context.Background()
	if err := f.server.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.server.Configure(schema.Merge(nil, map[string]any{"fetchTimeoutSeconds": float64(30)})); err != nil {
		t.Fatal(err)
	}
	if err := f.server.Start(ctx); err != nil {
		t.Fatal(err)
	}
	close(release)

	tk := f.waitTask(t)
	if !tk.IsSuccess() {
		t.Fatalf("download failed: %+v", tk.Record(true))
	}
	raw, ok := f.transport.RawHandler("/cache/late")
	if !ok {
		t.Fatal("raw handler not registered")
	}
	rec := httptest.NewRecorder()
	raw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache/late", http.NoBody))
	if rec.Code != http.StatusOK || rec.Body.String() != "late bytes" {
		t.Errorf("unexpected object response %d %q", rec.Code, rec.Body.String())
	}
}

func TestStoppedServerRejectsObjectRequests(t *testing.T) {
	f := newFixture(t)
	raw, _ := f.transport.RawHandler("/cache/x")
	if err := f.server.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	raw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache/x", http.NoBody))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 from a stale handler, got %d", rec.Code)
	}
}
