package domainserver_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/port/domainserver"
)

type testServer struct{ typ string }

func (s *testServer) Type() string { return s.typ }

func (s *testServer) Schema() domainserver.Schema { return nil }

func (s *testServer) Check(map[string]any) error { return nil }

func (s *testServer) Configure(map[string]any) error { return nil }

func (s *testServer) Start(context.Context) error { return nil }

func (s *testServer) Stop(context.Context) error { return nil }

func (s *testServer) IsRunning() bool { return false }

func (s *testServer) Status() map[string]any { return nil }

func TestRegisterAndNew(t *testing.T) {
	domainserver.Register("test-server", func(domainserver.Env) (domainserver.Server, error) {
		return &testServer{typ: "test-server"}, nil
	})

	s, err := domainserver.New("test-server", domainserver.Env{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Type() != "test-server" {
		t.Fatalf("expected test-server, got %s", s.Type())
	}
	if !slices.Contains(domainserver.Available(), "test-server") {
		t.Fatal("expected test-server in available types")
	}
	if _, err := domainserver.New("nonexistent", domainserver.Env{}); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestSchemaValidate(t *testing.T) {
	schema := domainserver.Schema{
		{Name: "player", Kind: domainserver.KindString, Default: "mpv"},
		{Name: "volume", Kind: domainserver.KindNumber},
		{Name: "loop", Kind: domainserver.KindBool},
		{Name: "urls", Kind: domainserver.KindStrings},
	}

	tests := []struct {
		name    string
		cfg     map[string]any
		wantErr bool
	}{
		{"empty", nil, false},
		{"all kinds", map[string]any{"player": "vlc", "volume": 40.0, "loop": true, "urls": []any{"a", "b"}}, false},
		{"int number", map[string]any{"volume": 3}, false},
		{"unknown key", map[string]any{"color": "red"}, true},
		{"wrong kind", map[string]any{"loop": "yes"}, true},
		{"mixed list", map[string]any{"urls": []any{"a", 1.0}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	merged := schema.Merge(map[string]any{"volume": 10.0}, map[string]any{"volume": 20.0, "loop": true})
	if merged["player"] != "mpv" || merged["volume"] != 20.0 || merged["loop"] != true {
		t.Errorf("unexpected merge %v", merged)
	}
	if got := domainserver.Strings(map[string]any{"urls": []any{"a", "b"}}, "urls"); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Strings = %v", got)
	}
	if got := domainserver.Number(map[string]any{"n": 3}, "n", 0); got != 3 {
		t.Errorf("Number = %v", got)
	}
}
