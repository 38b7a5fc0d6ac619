// Package mediaserver implements the "media" domain server. Playback is
// delegated to an external player program, one file at a time.
package mediaserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/command"
	"github.com/Strob0t/hostagent/internal/port/domainserver"
	"github.com/Strob0t/hostagent/internal/process"
)

// Type is the registered server type.
const Type = "media"

// ErrNotRunning is returned for playback requests to a stopped server.
var ErrNotRunning = errors.New("media server not running")

func init() {
	domainserver.Register(Type, func(env domainserver.Env) (domainserver.Server, error) {
		return New(env), nil
	})
}

var schema = domainserver.Schema{
	{Name: "player", Kind: domainserver.KindString, Description: "player program, default <bin>/play-media"},
	{Name: "args", Kind: domainserver.KindStrings, Description: "extra player arguments"},
	{Name: "mediaDir", Kind: domainserver.KindString, Description: "base for relative paths, default <data>/media"},
	{Name: "retrySeconds", Kind: domainserver.KindNumber, Default: 5.0, Description: "playlist pause after a failed item"},
}

// Server is the media domain server.
type Server struct {
	env domainserver.Env

	mu      sync.Mutex
	cfg     map[string]any
	running bool
	player  *process.Runner
	playing string
	loop    bool
	gen     uint64
	plays   int
	lastErr string
}

// New creates a stopped media server and makes the playlist intent type
// available.
func New(env domainserver.Env) *Server {
	s := &Server{env: env}
	if env.Intents != nil {
		env.Intents.RegisterOnce(PlaylistIntent, s.newPlaylist)
	}
	return s
}

func (s *Server) Type() string { return Type }

func (s *Server) Schema() domainserver.Schema { return schema }

func (s *Server) Check(cfg map[string]any) error {
	if domainserver.Number(cfg, "retrySeconds", 5) <= 0 {
		return fmt.Errorf("%w: retrySeconds must be positive", domain.ErrValidation)
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

func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := os.MkdirAll(s.mediaDirLocked(), 0o755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}
	s.env.Routes.AddInvokeHandler("/", command.TypeMedia, s.handle)
	s.running = true
	return nil
}

// Stop unregisters the command handler and ends playback.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.env.Routes.RemoveInvokeHandler("/", command.TypeMedia)
	s.running = false
	r := s.detachLocked()
	s.mu.Unlock()

	return waitStopped(ctx, r)
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]any{"plays": s.plays}
	if s.player != nil {
		out["playing"] = s.playing
		out["loop"] = s.loop
		out["pid"] = s.player.Pid()
	}
	if s.lastErr != "" {
		out["lastError"] = s.lastErr
	}
	return out
}

func (s *Server) handle(ctx context.Context, inv *command.Invocation) (any, error) {
	switch inv.CommandID {
	case command.IDMediaPlay:
		p, _ := command.ParamsAs[command.MediaPlayParams](inv)
		path, err := s.play(p.Path, p.Loop)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "loop": p.Loop}, nil
	case command.IDMediaStop:
		s.mu.Lock()
		r := s.detachLocked()
		s.mu.Unlock()
		if err := waitStopped(ctx, r); err != nil {
			return nil, err
		}
		return map[string]any{"stopped": r != nil}, nil
	}
	return nil, fmt.Errorf("%w: %s is not a media command", domain.ErrValidation, inv.CommandName)
}

func (s *Server) mediaDirLocked() string {
	if dir := domainserver.String(s.cfg, "mediaDir", ""); dir != "" {
		return dir
	}
	return filepath.Join(s.env.DataDir, "media")
}

func (s *Server) resolveLocked(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.mediaDirLocked(), filepath.Clean("/"+path))
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("media %s: %w", path, domain.ErrNotFound)
	}
	return path, nil
}

// play replaces the current playback with path and returns the resolved
// file name.
func (s *Server) play(path string, loop bool) (string, error) {
	_, full, err := s.start(path, loop)
	return full, err
}

// start is play returning the runner as well.
func (s *Server) start(path string, loop bool) (*process.Runner, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, "", ErrNotRunning
	}
	full, err := s.resolveLocked(path)
	if err != nil {
		return nil, "", err
	}
	if old := s.detachLocked(); old != nil {
		slog.Debug("media playback replaced", "path", full)
	}
	s.playing, s.loop = full, loop
	return s.launchLocked(), full, nil
}

func (s *Server) launchLocked() *process.Runner {
	s.gen++
	gen := s.gen
	player := domainserver.String(s.cfg, "player", "")
	if player == "" {
		player = filepath.Join(s.env.BinDir, "play-media")
	}
	path := s.playing
	s.plays++
	slog.Info("media playback started", "path", path, "loop", s.loop)
	s.player = process.Start(process.Options{
		Path:       player,
		Args:       domainserver.Strings(s.cfg, "args"),
		Env:        map[string]string{"MEDIA_PATH": path},
		InheritEnv: process.SessionEnv,
		OnData: func(lines []string, ack func()) {
			for _, l := range lines {
				slog.Debug("player output", "line", l)
			}
			ack()
		},
		OnEnd: func(res process.Result) { s.ended(gen, path, res) },
	})
	return s.player
}

// ended clears the playback slot, or restarts a looping file that ended
// on its own. Runners detached by a stop or a replacement are ignored.
func (s *Server) ended(gen uint64, path string, res process.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	if !res.Success() {
		s.lastErr = fmt.Sprintf("%s: exit %d", path, res.ExitCode)
		if res.Err != nil {
			s.lastErr = res.Err.Error()
		}
		slog.Warn("media player failed", "path", path, "exit_code", res.ExitCode, "error", res.Err)
	}
	if s.loop && s.running && res.Success() {
		s.launchLocked()
		return
	}
	s.player, s.playing, s.loop = nil, "", false
}

// detachLocked clears the playback slot and stops its runner.
func (s *Server) detachLocked() *process.Runner {
	r := s.player
	s.gen++
	s.player, s.playing, s.loop = nil, "", false
	if r != nil {
		r.Stop()
	}
	return r
}

func waitStopped(ctx context.Context, r *process.Runner) error {
	if r == nil {
		return nil
	}
	select {
	case <-r.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
