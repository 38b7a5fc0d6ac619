package mediaserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/hostagent/internal/domain/intent"
	"github.com/Strob0t/hostagent/internal/port/domainserver"
)

// PlaylistIntent plays configuration "items" one after another, forever.
const PlaylistIntent = "media.playlist"

const (
	stagePlay    = "play"
	stageAdvance = "advance"
)

type playlist struct {
	s     *Server
	items []string

	// held is set while the playlist waits for a stopped server. Only the
	// intent engine goroutine touches it.
	held bool
}

func (s *Server) newPlaylist(in *intent.Intent) (intent.Behavior, error) {
	items := domainserver.Strings(in.Configuration, "items")
	if len(items) == 0 {
		return nil, errors.New("items must list at least one file")
	}
	p := &playlist{s: s, items: items}
	in.Stage(stagePlay, p.play)
	in.Stage(stageAdvance, p.advance)
	return p, nil
}

func (p *playlist) Start(in *intent.Intent) { in.SetStage(stagePlay) }

// Tick resumes a held playlist once the media server runs again.
func (p *playlist) Tick(in *intent.Intent, _ time.Time) {
	if !p.held || in.CurrentStage() != stageAdvance || !p.s.IsRunning() {
		return
	}
	p.held = false
	slog.Info("playlist resumed", "intent_id", in.ID, "index", index(in))
	in.SetStage(stagePlay)
}

func (p *playlist) play(in *intent.Intent) {
	path := p.items[index(in)%len(p.items)]
	in.StageAwait(func(ctx context.Context) (any, error) {
		r, _, err := p.s.start(path, false)
		if err != nil {
			return nil, err
		}
		select {
		case <-r.Done():
		case <-ctx.Done():
			r.Stop()
			<-r.Done()
			return nil, ctx.Err()
		}
		if res := r.Wait(); !res.Success() {
			return nil, fmt.Errorf("player exited with %d", res.ExitCode)
		}
		return path, nil
	}, stageAdvance)
}

// advance moves to the next item. A stopped server holds the playlist on
// the current item until Tick sees the server running.
func (p *playlist) advance(in *intent.Intent) {
	_, err := in.Result()
	if errors.Is(err, ErrNotRunning) {
		if !p.held {
			slog.Info("playlist held, media server not running", "intent_id", in.ID)
		}
		p.held = true
		return
	}
	if err != nil {
		retry := time.Duration(p.s.retrySeconds() * float64(time.Second))
		slog.Warn("playlist item failed", "intent_id", in.ID, "index", index(in), "error", err, "retry_in", retry)
		in.SetState("index", (index(in)+1)%len(p.items))
		in.TimeoutWait(retry, stagePlay)
		return
	}
	in.SetState("index", (index(in)+1)%len(p.items))
	in.SetStage(stagePlay)
}

func (s *Server) retrySeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domainserver.Number(s.cfg, "retrySeconds", 5)
}

// index reads the persisted position, which is a float64 after a restore.
func index(in *intent.Intent) int {
	v, _ := in.StateValue("index")
	switch n := v.(type) {
	case int:
		return max(n, 0)
	case float64:
		return max(int(n), 0)
	}
	return 0
}
