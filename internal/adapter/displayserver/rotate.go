package displayserver

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/Strob0t/hostagent/internal/domain/intent"
	"github.com/Strob0t/hostagent/internal/port/domainserver"
)

// RotateIntent shows configuration "urls" in turn, resting
// "intervalSeconds" on each.
const RotateIntent = "display.rotate"

// Group is shared by every display intent, so at most one drives the
// display at a time.
const Group = "display"

const (
	stageShow = "show"
	stageRest = "rest"
)

// rotation is only touched from the intent engine goroutine.
type rotation struct {
	s        *Server
	urls     []string
	interval time.Duration

	// The last URL this rotation put on screen, empty after a failure.
	shown       string
	shownIndex  int
	shownAt     time.Time
	browserSeen bool
}

func (s *Server) newRotation(in *intent.Intent) (intent.Behavior, error) {
	urls := domainserver.Strings(in.Configuration, "urls")
	if len(urls) == 0 {
		return nil, errors.New("urls must list at least one URL")
	}
	for _, u := range urls {
		if p, err := url.Parse(u); err != nil || p.Scheme == "" {
			return nil, errors.New("urls must be absolute URLs")
		}
	}
	secs := domainserver.Number(in.Configuration, "intervalSeconds", 60)
	if secs <= 0 {
		return nil, errors.New("intervalSeconds must be positive")
	}
	in.Group = Group

	r := &rotation{s: s, urls: urls, interval: time.Duration(secs * float64(time.Second))}
	in.Stage(stageShow, r.show)
	in.Stage(stageRest, r.rest)
	return r, nil
}

func (r *rotation) Start(in *intent.Intent) { in.SetStage(stageShow) }

// Tick re-shows the current URL while resting when someone else changed
// the display, or when the browser was found after the show and has since
// gone away.
func (r *rotation) Tick(in *intent.Intent, _ time.Time) {
	if r.shown == "" || in.CurrentStage() != stageRest {
		return
	}
	url, browser, checked := r.s.view()
	fresh := checked.After(r.shownAt)

	var reason string
	switch {
	case url != r.shown:
		reason = "display changed"
	case fresh && browser:
		r.browserSeen = true
	case fresh && r.browserSeen:
		reason = "browser gone"
	}
	if reason == "" {
		return
	}
	slog.Info("display rotation re-showing", "intent_id", in.ID, "url", r.shown, "reason", reason)
	in.SetState("index", r.shownIndex)
	r.shown = ""
	in.SetStage(stageShow)
}

func (r *rotation) show(in *intent.Intent) {
	u := r.urls[position(in)%len(r.urls)]
	in.StageAwait(func(ctx context.Context) (any, error) {
		return u, r.s.Show(ctx, u)
	}, stageRest)
}

// rest moves to the next URL whether or not the last one was shown.
func (r *rotation) rest(in *intent.Intent) {
	v, err := in.Result()
	if err != nil {
		slog.Warn("display rotation step failed", "intent_id", in.ID, "url", v, "error", err)
		r.shown = ""
	} else {
		r.shown, _ = v.(string)
		r.shownIndex = position(in)
		r.shownAt = time.Now()
		r.browserSeen = false
	}
	in.SetState("index", (position(in)+1)%len(r.urls))
	in.TimeoutWait(r.interval, stageShow)
}

func position(in *intent.Intent) int {
	v, _ := in.StateValue("index")
	switch n := v.(type) {
	case int:
		return max(n, 0)
	case float64:
		return max(int(n), 0)
	}
	return 0
}
