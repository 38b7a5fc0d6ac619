// Package logger provides structured logging setup for the host agent.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Strob0t/hostagent/internal/config"
)

const (
	asyncBuffer  = 4096
	asyncWorkers = 1
)

// New creates a *slog.Logger from the given Logging config. Output is JSON
// to stdout, or text when console logging is on and stdout is a terminal,
// with a "service" attribute on every record. A configured file receives
// JSON too, rotated by size. Close the returned Closer before exit.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	text := cfg.Console && term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec // G115: fd fits in int
	var file *lumberjack.Logger
	if cfg.File != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    20, // MB
			MaxBackups: 5,
			Compress:   true,
		}
	}
	return build(cfg, os.Stdout, text, file)
}

func build(cfg config.Logging, stdout io.Writer, text bool, file *lumberjack.Logger) (*slog.Logger, Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if text {
		handler = slog.NewTextHandler(stdout, opts)
	} else {
		handler = slog.NewJSONHandler(stdout, opts)
	}
	if file != nil {
		handler = fanout{handler, slog.NewJSONHandler(file, opts)}
	}

	closers := closerList{}
	if cfg.Async {
		async := NewAsyncHandler(handler, asyncBuffer, asyncWorkers)
		handler = async
		closers = append(closers, async)
	}
	if file != nil {
		closers = append(closers, fileCloser{file})
	}

	return slog.New(handler).With("service", cfg.Service), closers
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type closerList []Closer

func (l closerList) Close() {
	for _, c := range l {
		c.Close()
	}
}

type fileCloser struct{ l *lumberjack.Logger }

func (f fileCloser) Close() { _ = f.l.Close() }
