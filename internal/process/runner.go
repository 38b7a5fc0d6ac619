// Package process launches helper programs, streams their output as line
// batches with explicit acknowledgement, and guarantees termination.
package process

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 4800 * time.Millisecond

// maxBatch caps the number of lines handed to OnData at once.
const maxBatch = 256

// Options describes one child process.
type Options struct {
	Path string
	Args []string
	Dir  string

	// Env is set on the child in addition to the InheritEnv variables.
	// Nothing else from the parent environment is passed.
	Env        map[string]string
	InheritEnv []string

	// OnData receives complete lines from stdout and stderr. Reading is
	// paused until ack is called.
	OnData func(lines []string, ack func())

	// OnEnd fires exactly once, after stdout and stderr are closed and the
	// process has exited, or after a spawn failure.
	OnEnd func(Result)

	StopGrace time.Duration
}

// SessionEnv lists the variables graphical helpers need from the agent's
// environment.
var SessionEnv = []string{"PATH", "HOME", "LANG", "DISPLAY", "WAYLAND_DISPLAY", "XDG_RUNTIME_DIR"}

// Result is the outcome of a child process.
type Result struct {
	ExitCode int
	Err      error
}

// Success reports whether the process exited with code 0.
func (r Result) Success() bool { return r.Err == nil && r.ExitCode == 0 }

// Runner supervises one child process.
type Runner struct {
	opts Options
	cmd  *exec.Cmd

	done     chan struct{}
	result   Result
	stopOnce sync.Once
}

// Start launches the process. It never returns nil; spawn failures are
// delivered through OnEnd and Wait like any other end.
func Start(opts Options) *Runner {
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	r := &Runner{opts: opts, done: make(chan struct{})}

	cmd := exec.Command(opts.Path, opts.Args...) //nolint:gosec // G204: helper paths come from agent configuration
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(opts.Env, opts.InheritEnv)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	r.cmd = cmd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		go r.finish(Result{ExitCode: -1, Err: err})
		return r
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		go r.finish(Result{ExitCode: -1, Err: err})
		return r
	}

	if err := cmd.Start(); err != nil {
		go r.finish(Result{ExitCode: -1, Err: err})
		return r
	}

	lines := make(chan string)
	var readers sync.WaitGroup
	readers.Add(2)
	go r.read(stdout, lines, &readers)
	go r.read(stderr, lines, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	go r.dispatch(lines)
	return r
}

// Pid returns the process id, or 0 if the process never started.
func (r *Runner) Pid() int {
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// Done is closed after OnEnd returned.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Wait blocks until the process ended and returns its result.
func (r *Runner) Wait() Result {
	<-r.done
	return r.result
}

// Stop sends SIGTERM to the process group and SIGKILL if it has not ended
// within the stop grace period.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		pid := r.Pid()
		if pid == 0 {
			return
		}
		select {
		case <-r.done:
			return
		default:
		}
		if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
			_ = r.cmd.Process.Signal(unix.SIGTERM)
		}
		go func() {
			select {
			case <-r.done:
			case <-time.After(r.opts.StopGrace):
				slog.Warn("child process ignored SIGTERM, killing", "path", r.opts.Path, "pid", pid)
				if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
					_ = r.cmd.Process.Kill()
				}
			}
		}()
	})
}

// read splits one stream into lines. A trailing line without newline is
// delivered when the stream closes.
func (r *Runner) read(rd io.Reader, out chan<- string, wg *sync.WaitGroup) {
	defer wg.Done()

	br := bufio.NewReader(rd)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			out <- strings.TrimRight(line, "\r\n")
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("child process read failed", "path", r.opts.Path, "error", err)
			}
			return
		}
	}
}

// dispatch batches lines and waits for the consumer's ack between
// batches. While it waits nobody drains lines, which blocks the readers.
// lines closes only after both streams hit EOF, so the process is reaped
// and OnEnd fires after the last batch was acknowledged.
func (r *Runner) dispatch(lines <-chan string) {
	for {
		first, ok := <-lines
		if !ok {
			break
		}
		batch := []string{first}
		closed := false
	drain:
		for len(batch) < maxBatch {
			select {
			case l, ok := <-lines:
				if !ok {
					closed = true
					break drain
				}
				batch = append(batch, l)
			default:
				break drain
			}
		}

		r.deliver(batch)
		if closed {
			break
		}
	}

	res := Result{}
	if err := r.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = err
		}
	}
	r.finish(res)
}

func (r *Runner) deliver(batch []string) {
	if r.opts.OnData == nil {
		return
	}
	acked := make(chan struct{})
	var once sync.Once
	r.opts.OnData(batch, func() { once.Do(func() { close(acked) }) })
	<-acked
}

func (r *Runner) finish(res Result) {
	r.result = res
	if r.opts.OnEnd != nil {
		r.opts.OnEnd(res)
	}
	close(r.done)
}

func buildEnv(env map[string]string, inherit []string) []string {
	out := []string{}
	for _, k := range inherit {
		if v, ok := os.LookupEnv(k); ok {
			out = append(out, k+"="+v)
		}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Run starts the process, waits for it and returns its output lines. A
// cancelled ctx stops the process and is reported in Result.Err. OnData in
// opts is replaced.
func Run(ctx context.Context, opts Options) ([]string, Result) {
	var (
		mu    sync.Mutex
		lines []string
	)
	opts.OnData = func(batch []string, ack func()) {
		mu.Lock()
		lines = append(lines, batch...)
		mu.Unlock()
		ack()
	}

	r := Start(opts)
	select {
	case <-r.Done():
	case <-ctx.Done():
		r.Stop()
		<-r.Done()
	}
	res := r.Wait()
	if res.Err == nil && ctx.Err() != nil {
		res.Err = ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return lines, res
}
