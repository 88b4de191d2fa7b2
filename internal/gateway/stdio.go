package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
)

// StdioConfig configures a gateway launched as a subprocess, such as
// postgres-mcp, speaking newline-delimited JSON-RPC on stdin/stdout.
type StdioConfig struct {
	Command string
	Args    []string

	// Env is appended to the current environment ("KEY=VALUE"), e.g.
	// PGPASSWORD for postgres-mcp.
	Env []string

	Logger *slog.Logger
}

// StdioTransport runs the gateway as a child process. The session
// identifier combines a per-transport instance token with the
// subprocess generation: a restarted subprocess, or a new agent
// process, never reuses an identifier, so sessions negotiated with an
// earlier process expire.
type StdioTransport struct {
	config   StdioConfig
	logger   *slog.Logger
	instance string

	// sem serializes access to the pipes. A channel instead of a mutex
	// so waiting callers can give up when their context ends.
	sem chan struct{}

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	reader     *bufio.Reader
	generation int
}

// NewStdioTransport creates a stdio transport. The subprocess starts on
// the first Send or Notify.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:   cfg,
		logger:   logger,
		instance: uuid.NewString()[:8],
		sem:      make(chan struct{}, 1),
	}
}

func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

func (t *StdioTransport) sessionID() string {
	return fmt.Sprintf("stdio-%s-%d", t.instance, t.generation)
}

// start launches the subprocess if it is not running. The process
// outlives individual call contexts. Caller must hold the semaphore.
func (t *StdioTransport) start() error {
	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting gateway subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20)
	t.generation++

	go t.drainStderr(stderr)

	t.logger.Info("gateway subprocess started", "pid", cmd.Process.Pid, "session", t.sessionID())
	return nil
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("gateway subprocess stderr", "line", scanner.Text())
	}
}

type readResult struct {
	line []byte
	err  error
}

// Send writes a request and reads lines until the matching response.
// Reads run in a goroutine so the context can interrupt them; on
// cancellation the subprocess is killed to unblock the read.
func (t *StdioTransport) Send(ctx context.Context, session string, req *Request) (*Response, string, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, "", err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return nil, "", err
	}
	if session != "" && session != t.sessionID() {
		return nil, "", fmt.Errorf("%w: subprocess restarted since %s", ErrSessionExpired, session)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "gateway request", "method", req.Method, "id", req.ID, "json", string(data))

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return nil, "", fmt.Errorf("write to subprocess stdin: %w", err)
	}

	reader := t.reader
	for {
		ch := make(chan readResult, 1)
		go func() {
			line, readErr := reader.ReadBytes('\n')
			ch <- readResult{line: line, err: readErr}
		}()

		select {
		case <-ctx.Done():
			t.cleanup()
			return nil, "", ctx.Err()
		case res := <-ch:
			if res.err != nil {
				t.cleanup()
				return nil, "", fmt.Errorf("read from subprocess stdout: %w", res.err)
			}

			var resp Response
			if err := json.Unmarshal(res.line, &resp); err != nil {
				t.logger.Debug("skipping non-JSON line from gateway subprocess", "line", string(res.line))
				continue
			}
			if resp.matches(req.ID) {
				return &resp, t.sessionID(), nil
			}
			t.logger.Debug("skipping unmatched gateway message", "id", string(resp.ID))
		}
	}
}

// Notify writes a notification.
func (t *StdioTransport) Notify(ctx context.Context, session string, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return err
	}
	if session != "" && session != t.sessionID() {
		return fmt.Errorf("%w: subprocess restarted since %s", ErrSessionExpired, session)
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return fmt.Errorf("write notification to subprocess stdin: %w", err)
	}
	return nil
}

// Close stops the subprocess, waiting for any in-flight call.
func (t *StdioTransport) Close() error {
	t.sem <- struct{}{}
	defer t.release()
	return t.stop()
}

// stop closes stdin and waits briefly for a graceful exit before
// killing. Caller must hold the semaphore.
func (t *StdioTransport) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping gateway subprocess", "pid", t.cmd.Process.Pid)
	if t.stdin != nil {
		t.stdin.Close()
	}

	cmd := t.cmd
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.logger.Warn("gateway subprocess did not exit gracefully, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
	return err
}

// cleanup kills the process after a failure. Caller must hold the
// semaphore.
func (t *StdioTransport) cleanup() {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
}
