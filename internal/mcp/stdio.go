package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morikuni/failure/v2"

	"github.com/nugget/mcpvisor/internal/config"
)

// defaultGracePeriod is how long a subprocess gets to exit on its own
// after stdin is closed.
const defaultGracePeriod = 5 * time.Second

const (
	// outputDrainTimeout bounds how long stdout and stderr are read
	// after the subprocess has exited.
	outputDrainTimeout = time.Second

	// killTimeout bounds the wait for the reaper after a kill.
	killTimeout = outputDrainTimeout + 2*time.Second
)

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout;
// stderr is diagnostic output and is logged, never parsed.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	events *eventStream
	state  atomic.Int32

	mu       sync.Mutex // guards lifecycle transitions
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	exited   chan struct{}
	stopping atomic.Bool

	writeMu sync.Mutex
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Connect.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		events: newEventStream(),
	}
}

// Kind implements [Transport].
func (t *StdioTransport) Kind() TransportKind { return TransportStdio }

// Events implements [Transport].
func (t *StdioTransport) Events() <-chan Event { return t.events.events() }

// IsConnected implements [Transport].
func (t *StdioTransport) IsConnected() bool {
	return connState(t.state.Load()) == stateConnected
}

// Connect launches the subprocess. A command that cannot be started
// fails with ErrConnection. The subprocess lifecycle is independent of
// ctx; it runs until Disconnect or until it exits on its own.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fields := failure.Context{"command": t.config.Command}
	switch connState(t.state.Load()) {
	case stateConnected:
		return nil
	case stateClosed:
		return newError(ErrConnection, "transport is closed", fields)
	}
	if err := ctx.Err(); err != nil {
		return ctxError(ctx, "connect cancelled", fields)
	}
	if t.config.Command == "" {
		return newError(ErrConnection, "stdio transport requires a command", nil)
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = mergeEnv(os.Environ(), t.config.Env)
	cmd.Dir = t.config.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return translate(err, ErrConnection, "create stdin pipe", fields)
	}

	// The output pipes are plain files rather than exec-managed pipes so
	// that reap can wait for the process without waiting for every holder
	// of the write ends, which includes any grandchild.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return translate(err, ErrConnection, "create stdout pipe", fields)
	}

	// Capture stderr for logging; it is not part of the protocol.
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		closeFiles(stdout, stdoutW)
		return translate(err, ErrConnection, "create stderr pipe", fields)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	setProcessGroup(cmd)

	err = cmd.Start()
	closeFiles(stdoutW, stderrW)
	if err != nil {
		closeFiles(stdout, stderr)
		stdin.Close()
		return translate(err, ErrConnection, "start subprocess "+t.config.Command, fields)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.exited = make(chan struct{})
	t.state.Store(int32(stateConnected))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		t.readLoop(stdout)
	}()
	go func() {
		defer readers.Done()
		t.drainStderr(stderr)
	}()
	go t.reap(cmd, &readers, []*os.File{stdout, stderr}, t.exited)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// mergeEnv appends overrides to base in key order. exec.Cmd keeps the
// last value for duplicate keys, so overrides win.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	env = append(env, base...)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// readLoop decodes newline-delimited messages from stdout until EOF.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 1<<20) // 1 MiB buffer for large responses
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			t.handleLine(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.stopping.Load() {
				t.logger.Debug("MCP subprocess stdout read failed", "error", err)
			}
			return
		}
	}
}

func (t *StdioTransport) handleLine(line []byte) {
	t.logger.Log(context.Background(), config.LevelTrace, "MCP stdio recv", "line", string(bytes.TrimSpace(line)))

	msgs, err := DecodeMessages(line)
	if err != nil {
		t.events.fail(translate(err, ErrTransport, "malformed message from subprocess", failure.Context{
			"line": truncate(string(bytes.TrimSpace(line)), 200),
		}))
		return
	}
	for _, msg := range msgs {
		t.events.message(msg)
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// reap waits for the subprocess to exit and closes the event stream.
// A non-zero exit code is reported as an error before the close. Output
// still buffered in the pipes is read for up to outputDrainTimeout; after
// that the pipes are closed even if a grandchild holds them open.
func (t *StdioTransport) reap(cmd *exec.Cmd, readers *sync.WaitGroup, pipes []*os.File, exited chan struct{}) {
	err := cmd.Wait()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	timer := time.NewTimer(outputDrainTimeout)
	select {
	case <-drained:
	case <-timer.C:
		t.logger.Debug("MCP subprocess output still open after exit, closing", "pid", cmd.Process.Pid)
		closeFiles(pipes...)
		<-drained
	}
	timer.Stop()
	closeFiles(pipes...)

	t.state.Store(int32(stateClosed))

	var closeErr error
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr) && exitErr.ExitCode() > 0:
		code := exitErr.ExitCode()
		t.logger.Warn("MCP subprocess exited with error", "pid", cmd.Process.Pid, "exit_code", code)
		closeErr = newError(ErrConnection, fmt.Sprintf("subprocess exited with code %d", code), failure.Context{
			"command":   t.config.Command,
			"exit_code": strconv.Itoa(code),
		})
		t.events.fail(closeErr)
	case t.stopping.Load():
		t.logger.Info("MCP subprocess stopped", "pid", cmd.Process.Pid)
	default:
		t.logger.Info("MCP subprocess exited", "pid", cmd.Process.Pid)
		closeErr = newError(ErrConnection, "subprocess exited", failure.Context{"command": t.config.Command})
	}

	t.events.finish(closeErr)
	close(exited)
}

// Send writes one message followed by a newline. The write blocks until
// the pipe accepts every byte, so a subprocess that stops reading
// applies backpressure to the caller.
func (t *StdioTransport) Send(ctx context.Context, msg Outbound) error {
	if !t.IsConnected() {
		return newError(ErrConnection, "transport not connected", failure.Context{"command": t.config.Command})
	}
	if err := ctx.Err(); err != nil {
		return ctxError(ctx, "send cancelled", nil)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return translate(err, ErrTransport, "marshal message", nil)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP stdio send", "line", string(data))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return translate(err, ErrTransport, "write to subprocess stdin", failure.Context{"command": t.config.Command})
	}
	return nil
}

// Disconnect closes stdin, waits for the subprocess to exit, and kills
// its whole process group when the grace period runs out. It returns once the process has
// been reaped and the event stream is closed.
func (t *StdioTransport) Disconnect() error {
	t.mu.Lock()
	if connState(t.state.Load()) != stateConnected || t.cmd == nil {
		idle := t.cmd == nil
		t.state.Store(int32(stateClosed))
		exited := t.exited
		t.mu.Unlock()
		if idle {
			t.events.finish(nil)
		} else if exited != nil {
			<-exited
		}
		return nil
	}
	t.stopping.Store(true)
	cmd, stdin, exited := t.cmd, t.stdin, t.exited
	t.state.Store(int32(stateClosed))
	t.mu.Unlock()

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	// Closing stdin signals the subprocess to exit. It also unblocks a
	// Send stuck on a full pipe.
	stdin.Close()

	grace := t.config.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
	case <-timer.C:
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		if err := killProcessGroup(cmd.Process); err != nil {
			t.logger.Debug("kill MCP subprocess failed", "pid", cmd.Process.Pid, "error", err)
		}
		timer.Reset(killTimeout)
		select {
		case <-exited:
		case <-timer.C:
			t.logger.Error("MCP subprocess not reaped after kill", "pid", cmd.Process.Pid)
		}
	}
	return nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
