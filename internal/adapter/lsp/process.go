package lsp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// defaultShutdownGrace bounds the wait for engine exit when the caller's
// context carries no deadline.
const defaultShutdownGrace = 5 * time.Second

// EngineConfig describes how to launch the engine.
type EngineConfig struct {
	Path string
	Args []string
	Dir  string // working directory; empty = current
}

// process is a running engine subprocess.
type process struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
}

// Connect spawns the engine and returns a session over its stdin/stdout.
// Each stderr line is logged and never parsed as protocol data.
func Connect(ctx context.Context, cfg EngineConfig, opts ...Option) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "start", Err: err}
	}
	if cfg.Path == "" {
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("no engine path configured")}
	}

	path, err := exec.LookPath(cfg.Path)
	if err != nil {
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("engine binary not found: %s: %w", cfg.Path, err)}
	}

	// Not CommandContext: the engine outlives the context used to start it
	// and is stopped through Shutdown.
	cmd := exec.Command(path, cfg.Args...) //nolint:gosec // engine command from trusted config
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &TransportError{Op: "stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &TransportError{Op: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &TransportError{Op: "stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &TransportError{Op: "start", Err: err}
	}

	p := &process{cmd: cmd, exited: make(chan struct{})}
	s := NewSession(stdioPipe{stdin: stdin, stdout: stdout}, opts...)
	s.proc = p

	go p.run(stderr, s.Done(), s.logger)

	s.logger.Info("engine started", "path", path, "pid", cmd.Process.Pid)
	return s, nil
}

// run forwards stderr and then reaps the process. Wait closes both pipes,
// so it must follow the last read from stderr and from stdout.
func (p *process) run(stderr io.Reader, stdoutDone <-chan struct{}, logger *slog.Logger) {
	forwardStderr(stderr, logger)
	<-stdoutDone

	p.exitErr = p.cmd.Wait()
	close(p.exited)
	logger.Debug("engine exited", "error", p.exitErr)
}

// maxStderrLine bounds one logged stderr line.
const maxStderrLine = 1 << 20

// forwardStderr logs r line by line until EOF. After a read failure or an
// overlong line the rest is discarded, so the engine never blocks on a full
// stderr pipe.
func forwardStderr(r io.Reader, logger *slog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	for sc.Scan() {
		logger.Info("engine stderr", "line", sc.Text())
	}
	if err := sc.Err(); err != nil {
		logger.Warn("engine stderr no longer logged", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// wait blocks until the process exits, killing it once ctx is done.
func (p *process) wait(ctx context.Context, logger *slog.Logger) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownGrace)
		defer cancel()
	}

	select {
	case <-p.exited:
	case <-ctx.Done():
		logger.Warn("engine did not exit gracefully, killing", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
}

// stdioPipe combines a stdin (writer) and stdout (reader) into an io.ReadWriteCloser.
type stdioPipe struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p stdioPipe) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p stdioPipe) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p stdioPipe) Close() error {
	_ = p.stdin.Close()
	return p.stdout.Close()
}
