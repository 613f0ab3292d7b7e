package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// CommandRunner is the interface for running commands. env holds extra
// KEY=VALUE pairs added to the current process environment.
type CommandRunner interface {
	Run(ctx context.Context, name string, args, env []string, stdin io.Reader) (stdout, stderr []byte, err error)
	Start(ctx context.Context, name string, args, env []string, stdin io.Reader) (stdout, stderr io.ReadCloser, wait func() error, err error)
}

// ExecCommandRunner uses os/exec.
type ExecCommandRunner struct{}

// Run runs a command.
func (ExecCommandRunner) Run(ctx context.Context, name string, args, env []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	cmd := command(ctx, name, args, env)
	cmd.Stdin = stdin

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Start starts a command.
func (ExecCommandRunner) Start(ctx context.Context, name string, args, env []string, stdin io.Reader) (stdout, stderr io.ReadCloser, wait func() error, err error) {
	cmd := command(ctx, name, args, env)
	cmd.Stdin = stdin

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}

	return stdoutPipe, stderrPipe, cmd.Wait, nil
}

func command(ctx context.Context, name string, args, env []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	return cmd
}

// Executor runs one binary. A zero timeout means no deadline beyond the
// caller's context.
type Executor struct {
	runner     CommandRunner
	binaryPath string
	timeout    time.Duration
}

// NewExecutor creates an executor. binaryPath may be a bare name resolved
// through PATH.
func NewExecutor(binaryPath string, timeout time.Duration) (*Executor, error) {
	resolved, err := exec.LookPath(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("binary not found: %w", err)
	}

	return &Executor{
		binaryPath: resolved,
		timeout:    timeout,
		runner:     ExecCommandRunner{},
	}, nil
}

// NewExecutorWithRunner creates an executor with a custom runner.
func NewExecutorWithRunner(binaryPath string, timeout time.Duration, runner CommandRunner) *Executor {
	return &Executor{
		binaryPath: binaryPath,
		timeout:    timeout,
		runner:     runner,
	}
}

// Binary returns the path of the executed binary.
func (e *Executor) Binary() string {
	return e.binaryPath
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

// Execute runs the command and returns output.
func (e *Executor) Execute(ctx context.Context, args, env []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	return e.runner.Run(ctx, e.binaryPath, args, env, stdin)
}

// Stream runs the command and streams output line by line. The last chunk
// has Done set and carries the exit error, with stderr attached.
func (e *Executor) Stream(ctx context.Context, args, env []string, stdin io.Reader) (<-chan StreamChunk, error) {
	ctx, cancel := e.withTimeout(ctx)

	stdout, stderr, wait, err := e.runner.Start(ctx, e.binaryPath, args, env, stdin)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executor: failed to start command: %w", err)
	}

	ch := make(chan StreamChunk, 32)

	go func() {
		defer close(ch)
		defer cancel()

		// Read stderr in background
		stderrBuf := new(bytes.Buffer)
		stderrDone := make(chan struct{})
		go func() {
			if _, err := io.Copy(stderrBuf, stderr); err != nil {
				slog.Error("Failed to read stderr", "error", err)
			}
			close(stderrDone)
		}()

		// Stream stdout
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case <-ctx.Done():
				<-stderrDone
				_ = wait()
				ch <- StreamChunk{Error: ctx.Err(), Done: true}
				return
			case ch <- StreamChunk{Data: append(line, '\n')}:
			}
		}

		if err := scanner.Err(); err != nil {
			<-stderrDone
			_ = wait()
			ch <- StreamChunk{Error: err, Done: true}
			return
		}

		<-stderrDone
		err := wait()

		if err != nil {
			if s := bytes.TrimSpace(stderrBuf.Bytes()); len(s) > 0 {
				ch <- StreamChunk{Error: fmt.Errorf("%w: %s", err, s), Done: true}
			} else {
				ch <- StreamChunk{Error: err, Done: true}
			}
		} else {
			ch <- StreamChunk{Done: true}
		}
	}()

	return ch, nil
}

// Drain consumes a stream, passing each data line to onLine, and returns the
// final error.
func Drain(ch <-chan StreamChunk, onLine func(line string)) error {
	var err error
	for chunk := range ch {
		if len(chunk.Data) > 0 && onLine != nil {
			onLine(string(bytes.TrimRight(chunk.Data, "\r\n")))
		}
		if chunk.Done {
			err = chunk.Error
		}
	}
	return err
}
