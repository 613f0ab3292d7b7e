// Package backendtest provides a scripted CommandRunner for tests.
package backendtest

import (
	"context"
	"io"
	"slices"
	"strings"
	"sync"
)

// Call is one recorded command invocation.
type Call struct {
	Name string
	Args []string
	Env  []string
}

// Arg returns the argument following flag, or "" when flag is absent.
func (c Call) Arg(flag string) string {
	i := slices.Index(c.Args, flag)
	if i < 0 || i+1 >= len(c.Args) {
		return ""
	}
	return c.Args[i+1]
}

// Runner records every call and answers with Handle. A nil Handle succeeds
// with empty output.
type Runner struct {
	Handle func(ctx context.Context, c Call) (stdout, stderr string, err error)

	mu    sync.Mutex
	calls []Call
}

// Calls returns a copy of the recorded calls.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.calls)
}

func (r *Runner) handle(ctx context.Context, name string, args, env []string) (string, string, error) {
	c := Call{Name: name, Args: slices.Clone(args), Env: slices.Clone(env)}

	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()

	if r.Handle == nil {
		return "", "", nil
	}
	return r.Handle(ctx, c)
}

// Run implements backend.CommandRunner.
func (r *Runner) Run(ctx context.Context, name string, args, env []string, _ io.Reader) ([]byte, []byte, error) {
	stdout, stderr, err := r.handle(ctx, name, args, env)
	return []byte(stdout), []byte(stderr), err
}

// Start implements backend.CommandRunner.
func (r *Runner) Start(ctx context.Context, name string, args, env []string, _ io.Reader) (io.ReadCloser, io.ReadCloser, func() error, error) {
	stdout, stderr, err := r.handle(ctx, name, args, env)
	wait := func() error { return err }
	return io.NopCloser(strings.NewReader(stdout)), io.NopCloser(strings.NewReader(stderr)), wait, nil
}
