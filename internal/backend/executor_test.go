package backend_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/lotabots/internal/backend"
	"github.com/ekisa-team/lotabots/internal/backend/backendtest"
)

func TestExecutor_ExecutePassesArgsAndEnv(t *testing.T) {
	runner := &backendtest.Runner{
		Handle: func(_ context.Context, c backendtest.Call) (string, string, error) {
			return "ok", "", nil
		},
	}
	exec := backend.NewExecutorWithRunner("/opt/bin/tool", time.Second, runner)

	stdout, _, err := exec.Execute(context.Background(), []string{"--flag", "v"}, []string{"A=1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(stdout))

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/opt/bin/tool", calls[0].Name)
	assert.Equal(t, "v", calls[0].Arg("--flag"))
	assert.Equal(t, []string{"A=1"}, calls[0].Env)
}

func TestExecutor_ZeroTimeoutHasNoDeadline(t *testing.T) {
	runner := &backendtest.Runner{
		Handle: func(ctx context.Context, _ backendtest.Call) (string, string, error) {
			_, ok := ctx.Deadline()
			assert.False(t, ok)
			return "", "", nil
		},
	}

	_, _, err := backend.NewExecutorWithRunner("tool", 0, runner).Execute(context.Background(), nil, nil, nil)
	require.NoError(t, err)
}

func TestExecutor_StreamLines(t *testing.T) {
	runner := &backendtest.Runner{
		Handle: func(context.Context, backendtest.Call) (string, string, error) {
			return "line one\nline two\n", "", nil
		},
	}

	ch, err := backend.NewExecutorWithRunner("tool", time.Second, runner).Stream(context.Background(), nil, nil, nil)
	require.NoError(t, err)

	var lines []string
	err = backend.Drain(ch, func(line string) { lines = append(lines, line) })
	require.NoError(t, err)
	assert.Equal(t, []string{"line one", "line two"}, lines)
}

func TestExecutor_StreamFailureCarriesStderr(t *testing.T) {
	exitErr := errors.New("exit status 1")
	runner := &backendtest.Runner{
		Handle: func(context.Context, backendtest.Call) (string, string, error) {
			return "", "invalid tensor type\n", exitErr
		},
	}

	ch, err := backend.NewExecutorWithRunner("tool", time.Second, runner).Stream(context.Background(), nil, nil, nil)
	require.NoError(t, err)

	err = backend.Drain(ch, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, exitErr)
	assert.Contains(t, err.Error(), "invalid tensor type")
}

func TestNewExecutor_MissingBinary(t *testing.T) {
	_, err := backend.NewExecutor("/nonexistent/lotabots-tool", time.Second)
	assert.Error(t, err)
}
