package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/lotabots/internal/device"
	"github.com/ekisa-team/lotabots/internal/model"
)

// --- Mock types ---

type MockKernel struct {
	mock.Mock
}

func (m *MockKernel) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockKernel) OutputFormat() model.Format {
	args := m.Called()
	return args.Get(0).(model.Format)
}

func (m *MockKernel) Supports(d device.Device) bool {
	args := m.Called(d)
	return args.Bool(0)
}

func (m *MockKernel) Quantize(ctx context.Context, job Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// --- Tests ---

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	mockKernel := new(MockKernel)
	mockKernel.On("Name").Return("test-kernel")

	require.NoError(t, reg.Register(mockKernel))

	got, ok := reg.Get("test-kernel")
	assert.True(t, ok)
	assert.Equal(t, mockKernel, got)

	// Ensure a missing kernel returns false
	_, ok = reg.Get("missing")
	assert.False(t, ok)

	mockKernel.AssertExpectations(t)
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := NewRegistry()

	k1 := new(MockKernel)
	k2 := new(MockKernel)
	k1.On("Name").Return("llama.cpp")
	k2.On("Name").Return("llama.cpp")

	require.NoError(t, reg.Register(k1))
	err := reg.Register(k2)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	got, _ := reg.Get("llama.cpp")
	assert.Same(t, k1, got)
}

func TestRegistry_MustGet(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.MustGet("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	k := new(MockKernel)
	k.On("Name").Return("k")
	require.NoError(t, reg.Register(k))

	got, err := reg.MustGet("k")
	require.NoError(t, err)
	assert.Equal(t, k, got)
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"b", "a", "c"} {
		k := new(MockKernel)
		k.On("Name").Return(name)
		require.NoError(t, reg.Register(k))
	}

	assert.Equal(t, []string{"a", "b", "c"}, reg.Names())
}
