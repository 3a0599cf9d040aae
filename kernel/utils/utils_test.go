package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestKernelError_IsMatchesCode(t *testing.T) {
	err := ErrTokenOutOfRange(300, 256)
	assert.True(t, errors.Is(err, ErrProtocolViolation))
	assert.False(t, errors.Is(err, ErrQueueFull))
	assert.Contains(t, err.Error(), "PROTOCOL_VIOLATION")
	assert.Contains(t, err.Error(), "token:300")

	wrapped := fmt.Errorf("device: %w", ErrClosed("recv"))
	assert.True(t, errors.Is(wrapped, ErrConnectionClosed))
}

func TestWrapError_Unwraps(t *testing.T) {
	cause := errors.New("boom")
	err := WrapError(ErrCodeInvalidConfig, "load", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, "[INVALID_CONFIG] load: boom", err.Error())
}

func TestParseLogLevel(t *testing.T) {
	for name, want := range map[string]LogLevel{"debug": DEBUG, "INFO": INFO, "warning": WARN, "error": ERROR} {
		got, ok := ParseLogLevel(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := ParseLogLevel("trace")
	assert.False(t, ok)
}

func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LoggerConfig{Level: WARN, Component: "netif", Output: &buf, JSON: true})
	l.Info("hidden")
	l.Warn("visible", Int("token", 7))
	require.NoError(t, l.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"visible"`)
	assert.Contains(t, out, `"token":7`)
	assert.Equal(t, "netif", l.Component())
	assert.Equal(t, "rx", l.Named("rx").Component())
}

func TestGracefulShutdown_LIFOAndErrors(t *testing.T) {
	g := NewGracefulShutdown(NewTestLogger(t))
	var order []string
	step := func(name string, err error) func() error {
		return func() error {
			order = append(order, name)
			return err
		}
	}
	g.Register("arena", step("arena", nil))
	g.Register("socket", step("socket", errors.New("socket busy")))
	g.Register("metrics", step("metrics", errors.New("metrics stuck")))

	err := g.Shutdown(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"metrics", "socket", "arena"}, order)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "socket: socket busy")

	assert.NoError(t, g.Shutdown(context.Background()), "runs once")
	assert.Len(t, order, 3)
}

func TestGracefulShutdown_SkipsAfterContextEnds(t *testing.T) {
	g := NewGracefulShutdown(NewNopLogger())
	ran := false
	g.Register("late", func() error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Shutdown(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}
