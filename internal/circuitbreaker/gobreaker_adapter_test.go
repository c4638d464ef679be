package circuitbreaker

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/common/logging"
)

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{MaxFailures: 0, Timeout: time.Second, MaxConcurrentRequests: 1}.Validate())
	assert.Error(t, Config{MaxFailures: 1, Timeout: 0, MaxConcurrentRequests: 1}.Validate())
	assert.Error(t, Config{MaxFailures: 1, Timeout: time.Second}.Validate())
}

func TestGoBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewGoBreaker("check", Config{MaxFailures: 2, Timeout: time.Minute, MaxConcurrentRequests: 1}, logging.NewNopLogger())
	boom := stderrors.New("boom")

	assert.Equal(t, boom, cb.Execute(context.Background(), func() error { return boom }))
	assert.Equal(t, boom, cb.Execute(context.Background(), func() error { return boom }))
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, errors.IsType(err, errors.ErrTypeConnection))
}

func TestGoBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	cb := NewGoBreaker("bus", Config{MaxFailures: 1, Timeout: time.Minute, MaxConcurrentRequests: 1}, logging.NewNopLogger())

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func() error {
			return errors.ValidationError("HTTP 400")
		})
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestGoBreaker_InvalidConfigFallsBack(t *testing.T) {
	cb := NewGoBreaker("bad", Config{}, logging.NewNopLogger())
	assert.Equal(t, "bad", cb.Name())
	assert.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
}

func TestGoBreaker_CancelledContext(t *testing.T) {
	cb := NewGoBreaker("ctx", DefaultConfig(), logging.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error {
		t.Fatal("should not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
