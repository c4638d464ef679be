package storage

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/models"
)

type stubBackend struct {
	cfg Config
}

func (s *stubBackend) ListDue(context.Context, time.Time, int) ([]*models.PollingTrigger, error) {
	return nil, nil
}
func (s *stubBackend) Disable(_ context.Context, id string) WriteResult {
	return Written(OpDisable, id)
}
func (s *stubBackend) Reschedule(_ context.Context, id string, _ *string, _ *time.Time, _ time.Time) WriteResult {
	return Written(OpReschedule, id)
}
func (s *stubBackend) Backoff(_ context.Context, id string, _ time.Time) WriteResult {
	return Written(OpBackoff, id)
}
func (s *stubBackend) ActiveWorkflow(context.Context, string) (*models.Workflow, error) {
	return nil, nil
}
func (s *stubBackend) Health(context.Context) error { return nil }
func (s *stubBackend) Close() error                 { return nil }

type stubFactory struct{}

func (stubFactory) Create(cfg Config) (Backend, error) { return &stubBackend{cfg: cfg}, nil }
func (stubFactory) GetType() string                    { return "stub" }

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	registry.Register("zeta", stubFactory{})
	registry.Register("alpha", stubFactory{})

	assert.True(t, registry.IsRegistered("alpha"))
	assert.False(t, registry.IsRegistered("rest"))
	assert.Equal(t, []string{"alpha", "zeta"}, registry.GetAvailableTypes())

	backend, err := registry.Create("alpha", Config{URL: "http://store"})
	require.NoError(t, err)
	assert.Equal(t, "http://store", backend.(*stubBackend).cfg.URL)
}

func TestRegistry_UnknownBackend(t *testing.T) {
	_, err := NewRegistry().Create("mongo", Config{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestWriteResult(t *testing.T) {
	ok := Written(OpReschedule, "t1")
	assert.True(t, ok.OK())

	cause := stderrors.New("connection refused")
	failed := WriteFailed(OpBackoff, "t2", cause)
	assert.False(t, failed.OK())
	assert.Equal(t, OpBackoff, failed.Op)
	assert.Equal(t, "t2", failed.TriggerID)
	assert.True(t, errors.IsType(failed.Err, errors.ErrTypeStoreWrite))
	assert.True(t, stderrors.Is(failed.Err, cause))
	assert.Contains(t, failed.Err.Error(), "trigger_id=t2")
}

func TestConfig_Clock(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, fixed, Config{Now: func() time.Time { return fixed }}.Clock()())
	assert.NotNil(t, Config{}.Clock())
}
