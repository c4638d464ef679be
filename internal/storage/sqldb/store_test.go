package sqldb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/models"
	"polling-scheduler/internal/storage"
)

var (
	t0      = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stamped = time.Date(2024, 1, 1, 0, 0, 42, 0, time.UTC)
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenSQLite(context.Background(), storage.Config{
		DatabaseURL: ":memory:",
		Logger:      logging.NewNopLogger(),
		Now:         func() time.Time { return stamped },
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func insertTrigger(t *testing.T, store *Store, id, workflowID, config string, nextPollAt time.Time, enabled bool) {
	t.Helper()
	var workflow interface{}
	if workflowID != "" {
		workflow = workflowID
	}
	_, err := store.DB().Exec(
		`INSERT INTO polling_triggers (id, workflow_id, trigger_type, config, next_poll_at, poll_interval, enabled)
		 VALUES (?, ?, 'gmail', ?, ?, 60, ?)`,
		id, workflow, config, nextPollAt.UTC(), enabled)
	require.NoError(t, err)
}

func getTrigger(t *testing.T, store *Store, id string) *models.PollingTrigger {
	t.Helper()
	row := store.DB().QueryRow(`SELECT `+triggerColumns+` FROM polling_triggers WHERE id = ?`, id)
	trigger, err := scanTrigger(row)
	require.NoError(t, err)
	return trigger
}

func TestListDue(t *testing.T) {
	store := newTestStore(t)
	insertTrigger(t, store, "late", "w1", `{}`, t0.Add(-10*time.Second), true)
	insertTrigger(t, store, "early", "w1", `{}`, t0.Add(-time.Minute), true)
	insertTrigger(t, store, "exact", "w1", `{}`, t0, true)
	insertTrigger(t, store, "future", "w1", `{}`, t0.Add(time.Second), true)
	insertTrigger(t, store, "disabled", "w1", `{}`, t0.Add(-time.Hour), false)

	triggers, err := store.ListDue(context.Background(), t0, 10)
	require.NoError(t, err)

	ids := make([]string, len(triggers))
	for i, trigger := range triggers {
		ids[i] = trigger.ID
	}
	assert.Equal(t, []string{"early", "late", "exact"}, ids)
	assert.True(t, triggers[0].NextPollAt.Equal(t0.Add(-time.Minute)))
	assert.Equal(t, 60, triggers[0].PollInterval)
	assert.True(t, triggers[0].Enabled)
}

func TestListDue_Limit(t *testing.T) {
	store := newTestStore(t)
	for i, id := range []string{"a", "b", "c"} {
		insertTrigger(t, store, id, "w1", `{}`, t0.Add(-time.Duration(3-i)*time.Minute), true)
	}

	triggers, err := store.ListDue(context.Background(), t0, 2)
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	assert.Equal(t, "a", triggers[0].ID)
	assert.Equal(t, "b", triggers[1].ID)
}

func TestListDue_DecodesTarget(t *testing.T) {
	store := newTestStore(t)
	insertTrigger(t, store, "agent", "", `{"isAgentTrigger":true,"agentId":"a1","userId":"u1"}`, t0, true)
	insertTrigger(t, store, "broken", "", `{"source":"agent"}`, t0, true)

	triggers, err := store.ListDue(context.Background(), t0, 10)
	require.NoError(t, err)
	require.Len(t, triggers, 2)

	byID := map[string]*models.PollingTrigger{}
	for _, trigger := range triggers {
		byID[trigger.ID] = trigger
	}

	assert.Equal(t, models.AgentTarget{AgentID: "a1", UserID: "u1"}, byID["agent"].Target)
	assert.Equal(t, "", byID["agent"].WorkflowID)
	assert.True(t, errors.IsType(byID["broken"].TargetErr, errors.ErrTypeConfig))
}

func TestListDue_ClosedDatabase(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.ListDue(context.Background(), t0, 10)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeStoreRead))
}

func TestReschedule_MonotonicCursor(t *testing.T) {
	store := newTestStore(t)
	insertTrigger(t, store, "t1", "w1", `{}`, t0, true)
	ctx := context.Background()

	cursor := "c-1"
	seen := t0.Add(-5 * time.Second)
	require.True(t, store.Reschedule(ctx, "t1", &cursor, &seen, t0.Add(time.Minute)).OK())

	trigger := getTrigger(t, store, "t1")
	require.NotNil(t, trigger.LastCursor)
	assert.Equal(t, "c-1", *trigger.LastCursor)
	require.NotNil(t, trigger.LastSeenTimestamp)
	assert.True(t, trigger.LastSeenTimestamp.Equal(seen))

	// A result without cursor or timestamp leaves both untouched.
	require.True(t, store.Reschedule(ctx, "t1", nil, nil, t0.Add(2*time.Minute)).OK())

	trigger = getTrigger(t, store, "t1")
	assert.Equal(t, "c-1", *trigger.LastCursor)
	assert.True(t, trigger.LastSeenTimestamp.Equal(seen))
	assert.True(t, trigger.NextPollAt.Equal(t0.Add(2*time.Minute)))
	require.NotNil(t, trigger.UpdatedAt)
	assert.True(t, trigger.UpdatedAt.Equal(stamped))
}

func TestBackoff_TouchesOnlyNextPoll(t *testing.T) {
	store := newTestStore(t)
	insertTrigger(t, store, "t1", "w1", `{}`, t0, true)
	ctx := context.Background()

	cursor := "keep"
	require.True(t, store.Reschedule(ctx, "t1", &cursor, nil, t0).OK())
	require.True(t, store.Backoff(ctx, "t1", t0.Add(5*time.Minute)).OK())

	trigger := getTrigger(t, store, "t1")
	assert.True(t, trigger.NextPollAt.Equal(t0.Add(5*time.Minute)))
	assert.Equal(t, "keep", *trigger.LastCursor)
	assert.True(t, trigger.Enabled)
}

func TestDisable_OneWay(t *testing.T) {
	store := newTestStore(t)
	insertTrigger(t, store, "t1", "w1", `{}`, t0, true)
	ctx := context.Background()

	require.True(t, store.Disable(ctx, "t1").OK())
	assert.False(t, getTrigger(t, store, "t1").Enabled)

	// Later writes never re-enable it and it is no longer due.
	require.True(t, store.Reschedule(ctx, "t1", nil, nil, t0).OK())
	require.True(t, store.Backoff(ctx, "t1", t0).OK())
	assert.False(t, getTrigger(t, store, "t1").Enabled)

	triggers, err := store.ListDue(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, triggers)
}

func TestWriteFailure(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())

	result := store.Disable(context.Background(), "t1")
	assert.False(t, result.OK())
	assert.Equal(t, storage.OpDisable, result.Op)
	assert.True(t, errors.IsType(result.Err, errors.ErrTypeStoreWrite))
}

func TestActiveWorkflow(t *testing.T) {
	store := newTestStore(t)
	_, err := store.DB().Exec(`INSERT INTO workflows (id, user_id, status, workflow_data) VALUES
		('w1', 'u1', 'active', '{"nodes":[{"id":"n1"}],"edges":[]}'),
		('w2', 'u2', 'paused', '{"nodes":[],"edges":[]}')`)
	require.NoError(t, err)
	ctx := context.Background()

	workflow, err := store.ActiveWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "u1", workflow.UserID)
	assert.JSONEq(t, `[{"id":"n1"}]`, string(workflow.Data.Nodes))

	_, err = store.ActiveWorkflow(ctx, "w2")
	assert.True(t, errors.IsType(err, errors.ErrTypeInactiveTarget))

	_, err = store.ActiveWorkflow(ctx, "missing")
	assert.True(t, errors.IsType(err, errors.ErrTypeInactiveTarget))
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	lite := &Store{dialect: DialectSQLite}
	query := "UPDATE t SET a = ?, b = ? WHERE id = ?"

	assert.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE id = $3", pg.rebind(query))
	assert.Equal(t, query, lite.rebind(query))
}

func TestFactory(t *testing.T) {
	assert.True(t, storage.DefaultRegistry.IsRegistered("sqlite"))
	assert.True(t, storage.DefaultRegistry.IsRegistered("postgres"))

	backend, err := storage.Create("sqlite", storage.Config{DatabaseURL: "sqlite://:memory:"})
	require.NoError(t, err)
	defer backend.Close()
	assert.NoError(t, backend.Health(context.Background()))

	_, err = storage.Create("postgres", storage.Config{})
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}
