package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/dispatch"
	"polling-scheduler/internal/eventbus"
	"polling-scheduler/internal/models"
	"polling-scheduler/internal/storage"
	"polling-scheduler/internal/testutil"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	store   *testutil.MockStore
	checker *testutil.MockChecker
	bus     *testutil.MockBus
	clock   *testutil.FakeClock
	runner  *Runner
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:   testutil.NewMockStore(),
		checker: testutil.NewMockChecker(),
		bus:     testutil.NewMockBus(),
		clock:   testutil.NewFakeClock(t0),
	}
	logger := logging.NewNopLogger()
	dispatcher := dispatch.New(h.bus, h.store, logger)

	opts = append([]Option{WithClock(h.clock.Now), WithLogger(logger)}, opts...)
	h.runner = NewRunner(h.store, h.checker, dispatcher, opts...)
	return h
}

func (h *harness) tick(t *testing.T) TickSummary {
	t.Helper()
	summary, err := h.runner.Tick(context.Background(), t0)
	require.NoError(t, err)
	return summary
}

func TestTick_ExampleScenario(t *testing.T) {
	h := newHarness(t)
	h.store.AddWorkflow(&models.Workflow{
		ID:     "W1",
		UserID: "U1",
		Data:   models.WorkflowData{Nodes: json.RawMessage(`[]`), Edges: json.RawMessage(`[]`)},
	})
	h.store.AddTrigger(testutil.NewTriggerBuilder().
		WithID("T1").WithWorkflowID("W1").WithInterval(60).DueAt(t0.Add(-time.Second)).Build())
	h.checker.SetResult("T1", &models.PollResult{
		HasNewData: true,
		NewData:    testutil.Items(`{"id":"b"}`, `{"id":"a"}`),
		NewCursor:  testutil.StringPtr("c2"),
	})

	summary := h.tick(t)

	events := h.bus.Events()
	require.Len(t, events, 1)
	assert.Equal(t, eventbus.EventWorkflowExecute, events[0].Name)
	assert.Equal(t, "T1:a,b", events[0].ID)

	data := events[0].Data.(dispatch.WorkflowExecuteData)
	require.Len(t, data.TriggerData.Items, 2)
	assert.JSONEq(t, `{"id":"b"}`, string(data.TriggerData.Items[0]))
	assert.JSONEq(t, `{"id":"a"}`, string(data.TriggerData.Items[1]))

	stored := h.store.Trigger("T1")
	require.NotNil(t, stored.LastCursor)
	assert.Equal(t, "c2", *stored.LastCursor)
	assert.True(t, stored.NextPollAt.Equal(t0.Add(60*time.Second)))
	assert.True(t, stored.Enabled)

	assert.Equal(t, 1, summary.Due)
	assert.Equal(t, 1, summary.Triggered)
	assert.Equal(t, 1, summary.Rescheduled)
	assert.Equal(t, 0, summary.Errored)
	assert.NotEmpty(t, summary.TickID)
	assert.Equal(t, t0, summary.T0)

	outcome, ok := summary.Outcome("T1")
	require.True(t, ok)
	assert.Equal(t, "T1:a,b", outcome.Key.Value)
}

func TestTick_RescheduleAnchoredToT0(t *testing.T) {
	h := newHarness(t)
	h.checker.OnCheck = func(*models.PollingTrigger) {
		h.clock.Advance(45 * time.Second)
	}
	for _, id := range []string{"a", "b", "c"} {
		h.store.AddTrigger(testutil.NewTriggerBuilder().WithID(id).WithInterval(60).DueAt(t0).Build())
	}
	h.checker.SetError("b", errors.TransientCheckError("timeout", nil))

	summary := h.tick(t)

	assert.True(t, h.store.Trigger("a").NextPollAt.Equal(t0.Add(60*time.Second)))
	assert.True(t, h.store.Trigger("b").NextPollAt.Equal(t0.Add(DefaultBackoffInterval)))
	assert.True(t, h.store.Trigger("c").NextPollAt.Equal(t0.Add(60*time.Second)))
	assert.Equal(t, 135*time.Second, summary.Duration)
}

func TestTick_CursorIsMonotonic(t *testing.T) {
	h := newHarness(t)
	seen := t0.Add(-time.Hour)
	h.store.AddTrigger(testutil.NewTriggerBuilder().
		WithID("t1").DueAt(t0).WithCursor("c1").WithLastSeen(seen).Build())

	h.tick(t)

	stored := h.store.Trigger("t1")
	assert.Equal(t, "c1", *stored.LastCursor)
	assert.True(t, stored.LastSeenTimestamp.Equal(seen))

	writes := h.store.WritesFor("t1")
	require.Len(t, writes, 1)
	assert.Nil(t, writes[0].Cursor)
	assert.Nil(t, writes[0].Seen)
}

func TestTick_TimestampAdvances(t *testing.T) {
	h := newHarness(t)
	newSeen := t0.Add(-time.Minute)
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("t1").DueAt(t0).WithCursor("c1").Build())
	h.checker.SetResult("t1", &models.PollResult{NewTimestamp: &newSeen})

	h.tick(t)

	stored := h.store.Trigger("t1")
	assert.Equal(t, "c1", *stored.LastCursor)
	require.NotNil(t, stored.LastSeenTimestamp)
	assert.True(t, stored.LastSeenTimestamp.Equal(newSeen))
	assert.Empty(t, h.bus.Events())
}

func TestTick_Isolation(t *testing.T) {
	h := newHarness(t)
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("a-panics").DueAt(t0.Add(-3 * time.Second)).Build())
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("b-errors").DueAt(t0.Add(-2 * time.Second)).Build())
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("c-fine").DueAt(t0.Add(-time.Second)).Build())
	h.checker.SetPanic("a-panics", "nil map")
	h.checker.SetError("b-errors", errors.TransientCheckError("HTTP 502", nil))

	summary := h.tick(t)

	assert.Equal(t, []string{"a-panics", "b-errors", "c-fine"}, h.checker.Calls())
	assert.True(t, h.store.Trigger("a-panics").NextPollAt.Equal(t0.Add(DefaultBackoffInterval)))
	assert.True(t, h.store.Trigger("b-errors").NextPollAt.Equal(t0.Add(DefaultBackoffInterval)))
	assert.True(t, h.store.Trigger("c-fine").NextPollAt.Equal(t0.Add(time.Minute)))

	assert.Equal(t, 3, summary.Due)
	assert.Equal(t, 2, summary.BackedOff)
	assert.Equal(t, 2, summary.Errored)
	assert.Equal(t, 1, summary.Rescheduled)
}

func TestTick_InactiveReasonDisables(t *testing.T) {
	for _, reason := range []string{models.ReasonWorkflowInactive, models.ReasonAgentInactive} {
		t.Run(reason, func(t *testing.T) {
			h := newHarness(t)
			h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("t1").DueAt(t0).Build())
			h.checker.SetResult("t1", &models.PollResult{Error: "Workflow not found", Reason: reason})

			summary := h.tick(t)

			writes := h.store.WritesFor("t1")
			require.Len(t, writes, 1)
			assert.Equal(t, storage.OpDisable, writes[0].Op)
			assert.False(t, h.store.Trigger("t1").Enabled)
			assert.Equal(t, 1, summary.Disabled)

			outcome, _ := summary.Outcome("t1")
			assert.True(t, errors.IsType(outcome.Err, errors.ErrTypeInactiveTarget))
		})
	}
}

func TestTick_ErrorResultBacksOff(t *testing.T) {
	h := newHarness(t)
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("t1").DueAt(t0).WithCursor("c1").Build())
	h.checker.SetResult("t1", &models.PollResult{
		HasNewData: true,
		NewData:    testutil.Items(`{"id":"x"}`),
		NewCursor:  testutil.StringPtr("c9"),
		Error:      "token refresh failed",
	})

	h.tick(t)

	writes := h.store.WritesFor("t1")
	require.Len(t, writes, 1)
	assert.Equal(t, storage.OpBackoff, writes[0].Op)
	assert.Equal(t, t0.Add(300*time.Second), writes[0].NextPollAt)
	assert.Equal(t, "c1", *h.store.Trigger("t1").LastCursor)
	assert.Empty(t, h.bus.Events())
}

func TestTick_DispatchBranching(t *testing.T) {
	newData := &models.PollResult{HasNewData: true, NewData: testutil.Items(`{"id":"1"}`), NewCursor: testutil.StringPtr("c")}

	tests := []struct {
		name    string
		trigger *models.PollingTrigger
		setup   func(h *harness)
		wantOp  storage.WriteOp
		wantErr errors.ErrorType
		events  int
	}{
		{
			name:    "agent dispatched",
			trigger: testutil.NewTriggerBuilder().WithID("t").DueAt(t0).WithAgent("a", "u").Build(),
			wantOp:  storage.OpReschedule,
			events:  1,
		},
		{
			name:    "agent config missing userId disables",
			trigger: testutil.NewTriggerBuilder().WithID("t").DueAt(t0).WithConfig(`{"isAgentTrigger":true,"agentId":"a"}`).Build(),
			wantOp:  storage.OpDisable,
			wantErr: errors.ErrTypeConfig,
		},
		{
			name:    "inactive workflow disables",
			trigger: testutil.NewTriggerBuilder().WithID("t").DueAt(t0).WithWorkflowID("gone").Build(),
			wantOp:  storage.OpDisable,
			wantErr: errors.ErrTypeInactiveTarget,
		},
		{
			name:    "workflow lookup failure backs off",
			trigger: testutil.NewTriggerBuilder().WithID("t").DueAt(t0).WithWorkflowID("w").Build(),
			setup: func(h *harness) {
				h.store.ErrorOnMethod["ActiveWorkflow"] = testutil.ErrUnreachable
			},
			wantOp:  storage.OpBackoff,
			wantErr: errors.ErrTypeDispatch,
		},
		{
			name:    "event bus failure backs off",
			trigger: testutil.NewTriggerBuilder().WithID("t").DueAt(t0).WithAgent("a", "u").Build(),
			setup: func(h *harness) {
				h.bus.ErrorOnSend = errors.DispatchError("HTTP 500", nil)
			},
			wantOp:  storage.OpBackoff,
			wantErr: errors.ErrTypeDispatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.store.AddTrigger(tt.trigger)
			h.checker.SetResult("t", newData)
			if tt.setup != nil {
				tt.setup(h)
			}

			summary := h.tick(t)

			writes := h.store.WritesFor("t")
			require.Len(t, writes, 1)
			assert.Equal(t, tt.wantOp, writes[0].Op)
			assert.Len(t, h.bus.Events(), tt.events)

			outcome, ok := summary.Outcome("t")
			require.True(t, ok)
			if tt.wantErr == "" {
				assert.NoError(t, outcome.Err)
				assert.True(t, outcome.Triggered)
				assert.Equal(t, "c", *writes[0].Cursor)
			} else {
				assert.True(t, errors.IsType(outcome.Err, tt.wantErr))
				assert.False(t, outcome.Triggered)
			}
		})
	}
}

func TestTick_DisabledTriggerStaysDisabled(t *testing.T) {
	h := newHarness(t)
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("t1").DueAt(t0).WithWorkflowID("gone").Build())
	h.checker.SetResult("t1", &models.PollResult{HasNewData: true, NewData: testutil.Items(`{"id":"1"}`)})

	h.tick(t)
	require.False(t, h.store.Trigger("t1").Enabled)

	summary, err := h.runner.Tick(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Due)
	assert.False(t, h.store.Trigger("t1").Enabled)
	assert.Len(t, h.store.WritesFor("t1"), 1)
}

func TestTick_StoreReadFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("t1").DueAt(t0).Build())
	h.store.ErrorOnMethod["ListDue"] = testutil.ErrUnreachable

	_, err := h.runner.Tick(context.Background(), t0)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeStoreRead))
	assert.Empty(t, h.checker.Calls())
	assert.Empty(t, h.store.Writes())
}

func TestTick_WriteFailureIsCountedNotReturned(t *testing.T) {
	h := newHarness(t)
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("t1").DueAt(t0).Build())
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("t2").DueAt(t0).Build())
	h.store.ErrorOnTrigger["t1"] = testutil.ErrUnreachable

	summary := h.tick(t)

	assert.Equal(t, 1, summary.WriteFailures)
	outcome, _ := summary.Outcome("t1")
	assert.True(t, errors.IsType(outcome.WriteErr, errors.ErrTypeStoreWrite))
	assert.True(t, h.store.Trigger("t2").NextPollAt.Equal(t0.Add(time.Minute)))
}

// panickingStore panics on every reschedule and backoff write.
type panickingStore struct {
	*testutil.MockStore
}

func (panickingStore) Reschedule(context.Context, string, *string, *time.Time, time.Time) storage.WriteResult {
	panic("connection pool closed")
}

func (panickingStore) Backoff(context.Context, string, time.Time) storage.WriteResult {
	panic("connection pool closed")
}

func TestTick_StorePanicIsRecordedAsWriteFailure(t *testing.T) {
	for _, concurrency := range []int{1, 2} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			store := panickingStore{MockStore: testutil.NewMockStore()}
			checker := testutil.NewMockChecker()
			logger := logging.NewNopLogger()
			dispatcher := dispatch.New(testutil.NewMockBus(), store, logger)
			runner := NewRunner(store, checker, dispatcher,
				WithClock(testutil.NewFakeClock(t0).Now),
				WithLogger(logger),
				WithConfig(Config{Concurrency: concurrency}))

			store.AddTrigger(testutil.NewTriggerBuilder().WithID("reschedules").DueAt(t0).Build())
			store.AddTrigger(testutil.NewTriggerBuilder().WithID("check-panics").DueAt(t0).Build())
			checker.SetPanic("check-panics", "nil map")

			var summary TickSummary
			require.NotPanics(t, func() {
				var err error
				summary, err = runner.Tick(context.Background(), t0)
				require.NoError(t, err)
			})

			assert.Equal(t, 2, summary.Due)
			assert.Equal(t, 2, summary.WriteFailures)

			rescheduled, ok := summary.Outcome("reschedules")
			require.True(t, ok)
			assert.Equal(t, ResolutionRescheduled, rescheduled.Resolution)
			assert.True(t, errors.IsType(rescheduled.WriteErr, errors.ErrTypeStoreWrite))

			backedOff, ok := summary.Outcome("check-panics")
			require.True(t, ok)
			assert.Equal(t, ResolutionBackedOff, backedOff.Resolution)
			assert.True(t, errors.IsType(backedOff.Err, errors.ErrTypeInternal))
			assert.True(t, errors.IsType(backedOff.WriteErr, errors.ErrTypeStoreWrite))
		})
	}
}

func TestTick_BatchSize(t *testing.T) {
	h := newHarness(t, WithConfig(Config{BatchSize: 2}))
	for i, id := range []string{"a", "b", "c"} {
		h.store.AddTrigger(testutil.NewTriggerBuilder().WithID(id).DueAt(t0.Add(time.Duration(i-3) * time.Second)).Build())
	}

	summary := h.tick(t)

	assert.Equal(t, 2, summary.Due)
	assert.Equal(t, []string{"a", "b"}, h.checker.Calls())
}

func TestTick_CustomBackoffInterval(t *testing.T) {
	h := newHarness(t, WithConfig(Config{BackoffInterval: 10 * time.Minute}))
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("t1").DueAt(t0).Build())
	h.checker.SetError("t1", errors.TransientCheckError("boom", nil))

	h.tick(t)
	assert.True(t, h.store.Trigger("t1").NextPollAt.Equal(t0.Add(10*time.Minute)))
}

func TestTick_NonPositiveIntervalFallsBackToBackoff(t *testing.T) {
	h := newHarness(t)
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("t1").DueAt(t0).WithInterval(0).Build())

	h.tick(t)
	assert.True(t, h.store.Trigger("t1").NextPollAt.Equal(t0.Add(DefaultBackoffInterval)))
}

func TestTick_Concurrent(t *testing.T) {
	h := newHarness(t, WithConfig(Config{Concurrency: 4}))
	var inFlight, peak int32
	h.checker.OnCheck = func(*models.PollingTrigger) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		h.store.AddTrigger(testutil.NewTriggerBuilder().WithID(id).DueAt(t0).Build())
		h.checker.SetResult(id, &models.PollResult{HasNewData: true, NewData: testutil.Items(`{"id":"` + id + `"}`)})
	}
	h.store.AddWorkflow(&models.Workflow{ID: "test-workflow-id", UserID: "u"})

	summary := h.tick(t)

	assert.Equal(t, len(ids), summary.Due)
	assert.Equal(t, len(ids), summary.Triggered)
	assert.Equal(t, len(ids), summary.Rescheduled)
	assert.Len(t, h.bus.Events(), len(ids))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))

	// Outcomes keep the due order regardless of completion order.
	for i, id := range ids {
		assert.Equal(t, id, summary.Outcomes[i].TriggerID)
	}
}

func TestTick_ZeroT0UsesNow(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(t0.Add(1500 * time.Millisecond))
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("t1").DueAt(t0).Build())

	summary, err := h.runner.Tick(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second), summary.T0)
	assert.True(t, h.store.Trigger("t1").NextPollAt.Equal(t0.Add(61*time.Second)))
}

func TestTick_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := MustNewMetrics(reg)
	h := newHarness(t, WithMetrics(metrics))
	h.store.AddWorkflow(&models.Workflow{ID: "test-workflow-id", UserID: "u"})
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("ok").DueAt(t0).Build())
	h.store.AddTrigger(testutil.NewTriggerBuilder().WithID("err").DueAt(t0).Build())
	h.checker.SetResult("ok", &models.PollResult{HasNewData: true, NewData: testutil.Items(`{"id":"1"}`)})
	h.checker.SetError("err", errors.TransientCheckError("boom", nil))

	h.tick(t)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.ticks.WithLabelValues(TickStatusOK)))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.dispatched))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(metrics.due))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.outcomes.WithLabelValues(string(ResolutionRescheduled))))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.outcomes.WithLabelValues(string(ResolutionBackedOff))))
	assert.Equal(t, float64(t0.Unix()), promtestutil.ToFloat64(metrics.lastTick))

	h.store.ErrorOnMethod["ListDue"] = testutil.ErrUnreachable
	_, err := h.runner.Tick(context.Background(), t0)
	require.Error(t, err)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.ticks.WithLabelValues(TickStatusFailed)))
}

func TestMustNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.IncTick(TickStatusSkipped)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(second.ticks.WithLabelValues(TickStatusSkipped)))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.IncTick(TickStatusOK)
		nilMetrics.ObserveTick(TickSummary{})
	})
}
