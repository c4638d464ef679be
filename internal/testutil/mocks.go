package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/eventbus"
	"polling-scheduler/internal/models"
	"polling-scheduler/internal/storage"
)

// WriteCall records one store write.
type WriteCall struct {
	Op         storage.WriteOp
	TriggerID  string
	Cursor     *string
	Seen       *time.Time
	NextPollAt time.Time
}

// MockStore is an in-memory storage.Backend.
type MockStore struct {
	mu        sync.Mutex
	triggers  map[string]*models.PollingTrigger
	workflows map[string]*models.Workflow
	writes    []WriteCall

	// ErrorOnMethod injects errors by method name ("ListDue", "Disable",
	// "Reschedule", "Backoff", "ActiveWorkflow").
	ErrorOnMethod map[string]error
	// ErrorOnTrigger injects write errors for a single trigger id.
	ErrorOnTrigger map[string]error
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		triggers:       make(map[string]*models.PollingTrigger),
		workflows:      make(map[string]*models.Workflow),
		ErrorOnMethod:  make(map[string]error),
		ErrorOnTrigger: make(map[string]error),
	}
}

// AddTrigger stores a copy of trigger.
func (m *MockStore) AddTrigger(trigger *models.PollingTrigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *trigger
	m.triggers[trigger.ID] = &clone
}

// AddWorkflow registers an active workflow.
func (m *MockStore) AddWorkflow(workflow *models.Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[workflow.ID] = workflow
}

// Trigger returns a copy of the stored trigger, or nil.
func (m *MockStore) Trigger(id string) *models.PollingTrigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	trigger, ok := m.triggers[id]
	if !ok {
		return nil
	}
	clone := *trigger
	return &clone
}

// Writes returns every write attempted so far, in order.
func (m *MockStore) Writes() []WriteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WriteCall(nil), m.writes...)
}

// WritesFor returns the writes attempted for one trigger.
func (m *MockStore) WritesFor(id string) []WriteCall {
	var out []WriteCall
	for _, call := range m.Writes() {
		if call.TriggerID == id {
			out = append(out, call)
		}
	}
	return out
}

// ListDue implements storage.TriggerStore.
func (m *MockStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.PollingTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ErrorOnMethod["ListDue"]; err != nil {
		return nil, errors.StoreReadError("failed to list due triggers", err)
	}

	var due []*models.PollingTrigger
	for _, trigger := range m.triggers {
		if trigger.Enabled && !trigger.NextPollAt.After(now) {
			clone := *trigger
			clone.DecodeTarget()
			due = append(due, &clone)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].NextPollAt.Equal(due[j].NextPollAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextPollAt.Before(due[j].NextPollAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MockStore) write(call WriteCall, apply func(*models.PollingTrigger)) storage.WriteResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes = append(m.writes, call)

	if err := m.ErrorOnMethod[methodName(call.Op)]; err != nil {
		return storage.WriteFailed(call.Op, call.TriggerID, err)
	}
	if err := m.ErrorOnTrigger[call.TriggerID]; err != nil {
		return storage.WriteFailed(call.Op, call.TriggerID, err)
	}

	if trigger, ok := m.triggers[call.TriggerID]; ok {
		apply(trigger)
	}
	return storage.Written(call.Op, call.TriggerID)
}

func methodName(op storage.WriteOp) string {
	switch op {
	case storage.OpDisable:
		return "Disable"
	case storage.OpReschedule:
		return "Reschedule"
	default:
		return "Backoff"
	}
}

// Disable implements storage.TriggerStore.
func (m *MockStore) Disable(ctx context.Context, id string) storage.WriteResult {
	return m.write(WriteCall{Op: storage.OpDisable, TriggerID: id}, func(t *models.PollingTrigger) {
		t.Enabled = false
	})
}

// Reschedule implements storage.TriggerStore.
func (m *MockStore) Reschedule(ctx context.Context, id string, cursor *string, seen *time.Time, nextPollAt time.Time) storage.WriteResult {
	call := WriteCall{Op: storage.OpReschedule, TriggerID: id, Cursor: cursor, Seen: seen, NextPollAt: nextPollAt}
	return m.write(call, func(t *models.PollingTrigger) {
		t.NextPollAt = nextPollAt
		if cursor != nil {
			c := *cursor
			t.LastCursor = &c
		}
		if seen != nil {
			s := *seen
			t.LastSeenTimestamp = &s
		}
	})
}

// Backoff implements storage.TriggerStore.
func (m *MockStore) Backoff(ctx context.Context, id string, nextPollAt time.Time) storage.WriteResult {
	return m.write(WriteCall{Op: storage.OpBackoff, TriggerID: id, NextPollAt: nextPollAt}, func(t *models.PollingTrigger) {
		t.NextPollAt = nextPollAt
	})
}

// ActiveWorkflow implements storage.WorkflowResolver.
func (m *MockStore) ActiveWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ErrorOnMethod["ActiveWorkflow"]; err != nil {
		return nil, err
	}

	workflow, ok := m.workflows[workflowID]
	if !ok {
		return nil, errors.InactiveTargetError("workflow not found or inactive", nil)
	}
	return workflow, nil
}

// Health implements storage.Backend.
func (m *MockStore) Health(ctx context.Context) error {
	return m.ErrorOnMethod["Health"]
}

// Close implements storage.Backend.
func (m *MockStore) Close() error {
	return nil
}

// MockChecker returns canned results per trigger id.
type MockChecker struct {
	mu      sync.Mutex
	results map[string]*models.PollResult
	errs    map[string]error
	panics  map[string]interface{}
	calls   []string

	// OnCheck runs before every check, e.g. to advance a FakeClock.
	OnCheck func(trigger *models.PollingTrigger)
}

// NewMockChecker creates a checker that reports no new data by default.
func NewMockChecker() *MockChecker {
	return &MockChecker{
		results: make(map[string]*models.PollResult),
		errs:    make(map[string]error),
		panics:  make(map[string]interface{}),
	}
}

// SetResult sets the result returned for a trigger.
func (m *MockChecker) SetResult(triggerID string, result *models.PollResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[triggerID] = result
}

// SetError makes checks of a trigger fail.
func (m *MockChecker) SetError(triggerID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[triggerID] = err
}

// SetPanic makes checks of a trigger panic with value.
func (m *MockChecker) SetPanic(triggerID string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics[triggerID] = value
}

// Calls returns the trigger ids checked so far, in order.
func (m *MockChecker) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Check implements checker.Checker.
func (m *MockChecker) Check(ctx context.Context, trigger *models.PollingTrigger) (*models.PollResult, error) {
	if m.OnCheck != nil {
		m.OnCheck(trigger)
	}

	m.mu.Lock()
	m.calls = append(m.calls, trigger.ID)
	value, shouldPanic := m.panics[trigger.ID]
	err := m.errs[trigger.ID]
	result, ok := m.results[trigger.ID]
	m.mu.Unlock()

	if shouldPanic {
		panic(value)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return &models.PollResult{}, nil
	}
	clone := *result
	return &clone, nil
}

// MockBus records events instead of sending them.
type MockBus struct {
	mu     sync.Mutex
	events []eventbus.Event

	// ErrorOnSend, when set, is returned for every send.
	ErrorOnSend error
}

// NewMockBus creates an empty bus.
func NewMockBus() *MockBus {
	return &MockBus{}
}

// Send implements eventbus.Sender.
func (m *MockBus) Send(ctx context.Context, event eventbus.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrorOnSend != nil {
		return m.ErrorOnSend
	}
	m.events = append(m.events, event)
	return nil
}

// Events returns the events sent so far.
func (m *MockBus) Events() []eventbus.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]eventbus.Event(nil), m.events...)
}
