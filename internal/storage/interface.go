// Package storage defines the durable trigger store the scheduler reads due
// triggers from and writes reschedule decisions back to.
package storage

import (
	"context"
	"time"

	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/models"
)

// TriggerStore persists polling triggers.
//
// ListDue failures are StoreReadErrors. Write operations never return an
// error: they report a WriteResult which the caller logs and counts.
type TriggerStore interface {
	// ListDue returns enabled triggers with next_poll_at <= now, oldest first,
	// at most limit rows. Every returned trigger has its Target decoded.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.PollingTrigger, error)

	// Disable sets enabled=false. Nothing in this service enables a trigger.
	Disable(ctx context.Context, id string) WriteResult

	// Reschedule sets next_poll_at and, when non-nil, last_cursor and
	// last_seen_timestamp.
	Reschedule(ctx context.Context, id string, cursor *string, seen *time.Time, nextPollAt time.Time) WriteResult

	// Backoff sets only next_poll_at.
	Backoff(ctx context.Context, id string, nextPollAt time.Time) WriteResult
}

// WorkflowResolver looks up the active workflow owning a trigger.
type WorkflowResolver interface {
	// ActiveWorkflow returns an InactiveTargetError when no active workflow
	// has the given id.
	ActiveWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error)
}

// Backend is a complete store implementation.
type Backend interface {
	TriggerStore
	WorkflowResolver
	Health(ctx context.Context) error
	Close() error
}

// WriteOp names a trigger write.
type WriteOp string

const (
	OpDisable    WriteOp = "disable"
	OpReschedule WriteOp = "reschedule"
	OpBackoff    WriteOp = "backoff"
)

// WriteResult is the best-effort outcome of a trigger write.
type WriteResult struct {
	Op        WriteOp
	TriggerID string
	Err       error
}

// OK reports whether the write succeeded.
func (r WriteResult) OK() bool {
	return r.Err == nil
}

// Written builds a successful WriteResult.
func Written(op WriteOp, id string) WriteResult {
	return WriteResult{Op: op, TriggerID: id}
}

// WriteFailed builds a failed WriteResult, wrapping cause as a StoreWriteError.
func WriteFailed(op WriteOp, id string, cause error) WriteResult {
	err := errors.StoreWriteError(string(op)+" failed", cause).
		WithContext("trigger_id", id).
		WithContext("op", string(op))
	return WriteResult{Op: op, TriggerID: id, Err: err}
}
