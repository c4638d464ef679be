// Package sqldb implements the trigger store over database/sql, for postgres
// (through pgx) and sqlite.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/models"
	"polling-scheduler/internal/storage"
)

// Dialect names the SQL flavour of a connection.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const triggerColumns = `id, workflow_id, trigger_type, config, last_cursor, last_seen_timestamp,
	next_poll_at, poll_interval, enabled, updated_at`

// Store is a database/sql trigger store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  logging.Logger
	now     func() time.Time
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB, dialect Dialect, cfg storage.Config) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logging.OrGlobal(cfg.Logger).WithFields(logging.String("component", string(dialect)+"_store")),
		now:     cfg.Clock(),
	}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ListDue implements storage.TriggerStore.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.PollingTrigger, error) {
	query := s.rebind(`SELECT ` + triggerColumns + `
		FROM polling_triggers
		WHERE enabled = ? AND next_poll_at <= ?
		ORDER BY next_poll_at ASC
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, true, now.UTC(), limit)
	if err != nil {
		return nil, errors.StoreReadError("failed to list due triggers", err)
	}
	defer rows.Close()

	var triggers []*models.PollingTrigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, errors.StoreReadError("failed to scan trigger", err)
		}
		trigger.DecodeTarget()
		triggers = append(triggers, trigger)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreReadError("failed to iterate due triggers", err)
	}

	s.logger.Debug("Listed due triggers", logging.Int("count", len(triggers)))
	return triggers, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrigger(row scanner) (*models.PollingTrigger, error) {
	var (
		trigger    models.PollingTrigger
		workflowID sql.NullString
		config     []byte
		cursor     sql.NullString
		seen       sql.NullTime
		updatedAt  sql.NullTime
	)

	err := row.Scan(
		&trigger.ID,
		&workflowID,
		&trigger.TriggerType,
		&config,
		&cursor,
		&seen,
		&trigger.NextPollAt,
		&trigger.PollInterval,
		&trigger.Enabled,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	trigger.WorkflowID = workflowID.String
	if len(config) > 0 {
		trigger.Config = json.RawMessage(config)
	}
	if cursor.Valid {
		trigger.LastCursor = &cursor.String
	}
	if seen.Valid {
		t := seen.Time.UTC()
		trigger.LastSeenTimestamp = &t
	}
	if updatedAt.Valid {
		t := updatedAt.Time.UTC()
		trigger.UpdatedAt = &t
	}
	trigger.NextPollAt = trigger.NextPollAt.UTC()

	return &trigger, nil
}

// Disable implements storage.TriggerStore.
func (s *Store) Disable(ctx context.Context, id string) storage.WriteResult {
	return s.update(ctx, storage.OpDisable, id, []string{"enabled"}, []interface{}{false})
}

// Reschedule implements storage.TriggerStore.
func (s *Store) Reschedule(ctx context.Context, id string, cursor *string, seen *time.Time, nextPollAt time.Time) storage.WriteResult {
	columns := []string{"next_poll_at"}
	args := []interface{}{nextPollAt.UTC()}

	if cursor != nil {
		columns = append(columns, "last_cursor")
		args = append(args, *cursor)
	}
	if seen != nil {
		columns = append(columns, "last_seen_timestamp")
		args = append(args, seen.UTC())
	}

	return s.update(ctx, storage.OpReschedule, id, columns, args)
}

// Backoff implements storage.TriggerStore.
func (s *Store) Backoff(ctx context.Context, id string, nextPollAt time.Time) storage.WriteResult {
	return s.update(ctx, storage.OpBackoff, id, []string{"next_poll_at"}, []interface{}{nextPollAt.UTC()})
}

func (s *Store) update(ctx context.Context, op storage.WriteOp, id string, columns []string, args []interface{}) storage.WriteResult {
	columns = append(columns, "updated_at")
	args = append(args, s.now().UTC(), id)

	assignments := make([]string, len(columns))
	for i, column := range columns {
		assignments[i] = column + " = ?"
	}

	query := s.rebind(fmt.Sprintf("UPDATE polling_triggers SET %s WHERE id = ?", strings.Join(assignments, ", ")))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storage.WriteFailed(op, id, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		s.logger.Warn("Trigger update matched no rows",
			logging.String("trigger_id", id),
			logging.String("op", string(op)))
	}

	return storage.Written(op, id)
}

// ActiveWorkflow implements storage.WorkflowResolver.
func (s *Store) ActiveWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	query := s.rebind(`SELECT id, workflow_data, user_id
		FROM workflows
		WHERE id = ? AND status = 'active'
		LIMIT 1`)

	var (
		workflow models.Workflow
		data     []byte
		userID   sql.NullString
	)

	err := s.db.QueryRowContext(ctx, query, workflowID).Scan(&workflow.ID, &data, &userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.InactiveTargetError("workflow not found or inactive", nil).
			WithContext("workflow_id", workflowID)
	}
	if err != nil {
		return nil, err
	}

	workflow.UserID = userID.String
	if len(data) > 0 {
		if err := json.Unmarshal(data, &workflow.Data); err != nil {
			return nil, errors.ValidationError(fmt.Sprintf("invalid workflow_data for workflow %s: %v", workflowID, err))
		}
	}

	return &workflow, nil
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
