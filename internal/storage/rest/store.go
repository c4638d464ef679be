// Package rest implements the trigger store over a PostgREST endpoint.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"polling-scheduler/internal/common/errors"
	commonhttp "polling-scheduler/internal/common/http"
	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/models"
	"polling-scheduler/internal/storage"
)

const (
	triggersTable  = "polling_triggers"
	workflowsTable = "workflows"
)

// Store talks to /rest/v1 with the service credential.
type Store struct {
	baseURL    string
	serviceKey string
	client     *commonhttp.Client
	logger     logging.Logger
	now        func() time.Time
}

// New creates a REST store. baseURL is the project URL without /rest/v1.
func New(cfg storage.Config) (*Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.ConfigError("STORE_URL is required for the rest store")
	}
	if strings.TrimSpace(cfg.ServiceKey) == "" {
		return nil, errors.ConfigError("STORE_SERVICE_KEY is required for the rest store")
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid STORE_URL: %v", err))
	}

	client := cfg.HTTPClient
	if client == nil {
		client = commonhttp.NewClient()
	}

	return &Store{
		baseURL:    strings.TrimRight(cfg.URL, "/") + "/rest/v1/",
		serviceKey: cfg.ServiceKey,
		client:     client,
		logger:     logging.OrGlobal(cfg.Logger).WithFields(logging.String("component", "rest_store")),
		now:        cfg.Clock(),
	}, nil
}

func (s *Store) headers() map[string]string {
	return map[string]string{
		"apikey":        s.serviceKey,
		"Authorization": "Bearer " + s.serviceKey,
	}
}

func (s *Store) tableURL(table string, query url.Values) string {
	// PostgREST operators such as "lte." must stay readable, so only the
	// values are escaped.
	parts := make([]string, 0, len(query))
	for _, key := range sortedKeys(query) {
		for _, value := range query[key] {
			parts = append(parts, key+"="+url.QueryEscape(value))
		}
	}
	return s.baseURL + table + "?" + strings.Join(parts, "&")
}

// ListDue implements storage.TriggerStore.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.PollingTrigger, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Set("enabled", "eq.true")
	query.Set("next_poll_at", "lte."+now.UTC().Format(time.RFC3339Nano))
	query.Set("order", "next_poll_at.asc")
	query.Set("limit", strconv.Itoa(limit))

	resp, err := s.client.Do(ctx, commonhttp.RequestOptions{
		Method:  "GET",
		URL:     s.tableURL(triggersTable, query),
		Headers: s.headers(),
	})
	if err != nil {
		return nil, errors.StoreReadError("failed to list due triggers", err)
	}

	var triggers []*models.PollingTrigger
	if err := resp.Decode(&triggers); err != nil {
		return nil, errors.StoreReadError("failed to decode due triggers", err)
	}

	for _, trigger := range triggers {
		trigger.DecodeTarget()
	}

	s.logger.Debug("Listed due triggers", logging.Int("count", len(triggers)))
	return triggers, nil
}

// Disable implements storage.TriggerStore.
func (s *Store) Disable(ctx context.Context, id string) storage.WriteResult {
	return s.patch(ctx, storage.OpDisable, id, map[string]interface{}{
		"enabled": false,
	})
}

// Reschedule implements storage.TriggerStore.
func (s *Store) Reschedule(ctx context.Context, id string, cursor *string, seen *time.Time, nextPollAt time.Time) storage.WriteResult {
	fields := map[string]interface{}{
		"next_poll_at": nextPollAt.UTC().Format(time.RFC3339Nano),
	}
	if cursor != nil {
		fields["last_cursor"] = *cursor
	}
	if seen != nil {
		fields["last_seen_timestamp"] = seen.UTC().Format(time.RFC3339Nano)
	}
	return s.patch(ctx, storage.OpReschedule, id, fields)
}

// Backoff implements storage.TriggerStore.
func (s *Store) Backoff(ctx context.Context, id string, nextPollAt time.Time) storage.WriteResult {
	return s.patch(ctx, storage.OpBackoff, id, map[string]interface{}{
		"next_poll_at": nextPollAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Store) patch(ctx context.Context, op storage.WriteOp, id string, fields map[string]interface{}) storage.WriteResult {
	fields["updated_at"] = s.now().UTC().Format(time.RFC3339Nano)

	headers := s.headers()
	headers["Prefer"] = "return=minimal"

	query := url.Values{}
	query.Set("id", "eq."+id)

	_, err := s.client.Do(ctx, commonhttp.RequestOptions{
		Method:   "PATCH",
		URL:      s.tableURL(triggersTable, query),
		Headers:  headers,
		JSONBody: fields,
	})
	if err != nil {
		return storage.WriteFailed(op, id, err)
	}
	return storage.Written(op, id)
}

type workflowRow struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	WorkflowData json.RawMessage `json:"workflow_data"`
}

// ActiveWorkflow implements storage.WorkflowResolver.
func (s *Store) ActiveWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	query := url.Values{}
	query.Set("select", "id,workflow_data,user_id")
	query.Set("id", "eq."+workflowID)
	query.Set("status", "eq.active")
	query.Set("limit", "1")

	resp, err := s.client.Do(ctx, commonhttp.RequestOptions{
		Method:  "GET",
		URL:     s.tableURL(workflowsTable, query),
		Headers: s.headers(),
	})
	if err != nil {
		return nil, err
	}

	var rows []workflowRow
	if err := resp.Decode(&rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.InactiveTargetError("workflow not found or inactive", nil).
			WithContext("workflow_id", workflowID)
	}

	return rows[0].toModel()
}

func (r workflowRow) toModel() (*models.Workflow, error) {
	workflow := &models.Workflow{ID: r.ID, UserID: r.UserID}
	if len(r.WorkflowData) == 0 || string(r.WorkflowData) == "null" {
		return workflow, nil
	}

	// workflow_data is jsonb, but older rows stored it as a JSON string.
	data := r.WorkflowData
	var encoded string
	if err := json.Unmarshal(data, &encoded); err == nil {
		data = json.RawMessage(encoded)
	}

	if err := json.Unmarshal(data, &workflow.Data); err != nil {
		return nil, errors.ValidationError(fmt.Sprintf("invalid workflow_data for workflow %s: %v", r.ID, err))
	}
	return workflow, nil
}

// Health reads a single trigger id.
func (s *Store) Health(ctx context.Context) error {
	query := url.Values{}
	query.Set("select", "id")
	query.Set("limit", "1")

	_, err := s.client.Do(ctx, commonhttp.RequestOptions{
		Method:  "GET",
		URL:     s.tableURL(triggersTable, query),
		Headers: s.headers(),
	})
	return err
}

// Close is a no-op; the HTTP client is shared.
func (s *Store) Close() error {
	return nil
}

func sortedKeys(values url.Values) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	// select first, the rest alphabetically
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == "select" || keys[j] == "select" {
			return keys[i] == "select" && keys[j] != "select"
		}
		return keys[i] < keys[j]
	})
	return keys
}
