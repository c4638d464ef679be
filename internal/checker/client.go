// Package checker calls the application's check endpoint, which performs the
// authenticated third-party poll for a single trigger.
package checker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"polling-scheduler/internal/common/errors"
	commonhttp "polling-scheduler/internal/common/http"
	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/models"
)

// CheckPath is appended to the application base URL.
const CheckPath = "/api/polling/check"

// Checker evaluates one trigger. A failed call is a TransientCheckError; an
// inactive owner is reported through the result, not the error.
type Checker interface {
	Check(ctx context.Context, trigger *models.PollingTrigger) (*models.PollResult, error)
}

// Config configures the check endpoint client.
type Config struct {
	AppURL     string
	ServiceKey string
	HTTPClient *commonhttp.Client
	Logger     logging.Logger
}

// Client is the HTTP Checker.
type Client struct {
	endpoint   string
	serviceKey string
	client     *commonhttp.Client
	logger     logging.Logger
}

// New creates a check endpoint client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.AppURL), "/")
	if base == "" {
		return nil, errors.ConfigError("APP_URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid APP_URL: %v", err))
	}

	client := cfg.HTTPClient
	if client == nil {
		client = commonhttp.NewClient()
	}

	return &Client{
		endpoint:   base + CheckPath,
		serviceKey: cfg.ServiceKey,
		client:     client,
		logger:     logging.OrGlobal(cfg.Logger).WithFields(logging.String("component", "checker")),
	}, nil
}

type checkRequest struct {
	WorkflowID    *string                `json:"workflowId"`
	TriggerType   string                 `json:"triggerType"`
	LastTimestamp *string                `json:"lastTimestamp"`
	LastCursor    *string                `json:"lastCursor"`
	Config        map[string]interface{} `json:"config"`
}

func newCheckRequest(trigger *models.PollingTrigger) checkRequest {
	req := checkRequest{
		TriggerType: trigger.TriggerType,
		LastCursor:  trigger.LastCursor,
		Config:      trigger.ConfigMap(),
	}
	if trigger.WorkflowID != "" {
		id := trigger.WorkflowID
		req.WorkflowID = &id
	}
	if trigger.LastSeenTimestamp != nil {
		ts := trigger.LastSeenTimestamp.UTC().Format(time.RFC3339Nano)
		req.LastTimestamp = &ts
	}
	return req
}

// Check implements Checker.
func (c *Client) Check(ctx context.Context, trigger *models.PollingTrigger) (*models.PollResult, error) {
	headers := map[string]string{}
	if c.serviceKey != "" {
		headers["Authorization"] = "Bearer " + c.serviceKey
	}

	resp, callErr := c.client.Do(ctx, commonhttp.RequestOptions{
		Method:   "POST",
		URL:      c.endpoint,
		Headers:  headers,
		JSONBody: newCheckRequest(trigger),
	})

	// An orphaned trigger is reported with a non-2xx status and an inactive
	// reason; the reason wins over the status.
	var result models.PollResult
	decodeErr := errors.New("no response")
	if resp != nil {
		decodeErr = resp.Decode(&result)
	}
	if decodeErr == nil && result.IsInactive() {
		return &result, nil
	}

	if callErr != nil {
		return nil, errors.TransientCheckError("check endpoint call failed", callErr).
			WithContext("trigger_id", trigger.ID)
	}
	if decodeErr != nil {
		return nil, errors.TransientCheckError("check endpoint returned an unreadable result", decodeErr).
			WithContext("trigger_id", trigger.ID)
	}

	c.logger.Debug("Check completed",
		logging.String("trigger_id", trigger.ID),
		logging.Any("has_new_data", result.HasNewData),
		logging.Int("items", len(result.NewData)),
		logging.Duration("duration", resp.Duration))

	return &result, nil
}
