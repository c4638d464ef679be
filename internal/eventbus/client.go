// Package eventbus posts events to the automation engine's ingestion endpoint.
package eventbus

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"polling-scheduler/internal/common/errors"
	commonhttp "polling-scheduler/internal/common/http"
	"polling-scheduler/internal/common/logging"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "https://inn.gs"

// Event names understood by the automation engine.
const (
	EventAgentRun        = "agent/run"
	EventWorkflowExecute = "workflow/execute"
)

// Event is one ingestion envelope. ID is the idempotency key.
type Event struct {
	Name string      `json:"name"`
	ID   string      `json:"id"`
	Data interface{} `json:"data"`
}

// Sender delivers events.
type Sender interface {
	Send(ctx context.Context, event Event) error
}

// Config configures the ingestion client.
type Config struct {
	BaseURL    string
	EventKey   string
	HTTPClient *commonhttp.Client
	Logger     logging.Logger
}

// Client is the HTTP Sender.
type Client struct {
	endpoint string
	client   *commonhttp.Client
	logger   logging.Logger
}

// New creates an ingestion client posting to <BaseURL>/e/<EventKey>.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.EventKey) == "" {
		return nil, errors.ConfigError("EVENT_BUS_KEY is required")
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid EVENT_BUS_URL: %v", err))
	}

	client := cfg.HTTPClient
	if client == nil {
		client = commonhttp.NewClient()
	}

	return &Client{
		endpoint: base + "/e/" + url.PathEscape(cfg.EventKey),
		client:   client,
		logger:   logging.OrGlobal(cfg.Logger).WithFields(logging.String("component", "eventbus")),
	}, nil
}

// Send implements Sender. Any non-2xx status or transport failure is a
// DispatchError.
func (c *Client) Send(ctx context.Context, event Event) error {
	if event.Name == "" {
		return errors.DispatchError("event name is required", nil)
	}

	resp, err := c.client.Do(ctx, commonhttp.RequestOptions{
		Method:   "POST",
		URL:      c.endpoint,
		JSONBody: event,
	})
	if err != nil {
		return errors.DispatchError(fmt.Sprintf("failed to send %s event", event.Name), err).
			WithContext("event_id", event.ID)
	}

	c.logger.Debug("Event sent",
		logging.String("event", event.Name),
		logging.String("event_id", event.ID),
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", resp.Duration))
	return nil
}
