package testutil

import (
	"encoding/json"
	"time"

	"polling-scheduler/internal/models"
)

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// TriggerBuilder helps build test triggers
type TriggerBuilder struct {
	trigger *models.PollingTrigger
}

// NewTriggerBuilder creates an enabled, workflow-owned trigger polled every minute.
func NewTriggerBuilder() *TriggerBuilder {
	return &TriggerBuilder{
		trigger: &models.PollingTrigger{
			ID:           "test-trigger-id",
			WorkflowID:   "test-workflow-id",
			TriggerType:  "gmail",
			Config:       json.RawMessage(`{}`),
			NextPollAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			PollInterval: 60,
			Enabled:      true,
		},
	}
}

func (b *TriggerBuilder) WithID(id string) *TriggerBuilder {
	b.trigger.ID = id
	return b
}

func (b *TriggerBuilder) WithWorkflowID(id string) *TriggerBuilder {
	b.trigger.WorkflowID = id
	return b
}

func (b *TriggerBuilder) WithType(triggerType string) *TriggerBuilder {
	b.trigger.TriggerType = triggerType
	return b
}

// WithConfig sets the raw config JSON.
func (b *TriggerBuilder) WithConfig(config string) *TriggerBuilder {
	b.trigger.Config = json.RawMessage(config)
	return b
}

// WithAgent makes the trigger agent-owned.
func (b *TriggerBuilder) WithAgent(agentID, userID string) *TriggerBuilder {
	config, _ := json.Marshal(map[string]interface{}{
		"isAgentTrigger": true,
		"agentId":        agentID,
		"userId":         userID,
	})
	b.trigger.Config = config
	b.trigger.WorkflowID = ""
	return b
}

func (b *TriggerBuilder) WithInterval(seconds int) *TriggerBuilder {
	b.trigger.PollInterval = seconds
	return b
}

func (b *TriggerBuilder) DueAt(t time.Time) *TriggerBuilder {
	b.trigger.NextPollAt = t
	return b
}

func (b *TriggerBuilder) WithCursor(cursor string) *TriggerBuilder {
	b.trigger.LastCursor = &cursor
	return b
}

func (b *TriggerBuilder) WithLastSeen(t time.Time) *TriggerBuilder {
	b.trigger.LastSeenTimestamp = &t
	return b
}

func (b *TriggerBuilder) Disabled() *TriggerBuilder {
	b.trigger.Enabled = false
	return b
}

// Build returns the trigger with its target decoded.
func (b *TriggerBuilder) Build() *models.PollingTrigger {
	trigger := *b.trigger
	trigger.DecodeTarget()
	return &trigger
}

// Items builds a newData list from raw JSON objects.
func Items(raw ...string) []json.RawMessage {
	items := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		items[i] = json.RawMessage(r)
	}
	return items
}
