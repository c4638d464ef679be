// Package models holds the records exchanged between the scheduler and its
// collaborators.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/common/logging"
)

// PollingTrigger is a persisted polling trigger row.
type PollingTrigger struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	TriggerType       string          `json:"trigger_type"`
	Config            json.RawMessage `json:"config"`
	LastCursor        *string         `json:"last_cursor"`
	LastSeenTimestamp *time.Time      `json:"last_seen_timestamp"`
	NextPollAt        time.Time       `json:"next_poll_at"`
	PollInterval      int             `json:"poll_interval"`
	Enabled           bool            `json:"enabled"`
	UpdatedAt         *time.Time      `json:"updated_at,omitempty"`

	// Target is decoded from Config by DecodeTarget. When decoding fails
	// Target is nil and TargetErr holds a config error.
	Target    Target `json:"-"`
	TargetErr error  `json:"-"`
}

// Interval returns PollInterval as a duration.
func (t *PollingTrigger) Interval() time.Duration {
	return time.Duration(t.PollInterval) * time.Second
}

// ConfigMap returns Config as a generic map, or an empty map when Config is
// absent or not an object. It is what the check endpoint receives.
func (t *PollingTrigger) ConfigMap() map[string]interface{} {
	m := map[string]interface{}{}
	if len(t.Config) == 0 {
		return m
	}
	if err := json.Unmarshal(t.Config, &m); err != nil {
		logging.Warn("Trigger config is not a JSON object, sending empty config",
			logging.String("trigger_id", t.ID),
			logging.Err(err))
		return map[string]interface{}{}
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	return m
}

// DecodeTarget resolves Target and TargetErr from Config. Stores call it once
// for every trigger they load.
func (t *PollingTrigger) DecodeTarget() {
	t.Target, t.TargetErr = DecodeTarget(t.Config)
	if t.TargetErr != nil {
		if appErr, ok := t.TargetErr.(*errors.AppError); ok {
			appErr.WithContext("trigger_id", t.ID)
		}
	}
}

// TargetKind discriminates Target variants.
type TargetKind string

const (
	TargetWorkflow TargetKind = "workflow"
	TargetAgent    TargetKind = "agent"
)

// Target is the downstream owner of a trigger: an agent or a workflow.
type Target interface {
	Kind() TargetKind
	isTarget()
}

// AgentTarget routes observations to an agent run.
type AgentTarget struct {
	AgentID     string
	UserID      string
	BehaviourID *string
}

func (AgentTarget) Kind() TargetKind { return TargetAgent }
func (AgentTarget) isTarget()        {}

// WorkflowTarget routes observations to the trigger's workflow.
type WorkflowTarget struct{}

func (WorkflowTarget) Kind() TargetKind { return TargetWorkflow }
func (WorkflowTarget) isTarget()        {}

// DecodeTarget decodes the agent/workflow discriminator carried in a trigger's
// config. A config marks an agent trigger with "isAgentTrigger": true or
// "source": "agent"; anything else is a workflow trigger.
func DecodeTarget(config json.RawMessage) (Target, error) {
	trimmed := bytes.TrimSpace(config)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return WorkflowTarget{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, errors.ConfigError("trigger config is not a JSON object")
	}

	if !isAgentConfig(fields) {
		return WorkflowTarget{}, nil
	}

	target := AgentTarget{
		AgentID: stringField(fields, "agentId"),
		UserID:  stringField(fields, "userId"),
	}
	if behaviourID := stringField(fields, "behaviourId"); behaviourID != "" {
		target.BehaviourID = &behaviourID
	}

	var missing []string
	if target.AgentID == "" {
		missing = append(missing, "agentId")
	}
	if target.UserID == "" {
		missing = append(missing, "userId")
	}
	if len(missing) > 0 {
		return nil, errors.ConfigError(fmt.Sprintf("agent trigger config is missing %s", strings.Join(missing, ", ")))
	}

	return target, nil
}

func isAgentConfig(fields map[string]interface{}) bool {
	if flag, ok := fields["isAgentTrigger"].(bool); ok && flag {
		return true
	}
	source, _ := fields["source"].(string)
	return strings.EqualFold(source, "agent")
}

func stringField(fields map[string]interface{}, key string) string {
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
