package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"polling-scheduler/internal/common/logging"
)

// Reasons reported by the check endpoint when the owner of a trigger is gone.
const (
	ReasonWorkflowInactive = "workflow_inactive"
	ReasonAgentInactive    = "agent_inactive"
)

// PollResult is the check endpoint's answer for one trigger. It is never
// persisted.
type PollResult struct {
	HasNewData   bool              `json:"hasNewData"`
	NewData      []json.RawMessage `json:"newData,omitempty"`
	NewCursor    *string           `json:"newCursor,omitempty"`
	NewTimestamp *time.Time        `json:"newTimestamp,omitempty"`
	Error        string            `json:"error,omitempty"`
	Reason       string            `json:"reason,omitempty"`
}

// IsInactive reports whether the owning workflow or agent is confirmed inactive.
func (r *PollResult) IsInactive() bool {
	return r.Reason == ReasonWorkflowInactive || r.Reason == ReasonAgentInactive
}

// Failed reports whether the check endpoint reported an error.
func (r *PollResult) Failed() bool {
	return r.Error != ""
}

// HasItems reports whether the result carries a batch worth dispatching.
func (r *PollResult) HasItems() bool {
	return r.HasNewData && len(r.NewData) > 0
}

// UnmarshalJSON accepts the loose shapes the check endpoint produces: an empty
// string for "no cursor", timestamps as RFC 3339, zoneless ISO 8601 (UTC) or
// epoch milliseconds, and errors as strings or objects. A timestamp in any
// other shape is logged and treated as absent.
func (r *PollResult) UnmarshalJSON(data []byte) error {
	type alias PollResult
	aux := struct {
		*alias
		NewCursor    json.RawMessage `json:"newCursor"`
		NewTimestamp json.RawMessage `json:"newTimestamp"`
		Error        json.RawMessage `json:"error"`
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	cursor, err := optionalString(aux.NewCursor)
	if err != nil {
		return fmt.Errorf("newCursor: %w", err)
	}
	r.NewCursor = cursor

	ts, err := optionalTime(aux.NewTimestamp)
	if err != nil {
		// Dropped, not fatal: the batch and the cursor still apply.
		logging.Warn("Ignoring unreadable newTimestamp in check result",
			logging.String("new_timestamp", string(bytes.TrimSpace(aux.NewTimestamp))),
			logging.Err(err))
		ts = nil
	}
	r.NewTimestamp = ts

	r.Error = errorText(aux.Error)
	return nil
}

// ItemID returns the identifier of a newData item. Items without an "id", or
// with an id that is neither a string nor a number, report false.
func ItemID(item json.RawMessage) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(item))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return "", false
	}

	switch id := fields["id"].(type) {
	case string:
		if id == "" {
			return "", false
		}
		return id, true
	case json.Number:
		return id.String(), true
	default:
		return "", false
	}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func optionalString(raw json.RawMessage) (*string, error) {
	if isNull(raw) {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if numErr := json.Unmarshal(raw, &n); numErr != nil {
			return nil, err
		}
		s = n.String()
	}
	if s == "" {
		return nil, nil
	}
	return &s, nil
}

func optionalTime(raw json.RawMessage) (*time.Time, error) {
	if isNull(raw) {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var millis int64
		if numErr := json.Unmarshal(raw, &millis); numErr != nil {
			return nil, err
		}
		t := time.UnixMilli(millis).UTC()
		return &t, nil
	}
	if s == "" {
		return nil, nil
	}

	if millis, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.UnixMilli(millis).UTC()
		return &t, nil
	}

	return parseTimestamp(s)
}

// zonelessLayouts are ISO 8601 renderings without an offset. They are read as
// UTC. Fractional seconds are accepted by time.Parse after the seconds field.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (*time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return &t, nil
	}
	for _, layout := range zonelessLayouts {
		if zoneless, zerr := time.ParseInLocation(layout, s, time.UTC); zerr == nil {
			return &zoneless, nil
		}
	}
	return nil, err
}

func errorText(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return "check reported an error"
		}
		return ""
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}

	return string(bytes.TrimSpace(raw))
}
