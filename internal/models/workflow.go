package models

import "encoding/json"

// Workflow is the projection of an active workflow needed to dispatch a
// workflow/execute event.
type Workflow struct {
	ID     string       `json:"id"`
	UserID string       `json:"user_id"`
	Data   WorkflowData `json:"workflow_data"`
}

// WorkflowData is the node/edge graph of a workflow, passed through untouched.
type WorkflowData struct {
	Nodes json.RawMessage `json:"nodes"`
	Edges json.RawMessage `json:"edges"`
}
