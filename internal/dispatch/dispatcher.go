// Package dispatch turns an observed batch into exactly one downstream event,
// routed by the trigger's target.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/eventbus"
	"polling-scheduler/internal/models"
	"polling-scheduler/internal/storage"
)

// TimestampLayout is how polledAt is rendered in event payloads.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// PollingTriggerType is the triggerType of every workflow/execute event.
const PollingTriggerType = "polling"

// AgentRunData is the payload of an agent/run event.
type AgentRunData struct {
	AgentID     string            `json:"agentId"`
	UserID      string            `json:"userId"`
	BehaviourID *string           `json:"behaviourId"`
	TriggerType string            `json:"triggerType"`
	Items       []json.RawMessage `json:"items"`
	PolledAt    string            `json:"polledAt"`
}

// WorkflowExecuteData is the payload of a workflow/execute event.
type WorkflowExecuteData struct {
	WorkflowID  string          `json:"workflowId"`
	Nodes       json.RawMessage `json:"nodes"`
	Edges       json.RawMessage `json:"edges"`
	UserID      string          `json:"userId"`
	TriggerType string          `json:"triggerType"`
	TriggerData TriggerData     `json:"triggerData"`
}

// TriggerData describes the batch that started a workflow run.
type TriggerData struct {
	TriggerType string            `json:"triggerType"`
	Items       []json.RawMessage `json:"items"`
	TriggerID   string            `json:"triggerId"`
	PolledAt    string            `json:"polledAt"`
}

// Dispatcher routes batches to the event bus.
type Dispatcher struct {
	bus       eventbus.Sender
	workflows storage.WorkflowResolver
	logger    logging.Logger
}

// New creates a Dispatcher.
func New(bus eventbus.Sender, workflows storage.WorkflowResolver, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		bus:       bus,
		workflows: workflows,
		logger:    logging.OrGlobal(logger).WithFields(logging.String("component", "dispatcher")),
	}
}

// Send posts one event for the batch in result, identified by key.
//
// Returned errors are typed:
//   - config: the trigger cannot be routed (bad agent config, no workflow id)
//   - inactive_target: the owning workflow is gone
//   - dispatch: anything transient, including a failed workflow lookup
func (d *Dispatcher) Send(ctx context.Context, trigger *models.PollingTrigger, result *models.PollResult, key string, polledAt time.Time) error {
	if trigger.Target == nil && trigger.TargetErr == nil {
		trigger.DecodeTarget()
	}
	if trigger.TargetErr != nil {
		return trigger.TargetErr
	}

	items := result.NewData
	if items == nil {
		items = []json.RawMessage{}
	}
	stamp := polledAt.UTC().Format(TimestampLayout)

	var event eventbus.Event
	switch target := trigger.Target.(type) {
	case models.AgentTarget:
		event = eventbus.Event{
			Name: eventbus.EventAgentRun,
			ID:   key,
			Data: AgentRunData{
				AgentID:     target.AgentID,
				UserID:      target.UserID,
				BehaviourID: target.BehaviourID,
				TriggerType: trigger.TriggerType,
				Items:       items,
				PolledAt:    stamp,
			},
		}

	case models.WorkflowTarget:
		data, err := d.workflowData(ctx, trigger, items, stamp)
		if err != nil {
			return err
		}
		event = eventbus.Event{Name: eventbus.EventWorkflowExecute, ID: key, Data: data}

	default:
		return errors.ConfigError(fmt.Sprintf("unsupported trigger target %T", trigger.Target)).
			WithContext("trigger_id", trigger.ID)
	}

	if err := d.bus.Send(ctx, event); err != nil {
		if errors.IsType(err, errors.ErrTypeDispatch) {
			return err
		}
		return errors.DispatchError("event delivery failed", err)
	}

	d.logger.Info("Dispatched event",
		logging.String("trigger_id", trigger.ID),
		logging.String("event", event.Name),
		logging.String("event_id", key),
		logging.Int("items", len(items)))
	return nil
}

func (d *Dispatcher) workflowData(ctx context.Context, trigger *models.PollingTrigger, items []json.RawMessage, stamp string) (WorkflowExecuteData, error) {
	if trigger.WorkflowID == "" {
		return WorkflowExecuteData{}, errors.ConfigError("workflow trigger has no workflow_id").
			WithContext("trigger_id", trigger.ID)
	}

	workflow, err := d.workflows.ActiveWorkflow(ctx, trigger.WorkflowID)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeInactiveTarget) {
			return WorkflowExecuteData{}, err
		}
		return WorkflowExecuteData{}, errors.DispatchError("failed to resolve workflow", err).
			WithContext("workflow_id", trigger.WorkflowID)
	}

	return WorkflowExecuteData{
		WorkflowID:  workflow.ID,
		Nodes:       orEmptyList(workflow.Data.Nodes),
		Edges:       orEmptyList(workflow.Data.Edges),
		UserID:      workflow.UserID,
		TriggerType: PollingTriggerType,
		TriggerData: TriggerData{
			TriggerType: trigger.TriggerType,
			Items:       items,
			TriggerID:   trigger.ID,
			PolledAt:    stamp,
		},
	}, nil
}

func orEmptyList(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("[]")
	}
	return raw
}
