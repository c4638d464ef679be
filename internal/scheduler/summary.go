package scheduler

import (
	"time"

	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/dedup"
)

// Resolution is the store write chosen for a trigger.
type Resolution string

const (
	ResolutionRescheduled Resolution = "rescheduled"
	ResolutionBackedOff   Resolution = "backed_off"
	ResolutionDisabled    Resolution = "disabled"
)

// Outcome is what happened to one trigger during a tick.
type Outcome struct {
	TriggerID  string
	Resolution Resolution
	NextPollAt time.Time
	// Triggered is set when an event was dispatched.
	Triggered bool
	Key       dedup.Key
	// Err is the check or dispatch failure behind a backoff or disable.
	Err error
	// WriteErr is set when the resolution could not be persisted.
	WriteErr error
}

// TickSummary aggregates the outcomes of one tick.
type TickSummary struct {
	TickID        string        `json:"tick_id"`
	T0            time.Time     `json:"t0"`
	Due           int           `json:"due"`
	Triggered     int           `json:"triggered"`
	Errored       int           `json:"errored"`
	Disabled      int           `json:"disabled"`
	Rescheduled   int           `json:"rescheduled"`
	BackedOff     int           `json:"backed_off"`
	WriteFailures int           `json:"write_failures"`
	Duration      time.Duration `json:"duration"`
	Outcomes      []Outcome     `json:"-"`
}

func (s *TickSummary) add(outcome Outcome) {
	s.Outcomes = append(s.Outcomes, outcome)

	if outcome.Triggered {
		s.Triggered++
	}
	if outcome.Err != nil {
		s.Errored++
	}
	if outcome.WriteErr != nil {
		s.WriteFailures++
	}

	switch outcome.Resolution {
	case ResolutionRescheduled:
		s.Rescheduled++
	case ResolutionBackedOff:
		s.BackedOff++
	case ResolutionDisabled:
		s.Disabled++
	}
}

// Outcome returns the outcome recorded for a trigger.
func (s *TickSummary) Outcome(triggerID string) (Outcome, bool) {
	for _, outcome := range s.Outcomes {
		if outcome.TriggerID == triggerID {
			return outcome, true
		}
	}
	return Outcome{}, false
}

// Fields renders the summary as log fields.
func (s *TickSummary) Fields() []logging.Field {
	return []logging.Field{
		logging.String("tick_id", s.TickID),
		logging.Time("t0", s.T0),
		logging.Int("due", s.Due),
		logging.Int("triggered", s.Triggered),
		logging.Int("errored", s.Errored),
		logging.Int("disabled", s.Disabled),
		logging.Int("rescheduled", s.Rescheduled),
		logging.Int("backed_off", s.BackedOff),
		logging.Int("write_failures", s.WriteFailures),
		logging.Duration("duration", s.Duration),
	}
}
