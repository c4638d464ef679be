// Package scheduler runs ticks: one pass over the due triggers, checking each,
// dispatching new data and writing back when the trigger should next be polled.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"polling-scheduler/internal/checker"
	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/dedup"
	"polling-scheduler/internal/models"
	"polling-scheduler/internal/storage"
)

const (
	DefaultBatchSize       = 100
	DefaultBackoffInterval = 300 * time.Second
)

// Dispatcher sends one event for an observed batch.
type Dispatcher interface {
	Send(ctx context.Context, trigger *models.PollingTrigger, result *models.PollResult, key string, polledAt time.Time) error
}

// Config tunes a Runner.
type Config struct {
	// BatchSize caps how many due triggers one tick loads.
	BatchSize int
	// BackoffInterval is added to T0 after a failed check or dispatch.
	BackoffInterval time.Duration
	// Concurrency bounds how many triggers are processed at once. Values
	// below 2 process triggers strictly in order.
	Concurrency int
}

// DefaultConfig returns the sequential defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       DefaultBatchSize,
		BackoffInterval: DefaultBackoffInterval,
		Concurrency:     1,
	}
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BackoffInterval <= 0 {
		c.BackoffInterval = DefaultBackoffInterval
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	return c
}

// Option configures a Runner.
type Option func(*Runner)

// WithConfig sets batch size, backoff and concurrency.
func WithConfig(cfg Config) Option {
	return func(r *Runner) {
		r.cfg = cfg.withDefaults()
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Runner) {
		r.logger = logging.OrGlobal(logger)
	}
}

// WithMetrics records tick results in m.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// Runner executes ticks. It holds no per-tick state and is safe for
// concurrent use; overlapping ticks only ever cost a redundant poll.
type Runner struct {
	store      storage.TriggerStore
	checker    checker.Checker
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time
	logger     logging.Logger
	metrics    *Metrics
}

// NewRunner creates a Runner.
func NewRunner(store storage.TriggerStore, check checker.Checker, dispatcher Dispatcher, opts ...Option) *Runner {
	r := &Runner{
		store:      store,
		checker:    check,
		dispatcher: dispatcher,
		cfg:        DefaultConfig(),
		now:        time.Now,
		logger:     logging.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithFields(logging.String("component", "runner"))
	return r
}

// Tick runs one tick anchored at t0. Every reschedule is computed from t0,
// never from the time a trigger finished processing. A zero t0 means now,
// truncated to the second.
//
// The only error returned is a StoreReadError from loading due triggers.
// Per-trigger failures are resolved in the store and reported in the summary.
func (r *Runner) Tick(ctx context.Context, t0 time.Time) (TickSummary, error) {
	if t0.IsZero() {
		t0 = r.now().Truncate(time.Second)
	}
	t0 = t0.UTC()

	start := r.now()
	summary := TickSummary{TickID: uuid.NewString(), T0: t0}
	ctx = logging.ContextWithTick(ctx, summary.TickID)
	logger := r.logger.WithContext(ctx)

	triggers, err := r.store.ListDue(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		if !errors.IsType(err, errors.ErrTypeStoreRead) {
			err = errors.StoreReadError("failed to list due triggers", err)
		}
		summary.Duration = r.now().Sub(start)
		logger.Error("Tick aborted: could not load due triggers", err, logging.Time("t0", t0))
		r.metrics.IncTick(TickStatusFailed)
		return summary, err
	}

	summary.Due = len(triggers)
	logger.Debug("Loaded due triggers", logging.Int("due", summary.Due), logging.Time("t0", t0))

	outcomes := make([]Outcome, len(triggers))
	if r.cfg.Concurrency > 1 && len(triggers) > 1 {
		var g errgroup.Group
		g.SetLimit(r.cfg.Concurrency)
		for i, trigger := range triggers {
			i, trigger := i, trigger
			g.Go(func() error {
				outcomes[i] = r.process(ctx, t0, trigger)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, trigger := range triggers {
			outcomes[i] = r.process(ctx, t0, trigger)
		}
	}

	for _, outcome := range outcomes {
		summary.add(outcome)
	}
	summary.Duration = r.now().Sub(start)

	logger.Info("Tick completed", summary.Fields()...)
	r.metrics.ObserveTick(summary)
	return summary, nil
}

// process resolves a single trigger. It never panics and never returns an
// error: every failure becomes a backoff or a disable.
func (r *Runner) process(ctx context.Context, t0 time.Time, trigger *models.PollingTrigger) (outcome Outcome) {
	ctx = logging.ContextWithTrigger(ctx, trigger.ID)
	logger := r.logger.WithContext(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			err := errors.InternalError(fmt.Sprintf("panic while processing trigger: %v", rec), nil)
			logger.Error("Recovered from panic", err, logging.String("stack", string(debug.Stack())))
			outcome = r.backoff(ctx, logger, t0, trigger, err)
		}
	}()

	result, err := r.check(ctx, trigger)
	if err != nil {
		return r.backoff(ctx, logger, t0, trigger, err)
	}

	if result.IsInactive() {
		reason := errors.InactiveTargetError(result.Error, nil).WithContext("reason", result.Reason)
		if reason.Message == "" {
			reason.Message = "owner reported inactive"
		}
		return r.disable(ctx, logger, trigger, reason)
	}

	if result.Failed() {
		return r.backoff(ctx, logger, t0, trigger, errors.TransientCheckError(result.Error, nil))
	}

	if !result.HasItems() {
		return r.reschedule(ctx, logger, t0, trigger, result, false, dedup.Key{})
	}

	polledAt := r.now()
	key := dedup.NewKey(trigger.ID, result, polledAt)
	if err := r.dispatcher.Send(ctx, trigger, result, key.Value, polledAt); err != nil {
		if errors.IsType(err, errors.ErrTypeConfig) || errors.IsType(err, errors.ErrTypeInactiveTarget) {
			return r.disable(ctx, logger, trigger, err)
		}
		return r.backoff(ctx, logger, t0, trigger, err)
	}

	logger.Debug("Dispatched new data",
		logging.String("key", key.Value),
		logging.String("key_source", string(key.Source)),
		logging.Int("items", len(result.NewData)))
	return r.reschedule(ctx, logger, t0, trigger, result, true, key)
}

// check calls the checker, turning a panic or a missing result into an error.
func (r *Runner) check(ctx context.Context, trigger *models.PollingTrigger) (result *models.PollResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = errors.InternalError(fmt.Sprintf("check panicked: %v", rec), nil)
		}
	}()

	result, err = r.checker.Check(ctx, trigger)
	if err == nil && result == nil {
		err = errors.TransientCheckError("check returned no result", nil)
	}
	return result, err
}

func (r *Runner) interval(logger logging.Logger, trigger *models.PollingTrigger) time.Duration {
	if trigger.PollInterval > 0 {
		return trigger.Interval()
	}
	logger.Warn("Non-positive poll_interval, using backoff interval",
		logging.Int("poll_interval", trigger.PollInterval))
	return r.cfg.BackoffInterval
}

func (r *Runner) reschedule(ctx context.Context, logger logging.Logger, t0 time.Time, trigger *models.PollingTrigger, result *models.PollResult, triggered bool, key dedup.Key) Outcome {
	next := t0.Add(r.interval(logger, trigger))
	write := guardWrite(storage.OpReschedule, trigger.ID, func() storage.WriteResult {
		return r.store.Reschedule(ctx, trigger.ID, result.NewCursor, result.NewTimestamp, next)
	})

	outcome := Outcome{
		TriggerID:  trigger.ID,
		Resolution: ResolutionRescheduled,
		NextPollAt: next,
		Triggered:  triggered,
		Key:        key,
	}
	r.recordWrite(logger, &outcome, write)
	return outcome
}

func (r *Runner) backoff(ctx context.Context, logger logging.Logger, t0 time.Time, trigger *models.PollingTrigger, cause error) Outcome {
	next := t0.Add(r.cfg.BackoffInterval)
	logger.Warn("Backing off trigger",
		logging.Err(cause),
		logging.String("error_type", string(errors.GetType(cause))),
		logging.Time("next_poll_at", next))

	write := guardWrite(storage.OpBackoff, trigger.ID, func() storage.WriteResult {
		return r.store.Backoff(ctx, trigger.ID, next)
	})
	outcome := Outcome{
		TriggerID:  trigger.ID,
		Resolution: ResolutionBackedOff,
		NextPollAt: next,
		Err:        cause,
	}
	r.recordWrite(logger, &outcome, write)
	return outcome
}

func (r *Runner) disable(ctx context.Context, logger logging.Logger, trigger *models.PollingTrigger, cause error) Outcome {
	logger.Warn("Disabling trigger",
		logging.Err(cause),
		logging.String("error_type", string(errors.GetType(cause))))

	write := guardWrite(storage.OpDisable, trigger.ID, func() storage.WriteResult {
		return r.store.Disable(ctx, trigger.ID)
	})
	outcome := Outcome{
		TriggerID:  trigger.ID,
		Resolution: ResolutionDisabled,
		Err:        cause,
	}
	r.recordWrite(logger, &outcome, write)
	return outcome
}

// guardWrite runs a store write, turning a panic into a failed WriteResult.
// Writes also run from process's recover handler, where a second panic would
// escape the tick.
func guardWrite(op storage.WriteOp, id string, write func() storage.WriteResult) (result storage.WriteResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = storage.WriteFailed(op, id, errors.InternalError(fmt.Sprintf("store panicked: %v", rec), nil))
		}
	}()
	return write()
}

func (r *Runner) recordWrite(logger logging.Logger, outcome *Outcome, write storage.WriteResult) {
	if write.OK() {
		return
	}
	outcome.WriteErr = write.Err
	logger.Error("Trigger write failed", write.Err, logging.String("op", string(write.Op)))
}
