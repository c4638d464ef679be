package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/common/validation"
	"polling-scheduler/internal/scheduler"
)

// StartScheduler runs RunTick on TICK_SCHEDULE until the returned cron is
// stopped. An activation that finds the previous tick still running is
// skipped. Ticks run detached from ctx's cancellation so a shutdown lets the
// in-flight tick finish its writes; wait on Stop's context for that.
func (app *App) StartScheduler(ctx context.Context) (*cron.Cron, error) {
	logger := &cronLogger{
		logger: app.Logger.WithFields(logging.String("component", "cron")),
		onSkip: func() { app.Metrics.IncTick(scheduler.TickStatusSkipped) },
	}

	c := cron.New(
		cron.WithParser(validation.ScheduleParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	tickCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(app.Config.TickSchedule, func() {
		app.scheduledTick(tickCtx)
	}); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid TICK_SCHEDULE %q: %v", app.Config.TickSchedule, err))
	}

	c.Start()
	app.Logger.Info("Scheduler started", logging.String("schedule", app.Config.TickSchedule))
	return c, nil
}

// scheduledTick anchors the tick at the activation time. Cron activations land
// on whole seconds, so truncating now recovers the scheduled time.
func (app *App) scheduledTick(ctx context.Context) {
	t0 := app.now().Truncate(time.Second)
	if _, err := app.RunTick(ctx, t0); err != nil && !errors.Is(err, ErrTickSkipped) {
		app.Logger.Error("Scheduled tick failed", err, logging.Time("t0", t0))
	}
}

// cronLogger adapts logging.Logger to cron.Logger. Cron reports skipped
// activations only through its logger.
type cronLogger struct {
	logger logging.Logger
	onSkip func()
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		l.logger.Warn("Tick activation skipped: previous tick still running")
		if l.onSkip != nil {
			l.onSkip()
		}
		return
	}
	l.logger.Debug(msg, kvFields(keysAndValues)...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, err, kvFields(keysAndValues)...)
}

func kvFields(keysAndValues []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields = append(fields, logging.Any(key, keysAndValues[i+1]))
	}
	return fields
}
