package app

import (
	"context"
	"time"

	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/handlers"
	"polling-scheduler/internal/locks"
	"polling-scheduler/internal/scheduler"
)

// ErrTickSkipped is returned by RunTick when another replica holds the lease
// for the same T0.
var ErrTickSkipped = errors.New("tick skipped: lease held by another instance")

// RunTick runs the tick anchored at t0 (now, truncated to the second, when
// zero). With a lease configured, only the replica that takes the lease for
// t0 runs it. An unreachable lease does not stop the tick.
func (app *App) RunTick(ctx context.Context, t0 time.Time) (scheduler.TickSummary, error) {
	if t0.IsZero() {
		t0 = app.now().Truncate(time.Second)
	}
	t0 = t0.UTC()
	logger := app.Logger.WithFields(logging.Time("t0", t0))

	if app.Locks != nil {
		lock, err := app.Locks.AcquireTickLock(ctx, t0)
		switch {
		case errors.Is(err, locks.ErrLockHeld):
			logger.Info("Tick skipped: lease held by another instance")
			app.Metrics.IncTick(scheduler.TickStatusSkipped)
			summary := scheduler.TickSummary{T0: t0}
			app.recordTick(summary, nil, true)
			return summary, ErrTickSkipped
		case err != nil:
			logger.Warn("Tick lease unavailable, running without it", logging.Err(err))
		default:
			defer lock.Release(context.Background())
		}
	}

	summary, err := app.Runner.Tick(ctx, t0)
	app.recordTick(summary, err, false)
	return summary, err
}

func (app *App) recordTick(summary scheduler.TickSummary, err error, skipped bool) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.lastTick = &handlers.TickReport{
		Summary:  summary,
		Err:      err,
		Skipped:  skipped,
		Finished: app.now().UTC(),
	}
}

// LastTick implements handlers.TickStatus.
func (app *App) LastTick() (handlers.TickReport, bool) {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.lastTick == nil {
		return handlers.TickReport{}, false
	}
	return *app.lastTick, true
}
