// Package app wires configuration into a running scheduler: the trigger store,
// the check and event-bus clients, the runner, the cron driver, the optional
// tick lease and the ops HTTP server.
package app

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"polling-scheduler/internal/checker"
	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/config"
	"polling-scheduler/internal/dispatch"
	"polling-scheduler/internal/eventbus"
	"polling-scheduler/internal/handlers"
	"polling-scheduler/internal/locks"
	"polling-scheduler/internal/redis"
	"polling-scheduler/internal/scheduler"
	"polling-scheduler/internal/storage"
)

// App holds all the application dependencies
type App struct {
	Config      *config.Config
	Logger      logging.Logger
	Store       storage.Backend
	Checker     *checker.Client
	EventBus    *eventbus.Client
	Dispatcher  *dispatch.Dispatcher
	Runner      *scheduler.Runner
	Metrics     *scheduler.Metrics
	Registry    *prometheus.Registry
	RedisClient *redis.Client
	Locks       *locks.Manager

	now func() time.Time

	mu       sync.Mutex
	lastTick *handlers.TickReport
}

// Option configures an App.
type Option func(*App)

// WithClock replaces time.Now for T0 defaults, store timestamps and the runner.
func WithClock(now func() time.Time) Option {
	return func(app *App) {
		if now != nil {
			app.now = now
		}
	}
}

// WithLogger sets the root logger.
func WithLogger(logger logging.Logger) Option {
	return func(app *App) {
		if logger != nil {
			app.Logger = logger
		}
	}
}

// WithRegistry registers metrics with reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(app *App) {
		app.Registry = reg
	}
}

// New creates a new application instance with all dependencies
func New(cfg *config.Config, opts ...Option) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(app)
	}
	app.Logger = app.Logger.WithFields(logging.String("component", "app"))

	if app.Registry == nil {
		app.Registry = prometheus.NewRegistry()
		app.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	app.Metrics = scheduler.MustNewMetrics(app.Registry)

	if err := app.initializeStorage(); err != nil {
		return nil, err
	}

	if err := app.initializeClients(); err != nil {
		app.Cleanup()
		return nil, err
	}

	if err := app.initializeLease(); err != nil {
		// The lease only deduplicates work across replicas; run without it.
		app.Logger.Warn("Tick lease unavailable, continuing without it",
			logging.String("address", cfg.LeaseRedisAddress),
			logging.Err(err))
	}

	app.initializeRunner()
	return app, nil
}

func (app *App) initializeRunner() {
	app.Runner = scheduler.NewRunner(app.Store, app.Checker, app.Dispatcher,
		scheduler.WithConfig(scheduler.Config{
			BatchSize:       app.Config.BatchSize,
			BackoffInterval: app.Config.BackoffInterval,
			Concurrency:     app.Config.Concurrency,
		}),
		scheduler.WithClock(app.now),
		scheduler.WithLogger(app.Logger),
		scheduler.WithMetrics(app.Metrics),
	)
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.Locks != nil {
		app.Locks.Close()
	}
	if app.RedisClient != nil {
		app.RedisClient.Close()
	}
	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			app.Logger.Warn("Error closing trigger store", logging.Err(err))
		}
	}
}
