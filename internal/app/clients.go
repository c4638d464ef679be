package app

import (
	"polling-scheduler/internal/checker"
	"polling-scheduler/internal/circuitbreaker"
	commonhttp "polling-scheduler/internal/common/http"
	"polling-scheduler/internal/dispatch"
	"polling-scheduler/internal/eventbus"
)

// initializeClients builds the check and event-bus clients. Each gets its own
// breaker so an outage of one does not open the other.
func (app *App) initializeClients() error {
	cfg := app.Config

	checkHTTP := commonhttp.NewClient(commonhttp.WithTimeout(cfg.HTTPTimeout)).
		WithCircuitBreaker(circuitbreaker.NewGoBreaker("check", circuitbreaker.CheckConfig, app.Logger))

	check, err := checker.New(checker.Config{
		AppURL:     cfg.AppURL,
		ServiceKey: cfg.StoreServiceKey,
		HTTPClient: checkHTTP,
		Logger:     app.Logger,
	})
	if err != nil {
		return err
	}

	busHTTP := commonhttp.NewClient(commonhttp.WithTimeout(cfg.HTTPTimeout)).
		WithCircuitBreaker(circuitbreaker.NewGoBreaker("eventbus", circuitbreaker.EventBusConfig, app.Logger))

	bus, err := eventbus.New(eventbus.Config{
		BaseURL:    cfg.EventBusURL,
		EventKey:   cfg.EventBusKey,
		HTTPClient: busHTTP,
		Logger:     app.Logger,
	})
	if err != nil {
		return err
	}

	app.Checker = check
	app.EventBus = bus
	app.Dispatcher = dispatch.New(bus, app.Store, app.Logger)
	return nil
}
