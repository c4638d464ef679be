package app

import (
	"polling-scheduler/internal/common/errors"
	commonhttp "polling-scheduler/internal/common/http"
	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/config"
	"polling-scheduler/internal/storage"

	// Backends register themselves with storage.DefaultRegistry.
	_ "polling-scheduler/internal/storage/rest"
	_ "polling-scheduler/internal/storage/sqldb"
)

func (app *App) initializeStorage() error {
	cfg := app.Config

	switch cfg.StoreBackend {
	case config.BackendREST:
		app.Logger.Info("Trigger store: REST", logging.String("url", cfg.StoreURL))
	default:
		app.Logger.Info("Trigger store: SQL", logging.String("backend", cfg.StoreBackend))
	}

	store, err := storage.Create(cfg.StoreBackend, storage.Config{
		URL:         cfg.StoreURL,
		ServiceKey:  cfg.StoreServiceKey,
		DatabaseURL: cfg.DatabaseURL,
		HTTPClient:  commonhttp.NewClient(commonhttp.WithTimeout(cfg.HTTPTimeout)),
		Logger:      app.Logger,
		Now:         app.now,
	})
	if err != nil {
		if errors.IsType(err, errors.ErrTypeConfig) {
			return err
		}
		return errors.InternalError("failed to initialize trigger store", err).
			WithContext("backend", cfg.StoreBackend)
	}

	app.Store = store
	return nil
}
