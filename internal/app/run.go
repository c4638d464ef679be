package app

import (
	"context"
	"time"

	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/config"
)

// ShutdownTimeout bounds how long Serve waits for an in-flight tick and the
// ops server after ctx is cancelled.
const ShutdownTimeout = 30 * time.Second

// Serve runs the scheduler and the ops server until ctx is cancelled, then
// waits for the in-flight tick before returning.
func Serve(ctx context.Context, cfg *config.Config, opts ...Option) error {
	app, err := New(cfg, opts...)
	if err != nil {
		logging.Error("Failed to initialize application", err)
		return err
	}
	defer app.Cleanup()

	srv := app.RunServer()
	if err := srv.Start(); err != nil {
		app.Logger.Error("Ops server failed to start", err, logging.String("port", cfg.Port))
		return err
	}
	app.Logger.Info("Ops server listening", logging.String("addr", srv.Addr()))

	c, err := app.StartScheduler(ctx)
	if err != nil {
		srv.Shutdown(context.Background())
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		app.Logger.Info("Shutting down...")
	case serveErr = <-srv.Err():
		app.Logger.Error("Ops server stopped unexpectedly", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	select {
	case <-c.Stop().Done():
	case <-shutdownCtx.Done():
		app.Logger.Warn("Timed out waiting for the in-flight tick")
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("Ops server forced to shutdown", err)
		return err
	}

	app.Logger.Info("Scheduler exited")
	return serveErr
}
