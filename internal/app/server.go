package app

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polling-scheduler/internal/handlers"
	"polling-scheduler/internal/middleware"
	"polling-scheduler/internal/server"
)

// Router builds the ops routes: GET /health and GET /metrics.
func (app *App) Router() *mux.Router {
	var lease handlers.HealthChecker
	if app.RedisClient != nil {
		lease = app.RedisClient
	}
	h := handlers.New(app.Store, lease, app)

	router := mux.NewRouter()
	router.Use(middleware.Logging(app.Logger, "/health", "/metrics"))
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{})).Methods("GET")
	return router
}

// RunServer creates the ops server. The caller starts and stops it.
func (app *App) RunServer() *server.Server {
	return server.New(app.Router(), app.Config.Port)
}
