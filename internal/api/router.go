package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sajjad-MoBe/corecache/internal/metrics"
	"github.com/sajjad-MoBe/corecache/internal/shared"
)

// Router creates and configures the admin HTTP router. collector and tracer
// may be nil.
func Router(handler *Handler, collector *metrics.Collector, tracer *Tracer, logger *shared.Logger) http.Handler {
	if logger == nil {
		logger = shared.DefaultLogger
	}
	router := mux.NewRouter()
	// keys are path-escaped by forwarders, so match on the raw path
	router.UseEncodedPath()

	if tracer != nil {
		router.Use(tracer.TracingMiddleware)
	}
	router.Use(
		LoggingMiddleware(logger.WithComponent("http")),
		RecoveryMiddleware(logger.WithComponent("http")),
	)
	if collector != nil {
		router.Use(MetricsMiddleware(collector))
	}

	router.HandleFunc("/kv/{key}", handler.PutValue).Methods(http.MethodPut)
	router.HandleFunc("/kv/{key}", handler.GetValue).Methods(http.MethodGet)
	router.HandleFunc("/kv/{key}", handler.DeleteValue).Methods(http.MethodDelete)

	router.HandleFunc("/partition-map", handler.UpdatePartitionMap).Methods(http.MethodPost)
	router.HandleFunc("/partition-map/{key}", handler.GetPartitionMap).Methods(http.MethodGet)

	router.HandleFunc("/nodes", handler.ListNodes).Methods(http.MethodGet)
	router.HandleFunc("/health", handler.HealthCheck).Methods(http.MethodGet)

	if collector != nil {
		router.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)
	}

	return router
}
