package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nimburion/txbound/pkg/config"
	"github.com/nimburion/txbound/pkg/health"
	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/observability/metrics"
	"github.com/nimburion/txbound/pkg/version"
)

// ManagementServer serves liveness, readiness, metrics and version, plus
// any application routes registered on Router.
//
//	GET /health   liveness, always 200
//	GET /ready    readiness, 503 when a check is unhealthy
//	GET /metrics  Prometheus exposition
//	GET /version  build metadata
type ManagementServer struct {
	*Server
	router *mux.Router
}

func NewManagementServer(
	cfg config.ManagementConfig,
	serviceName string,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *metrics.Registry,
) *ManagementServer {
	r := mux.NewRouter()
	r.Use(RequestID(), Logging(log), Recovery(log))

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
	}).Methods(http.MethodGet)
	r.Handle("/ready", healthRegistry.Handler()).Methods(http.MethodGet)
	r.Handle("/metrics", metricsRegistry.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, version.Current(serviceName))
	}).Methods(http.MethodGet)

	return &ManagementServer{
		Server: NewServer(Config{Addr: cfg.Addr, ShutdownTimeout: cfg.ShutdownTimeout}, r, log),
		router: r,
	}
}

// Router returns the underlying router for registering application routes.
func (s *ManagementServer) Router() *mux.Router {
	return s.router
}

func (s *ManagementServer) Start(ctx context.Context) error {
	return s.Server.Start(ctx)
}
