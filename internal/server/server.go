package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/mirrx/internal/broker"
	"github.com/gaspardpetit/mirrx/internal/config"
	"github.com/gaspardpetit/mirrx/internal/metrics"
)

// New assembles the HTTP surface: the websocket endpoint, the controller
// REST API, health and state probes, and (when MetricsAddr points at the
// main port) the Prometheus scrape endpoint.
func New(cfg config.ServerConfig, b *broker.Broker, version string) http.Handler {
	cfg.Normalize()
	api := &API{Broker: b, Cfg: cfg, Version: version, Start: time.Now()}

	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}
	for _, mw := range MiddlewareChain() {
		r.Use(mw)
	}

	r.Get("/healthz", api.HandleHealthz)
	r.Get("/connect", api.HandleConnect)
	r.Get("/ws", WSHandler(b, cfg.MaxFrameBytes, cfg.AllowedOrigins))

	r.Route("/api", func(ar chi.Router) {
		if cfg.APIKey != "" {
			ar.Use(APIKeyMiddleware(cfg.APIKey))
		}
		ar.Post("/pair", api.HandlePair)
		ar.Get("/devices", api.HandleDevices)
		ar.Get("/stream/{sid}", api.HandleStream)
		ar.Get("/frame/{sid}", api.HandleFrame)
		ar.Post("/command/{sid}", api.HandleCommand)
		ar.Get("/system", api.HandleSystem)
		ar.Get("/state", api.HandleState)
	})

	if cfg.MetricsAddr == "" || cfg.MetricsAddr == cfg.ListenAddr() {
		reg := prometheus.NewRegistry()
		metrics.Register(reg)
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return r
}

// NewMetricsHandler serves only the Prometheus endpoint, for deployments
// that scrape on a separate port.
func NewMetricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
