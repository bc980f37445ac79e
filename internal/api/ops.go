// Package api exposes the operational HTTP surface (A6) that runs for the
// lifetime of the worker process: liveness/readiness probes and the
// Prometheus scrape endpoint. It carries none of the job pipeline itself.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/google/aggregation-service-worker/internal/crypto"
	"github.com/google/aggregation-service-worker/internal/metrics"
)

// Handler serves the ops endpoints.
type Handler struct {
	keys    crypto.KeyManager
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler builds an ops Handler. keys may be nil, in which case
// readiness never checks key manager health.
func NewHandler(keys crypto.KeyManager, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return &Handler{keys: keys, logger: logger, metrics: m}
}

// RegisterRoutes wires the ops endpoints onto r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Handle("/healthz", h.instrument("/healthz", metrics.LivenessHandler()))
	r.Handle("/readyz", h.instrument("/readyz", metrics.ReadinessHandler(h.keyManagerHealthCheck)))
	r.Handle("/metrics", h.metrics.Handler())
}

func (h *Handler) keyManagerHealthCheck(ctx context.Context) error {
	if h.keys == nil {
		return nil
	}
	return h.keys.HealthCheck(ctx)
}

func (h *Handler) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		h.logger.WithFields(logrus.Fields{
			"path":     path,
			"duration": time.Since(start),
		}).Debug("ops request served")
	}
}
