// Package metrics exposes lnxdrive's Prometheus metrics surface. It is
// off by default: Start only starts the loopback HTTP listener when a
// non-empty address is configured, mirroring the teacher pack's
// enabled-by-config telemetry idiom.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var enabled bool

// Metrics holds every Prometheus collector lnxdrive publishes.
type Metrics struct {
	HydrationsStarted   *prometheus.CounterVec
	HydrationsCompleted *prometheus.CounterVec
	HydrationQueueDepth prometheus.Gauge
	BytesHydrated       prometheus.Counter

	Evictions    *prometheus.CounterVec
	CacheUsedBytes prometheus.Gauge

	WriteQueueDepth prometheus.Gauge
}

// New registers every collector against the caller-supplied registerer
// so multiple New calls in tests don't collide with the global default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		HydrationsStarted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lnxdrive_hydrations_started_total",
			Help: "Total number of hydration requests dispatched, by priority.",
		}, []string{"priority"}),
		HydrationsCompleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lnxdrive_hydrations_completed_total",
			Help: "Total number of hydration requests that reached a terminal state, by outcome.",
		}, []string{"outcome"}), // outcome: done, failed, cancelled
		HydrationQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "lnxdrive_hydration_queue_depth",
			Help: "Number of hydration requests currently queued or running.",
		}),
		BytesHydrated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lnxdrive_bytes_hydrated_total",
			Help: "Total bytes downloaded from the cloud into the content cache.",
		}),
		Evictions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lnxdrive_evictions_total",
			Help: "Total number of dehydration evictions, by trigger.",
		}, []string{"trigger"}), // trigger: sweep, on_close
		CacheUsedBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "lnxdrive_cache_used_bytes",
			Help: "Current on-disk content cache usage in bytes.",
		}),
		WriteQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "lnxdrive_write_queue_depth",
			Help: "Number of pending writes in the metadata store's serializer queue.",
		}),
	}
}

// Server wraps the loopback HTTP listener serving /metrics.
type Server struct {
	http *http.Server
}

// Start begins serving Prometheus metrics on addr (typically a
// loopback address such as 127.0.0.1:9469) if addr is non-empty.
// A nil Server is returned, rather than an error, when addr is empty
// so callers can unconditionally defer Stop.
func Start(addr string, reg *prometheus.Registry) (*Server, error) {
	if addr == "" {
		enabled = false
		return nil, nil
	}
	enabled = true

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics: listener failed")
		}
	}()

	log.Info().Str("addr", addr).Msg("metrics: serving /metrics")
	return &Server{http: srv}, nil
}

// IsEnabled reports whether a metrics server is currently running.
func IsEnabled() bool { return enabled }

// Stop shuts the listener down gracefully. Safe to call on a nil Server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
