// Package metrics exposes Prometheus collectors for replication and
// verification outcomes.
//
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "geosync"

// Sync results.
const (
	ResultSynced   = "synced"
	ResultFailed   = "failed"
	ResultTimedOut = "timed_out"
)

// Verification results.
const (
	ResultSucceeded = "succeeded"
	ResultMismatch  = "mismatch"
	ResultError     = "error"
)

// Metrics holds the collectors of one daemon.
type Metrics struct {
	Registry *prometheus.Registry

	syncs          *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec
	verifications  *prometheus.CounterVec
	eventsConsumed *prometheus.CounterVec
	cursor         *prometheus.GaugeVec
	registries     *prometheus.GaugeVec
	jobsInFlight   prometheus.Gauge
	pruned         *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syncs_total",
			Help:      "Finished sync attempts by resource type and result.",
		}, []string{"type", "result"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"type"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Finished verifications by resource type and result.",
		}, []string{"type", "result"}),
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Events applied from the primary's log.",
		}, []string{"type", "kind"}),
		cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_cursor",
			Help:      "Last consumed event id per resource type.",
		}, []string{"type"}),
		registries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registries",
			Help:      "Registries by resource type, state and verification state.",
		}, []string{"type", "state", "verification_state"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Sync and verification jobs currently running.",
		}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registries_pruned_total",
			Help:      "Registries deleted because they left the selective-sync scope.",
		}, []string{"type"}),
	}
	m.Registry.MustRegister(
		m.syncs,
		m.syncDuration,
		m.verifications,
		m.eventsConsumed,
		m.cursor,
		m.registries,
		m.jobsInFlight,
		m.pruned,
	)
	return m
}

// ObserveSync records a finished sync attempt.
func (m *Metrics) ObserveSync(resourceType, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(resourceType, result).Inc()
	m.syncDuration.WithLabelValues(resourceType).Observe(d.Seconds())
}

// AddSyncTimeouts records registries failed by the timeout sweep.
func (m *Metrics) AddSyncTimeouts(resourceType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.syncs.WithLabelValues(resourceType, ResultTimedOut).Add(float64(n))
}

// ObserveVerification records a finished verification.
func (m *Metrics) ObserveVerification(resourceType, result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(resourceType, result).Inc()
}

// AddVerificationTimeouts records verifications failed by the timeout sweep.
func (m *Metrics) AddVerificationTimeouts(resourceType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.verifications.WithLabelValues(resourceType, ResultTimedOut).Add(float64(n))
}

// EventConsumed records one applied event.
func (m *Metrics) EventConsumed(resourceType, kind string) {
	if m == nil {
		return
	}
	m.eventsConsumed.WithLabelValues(resourceType, kind).Inc()
}

// SetCursor publishes the cursor position of a resource type.
func (m *Metrics) SetCursor(resourceType string, id int64) {
	if m == nil {
		return
	}
	m.cursor.WithLabelValues(resourceType).Set(float64(id))
}

// RegistryCount is one bucket of the registries gauge.
type RegistryCount struct {
	Type              string
	State             string
	VerificationState string
	Count             int64
}

// SetRegistryCounts replaces the registries gauge with counts.
func (m *Metrics) SetRegistryCounts(counts []RegistryCount) {
	if m == nil {
		return
	}
	m.registries.Reset()
	for _, c := range counts {
		m.registries.WithLabelValues(c.Type, c.State, c.VerificationState).Set(float64(c.Count))
	}
}

// JobStarted and JobFinished track the worker pool occupancy.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsInFlight.Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.jobsInFlight.Dec()
}

// AddPruned records registries removed by scope pruning.
func (m *Metrics) AddPruned(resourceType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.pruned.WithLabelValues(resourceType).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
