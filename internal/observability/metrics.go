package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "outliner-backend/internal/errors"
	"outliner-backend/internal/events"
)

var syncStatuses = []string{"connected", "disconnected", "reconnecting"}

// Collector holds the Prometheus metrics of one process. Each collector owns
// its registry, so tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	// Backend metrics
	BackendCalls    *prometheus.CounterVec
	BackendDuration *prometheus.HistogramVec
	BreakerChanges  *prometheus.CounterVec

	// Event metrics
	Events       *prometheus.CounterVec
	SyncFailures *prometheus.CounterVec
	SyncStatus   *prometheus.GaugeVec
	Forwarded    *prometheus.CounterVec
}

// NewCollector creates a collector whose metrics are prefixed with namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	backendCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Total number of backend calls",
		},
		[]string{"operation", "outcome"},
	)

	backendDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Backend call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	breakerChanges := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_state_changes_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events published on the bus",
		},
		[]string{"type", "namespace"},
	)

	syncFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failures_total",
			Help:      "Rolled back operations and rejected remote changes",
		},
		[]string{"operation", "error_type"},
	)

	syncStatus := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_status",
			Help:      "1 for the current change stream status, 0 otherwise",
		},
		[]string{"status"},
	)

	forwarded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_forwarded_total",
			Help:      "Events shipped to EventBridge",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(
		backendCalls,
		backendDuration,
		breakerChanges,
		eventsTotal,
		syncFailures,
		syncStatus,
		forwarded,
	)

	c := &Collector{
		registry:        registry,
		BackendCalls:    backendCalls,
		BackendDuration: backendDuration,
		BreakerChanges:  breakerChanges,
		Events:          eventsTotal,
		SyncFailures:    syncFailures,
		SyncStatus:      syncStatus,
		Forwarded:       forwarded,
	}
	c.setSyncStatus("disconnected")
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveBackendCall records one backend round trip.
func (c *Collector) ObserveBackendCall(op string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.TypeOf(err))
	}
	c.BackendCalls.WithLabelValues(op, outcome).Inc()
	c.BackendDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveBreakerChange records a circuit breaker transition.
func (c *Collector) ObserveBreakerChange(from, to string) {
	c.BreakerChanges.WithLabelValues(from, to).Inc()
}

// ObserveForward records the outcome of one EventBridge call.
func (c *Collector) ObserveForward(sent, failed int) {
	c.Forwarded.WithLabelValues("sent").Add(float64(sent))
	c.Forwarded.WithLabelValues("failed").Add(float64(failed))
}

// Attach counts every event on bus. The returned func detaches the collector.
func (c *Collector) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.Wildcard, c.observeEvent)
}

func (c *Collector) observeEvent(e events.Event) {
	c.Events.WithLabelValues(string(e.Type), string(e.Namespace)).Inc()

	switch p := e.Payload.(type) {
	case events.SyncFailedPayload:
		c.SyncFailures.WithLabelValues(p.Operation, p.ErrorType).Inc()
	case events.SyncStatusChangedPayload:
		c.setSyncStatus(p.Status)
	}
}

func (c *Collector) setSyncStatus(status string) {
	for _, s := range syncStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.SyncStatus.WithLabelValues(s).Set(v)
	}
}
