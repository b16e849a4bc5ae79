// Package telemetry provides Prometheus metrics and OpenTelemetry tracing for the sync engine.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
)

const namespace = "chatsync"

// Metrics groups the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived   *prometheus.CounterVec
	protocolErrors   prometheus.Counter
	staleFrames      prometheus.Counter
	reconnects       prometheus.Counter
	connectionState  *prometheus.GaugeVec
	subscriptions    prometheus.Gauge
	messagesStored   prometheus.Counter
	messagesEvicted  prometheus.Counter
	duplicates       prometheus.Counter
	heldMessages     prometheus.Gauge
	historyFailures  *prometheus.CounterVec
	historyDurations *prometheus.HistogramVec
}

// NewMetrics registers all collectors on a fresh registry, plus the Go and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total", Help: "Relay frames received by type",
		}, []string{"type"}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_errors_total", Help: "Malformed relay frames dropped",
		}),
		staleFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_frames_dropped_total", Help: "Message frames dropped for connection ids no longer subscribed",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_attempts_total", Help: "Scheduled transport reconnects",
		}),
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_state", Help: "Transport state, 1 for the current state",
		}, []string{"state"}),
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "desired_subscriptions", Help: "Connection ids in the desired subscription set",
		}),
		messagesStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_stored_total", Help: "Messages merged into the store",
		}),
		messagesEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_evicted_total", Help: "Messages evicted by the global cap",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_duplicate_total", Help: "Messages ignored because their id was already held",
		}),
		heldMessages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "messages_held", Help: "Messages currently held across all streams",
		}),
		historyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "history_fetch_failures_total", Help: "Failed history requests by operation",
		}, []string{"op"}),
		historyDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "history_fetch_duration_seconds", Help: "History request latency by operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RegisterCache exports a cache's advisory counters under the given name label.
func RegisterCache[V any](m *Metrics, name string, store *cache.Cache[V]) {
	if m == nil || store == nil {
		return
	}
	labels := prometheus.Labels{"cache": name}
	counter := func(metric, help string, read func(cache.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: metric, Help: help, ConstLabels: labels,
		}, func() float64 { return float64(read(store.Stats())) })
	}
	m.registry.MustRegister(
		counter("hits_total", "Cache hits", func(s cache.Stats) int64 { return s.Hits }),
		counter("misses_total", "Cache misses", func(s cache.Stats) int64 { return s.Misses }),
		counter("sets_total", "Cache sets", func(s cache.Stats) int64 { return s.Sets }),
		counter("deletes_total", "Cache deletes", func(s cache.Stats) int64 { return s.Deletes }),
		counter("evictions_total", "Capacity evictions", func(s cache.Stats) int64 { return s.Evictions }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries", Help: "Entries physically present", ConstLabels: labels,
		}, func() float64 { return float64(store.Len()) }),
	)
}

func (m *Metrics) ObserveFrame(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) ObserveProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) ObserveStaleFrame() {
	if m == nil {
		return
	}
	m.staleFrames.Inc()
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetConnectionState marks state as current and clears the others.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	m.connectionState.Reset()
	m.connectionState.WithLabelValues(state).Set(1)
}

func (m *Metrics) SetSubscriptions(count int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(count))
}

// ObserveMerge records the outcome of one store merge and the resulting held total.
func (m *Metrics) ObserveMerge(added, duplicates, evicted, held int) {
	if m == nil {
		return
	}
	m.messagesStored.Add(float64(added))
	m.duplicates.Add(float64(duplicates))
	m.messagesEvicted.Add(float64(evicted))
	m.heldMessages.Set(float64(held))
}

// ObserveHistory records one history request.
func (m *Metrics) ObserveHistory(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.historyDurations.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		m.historyFailures.WithLabelValues(op).Inc()
	}
}
