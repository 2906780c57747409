// Package metrics tracks the daemon's cheap running counters.
//
// The same numbers back two surfaces: the JSON /v1/metrics payload and
// a Prometheus registry served at /metrics on the local socket.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is updated in place by the cache, watcher and stream bridges.
// All methods are safe for concurrent use.
type Metrics struct {
	startedAt time.Time

	refreshCount    atomic.Int64
	refreshFailures atomic.Int64
	eventsSeen      atomic.Int64
	streamsActive   atomic.Int64

	// unix millis, 0 = never
	lastRefreshAt  atomic.Int64
	cacheUpdatedAt atomic.Int64
	lastEventAt    atomic.Int64

	registry *prometheus.Registry

	promRefreshes       prometheus.Counter
	promRefreshFailures prometheus.Counter
	promEventsSeen      prometheus.Counter
	promStreamsActive   prometheus.Gauge
}

// New builds the counter set and its Prometheus registry.
func New(startedAt time.Time) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		startedAt: startedAt,
		registry:  reg,
		promRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "hackd_cache_refreshes_total",
			Help: "Runtime cache refreshes, successful only.",
		}),
		promRefreshFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "hackd_cache_refresh_failures_total",
			Help: "Runtime cache refreshes that failed.",
		}),
		promEventsSeen: factory.NewCounter(prometheus.CounterOpts{
			Name: "hackd_docker_events_total",
			Help: "Docker container events observed.",
		}),
		promStreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hackd_streams_active",
			Help: "Open job and shell WebSocket streams.",
		}),
	}
}

// Registry exposes the Prometheus registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RefreshSucceeded records a completed cache refresh and the snapshot
// publication time.
func (m *Metrics) RefreshSucceeded(at time.Time) {
	m.refreshCount.Add(1)
	m.lastRefreshAt.Store(at.UnixMilli())
	m.cacheUpdatedAt.Store(at.UnixMilli())
	m.promRefreshes.Inc()
}

// RefreshFailed bumps the failure counter; the stale snapshot stays
// published.
func (m *Metrics) RefreshFailed(at time.Time) {
	m.refreshFailures.Add(1)
	m.lastRefreshAt.Store(at.UnixMilli())
	m.promRefreshFailures.Inc()
}

// EventSeen records one Docker container event.
func (m *Metrics) EventSeen(at time.Time) {
	m.eventsSeen.Add(1)
	m.lastEventAt.Store(at.UnixMilli())
	m.promEventsSeen.Inc()
}

// StreamOpened / StreamClosed track WebSocket bridge lifetimes.
func (m *Metrics) StreamOpened() {
	m.streamsActive.Add(1)
	m.promStreamsActive.Inc()
}

func (m *Metrics) StreamClosed() {
	m.streamsActive.Add(-1)
	m.promStreamsActive.Dec()
}

// Payload is the /v1/metrics response shape.
type Payload struct {
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	UptimeMS        int64      `json:"uptime_ms"`
	CacheUpdatedAt  *time.Time `json:"cache_updated_at"`
	CacheAgeMS      *int64     `json:"cache_age_ms"`
	LastRefreshAt   *time.Time `json:"last_refresh_at"`
	RefreshCount    int64      `json:"refresh_count"`
	RefreshFailures int64      `json:"refresh_failures"`
	LastEventAt     *time.Time `json:"last_event_at"`
	EventsSeen      int64      `json:"events_seen"`
	StreamsActive   int64      `json:"streams_active"`
}

// Snapshot assembles the payload as of now.
func (m *Metrics) Snapshot(now time.Time) Payload {
	p := Payload{
		Status:          "running",
		StartedAt:       m.startedAt,
		UptimeMS:        now.Sub(m.startedAt).Milliseconds(),
		RefreshCount:    m.refreshCount.Load(),
		RefreshFailures: m.refreshFailures.Load(),
		EventsSeen:      m.eventsSeen.Load(),
		StreamsActive:   m.streamsActive.Load(),
	}
	if ms := m.cacheUpdatedAt.Load(); ms != 0 {
		t := time.UnixMilli(ms).UTC()
		age := now.Sub(t).Milliseconds()
		p.CacheUpdatedAt = &t
		p.CacheAgeMS = &age
	}
	if ms := m.lastRefreshAt.Load(); ms != 0 {
		t := time.UnixMilli(ms).UTC()
		p.LastRefreshAt = &t
	}
	if ms := m.lastEventAt.Load(); ms != 0 {
		t := time.UnixMilli(ms).UTC()
		p.LastEventAt = &t
	}
	return p
}

// StartedAt returns the daemon start time for /v1/status.
func (m *Metrics) StartedAt() time.Time {
	return m.startedAt
}
