package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_total", Help: "Send outcomes as seen by the API."},
		[]string{"result"}, // sent | failed | rejected | error
	)

	// Gateway
	ProviderSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "provider_send_total", Help: "Provider send outcomes."},
		[]string{"outcome"}, // sent | temp_fail | perm_fail | timeout
	)
	ProviderSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)

	// Sweeper
	SweepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sweeper_runs_total", Help: "Sweep passes."},
		[]string{"result"}, // ok | empty | error
	)
	SweptMessages = prometheus.NewCounter(prometheus.CounterOpts{Name: "sweeper_failed_messages_total", Help: "Stale PENDING messages marked FAILED."})

	// Side channels
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "message_cache_lookups_total", Help: "Message cache lookups."},
		[]string{"result"}, // hit | miss | error
	)
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "status_events_published_total", Help: "Status events written to the broker."},
		[]string{"result"}, // ok | error
	)
)

var registerOnce sync.Once

// MustRegister registers the service collectors once per process. The default
// registry already carries the Go and process collectors.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests, HTTPDuration, DispatchTotal,
			ProviderSendTotal, ProviderSendDuration,
			SweepTotal, SweptMessages,
			CacheLookups, EventsPublished,
		)
	})
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Gauge
	acquireLatency prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

// Start samples pool stats until stop is closed. pgxpool reports cumulative
// values, so they are exported as gauges.
func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Set(float64(s.AcquireCount()))
			m.acquireLatency.Set(s.AcquireDuration().Seconds())
		}
	}
}
