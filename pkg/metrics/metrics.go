// Package metrics provides comprehensive operational metrics for the Tor client.
// This package tracks circuit, connection, stream, and system-level metrics
// for observability and monitoring, backed by prometheus/client_golang
// collectors so the values are exposition-ready wherever a registry wants them.
package metrics

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics provides a comprehensive metrics collection for the Tor client
type Metrics struct {
	// Circuit metrics
	CircuitBuilds       *Counter
	CircuitBuildSuccess *Counter
	CircuitBuildFailure *Counter
	CircuitBuildTime    *Histogram
	ActiveCircuits      *Gauge

	// Connection metrics
	ConnectionAttempts *Counter
	ConnectionSuccess  *Counter
	ConnectionFailures *Counter
	ConnectionRetries  *Counter
	TLSHandshakeTime   *Histogram
	ActiveConnections  *Gauge

	// Stream metrics
	StreamsCreated *Counter
	StreamsClosed  *Counter
	StreamFailures *Counter
	ActiveStreams  *Gauge
	StreamData     *Counter // bytes transferred

	// Guard metrics
	GuardsActive    *Gauge
	GuardsConfirmed *Gauge

	// SOCKS metrics
	SocksConnections *Counter
	SocksRequests    *Counter
	SocksErrors      *Counter

	// Circuit isolation metrics
	IsolatedCircuits *Gauge   // Total isolated circuits
	IsolationKeys    *Gauge   // Number of unique isolation keys
	IsolationHits    *Counter // Circuit reused from isolated pool
	IsolationMisses  *Counter // New circuit built for isolation

	// System metrics
	Uptime      *Gauge
	startTime   time.Time
	startTimeMu sync.RWMutex
}

// New creates a new metrics instance
func New() *Metrics {
	now := time.Now()
	return &Metrics{
		// Circuit metrics
		CircuitBuilds:       NewCounter(),
		CircuitBuildSuccess: NewCounter(),
		CircuitBuildFailure: NewCounter(),
		CircuitBuildTime:    NewHistogram(),
		ActiveCircuits:      NewGauge(),

		// Connection metrics
		ConnectionAttempts: NewCounter(),
		ConnectionSuccess:  NewCounter(),
		ConnectionFailures: NewCounter(),
		ConnectionRetries:  NewCounter(),
		TLSHandshakeTime:   NewHistogram(),
		ActiveConnections:  NewGauge(),

		// Stream metrics
		StreamsCreated: NewCounter(),
		StreamsClosed:  NewCounter(),
		StreamFailures: NewCounter(),
		ActiveStreams:  NewGauge(),
		StreamData:     NewCounter(),

		// Guard metrics
		GuardsActive:    NewGauge(),
		GuardsConfirmed: NewGauge(),

		// SOCKS metrics
		SocksConnections: NewCounter(),
		SocksRequests:    NewCounter(),
		SocksErrors:      NewCounter(),

		// Circuit isolation metrics
		IsolatedCircuits: NewGauge(),
		IsolationKeys:    NewGauge(),
		IsolationHits:    NewCounter(),
		IsolationMisses:  NewCounter(),

		// System metrics
		Uptime:    NewGauge(),
		startTime: now,
	}
}

// Registry builds a fresh prometheus.Registry with every collector in m
// registered under its gotor_* name, for callers that want to serve native
// Prometheus exposition (e.g. promhttp.HandlerFor) instead of reading Value().
func (m *Metrics) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		m.CircuitBuilds.Prometheus(), m.CircuitBuildSuccess.Prometheus(), m.CircuitBuildFailure.Prometheus(),
		m.CircuitBuildTime.Prometheus(), m.ActiveCircuits.Prometheus(),

		m.ConnectionAttempts.Prometheus(), m.ConnectionSuccess.Prometheus(), m.ConnectionFailures.Prometheus(),
		m.ConnectionRetries.Prometheus(), m.TLSHandshakeTime.Prometheus(), m.ActiveConnections.Prometheus(),

		m.StreamsCreated.Prometheus(), m.StreamsClosed.Prometheus(), m.StreamFailures.Prometheus(),
		m.ActiveStreams.Prometheus(), m.StreamData.Prometheus(),

		m.GuardsActive.Prometheus(), m.GuardsConfirmed.Prometheus(),

		m.SocksConnections.Prometheus(), m.SocksRequests.Prometheus(), m.SocksErrors.Prometheus(),

		m.IsolatedCircuits.Prometheus(), m.IsolationKeys.Prometheus(),
		m.IsolationHits.Prometheus(), m.IsolationMisses.Prometheus(),

		m.Uptime.Prometheus(),
	)
	return reg
}

// RecordCircuitBuild records a circuit build attempt and its duration
func (m *Metrics) RecordCircuitBuild(success bool, duration time.Duration) {
	m.CircuitBuilds.Inc()
	if success {
		m.CircuitBuildSuccess.Inc()
	} else {
		m.CircuitBuildFailure.Inc()
	}
	m.CircuitBuildTime.Observe(duration)
}

// RecordConnection records a connection attempt and its outcome
func (m *Metrics) RecordConnection(success bool, retries int64) {
	m.ConnectionAttempts.Inc()
	if success {
		m.ConnectionSuccess.Inc()
	} else {
		m.ConnectionFailures.Inc()
	}
	m.ConnectionRetries.Add(retries)
}

// RecordTLSHandshake records TLS handshake duration
func (m *Metrics) RecordTLSHandshake(duration time.Duration) {
	m.TLSHandshakeTime.Observe(duration)
}

// UpdateUptime updates the uptime metric
func (m *Metrics) UpdateUptime() {
	m.startTimeMu.RLock()
	defer m.startTimeMu.RUnlock()
	m.Uptime.Set(int64(time.Since(m.startTime).Seconds()))
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() *Snapshot {
	m.UpdateUptime()
	return &Snapshot{
		// Circuit metrics
		CircuitBuilds:       m.CircuitBuilds.Value(),
		CircuitBuildSuccess: m.CircuitBuildSuccess.Value(),
		CircuitBuildFailure: m.CircuitBuildFailure.Value(),
		CircuitBuildTimeAvg: m.CircuitBuildTime.Mean(),
		CircuitBuildTimeP95: m.CircuitBuildTime.Percentile(0.95),
		ActiveCircuits:      m.ActiveCircuits.Value(),

		// Connection metrics
		ConnectionAttempts: m.ConnectionAttempts.Value(),
		ConnectionSuccess:  m.ConnectionSuccess.Value(),
		ConnectionFailures: m.ConnectionFailures.Value(),
		ConnectionRetries:  m.ConnectionRetries.Value(),
		TLSHandshakeAvg:    m.TLSHandshakeTime.Mean(),
		TLSHandshakeP95:    m.TLSHandshakeTime.Percentile(0.95),
		ActiveConnections:  m.ActiveConnections.Value(),

		// Stream metrics
		StreamsCreated: m.StreamsCreated.Value(),
		StreamsClosed:  m.StreamsClosed.Value(),
		StreamFailures: m.StreamFailures.Value(),
		ActiveStreams:  m.ActiveStreams.Value(),
		StreamData:     m.StreamData.Value(),

		// Guard metrics
		GuardsActive:    m.GuardsActive.Value(),
		GuardsConfirmed: m.GuardsConfirmed.Value(),

		// SOCKS metrics
		SocksConnections: m.SocksConnections.Value(),
		SocksRequests:    m.SocksRequests.Value(),
		SocksErrors:      m.SocksErrors.Value(),

		// Circuit isolation metrics
		IsolatedCircuits: m.IsolatedCircuits.Value(),
		IsolationKeys:    m.IsolationKeys.Value(),
		IsolationHits:    m.IsolationHits.Value(),
		IsolationMisses:  m.IsolationMisses.Value(),

		// System metrics
		UptimeSeconds: m.Uptime.Value(),
	}
}

// Snapshot represents a point-in-time snapshot of metrics
type Snapshot struct {
	// Circuit metrics
	CircuitBuilds       int64
	CircuitBuildSuccess int64
	CircuitBuildFailure int64
	CircuitBuildTimeAvg time.Duration
	CircuitBuildTimeP95 time.Duration
	ActiveCircuits      int64

	// Connection metrics
	ConnectionAttempts int64
	ConnectionSuccess  int64
	ConnectionFailures int64
	ConnectionRetries  int64
	TLSHandshakeAvg    time.Duration
	TLSHandshakeP95    time.Duration
	ActiveConnections  int64

	// Stream metrics
	StreamsCreated int64
	StreamsClosed  int64
	StreamFailures int64
	ActiveStreams  int64
	StreamData     int64 // bytes

	// Guard metrics
	GuardsActive    int64
	GuardsConfirmed int64

	// SOCKS metrics
	SocksConnections int64
	SocksRequests    int64
	SocksErrors      int64

	// Circuit isolation metrics
	IsolatedCircuits int64
	IsolationKeys    int64
	IsolationHits    int64
	IsolationMisses  int64

	// System metrics
	UptimeSeconds int64
}

// metricSeq gives each ad hoc Counter/Gauge/Histogram a unique prometheus
// metric name; these collectors are never registered to a Registry (callers
// read them back directly via Value()/Mean()/Percentile()), so the name only
// needs to satisfy prometheus's non-empty fully-qualified-name validation.
var metricSeq uint64

func nextMetricName(kind string) string {
	n := atomic.AddUint64(&metricSeq, 1)
	return "gotor_" + kind + "_" + strconv.FormatUint(n, 10)
}

// Counter is a monotonically increasing counter, backed by a
// prometheus.Counter so the same value can be scraped if ever wired into a
// registry, while still supporting direct in-process reads.
type Counter struct {
	c prometheus.Counter
}

// NewCounter creates a new counter
func NewCounter() *Counter {
	return &Counter{
		c: prometheus.NewCounter(prometheus.CounterOpts{
			Name: nextMetricName("counter"),
			Help: "gotor counter",
		}),
	}
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	c.c.Inc()
}

// Add adds n to the counter
func (c *Counter) Add(n int64) {
	c.c.Add(float64(n))
}

// Value returns the current counter value
func (c *Counter) Value() int64 {
	var m dto.Metric
	if err := c.c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// Prometheus returns the underlying prometheus.Counter for registry wiring.
func (c *Counter) Prometheus() prometheus.Counter {
	return c.c
}

// Gauge is a value that can go up or down, backed by a prometheus.Gauge.
type Gauge struct {
	g prometheus.Gauge
}

// NewGauge creates a new gauge
func NewGauge() *Gauge {
	return &Gauge{
		g: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: nextMetricName("gauge"),
			Help: "gotor gauge",
		}),
	}
}

// Set sets the gauge to a specific value
func (g *Gauge) Set(value int64) {
	g.g.Set(float64(value))
}

// Inc increments the gauge by 1
func (g *Gauge) Inc() {
	g.g.Inc()
}

// Dec decrements the gauge by 1
func (g *Gauge) Dec() {
	g.g.Dec()
}

// Add adds n to the gauge
func (g *Gauge) Add(n int64) {
	g.g.Add(float64(n))
}

// Value returns the current gauge value
func (g *Gauge) Value() int64 {
	var m dto.Metric
	if err := g.g.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetGauge().GetValue())
}

// Prometheus returns the underlying prometheus.Gauge for registry wiring.
func (g *Gauge) Prometheus() prometheus.Gauge {
	return g.g
}

// Histogram tracks distribution of durations. Observations also feed a
// prometheus.Summary (Prometheus() exposes it for registry wiring); Mean and
// Percentile answer from a bounded local reservoir instead, since
// client_golang's streaming quantile sketch trades exactness for
// compression and this package's callers (capacity planning, test
// assertions) want exact order statistics over the recent window.
type Histogram struct {
	s prometheus.Summary

	mu           sync.RWMutex
	observations []time.Duration
}

// NewHistogram creates a new histogram
func NewHistogram() *Histogram {
	return &Histogram{
		s: prometheus.NewSummary(prometheus.SummaryOpts{
			Name: nextMetricName("histogram"),
			Help: "gotor duration summary",
			Objectives: map[float64]float64{
				0.5:  0.05,
				0.9:  0.01,
				0.95: 0.005,
				0.99: 0.001,
			},
		}),
		observations: make([]time.Duration, 0, 1000),
	}
}

// Prometheus returns the underlying prometheus.Summary for registry wiring.
func (h *Histogram) Prometheus() prometheus.Summary {
	return h.s
}

// Observe adds a new observation to the histogram
func (h *Histogram) Observe(d time.Duration) {
	h.s.Observe(d.Seconds())

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.observations) >= 1000 {
		h.observations = h.observations[1:]
	}
	h.observations = append(h.observations, d)
}

// Mean returns the mean of all observations
func (h *Histogram) Mean() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range h.observations {
		sum += d
	}
	return sum / time.Duration(len(h.observations))
}

// Percentile returns the nth percentile (0.0 to 1.0)
func (h *Histogram) Percentile(p float64) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(h.observations))
	copy(sorted, h.observations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

// Count returns the number of observations
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observations)
}
