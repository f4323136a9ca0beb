package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/lob/pkg/lx"
)

// Metrics owns the exchange's Prometheus registry. It records engine
// operations as an lx.Recorder and committed events as an lx.Publisher.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Engine metrics
	operations      *prometheus.CounterVec
	operationTime   *prometheus.HistogramVec
	events          *prometheus.CounterVec
	trades          *prometheus.CounterVec
	bookLevels      *prometheus.GaugeVec
	sequence        prometheus.Gauge
	snapshotHeight  prometheus.Gauge
	snapshotLatency prometheus.Histogram

	// Sink metrics
	sinkPublished *prometheus.CounterVec
	wsClients     prometheus.Gauge

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates the metrics and registers them on a private registry.
func New(namespace string, logger log.Logger) *Metrics {
	if logger == nil {
		logger = log.Root().New("module", "metrics")
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by outcome",
		}, []string{"op", "result"}),

		operationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency including matching",
			Buckets:   []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2, 5e-2},
		}, []string{"op"}),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed events by type",
		}, []string{"type"}),

		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Executed trades by instrument",
		}, []string{"instrument"}),

		bookLevels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "book_levels",
			Help:      "Non-empty price levels in the top of book by side",
		}, []string{"instrument", "side"}),

		sequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_sequence",
			Help:      "Sequence number of the last committed event",
		}),

		snapshotHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_height",
			Help:      "Height of the last persisted snapshot",
		}),

		snapshotLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time to capture and persist a snapshot",
			Buckets:   prometheus.DefBuckets,
		}),

		sinkPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_messages_total",
			Help:      "Messages handed to external sinks by outcome",
		}, []string{"sink", "result"}),

		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.operations,
		m.operationTime,
		m.events,
		m.trades,
		m.bookLevels,
		m.sequence,
		m.snapshotHeight,
		m.snapshotLatency,
		m.sinkPublished,
		m.wsClients,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOperation implements lx.Recorder.
func (m *Metrics) ObserveOperation(op string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = lx.Classify(err)
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.operationTime.WithLabelValues(op).Observe(took.Seconds())
}

// Publish implements lx.Publisher.
func (m *Metrics) Publish(e lx.Event) error {
	m.events.WithLabelValues(string(e.Type)).Inc()
	m.sequence.Set(float64(e.Sequence))
	if e.Type == lx.EventTrade {
		m.trades.WithLabelValues(e.Instrument).Inc()
	}
	return nil
}

// RecordSink records one message handed to an external sink.
func (m *Metrics) RecordSink(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sinkPublished.WithLabelValues(sink, result).Inc()
}

// SetWebsocketClients updates the connected client gauge.
func (m *Metrics) SetWebsocketClients(n int) {
	m.wsClients.Set(float64(n))
}

// RecordSnapshot records a persisted snapshot.
func (m *Metrics) RecordSnapshot(height uint64, took time.Duration) {
	m.snapshotHeight.Set(float64(height))
	m.snapshotLatency.Observe(took.Seconds())
}

// DepthSource is the read side of the engine used for book gauges.
type DepthSource interface {
	Instruments() []lx.Instrument
	Depth(instrument string, topN int) (bids, asks []lx.PriceLevel, err error)
}

// UpdateBook refreshes the level gauges from the top topN levels.
func (m *Metrics) UpdateBook(src DepthSource, topN int) {
	for _, in := range src.Instruments() {
		bids, asks, err := src.Depth(in.Asset, topN)
		if err != nil {
			m.logger.Warn("Failed to read depth", "instrument", in.Asset, "err", err)
			continue
		}
		m.bookLevels.WithLabelValues(in.Asset, "bid").Set(float64(countLevels(bids)))
		m.bookLevels.WithLabelValues(in.Asset, "ask").Set(float64(countLevels(asks)))
	}
}

func countLevels(levels []lx.PriceLevel) int {
	n := 0
	for _, l := range levels {
		if !l.Price.IsZero() {
			n++
		}
	}
	return n
}

// Collect samples runtime and book gauges every interval until ctx is done.
func (m *Metrics) Collect(ctx context.Context, src DepthSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
			if src != nil {
				m.UpdateBook(src, lx.DefaultDepth)
			}
		}
	}
}
