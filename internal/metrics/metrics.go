package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Recorder exposes engine counters on the Prometheus registry
type Recorder struct {
	ticksReceived    *prometheus.CounterVec
	lateTicksDropped *prometheus.CounterVec
	feedReconnects   prometheus.Counter
	cadenceRuns      *prometheus.CounterVec
	filterBlocks     *prometheus.CounterVec
	snapshotsSaved   *prometheus.CounterVec
	outcomes         *prometheus.CounterVec
	lastPrice        *prometheus.GaugeVec
	threshold        *prometheus.GaugeVec
	pipelineLatency  prometheus.Histogram
}

// New creates a recorder registered on the default registry
func New() *Recorder {
	return &Recorder{
		ticksReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "niftyob_ticks_received_total",
				Help: "Ticks decoded from the market feed",
			},
			[]string{"symbol"},
		),
		lateTicksDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "niftyob_late_ticks_dropped_total",
				Help: "Ticks dropped because they arrived for an already sealed bar",
			},
			[]string{"symbol"},
		),
		feedReconnects: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "niftyob_feed_reconnects_total",
				Help: "Market feed reconnect attempts",
			},
		),
		cadenceRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "niftyob_cadence_runs_total",
				Help: "Cadence evaluations by resulting action",
			},
			[]string{"symbol", "action"},
		),
		filterBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "niftyob_filter_blocks_total",
				Help: "Pipeline blocks by filter name",
			},
			[]string{"symbol", "filter"},
		),
		snapshotsSaved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "niftyob_snapshots_saved_total",
				Help: "Snapshots persisted to the metrics repository",
			},
			[]string{"symbol"},
		),
		outcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "niftyob_outcomes_total",
				Help: "Resolved plan outcomes",
			},
			[]string{"symbol", "outcome"},
		),
		lastPrice: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "niftyob_last_price",
				Help: "Last traded price per symbol",
			},
			[]string{"symbol"},
		),
		threshold: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "niftyob_confidence_threshold",
				Help: "Current adaptive confidence threshold per symbol",
			},
			[]string{"symbol"},
		),
		pipelineLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "niftyob_pipeline_duration_seconds",
				Help:    "Full pipeline evaluation latency",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordTick records one decoded tick
func (r *Recorder) RecordTick(symbol string, price float64) {
	r.ticksReceived.WithLabelValues(symbol).Inc()
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordLateTick records a tick dropped for arriving behind the live bar
func (r *Recorder) RecordLateTick(symbol string) {
	r.lateTicksDropped.WithLabelValues(symbol).Inc()
}

// RecordReconnect records a feed reconnect attempt
func (r *Recorder) RecordReconnect() {
	r.feedReconnects.Inc()
}

// RecordCadence records one cadence evaluation and its latency
func (r *Recorder) RecordCadence(symbol, action string, elapsed time.Duration) {
	r.cadenceRuns.WithLabelValues(symbol, action).Inc()
	r.pipelineLatency.Observe(elapsed.Seconds())
}

// RecordFilterBlock records a pipeline block by filter name
func (r *Recorder) RecordFilterBlock(symbol, filter string) {
	r.filterBlocks.WithLabelValues(symbol, filter).Inc()
}

// RecordSnapshot records a persisted snapshot
func (r *Recorder) RecordSnapshot(symbol string) {
	r.snapshotsSaved.WithLabelValues(symbol).Inc()
}

// RecordOutcome records a resolved plan outcome
func (r *Recorder) RecordOutcome(symbol, outcome string) {
	r.outcomes.WithLabelValues(symbol, outcome).Inc()
}

// RecordThreshold records the adaptive confidence threshold
func (r *Recorder) RecordThreshold(symbol string, value float64) {
	r.threshold.WithLabelValues(symbol).Set(value)
}

// Serve exposes /metrics on the given port. Blocks; run in a goroutine.
// Port 0 disables the listener.
func Serve(port int) {
	if port == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Info().Str("addr", addr).Msg("📊 Metrics listener started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics listener stopped")
	}
}
