// Package metrics exposes alert server counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame ingestion counters
	FramesReceived atomic.Uint64
	FramesRejected atomic.Uint64 // undecodable payloads or unknown devices
	DetectorErrors atomic.Uint64

	// Alert counters
	AlertsComposed    atomic.Uint64
	OverspeedAlerts   atomic.Uint64
	SpeedLimitUpdates atomic.Uint64
	HazardsAnnounced  atomic.Uint64

	// Latency tracking
	ProcessLatencyMs atomic.Uint64 // last end-to-end ingest latency

	// Push subscribers
	StreamClients atomic.Int64
	WebRTCClients atomic.Int64

	// Event publishing
	EventsPublished atomic.Uint64
	EventsFailed    atomic.Uint64

	alertsByLevel   *prometheus.CounterVec
	detectorLatency prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		alertsByLevel: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driveguard_alerts_total",
			Help: "Alerts composed, by level",
		}, []string{"level"}),
		detectorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "driveguard_detector_latency_seconds",
			Help:    "Detector round-trip latency",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
	m.registry.MustRegister(m.alertsByLevel, m.detectorLatency)
	m.registerGauges()
	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// registerGauges exports the atomic counters
func (m *Metrics) registerGauges() {
	m.gauge("driveguard_frames_received_total", "Total frames received", func() float64 { return float64(m.FramesReceived.Load()) })
	m.gauge("driveguard_frames_rejected_total", "Total frames rejected", func() float64 { return float64(m.FramesRejected.Load()) })
	m.gauge("driveguard_detector_errors_total", "Total detector failures", func() float64 { return float64(m.DetectorErrors.Load()) })
	m.gauge("driveguard_alerts_composed_total", "Total alerts composed", func() float64 { return float64(m.AlertsComposed.Load()) })
	m.gauge("driveguard_overspeed_alerts_total", "Total overspeed alerts", func() float64 { return float64(m.OverspeedAlerts.Load()) })
	m.gauge("driveguard_speed_limit_updates_total", "Speed limits changed from sign readings", func() float64 { return float64(m.SpeedLimitUpdates.Load()) })
	m.gauge("driveguard_hazards_announced_total", "Hazards announced after dedup", func() float64 { return float64(m.HazardsAnnounced.Load()) })
	m.gauge("driveguard_process_latency_ms", "Last frame processing latency in milliseconds", func() float64 { return float64(m.ProcessLatencyMs.Load()) })
	m.gauge("driveguard_stream_clients", "Connected SSE and WebSocket clients", func() float64 { return float64(m.StreamClients.Load()) })
	m.gauge("driveguard_webrtc_clients", "Connected WebRTC data channel clients", func() float64 { return float64(m.WebRTCClients.Load()) })
	m.gauge("driveguard_events_published_total", "Events handed to publishers", func() float64 { return float64(m.EventsPublished.Load()) })
	m.gauge("driveguard_events_failed_total", "Events publishers rejected", func() float64 { return float64(m.EventsFailed.Load()) })
}

// RegisterSessions exports session totals read from fn on each scrape
func (m *Metrics) RegisterSessions(fn func() (total, active int)) {
	m.gauge("driveguard_sessions", "Registered device sessions", func() float64 {
		total, _ := fn()
		return float64(total)
	})
	m.gauge("driveguard_sessions_active", "Sessions updated within the activity window", func() float64 {
		_, active := fn()
		return float64(active)
	})
}

// VoiceCounters is the subset of voice queue stats exported
type VoiceCounters struct {
	Enqueued, Dropped, Spoken, Failed uint64
}

// RegisterVoice exports voice queue counters read from fn on each scrape
func (m *Metrics) RegisterVoice(fn func() VoiceCounters) {
	m.gauge("driveguard_voice_enqueued_total", "Utterances queued", func() float64 { return float64(fn().Enqueued) })
	m.gauge("driveguard_voice_dropped_total", "Utterances dropped on a full queue", func() float64 { return float64(fn().Dropped) })
	m.gauge("driveguard_voice_spoken_total", "Utterances spoken", func() float64 { return float64(fn().Spoken) })
	m.gauge("driveguard_voice_failed_total", "Utterances the speech engine failed", func() float64 { return float64(fn().Failed) })
}

// DetectorCounters is the subset of detector worker stats exported
type DetectorCounters struct {
	Requests, Failures, Restarts uint64
}

// RegisterDetector exports detector worker counters read from fn on each scrape
func (m *Metrics) RegisterDetector(fn func() DetectorCounters) {
	m.gauge("driveguard_detector_requests_total", "Requests sent to the detector worker", func() float64 { return float64(fn().Requests) })
	m.gauge("driveguard_detector_failures_total", "Detector worker requests that failed", func() float64 { return float64(fn().Failures) })
	m.gauge("driveguard_detector_restarts_total", "Detector processes replaced after a fault", func() float64 { return float64(fn().Restarts) })
}

// RegisterBroadcast exports alerts skipped for slow push subscribers
func (m *Metrics) RegisterBroadcast(dropped func() uint64) {
	m.gauge("driveguard_push_dropped_total", "Alert deliveries skipped for slow subscribers", func() float64 { return float64(dropped()) })
}

// DataChannelCounters sums per-client WebRTC counters
type DataChannelCounters struct {
	AlertsSent, AlertsFailed, Updates uint64
}

// RegisterWebRTC exports data channel counters of connected clients
func (m *Metrics) RegisterWebRTC(fn func() DataChannelCounters) {
	m.gauge("driveguard_webrtc_alerts_sent", "Alerts sent to connected data channel clients", func() float64 { return float64(fn().AlertsSent) })
	m.gauge("driveguard_webrtc_alerts_failed", "Alert sends that failed on connected data channels", func() float64 { return float64(fn().AlertsFailed) })
	m.gauge("driveguard_webrtc_updates_applied", "Telemetry updates applied from connected data channels", func() float64 { return float64(fn().Updates) })
}

// RegisterKafka exports Kafka producer counters read from fn on each scrape
func (m *Metrics) RegisterKafka(fn func() (sent, acked, failed int64)) {
	m.gauge("driveguard_kafka_sent_total", "Messages handed to the Kafka producer", func() float64 {
		sent, _, _ := fn()
		return float64(sent)
	})
	m.gauge("driveguard_kafka_acked_total", "Messages acknowledged by Kafka", func() float64 {
		_, acked, _ := fn()
		return float64(acked)
	})
	m.gauge("driveguard_kafka_failed_total", "Messages Kafka failed to deliver", func() float64 {
		_, _, failed := fn()
		return float64(failed)
	})
}

// ObserveAlert counts an alert at level
func (m *Metrics) ObserveAlert(level string) {
	m.AlertsComposed.Add(1)
	m.alertsByLevel.WithLabelValues(level).Inc()
}

// ObserveDetector records one detector call
func (m *Metrics) ObserveDetector(d time.Duration) {
	m.detectorLatency.Observe(d.Seconds())
}

// UpdateProcessLatency updates the last processing latency
func (m *Metrics) UpdateProcessLatency(duration time.Duration) {
	m.ProcessLatencyMs.Store(uint64(duration.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// NewServer returns an HTTP server exposing /metrics on addr
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
