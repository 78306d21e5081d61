package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExportsCounters(t *testing.T) {
	m := New()
	m.FramesReceived.Add(3)
	m.ObserveAlert("CRITICAL")
	m.ObserveDetector(40 * time.Millisecond)
	m.RegisterSessions(func() (int, int) { return 4, 1 })
	m.RegisterVoice(func() VoiceCounters { return VoiceCounters{Dropped: 2} })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "driveguard_frames_received_total 3")
	assert.Contains(t, out, `driveguard_alerts_total{level="CRITICAL"} 1`)
	assert.Contains(t, out, "driveguard_sessions 4")
	assert.Contains(t, out, "driveguard_sessions_active 1")
	assert.Contains(t, out, "driveguard_voice_dropped_total 2")
	assert.Contains(t, out, "driveguard_detector_latency_seconds_count 1")
}

func TestHandlerExportsComponentCounters(t *testing.T) {
	m := New()
	m.RegisterDetector(func() DetectorCounters { return DetectorCounters{Requests: 10, Failures: 2, Restarts: 1} })
	m.RegisterBroadcast(func() uint64 { return 5 })
	m.RegisterWebRTC(func() DataChannelCounters { return DataChannelCounters{AlertsSent: 7, Updates: 3} })
	m.RegisterKafka(func() (int64, int64, int64) { return 9, 8, 1 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	out := rec.Body.String()

	assert.Contains(t, out, "driveguard_detector_requests_total 10")
	assert.Contains(t, out, "driveguard_detector_failures_total 2")
	assert.Contains(t, out, "driveguard_detector_restarts_total 1")
	assert.Contains(t, out, "driveguard_push_dropped_total 5")
	assert.Contains(t, out, "driveguard_webrtc_alerts_sent 7")
	assert.Contains(t, out, "driveguard_webrtc_updates_applied 3")
	assert.Contains(t, out, "driveguard_kafka_acked_total 8")
	assert.Contains(t, out, "driveguard_kafka_failed_total 1")
}
