package api

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/driveguard/alert-server/pkg/types"
)

func TestRegisterDevice(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.postJSON(t, "/register_device", map[string]any{"device_id": "phone-1", "device_name": "Pixel"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decodeJSONMap(t, body)
	assert.Equal(t, "registered", requireString(t, payload["status"], "status"))
	assert.Equal(t, "phone-1", requireString(t, payload["device_id"], "device_id"))
	assert.True(t, requireBool(t, payload["created"], "created"))

	// A missing id is generated and echoed back
	_, body = s.postJSON(t, "/register_device", map[string]any{})
	payload = decodeJSONMap(t, body)
	assert.NotEmpty(t, requireString(t, payload["device_id"], "device_id"))

	resp, _ = s.get(t, "/register_device")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestUploadFrame(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "phone-1", "Pixel")

	resp, body := s.uploadFrame(t, "phone-1", pngFrame(t))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	payload := decodeJSONMap(t, body)
	assert.Equal(t, "SAFE", requireString(t, payload["level"], "level"))
	assert.Equal(t, "green", requireString(t, payload["color"], "color"))
	assert.False(t, requireBool(t, payload["has_alert"], "has_alert"))

	s.detector.set(nil, types.DetectionRecord{
		ClassName:  "person",
		Confidence: 0.9,
		BBox:       types.BoundingBox{X: 160, Y: 120, W: 320, H: 240},
	})
	_, body = s.uploadFrame(t, "phone-1", pngFrame(t))
	payload = decodeJSONMap(t, body)
	assert.Equal(t, "CRITICAL", requireString(t, payload["level"], "level"))
	assert.Equal(t, "Stop now! Person ahead", requireString(t, payload["voice_message"], "voice_message"))

	_, body = s.get(t, "/get_alert/phone-1")
	assert.Equal(t, "CRITICAL", requireString(t, decodeJSONMap(t, body)["level"], "level"))
}

func TestUploadFrameErrors(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "phone-1", "Pixel")

	resp, _ := s.uploadFrame(t, "", pngFrame(t))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.uploadFrame(t, "ghost", pngFrame(t))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.uploadFrame(t, "phone-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.uploadFrame(t, "phone-1", []byte("garbage"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	s.detector.set(errors.New("model crashed"))
	resp, body := s.uploadFrame(t, "phone-1", pngFrame(t))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, requireString(t, decodeJSONMap(t, body)["error"], "error"), "model crashed")
}

func TestGetAlertUnknownDevice(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.get(t, "/get_alert/ghost")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decodeJSONMap(t, body)
	assert.False(t, requireBool(t, payload["has_alert"], "has_alert"))
	assert.Equal(t, "Device not found", requireString(t, payload["message"], "message"))
	assert.Equal(t, "SAFE", requireString(t, payload["level"], "level"))
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "car-1", "Dashcam")

	resp, body := s.postJSON(t, "/update_settings", map[string]any{
		"device_id": "car-1", "road_mode": true, "speed": 42, "speed_limit": 60,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	payload := decodeJSONMap(t, body)
	assert.Equal(t, "updated", requireString(t, payload["status"], "status"))
	assert.True(t, requireBool(t, payload["road_mode"], "road_mode"))
	assert.Equal(t, 42.0, requireNumber(t, payload["speed"], "speed"))

	_, body = s.get(t, "/status")
	status := decodeJSONMap(t, body)
	assert.Equal(t, 1.0, requireNumber(t, status["total_devices"], "total_devices"))
	devices := requireSlice(t, status["devices"], "devices")
	require.Len(t, devices, 1)
	d := requireMap(t, devices[0], "devices[0]")
	assert.Equal(t, "car-1", requireString(t, d["device_id"], "device_id"))
	assert.True(t, requireBool(t, d["road_mode"], "road_mode"))
	assert.Equal(t, 42.0, requireNumber(t, d["speed"], "speed"))
	assert.Equal(t, 60.0, requireNumber(t, d["speed_limit"], "speed_limit"))

	_, body = s.get(t, "/get_settings/car-1")
	settings := decodeJSONMap(t, body)
	assert.Equal(t, "Dashcam", requireString(t, settings["device_name"], "device_name"))
	assert.Equal(t, 60.0, requireNumber(t, settings["speed_limit"], "speed_limit"))
}

func TestSettingsErrors(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "car-1", "Dashcam")

	resp, _ := s.postJSON(t, "/update_settings", map[string]any{"speed": 10})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.postJSON(t, "/update_settings", map[string]any{"device_id": "ghost", "speed": 10})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.postJSON(t, "/update_settings", map[string]any{"device_id": "car-1", "speed": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.get(t, "/get_settings/ghost")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndCORS(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "phone-1", "Pixel")

	resp, body := s.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	payload := decodeJSONMap(t, body)
	assert.Equal(t, "ok", requireString(t, payload["status"], "status"))
	assert.Equal(t, 1.0, requireNumber(t, payload["total_devices"], "total_devices"))

	req, err := http.NewRequest(http.MethodOptions, s.URL+"/upload_frame", nil)
	require.NoError(t, err)
	resp, err = s.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestWebRTCOfferDisabled(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.postJSON(t, "/api/webrtc/offer?device_id=phone-1", map[string]any{"type": "offer", "sdp": "v=0"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func openStream(t *testing.T, s *testServer, path, accept string) (*http.Response, *bufio.Reader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+path, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Eventually(t, func() bool { return s.alerts.ClientCount() > 0 }, time.Second, 10*time.Millisecond)
	return resp, bufio.NewReader(resp.Body)
}

func TestAlertStreamJSON(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "phone-1", "Pixel")

	resp, r := openStream(t, s, "/api/alerts/stream?device_id=phone-1", "")
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", resp.Header.Get("X-Content-Format"))

	_, body := s.uploadFrame(t, "phone-1", pngFrame(t))
	require.NotEmpty(t, body)

	payload := decodeJSONMap(t, []byte(readSSEData(t, r)))
	assert.Equal(t, "phone-1", requireString(t, payload["device_id"], "device_id"))
	assert.Equal(t, "SAFE", requireString(t, payload["level"], "level"))
}

func TestAlertStreamProtobuf(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "phone-1", "Pixel")

	resp, r := openStream(t, s, "/api/alerts/stream?device_id=phone-1", "application/protobuf")
	assert.Equal(t, "application/protobuf", resp.Header.Get("X-Content-Format"))

	s.uploadFrame(t, "phone-1", pngFrame(t))

	raw, err := base64.StdEncoding.DecodeString(readSSEData(t, r))
	require.NoError(t, err)
	var msg structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &msg))
	assert.Equal(t, "phone-1", msg.Fields["device_id"].GetStringValue())
}

func TestAlertSocket(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "phone-1", "Pixel")

	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/alerts/phone-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.alerts.ClientCount() > 0 }, time.Second, 10*time.Millisecond)

	// Telemetry flows back into the session settings
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"speed": 33}`)))
	require.Eventually(t, func() bool {
		settings, err := s.engine.GetSettings("phone-1")
		return err == nil && settings.Speed == 33
	}, time.Second, 10*time.Millisecond)

	s.uploadFrame(t, "phone-1", pngFrame(t))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	payload := decodeJSONMap(t, data)
	assert.Equal(t, "phone-1", requireString(t, payload["device_id"], "device_id"))
}

func TestAlertSocketUnknownDevice(t *testing.T) {
	s := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/alerts/ghost"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
