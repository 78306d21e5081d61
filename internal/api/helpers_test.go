package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driveguard/alert-server/internal/broadcast"
	"github.com/driveguard/alert-server/internal/engine"
	"github.com/driveguard/alert-server/pkg/types"
)

type stubDetector struct {
	mu   sync.Mutex
	dets []types.DetectionRecord
	err  error
}

func (d *stubDetector) Detect(context.Context, *types.Frame, float64) ([]types.DetectionRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.DetectionRecord(nil), d.dets...), d.err
}

func (d *stubDetector) set(err error, dets ...types.DetectionRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dets, d.err = dets, err
}

type testServer struct {
	*httptest.Server
	engine   *engine.Engine
	alerts   *broadcast.Broadcaster
	detector *stubDetector
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	det := &stubDetector{}
	alerts := broadcast.New()
	e := engine.New(engine.Deps{Detector: det, Alerts: alerts}, engine.Options{})
	srv := NewServer(Config{KeepAlive: time.Second}, e, alerts, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		e.Close()
	})
	return &testServer{Server: ts, engine: e, alerts: alerts, detector: det}
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := s.Client().Get(s.URL + path)
	require.NoError(t, err, "GET %s", path)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, body
}

func (s *testServer) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := s.Client().Post(s.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err, "POST %s", path)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, body
}

func (s *testServer) uploadFrame(t *testing.T, deviceID string, frame []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if deviceID != "" {
		require.NoError(t, mw.WriteField("device_id", deviceID))
	}
	if frame != nil {
		fw, err := mw.CreateFormFile("frame", "frame.png")
		require.NoError(t, err)
		_, err = fw.Write(frame)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := s.Client().Post(s.URL+"/upload_frame", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, body
}

func (s *testServer) register(t *testing.T, id, name string) {
	t.Helper()
	resp, _ := s.postJSON(t, "/register_device", map[string]any{"device_id": id, "device_name": name})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func pngFrame(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 640, 480))))
	return buf.Bytes()
}

// readSSEData returns the payload of the next data event, skipping comments
func readSSEData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err, "read sse")
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "data:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload), "body=%s", string(body))
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	require.True(t, ok, "expected %s to be string, got %T", field, value)
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	require.True(t, ok, "expected %s to be number, got %T", field, value)
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	require.True(t, ok, "expected %s to be bool, got %T", field, value)
	return b
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	require.True(t, ok, "expected %s to be array, got %T", field, value)
	return s
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	require.True(t, ok, "expected %s to be object, got %T", field, value)
	return m
}
