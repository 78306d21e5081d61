// Package api serves the device-facing HTTP endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driveguard/alert-server/internal/broadcast"
	"github.com/driveguard/alert-server/internal/engine"
	"github.com/driveguard/alert-server/internal/frame"
	"github.com/driveguard/alert-server/internal/logger"
	"github.com/driveguard/alert-server/internal/session"
	"github.com/driveguard/alert-server/internal/webrtc"
)

var log = logger.Module("HTTP")

const defaultDeviceName = "Mobile"

// Config holds HTTP shell settings
type Config struct {
	MaxUploadBytes int64
	KeepAlive      time.Duration
}

// Server serves the alert engine over HTTP.
type Server struct {
	cfg     Config
	engine  *engine.Engine
	alerts  *broadcast.Broadcaster
	webrtc  *webrtc.Server
	started time.Time
}

// NewServer returns a configured server. rtc may be nil to disable WebRTC signalling.
func NewServer(cfg Config, e *engine.Engine, alerts *broadcast.Broadcaster, rtc *webrtc.Server) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 16 << 20
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	return &Server{
		cfg:     cfg,
		engine:  e,
		alerts:  alerts,
		webrtc:  rtc,
		started: time.Now(),
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/register_device", s.handleRegister)
	mux.HandleFunc("/upload_frame", s.handleUploadFrame)
	mux.HandleFunc("/get_alert/{device_id}", s.handleGetAlert)
	mux.HandleFunc("/update_settings", s.handleUpdateSettings)
	mux.HandleFunc("/get_settings/{device_id}", s.handleGetSettings)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/alerts/stream", s.handleAlertStream)
	mux.HandleFunc("/ws/alerts/{device_id}", s.handleAlertSocket)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)

	return withCORS(mux)
}

// withCORS lets browser clients on other origins call the API
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		DeviceID   string `json:"device_id"`
		DeviceName string `json:"device_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid JSON body"}, http.StatusBadRequest)
		return
	}
	if req.DeviceName == "" {
		req.DeviceName = defaultDeviceName
	}

	log.Info("Device registration from %s: %s (%s)", r.RemoteAddr, req.DeviceName, req.DeviceID)
	id, created := s.engine.RegisterSession(req.DeviceID, req.DeviceName)
	writeJSON(w, map[string]any{
		"status":    "registered",
		"device_id": id,
		"created":   created,
	})
}

func (s *Server) handleUploadFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid multipart form"}, http.StatusBadRequest)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	deviceID := r.FormValue("device_id")
	if deviceID == "" {
		writeJSONWithStatus(w, map[string]any{"error": "Missing device_id"}, http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("frame")
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "No frame provided"}, http.StatusBadRequest)
		return
	}
	payload, err := io.ReadAll(file)
	_ = file.Close()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Failed to read frame"}, http.StatusBadRequest)
		return
	}

	a, err := s.engine.IngestFrame(r.Context(), deviceID, payload)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error("Upload from %s failed: %v", deviceID, err)
		} else {
			log.Warn("Upload from %s rejected: %v", deviceID, err)
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}
	writeJSON(w, a)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.engine.GetAlert(r.PathValue("device_id")))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		DeviceID string `json:"device_id"`
		session.SettingsUpdate
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid JSON body"}, http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" {
		writeJSONWithStatus(w, map[string]any{"error": "Missing device_id"}, http.StatusBadRequest)
		return
	}

	settings, err := s.engine.UpdateSettings(req.DeviceID, req.SettingsUpdate)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, statusFor(err))
		return
	}
	log.Info("Device %s settings: road_mode=%v speed=%.1f speed_limit=%.0f",
		req.DeviceID, settings.RoadMode, settings.Speed, settings.SpeedLimit)

	writeJSON(w, map[string]any{
		"status":      "updated",
		"road_mode":   settings.RoadMode,
		"speed":       settings.Speed,
		"speed_limit": settings.SpeedLimit,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	settings, err := s.engine.GetSettings(r.PathValue("device_id"))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Device not found"}, statusFor(err))
		return
	}
	writeJSON(w, settings)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary := s.engine.GetStatus()
	log.Debug("Status query from %s: %d device(s) (%d active)", r.RemoteAddr, summary.TotalDevices, summary.ActiveDevices)
	writeJSON(w, summary)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, active := s.engine.Registry().Counts()
	payload := map[string]any{
		"status":         "ok",
		"total_devices":  total,
		"active_devices": active,
		"stream_clients": s.alerts.ClientCount(),
		"uptime_seconds": time.Since(s.started).Seconds(),
	}
	if s.webrtc != nil {
		payload["webrtc_clients"] = s.webrtc.GetClientCount()
	}
	writeJSON(w, payload)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.webrtc == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC disabled"}, http.StatusServiceUnavailable)
		return
	}

	deviceID := r.URL.Query().Get("device_id")
	if _, err := s.engine.GetSettings(deviceID); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Device not found"}, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.webrtc.HandleOffer(deviceID, body)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, webrtc.ErrMaxClients) {
			status = http.StatusServiceUnavailable
		}
		log.Warn("WebRTC offer from %s failed: %v", deviceID, err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidSettings),
		errors.Is(err, frame.ErrEmpty),
		errors.Is(err, frame.ErrUndecodable):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
