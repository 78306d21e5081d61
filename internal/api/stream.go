package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driveguard/alert-server/internal/broadcast"
	"github.com/driveguard/alert-server/internal/webrtc"
)

const (
	wsWriteWait  = 10 * time.Second
	wsMaxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Devices connect from native apps and arbitrary LAN origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, eventCh := s.alerts.Subscribe(r.URL.Query().Get("device_id"))
	defer s.alerts.Unsubscribe(id)

	m := s.engine.Metrics()
	m.StreamClients.Add(1)
	defer m.StreamClients.Add(-1)

	s.streamAlerts(w, r, eventCh, wantsProtobuf(r))
}

// streamAlerts writes pre-serialized alerts to an SSE client until it
// disconnects or the device is removed.
func (s *Server) streamAlerts(w http.ResponseWriter, r *http.Request, eventCh <-chan *broadcast.SerializedAlert, useProtobuf bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(s.cfg.KeepAlive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				log.Debug("SSE client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()

		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				log.Debug("SSE client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

// handleAlertSocket pushes a device's alerts over a WebSocket. Text frames
// from the device are applied as telemetry updates.
func (s *Server) handleAlertSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if _, err := s.engine.GetSettings(deviceID); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Device not found"}, http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		log.Debug("WebSocket upgrade for %s failed: %v", deviceID, err)
		return
	}
	defer conn.Close()

	id, eventCh := s.alerts.Subscribe(deviceID)
	defer s.alerts.Unsubscribe(id)

	m := s.engine.Metrics()
	m.StreamClients.Add(1)
	defer m.StreamClients.Add(-1)

	log.Info("WebSocket client connected for %s", deviceID)
	done := make(chan struct{})
	go s.readTelemetry(conn, deviceID, done)

	ping := time.NewTicker(s.cfg.KeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-done:
			log.Info("WebSocket client for %s disconnected", deviceID)
			return

		case event, ok := <-eventCh:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "device removed"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, event.JSONData); err != nil {
				log.Debug("WebSocket write to %s failed: %v", deviceID, err)
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) readTelemetry(conn *websocket.Conn, deviceID string, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsMaxMessage)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("WebSocket read from %s: %v", deviceID, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		u, err := webrtc.ParseTelemetry(data)
		if err != nil {
			log.Warn("Invalid telemetry from %s: %v", deviceID, err)
			continue
		}
		if u.Empty() {
			continue
		}
		if _, err := s.engine.UpdateSettings(deviceID, u); err != nil {
			log.Warn("Telemetry from %s rejected: %v", deviceID, err)
		}
	}
}
