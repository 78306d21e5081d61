// Package webrtc pushes alerts to devices over WebRTC data channels and
// accepts telemetry (speed, road mode, speed limit) back on the same channel.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/driveguard/alert-server/internal/broadcast"
	"github.com/driveguard/alert-server/internal/logger"
	"github.com/driveguard/alert-server/internal/session"
)

// ErrMaxClients is returned when the connection limit is reached
var ErrMaxClients = errors.New("maximum clients reached")

// SettingsFunc applies a telemetry update received from a device
type SettingsFunc func(deviceID string, u session.SettingsUpdate) error

// Client represents a connected WebRTC client
type Client struct {
	id        string
	deviceID  string
	peerConn  *webrtc.PeerConnection
	closeChan chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	alertsSent   uint64
	alertsFailed uint64
	updates      uint64
}

// Server manages WebRTC connections
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API

	alerts   *broadcast.Broadcaster
	settings SettingsFunc
	onCount  func(int)
}

// NewServer creates a new WebRTC server
func NewServer(stunServers []string, maxClients int, alerts *broadcast.Broadcaster, settings SettingsFunc) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
		alerts:     alerts,
		settings:   settings,
	}
}

// OnClientCount registers a callback invoked whenever the client count changes
func (s *Server) OnClientCount(fn func(int)) {
	s.onCount = fn
}

// HandleOffer handles a WebRTC offer for deviceID and returns an answer
func (s *Server) HandleOffer(deviceID string, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	if s.GetClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        "client-" + uuid.NewString(),
		deviceID:  deviceID,
		peerConn:  peerConn,
		closeChan: make(chan struct{}),
	}

	// The device opens the channel; alerts flow once it is up
	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		logger.Debug("WebRTC", "Client %s opened data channel %q", client.id, dc.Label())
		dc.OnOpen(func() {
			go s.sendAlerts(client, dc)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			s.handleMessage(client, msg.Data)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (Peer: %s), removing...", client.id, state.String())
			go s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	s.clientsMu.Lock()
	s.clients[client.id] = client
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.notifyCount(count)

	logger.Info("WebRTC", "Client %s connected for device %s", client.id, deviceID)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return nil, fmt.Errorf("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	return answerJSON, nil
}

// sendAlerts forwards the device's alerts until the client goes away.
// It owns the broadcaster subscription, so a client closed before the
// channel opened never subscribes.
func (s *Server) sendAlerts(client *Client, dc *webrtc.DataChannel) {
	if s.alerts == nil {
		return
	}
	select {
	case <-client.closeChan:
		return
	default:
	}
	subID, ch := s.alerts.Subscribe(client.deviceID)
	defer s.alerts.Unsubscribe(subID)

	for {
		select {
		case <-client.closeChan:
			return
		case event, ok := <-ch:
			if !ok {
				// Device removed from the registry
				return
			}
			if err := dc.SendText(string(event.JSONData)); err != nil {
				client.mu.Lock()
				client.alertsFailed++
				client.mu.Unlock()
				logger.Warn("WebRTC", "Error sending alert to client %s: %v", client.id, err)
				continue
			}
			client.mu.Lock()
			client.alertsSent++
			client.mu.Unlock()
		}
	}
}

func (s *Server) handleMessage(client *Client, data []byte) {
	u, err := ParseTelemetry(data)
	if err != nil {
		logger.Warn("WebRTC", "Client %s sent invalid telemetry: %v", client.id, err)
		return
	}
	if u.Empty() || s.settings == nil {
		return
	}
	if err := s.settings(client.deviceID, u); err != nil {
		logger.Warn("WebRTC", "Telemetry from client %s rejected: %v", client.id, err)
		return
	}
	client.mu.Lock()
	client.updates++
	client.mu.Unlock()
}

// ParseTelemetry decodes a data channel telemetry message
func ParseTelemetry(data []byte) (session.SettingsUpdate, error) {
	var u session.SettingsUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return session.SettingsUpdate{}, fmt.Errorf("failed to parse telemetry: %w", err)
	}
	return u, nil
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	s.closeClient(client)
	s.notifyCount(count)

	client.mu.Lock()
	defer client.mu.Unlock()
	logger.Info("WebRTC", "Client %s disconnected (sent: %d, failed: %d, updates: %d)",
		clientID, client.alertsSent, client.alertsFailed, client.updates)
}

func (s *Server) closeClient(client *Client) {
	client.closeOnce.Do(func() {
		close(client.closeChan)

		if err := client.peerConn.Close(); err != nil {
			logger.Debug("WebRTC", "Closing client %s: %v", client.id, err)
		}
	})
}

func (s *Server) notifyCount(n int) {
	if s.onCount != nil {
		s.onCount(n)
	}
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns stats for all clients
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		client.mu.Lock()
		stats[id] = map[string]uint64{
			"alerts_sent":     client.alertsSent,
			"alerts_failed":   client.alertsFailed,
			"updates_applied": client.updates,
		}
		client.mu.Unlock()
	}
	return stats
}

// Totals sums counters across connected clients
func (s *Server) Totals() (sent, failed, updates uint64) {
	for _, st := range s.GetClientStats() {
		sent += st["alerts_sent"]
		failed += st["alerts_failed"]
		updates += st["updates_applied"]
	}
	return sent, failed, updates
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for id, c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		s.closeClient(c)
	}
	s.notifyCount(0)
	return nil
}
