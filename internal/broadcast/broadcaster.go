// Package broadcast fans composed alerts out to push subscribers.
package broadcast

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/driveguard/alert-server/internal/logger"
	"github.com/driveguard/alert-server/pkg/types"
)

// SerializedAlert holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedAlert struct {
	DeviceID     string
	Level        types.Level
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized Protobuf (base64 encoded for SSE)
}

// Serialize encodes an alert as JSON and as a base64 protobuf Struct
func Serialize(a types.Alert) (*SerializedAlert, error) {
	jsonData, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	pbAlert, err := structpb.NewStruct(map[string]any{
		"device_id":     a.DeviceID,
		"has_alert":     a.HasAlert,
		"level":         a.Level.String(),
		"color":         a.Color,
		"message":       a.Message,
		"voice_message": a.VoiceMessage,
		"speed_limit":   a.SpeedLimit,
		"timestamp":     a.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(pbAlert)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedAlert{
		DeviceID:     a.DeviceID,
		Level:        a.Level,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

type subscriber struct {
	deviceID string // empty subscribes to every device
	ch       chan *SerializedAlert
}

// Broadcaster manages fanout of alerts to SSE, WebSocket and WebRTC clients.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]*subscriber
	nextID  int
	dropped uint64
}

// New creates an empty broadcaster
func New() *Broadcaster {
	return &Broadcaster{clients: make(map[int]*subscriber)}
}

// Subscribe adds a client for deviceID ("" for all devices) and returns its channel.
func (b *Broadcaster) Subscribe(deviceID string) (int, <-chan *SerializedAlert) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedAlert, 2) // Buffer 2 alerts to avoid blocking
	b.clients[id] = &subscriber{deviceID: deviceID, ch: ch}

	logger.Debug("Broadcaster", "Client #%d subscribed to %q (total clients: %d)", id, deviceID, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.clients[id]; ok {
		close(sub.ch)
		delete(b.clients, id)
		logger.Debug("Broadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// CloseDevice disconnects every subscriber bound to deviceID
func (b *Broadcaster) CloseDevice(deviceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, sub := range b.clients {
		if sub.deviceID == deviceID {
			close(sub.ch)
			delete(b.clients, id)
			n++
		}
	}
	if n > 0 {
		logger.Info("Broadcaster", "Closed %d subscriber(s) of removed device %s", n, deviceID)
	}
	return n
}

// Publish serializes the alert once and delivers it to matching clients.
// Slow clients miss alerts rather than stall the caller.
func (b *Broadcaster) Publish(a types.Alert) {
	if b.ClientCount() == 0 {
		return
	}
	event, err := Serialize(a)
	if err != nil {
		logger.Error("Broadcaster", "Serialize error: %v", err)
		return
	}
	b.broadcast(event)
}

func (b *Broadcaster) broadcast(event *SerializedAlert) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.clients {
		if sub.deviceID != "" && sub.deviceID != event.DeviceID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped++
		}
	}
}

// ClientCount returns the number of subscribers
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Dropped returns how many deliveries were skipped for slow clients
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
