// Package events publishes alert and session events to external brokers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/driveguard/alert-server/internal/logger"
	"github.com/driveguard/alert-server/pkg/types"
)

var log = logger.Module("Events")

// Event types
const (
	TypeAlert             = "alert"
	TypeSpeedLimit        = "speed_limit"
	TypeSessionRegistered = "session_registered"
	TypeSessionRemoved    = "session_removed"
)

// Event is one published record
type Event struct {
	ID         string       `json:"event_id"`
	Type       string       `json:"type"`
	DeviceID   string       `json:"device_id"`
	DeviceName string       `json:"device_name,omitempty"`
	Level      *types.Level `json:"level,omitempty"`
	Message    string       `json:"message,omitempty"`
	Speed      float64      `json:"speed"`
	SpeedLimit float64      `json:"speed_limit"`
	Timestamp  time.Time    `json:"timestamp"`
}

// New creates an event with a fresh id
func New(eventType, deviceID string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		DeviceID:  deviceID,
		Timestamp: at.UTC(),
	}
}

// FromAlert builds an alert event
func FromAlert(a types.Alert, speed float64) Event {
	e := New(TypeAlert, a.DeviceID, a.Time())
	level := a.Level
	e.Level = &level
	e.Message = a.Message
	e.Speed = speed
	e.SpeedLimit = a.SpeedLimit
	return e
}

// Encode returns the JSON wire form
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events. Publish must not block on the network for long;
// delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events
type Nop struct{}

// Publish does nothing
func (Nop) Publish(context.Context, Event) error { return nil }

// Close does nothing
func (Nop) Close() error { return nil }

// Multi fans an event out to several publishers
type Multi []Publisher

// Publish sends to every publisher and joins their errors
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Combine returns a single publisher for ps, dropping nils
func Combine(ps ...Publisher) Publisher {
	var live Multi
	for _, p := range ps {
		if p != nil {
			live = append(live, p)
		}
	}
	switch len(live) {
	case 0:
		return Nop{}
	case 1:
		return live[0]
	default:
		return live
	}
}
