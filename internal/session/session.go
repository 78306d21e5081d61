// Package session keeps per-device state and the registry that owns it.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/driveguard/alert-server/pkg/types"
)

// Settings are the user-adjustable session fields
type Settings struct {
	DeviceName string  `json:"device_name"`
	RoadMode   bool    `json:"road_mode"`
	Speed      float64 `json:"speed"`
	SpeedLimit float64 `json:"speed_limit"`
}

// SettingsUpdate carries a partial settings change. Nil fields are untouched.
type SettingsUpdate struct {
	RoadMode   *bool    `json:"road_mode,omitempty"`
	Speed      *float64 `json:"speed,omitempty"`
	SpeedLimit *float64 `json:"speed_limit,omitempty"`
}

// Empty reports whether the update changes nothing
func (u SettingsUpdate) Empty() bool {
	return u.RoadMode == nil && u.Speed == nil && u.SpeedLimit == nil
}

// Status is the per-device entry of a status report
type Status struct {
	DeviceID   string  `json:"device_id"`
	DeviceName string  `json:"device_name"`
	Active     bool    `json:"is_active"`
	FrameCount uint64  `json:"frame_count"`
	LastUpdate float64 `json:"last_update"`
	RoadMode   bool    `json:"road_mode"`
	Speed      float64 `json:"speed"`
	SpeedLimit float64 `json:"speed_limit"`
}

// Session is the state of one device. Frame, alert, speed, speed limit and
// hazard history are guarded independently so frame uploads never wait on
// alert polls or settings changes.
type Session struct {
	id        string
	name      string
	createdAt time.Time
	clock     func() time.Time

	frameMu sync.RWMutex
	frame   *types.Frame

	alertMu sync.RWMutex
	alert   types.Alert

	speedMu sync.RWMutex
	speed   float64

	limitMu    sync.RWMutex
	speedLimit float64

	roadMode   atomic.Bool
	lastUpdate atomic.Int64 // unix nanoseconds
	frameCount atomic.Uint64

	hazards      *HazardTracker
	warningVoice *rate.Limiter
}

func newSession(id, name string, opts *Options) *Session {
	now := opts.Clock()
	s := &Session{
		id:           id,
		name:         name,
		createdAt:    now,
		clock:        opts.Clock,
		speedLimit:   opts.DefaultSpeedLimit,
		hazards:      NewHazardTracker(opts.HazardWindow, opts.HazardBucket),
		warningVoice: rate.NewLimiter(rate.Every(opts.WarningVoiceInterval), 1),
	}
	s.alert = types.Alert{DeviceID: id, Level: types.LevelSafe, Color: types.LevelSafe.Color(), SpeedLimit: opts.DefaultSpeedLimit}
	s.lastUpdate.Store(now.UnixNano())
	return s
}

// ID returns the device id
func (s *Session) ID() string { return s.id }

// Name returns the display name given at registration
func (s *Session) Name() string { return s.name }

// CreatedAt returns the registration time
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// UpdateFrame replaces the stored frame and bumps the counter and last-update time.
func (s *Session) UpdateFrame(f *types.Frame) uint64 {
	s.frameMu.Lock()
	s.frame = f
	s.frameMu.Unlock()

	s.lastUpdate.Store(s.clock().UnixNano())
	return s.frameCount.Add(1)
}

// Frame returns the most recent frame, or nil
func (s *Session) Frame() *types.Frame {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.frame
}

// UpdateAlert swaps the current alert
func (s *Session) UpdateAlert(a types.Alert) {
	s.alertMu.Lock()
	s.alert = a
	s.alertMu.Unlock()
}

// Alert returns the current alert
func (s *Session) Alert() types.Alert {
	s.alertMu.RLock()
	defer s.alertMu.RUnlock()
	return s.alert
}

// Speed returns the current speed in km/h
func (s *Session) Speed() float64 {
	s.speedMu.RLock()
	defer s.speedMu.RUnlock()
	return s.speed
}

// SetSpeed sets the current speed in km/h
func (s *Session) SetSpeed(v float64) {
	s.speedMu.Lock()
	s.speed = v
	s.speedMu.Unlock()
}

// SpeedLimit returns the active speed limit in km/h
func (s *Session) SpeedLimit() float64 {
	s.limitMu.RLock()
	defer s.limitMu.RUnlock()
	return s.speedLimit
}

// SetSpeedLimit sets the active speed limit in km/h
func (s *Session) SetSpeedLimit(v float64) {
	s.limitMu.Lock()
	s.speedLimit = v
	s.limitMu.Unlock()
}

// ReplaceSpeedLimit sets the limit if it differs and reports whether it changed
func (s *Session) ReplaceSpeedLimit(v float64) bool {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	if s.speedLimit == v {
		return false
	}
	s.speedLimit = v
	return true
}

// RoadMode reports whether the road profile is active
func (s *Session) RoadMode() bool { return s.roadMode.Load() }

// SetRoadMode switches between road and indoor profiles
func (s *Session) SetRoadMode(v bool) { s.roadMode.Store(v) }

// Apply performs a partial settings update and returns the effective settings
func (s *Session) Apply(u SettingsUpdate) Settings {
	if u.RoadMode != nil {
		s.SetRoadMode(*u.RoadMode)
	}
	if u.Speed != nil {
		s.SetSpeed(*u.Speed)
	}
	if u.SpeedLimit != nil {
		s.SetSpeedLimit(*u.SpeedLimit)
	}
	return s.Settings()
}

// Settings returns a snapshot of the adjustable fields
func (s *Session) Settings() Settings {
	return Settings{
		DeviceName: s.name,
		RoadMode:   s.RoadMode(),
		Speed:      s.Speed(),
		SpeedLimit: s.SpeedLimit(),
	}
}

// Hazards returns the session's hazard dedup tracker
func (s *Session) Hazards() *HazardTracker { return s.hazards }

// AllowWarningVoice reports whether a WARNING utterance may be queued now
func (s *Session) AllowWarningVoice(now time.Time) bool {
	return s.warningVoice.AllowN(now, 1)
}

// LastUpdate returns the time of the last frame (or registration)
func (s *Session) LastUpdate() time.Time {
	return time.Unix(0, s.lastUpdate.Load())
}

// FrameCount returns the number of frames received
func (s *Session) FrameCount() uint64 { return s.frameCount.Load() }

// IdleFor returns how long the session has gone without an update at now
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastUpdate())
}

// Status returns the status entry using window as the activity threshold
func (s *Session) Status(now time.Time, window time.Duration) Status {
	return Status{
		DeviceID:   s.id,
		DeviceName: s.name,
		Active:     s.IdleFor(now) < window,
		FrameCount: s.FrameCount(),
		LastUpdate: types.UnixSeconds(s.LastUpdate()),
		RoadMode:   s.RoadMode(),
		Speed:      s.Speed(),
		SpeedLimit: s.SpeedLimit(),
	}
}
