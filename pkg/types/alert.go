package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Level is the alert severity. Values are ordered.
type Level int

const (
	LevelSafe Level = iota
	LevelCaution
	LevelWarning
	LevelCritical
)

var levelNames = map[Level]string{
	LevelSafe:     "SAFE",
	LevelCaution:  "CAUTION",
	LevelWarning:  "WARNING",
	LevelCritical: "CRITICAL",
}

// String returns the upper-case level name
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// Color returns the display tag clients use for the level
func (l Level) Color() string {
	switch l {
	case LevelCritical:
		return "red"
	case LevelWarning:
		return "orange"
	case LevelCaution:
		return "yellow"
	default:
		return "green"
	}
}

// Audible reports whether the level produces a voice instruction
func (l Level) Audible() bool {
	return l >= LevelWarning
}

// ParseLevel parses a level name (case-insensitive)
func ParseLevel(s string) (Level, error) {
	for level, name := range levelNames {
		if strings.EqualFold(s, name) {
			return level, nil
		}
	}
	return LevelSafe, fmt.Errorf("invalid alert level: %q", s)
}

// MarshalJSON encodes the level as its name
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a level name
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Alert is the latest composed alert stored for a device
type Alert struct {
	DeviceID     string  `json:"device_id"`
	HasAlert     bool    `json:"has_alert"`
	Level        Level   `json:"level"`
	Color        string  `json:"color"`
	Message      string  `json:"message"`
	VoiceMessage string  `json:"voice_message"`
	SpeedLimit   float64 `json:"speed_limit"`
	Timestamp    float64 `json:"timestamp"` // unix seconds
}

// Time returns the alert timestamp as a time.Time
func (a Alert) Time() time.Time {
	sec := int64(a.Timestamp)
	nsec := int64((a.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// UnixSeconds converts t to fractional unix seconds
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// SafeAlert returns an alert with no hazard for the device
func SafeAlert(deviceID, message string, at time.Time) Alert {
	return Alert{
		DeviceID:  deviceID,
		Level:     LevelSafe,
		Color:     LevelSafe.Color(),
		Message:   message,
		Timestamp: UnixSeconds(at),
	}
}
