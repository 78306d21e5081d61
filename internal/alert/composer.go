package alert

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/driveguard/alert-server/pkg/types"
)

const partSeparator = " | "

// ComposeInput carries session state the composer needs besides the decision
type ComposeInput struct {
	Speed      float64  // km/h
	SpeedLimit float64  // km/h, after any sign update
	RoadMode   bool
	NewHazards []string // hazard types not announced within the dedup window
}

// Composition is the rendered alert
type Composition struct {
	Level     types.Level
	Message   string
	Voice     string
	HasAlert  bool
	Overspeed bool
	Overage   float64 // km/h above the limit
}

// Compose renders a decision into display text and a voice instruction.
// Overspeed can only raise the level.
func Compose(d Decision, in ComposeInput) Composition {
	out := Composition{Level: d.Level, Message: renderMessage(d, in)}

	if in.Speed > 0 && in.Speed > in.SpeedLimit {
		out.Overspeed = true
		out.Overage = in.Speed - in.SpeedLimit
		notice := fmt.Sprintf("OVERSPEED! %.0fkm/h in %.0fkm/h zone (+%.0fkm/h)", in.Speed, in.SpeedLimit, out.Overage)
		if out.Level == types.LevelCritical {
			out.Message = notice + partSeparator + out.Message
		} else {
			out.Message = notice
			out.Level = types.LevelCritical
		}
	}

	if len(in.NewHazards) > 0 && out.Level != types.LevelCritical {
		labels := make([]string, len(in.NewHazards))
		for i, h := range in.NewHazards {
			labels[i] = displayName(h)
		}
		out.Message = strings.Join(labels, ", ") + " ahead" + partSeparator + out.Message
	}

	if out.Level.Audible() {
		out.HasAlert = true
		switch {
		case out.Overspeed:
			out.Voice = fmt.Sprintf("Over speed. Slow down to %.0f kilometers per hour", in.SpeedLimit)
		case len(in.NewHazards) > 0:
			out.Voice = displayName(in.NewHazards[0]) + " ahead. Slow down"
		case d.Top != nil:
			out.Voice = VoiceInstruction(d.Top, out.Level)
		}
	}
	return out
}

func renderMessage(d Decision, in ComposeInput) string {
	if d.Outcome != "" {
		return d.Outcome
	}

	var parts []string
	if d.Top != nil {
		parts = append(parts, objectPhrase(d.Top))
		if n := d.PathCount(); n > 1 {
			parts = append(parts, fmt.Sprintf("%d in path", n))
		}
	}
	if len(d.Hazards) > 0 {
		h := d.Hazards[0]
		msg := fmt.Sprintf("%s - %.0fm", h.Label(), h.Distance)
		if d.HazardLed {
			parts = append([]string{msg}, parts...)
		} else {
			parts = append(parts, msg)
		}
	}
	if len(d.Signs) > 0 {
		msg := signPhrase(d.Signs[0])
		if d.SignLed {
			parts = append([]string{msg}, parts...)
		} else {
			parts = append(parts, msg)
		}
	}
	if in.RoadMode && in.Speed > 0 {
		parts = append(parts, fmt.Sprintf("%.0fkm/h", in.Speed))
	}
	if len(parts) == 0 {
		return MessageAllClear
	}
	return strings.Join(parts, partSeparator)
}

func objectPhrase(c *Candidate) string {
	var action string
	switch c.Proximity {
	case ProximityCritical:
		action = "STOP!"
	case ProximityWarning:
		action = "SLOW DOWN!"
	case ProximityCaution:
		action = "CAUTION!"
	default:
		action = "Monitor:"
	}
	return fmt.Sprintf("%s %s %s - %sm", action, c.Label(), c.Direction, strconv.FormatFloat(c.Distance, 'f', 1, 64))
}

func signPhrase(s Sign) string {
	switch s.Kind {
	case SignStop:
		return fmt.Sprintf("STOP sign ahead - %.0fm", s.Distance)
	default:
		return "Traffic light ahead"
	}
}

// VoiceInstruction is the short spoken form of an object alert
func VoiceInstruction(c *Candidate, level types.Level) string {
	obj := strings.ToLower(c.Label())
	dir := strings.ToLower(c.Direction)
	if level == types.LevelCritical {
		if c.Detection.ClassName == "person" && c.Direction == DirectionAhead {
			return "Stop now! Person ahead"
		}
		return fmt.Sprintf("Stop! %s %s", obj, dir)
	}
	return fmt.Sprintf("Slow down! %s %s", obj, dir)
}
