// Package alert turns per-frame detections into a prioritized alert decision
// and renders it into display and voice text.
package alert

import (
	"context"
	"strings"

	"github.com/driveguard/alert-server/internal/profile"
	"github.com/driveguard/alert-server/pkg/types"
)

const (
	// Hazards and stop signs farther than these are ignored (meters)
	hazardRange   = 20.0
	stopSignRange = 15.0

	// Accepted OCR readings (km/h)
	MinSpeedLimit = 10
	MaxSpeedLimit = 200

	signPadding = 5
)

// Outcome messages when nothing needs attention
const (
	MessageAllClear  = "All clear"
	MessagePathClear = "Path clear"
)

// SignReader reads a posted speed limit from a sign region
type SignReader interface {
	ReadSpeedLimit(ctx context.Context, frame *types.Frame, region types.BoundingBox) (int, bool)
}

// Candidate is an in-path detection scored for collision priority
type Candidate struct {
	Detection types.DetectionRecord
	Proximity Proximity
	Distance  float64
	Direction string
	Priority  int
}

// Label returns the display name of the candidate class
func (c *Candidate) Label() string {
	return displayName(c.Detection.ClassName)
}

// Hazard is a road hazard within range
type Hazard struct {
	Type     string
	Distance float64
	Position types.Point
}

// Label returns the display name of the hazard class
func (h Hazard) Label() string {
	return displayName(h.Type)
}

// Sign kinds
const (
	SignTrafficLight = "traffic_light"
	SignStop         = "stop_sign"
)

// Sign is a traffic sign advisory
type Sign struct {
	Kind     string
	Distance float64
}

// Input is everything the classifier needs for one frame
type Input struct {
	Frame      *types.Frame // optional, required only for sign reading
	Width      int
	Height     int
	Detections []types.DetectionRecord
	Thresholds profile.Thresholds
	Profile    *profile.ModeProfile
}

// Decision is the classifier result for one frame
type Decision struct {
	Level types.Level

	// Outcome is set when nothing qualified (MessageAllClear or MessagePathClear)
	Outcome string

	Top        *Candidate
	Candidates []Candidate // every in-path detection in input order

	Hazards []Hazard
	Signs   []Sign

	// HazardLed and SignLed mark advisories that set the level
	HazardLed bool
	SignLed   bool

	// SpeedLimit is a validated sign reading, 0 when none
	SpeedLimit int
}

// PathCount returns the number of in-path objects
func (d *Decision) PathCount() int {
	return len(d.Candidates)
}

// Classifier scores detections against a mode profile
type Classifier struct {
	signs SignReader
}

// NewClassifier creates a classifier. signs may be nil to disable sign reading.
func NewClassifier(signs SignReader) *Classifier {
	return &Classifier{signs: signs}
}

// Classify partitions detections into collision candidates, hazards and signs
// and picks the alert level.
func (c *Classifier) Classify(ctx context.Context, in Input) Decision {
	if len(in.Detections) == 0 {
		return Decision{Level: types.LevelSafe, Outcome: MessageAllClear}
	}

	prof := in.Profile
	if prof == nil {
		prof = profile.Indoor
	}

	var d Decision
	hazards := newLastByClass()
	signs := newLastByClass()

	for _, det := range in.Detections {
		switch {
		case prof.Hazards.Has(det.ClassName):
			hazards.put(det)
		case prof.Signs.Has(det.ClassName):
			signs.put(det)
			if det.ClassName == profile.SpeedLimitSign {
				if limit, ok := c.readSpeedLimit(ctx, in, det); ok {
					d.SpeedLimit = limit
				}
			}
		}

		if !profile.InPath(float64(det.Center.X), in.Width, in.Thresholds.PathRatio) {
			continue
		}
		prox, dist := EstimateProximity(det.SizeFraction, in.Thresholds)
		priority := prox.Rank()
		if prof.HighPriority.Has(det.ClassName) {
			priority++
		}
		d.Candidates = append(d.Candidates, Candidate{
			Detection: det,
			Proximity: prox,
			Distance:  dist,
			Direction: Direction(det.Center.X, in.Width),
			Priority:  priority,
		})
	}

	for _, det := range hazards.values() {
		dist := EstimateHazardDistance(det.Center.Y, in.Height)
		if dist < hazardRange {
			d.Hazards = append(d.Hazards, Hazard{Type: det.ClassName, Distance: dist, Position: det.Center})
		}
	}

	for _, det := range signs.values() {
		switch det.ClassName {
		case "traffic light":
			d.Signs = append(d.Signs, Sign{Kind: SignTrafficLight})
		case "stop sign":
			dist := EstimateHazardDistance(det.Center.Y, in.Height)
			if dist < stopSignRange {
				d.Signs = append(d.Signs, Sign{Kind: SignStop, Distance: dist})
			}
		}
	}

	if len(d.Candidates) == 0 && len(d.Hazards) == 0 && len(d.Signs) == 0 {
		d.Level = types.LevelSafe
		d.Outcome = MessagePathClear
		return d
	}

	d.Top = pickTop(d.Candidates)
	if d.Top != nil {
		d.Level = d.Top.Proximity.Level()
	}
	if len(d.Hazards) > 0 && d.Level < types.LevelWarning {
		d.Level = types.LevelWarning
		d.HazardLed = true
	}
	if len(d.Signs) > 0 && d.Level < types.LevelCaution {
		d.Level = types.LevelCaution
		d.SignLed = true
	}
	return d
}

// pickTop returns the highest priority candidate. Ties go to the later one.
func pickTop(cands []Candidate) *Candidate {
	var top *Candidate
	for i := range cands {
		if top == nil || cands[i].Priority >= top.Priority {
			top = &cands[i]
		}
	}
	return top
}

func (c *Classifier) readSpeedLimit(ctx context.Context, in Input, det types.DetectionRecord) (int, bool) {
	if c.signs == nil || in.Frame == nil {
		return 0, false
	}
	region := PadRegion(det.BBox, signPadding, in.Width, in.Height)
	if region.W <= 0 || region.H <= 0 {
		return 0, false
	}
	limit, ok := c.signs.ReadSpeedLimit(ctx, in.Frame, region)
	if !ok || !ValidSpeedLimit(limit) {
		return 0, false
	}
	return limit, true
}

// ValidSpeedLimit reports whether a sign reading is plausible
func ValidSpeedLimit(limit int) bool {
	return limit >= MinSpeedLimit && limit <= MaxSpeedLimit
}

// PadRegion grows a box by pad pixels on each side, clamped to the frame
func PadRegion(box types.BoundingBox, pad, frameWidth, frameHeight int) types.BoundingBox {
	x1 := max(0, box.X-pad)
	y1 := max(0, box.Y-pad)
	x2 := min(frameWidth, box.X+box.W+pad)
	y2 := min(frameHeight, box.Y+box.H+pad)
	return types.BoundingBox{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

func displayName(class string) string {
	return strings.ToUpper(strings.ReplaceAll(class, "_", " "))
}

// lastByClass keeps the last detection per class in first-seen order
type lastByClass struct {
	order []string
	byKey map[string]types.DetectionRecord
}

func newLastByClass() *lastByClass {
	return &lastByClass{byKey: make(map[string]types.DetectionRecord)}
}

func (l *lastByClass) put(det types.DetectionRecord) {
	if _, ok := l.byKey[det.ClassName]; !ok {
		l.order = append(l.order, det.ClassName)
	}
	l.byKey[det.ClassName] = det
}

func (l *lastByClass) values() []types.DetectionRecord {
	out := make([]types.DetectionRecord, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.byKey[k])
	}
	return out
}
