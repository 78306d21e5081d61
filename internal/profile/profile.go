// Package profile holds the per-mode class sets and distance thresholds
// that drive alert classification.
package profile

// ClassSet is a set of detector class names
type ClassSet map[string]struct{}

// NewClassSet builds a set from class names
func NewClassSet(names ...string) ClassSet {
	s := make(ClassSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is in the set
func (s ClassSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Mode identifies a detection profile
type Mode string

const (
	ModeIndoor Mode = "indoor"
	ModeRoad   Mode = "road"
)

// ModeProfile bundles the class sets and base thresholds for one mode.
// Profiles are immutable after package init and safe to share.
type ModeProfile struct {
	Mode Mode

	// Base thresholds before any speed adjustment
	Base Thresholds

	// SpeedAdjusted scales the size thresholds by SpeedFactor
	SpeedAdjusted bool

	HighPriority ClassSet
	Hazards      ClassSet
	Signs        ClassSet
}

// SpeedLimitSign is the sign class whose region is passed to the sign reader
const SpeedLimitSign = "speed limit"

var (
	// Indoor is used for walking or slow movement inside buildings
	Indoor = &ModeProfile{
		Mode: ModeIndoor,
		Base: Thresholds{
			Critical:   0.20,
			Warning:    0.10,
			Caution:    0.04,
			Confidence: 0.25,
			PathRatio:  0.40,
		},
		HighPriority: NewClassSet("person", "dog", "cat", "car", "truck", "bicycle", "motorcycle", "bus"),
		Hazards:      NewClassSet(),
		Signs:        NewClassSet(),
	}

	// Road is used while driving
	Road = &ModeProfile{
		Mode: ModeRoad,
		Base: Thresholds{
			Critical:   0.15,
			Warning:    0.08,
			Caution:    0.03,
			Confidence: 0.35,
			PathRatio:  0.45,
		},
		SpeedAdjusted: true,
		HighPriority: NewClassSet(
			"person", "child", "bicycle", "motorcycle", "car", "truck", "bus",
			"dog", "cat", "bird", "traffic light", "stop sign",
		),
		Hazards: NewClassSet(
			"pothole", "speed bump", "speed breaker", "road damage",
			"construction", "barrier", "cone",
		),
		Signs: NewClassSet(
			"stop sign", "traffic light", "yield sign", SpeedLimitSign,
			"no entry", "one way", "parking sign",
		),
	}
)

// For returns the profile for the road-mode flag
func For(roadMode bool) *ModeProfile {
	if roadMode {
		return Road
	}
	return Indoor
}

// Thresholds returns the effective thresholds at the given speed in km/h
func (p *ModeProfile) Thresholds(speed float64) Thresholds {
	if !p.SpeedAdjusted {
		return p.Base
	}
	return p.Base.Scale(SpeedFactor(speed))
}
