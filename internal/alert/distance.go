package alert

import (
	"github.com/driveguard/alert-server/internal/profile"
	"github.com/driveguard/alert-server/pkg/types"
)

// Proximity is the distance band of a collision candidate.
// ProximityMonitor is informational and maps to LevelSafe.
type Proximity int

const (
	ProximityMonitor Proximity = iota
	ProximityCaution
	ProximityWarning
	ProximityCritical
)

// Level returns the alert level the band escalates to
func (p Proximity) Level() types.Level {
	switch p {
	case ProximityCritical:
		return types.LevelCritical
	case ProximityWarning:
		return types.LevelWarning
	case ProximityCaution:
		return types.LevelCaution
	default:
		return types.LevelSafe
	}
}

// Rank orders bands for candidate priority
func (p Proximity) Rank() int {
	return int(p)
}

// Estimated distances in meters for each band
const (
	criticalDistance = 0.5
	warningDistance  = 1.5
	cautionDistance  = 3.0
	monitorDistance  = 5.0
)

// EstimateProximity maps an apparent size fraction to a band and rough distance
func EstimateProximity(sizeFraction float64, th profile.Thresholds) (Proximity, float64) {
	switch {
	case sizeFraction >= th.Critical:
		return ProximityCritical, criticalDistance
	case sizeFraction >= th.Warning:
		return ProximityWarning, warningDistance
	case sizeFraction >= th.Caution:
		return ProximityCaution, cautionDistance
	default:
		return ProximityMonitor, monitorDistance
	}
}

// Direction labels
const (
	DirectionLeft  = "LEFT"
	DirectionAhead = "AHEAD"
	DirectionRight = "RIGHT"
)

// Direction splits the frame into thirds
func Direction(centerX, frameWidth int) string {
	switch {
	case centerX*3 < frameWidth:
		return DirectionLeft
	case centerX*3 > frameWidth*2:
		return DirectionRight
	default:
		return DirectionAhead
	}
}

// EstimateHazardDistance guesses the distance in meters to a ground-level
// object from its vertical position. Lower in frame means closer.
func EstimateHazardDistance(centerY, frameHeight int) float64 {
	if frameHeight <= 0 {
		return monitorDistance
	}
	rel := float64(centerY) / float64(frameHeight)
	switch {
	case rel > 0.8:
		return 2 + (1-rel)*10
	case rel > 0.5:
		return 5 + (0.8-rel)*20
	default:
		return 15 + (0.5-rel)*70
	}
}
