// Package detector talks to the external object detector and sign reader.
package detector

import (
	"context"
	"errors"

	"github.com/driveguard/alert-server/pkg/types"
)

// ErrWorkerNotRunning is returned when the detector process is not available
var ErrWorkerNotRunning = errors.New("detector worker not running")

// Detector finds objects in a frame. Detections below confidence may be omitted.
type Detector interface {
	Detect(ctx context.Context, frame *types.Frame, confidence float64) ([]types.DetectionRecord, error)
}

// Filter drops detections below the confidence floor and fills in derived fields
// relative to the frame size.
func Filter(dets []types.DetectionRecord, frameWidth, frameHeight int, confidence float64) []types.DetectionRecord {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Confidence < confidence {
			continue
		}
		out = append(out, types.NewDetectionRecord(d.ClassName, d.Confidence, d.BBox, frameWidth, frameHeight))
	}
	return out
}
