package types

// BoundingBox is an axis-aligned box in pixel coordinates
type BoundingBox struct {
	X int `json:"x" msgpack:"x"`
	Y int `json:"y" msgpack:"y"`
	W int `json:"w" msgpack:"w"`
	H int `json:"h" msgpack:"h"`
}

// Area returns the box area in square pixels
func (b BoundingBox) Area() int {
	return b.W * b.H
}

// Center returns the integer center of the box
func (b BoundingBox) Center() Point {
	return Point{X: b.X + b.W/2, Y: b.Y + b.H/2}
}

// Point is a pixel position
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// DetectionRecord is one object reported by the detector for a frame
type DetectionRecord struct {
	ClassName    string      `json:"class_name"`
	Confidence   float64     `json:"confidence"`
	BBox         BoundingBox `json:"bbox"`
	SizeFraction float64     `json:"size_fraction"` // bbox area over frame area
	Center       Point       `json:"center"`
}

// NewDetectionRecord derives size fraction and center for a raw detection.
// A degenerate frame yields a zero size fraction.
func NewDetectionRecord(className string, confidence float64, box BoundingBox, frameWidth, frameHeight int) DetectionRecord {
	var fraction float64
	if frameWidth > 0 && frameHeight > 0 {
		fraction = float64(box.Area()) / float64(frameWidth*frameHeight)
	}
	return DetectionRecord{
		ClassName:    className,
		Confidence:   confidence,
		BBox:         box,
		SizeFraction: fraction,
		Center:       box.Center(),
	}
}
