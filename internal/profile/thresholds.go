package profile

// Thresholds are size-fraction cutoffs plus the detector confidence floor
// and the path band ratio. Critical > Warning > Caution > 0 always holds.
type Thresholds struct {
	Critical   float64 `json:"critical"`
	Warning    float64 `json:"warning"`
	Caution    float64 `json:"caution"`
	Confidence float64 `json:"confidence"`
	PathRatio  float64 `json:"path_ratio"`
}

// Scale multiplies the size thresholds by factor. Confidence and path ratio are unchanged.
func (t Thresholds) Scale(factor float64) Thresholds {
	t.Critical *= factor
	t.Warning *= factor
	t.Caution *= factor
	return t
}

// speedBands maps lower speed bounds (km/h) to threshold multipliers.
// Faster driving lowers the thresholds so alerts fire at smaller apparent sizes.
var speedBands = []struct {
	min    float64
	factor float64
}{
	{90, 0.70},
	{60, 0.85},
	{30, 1.00},
}

// SpeedFactor returns the threshold multiplier for speed in km/h.
// Negative speeds fall into the lowest band.
func SpeedFactor(speed float64) float64 {
	for _, band := range speedBands {
		if speed >= band.min {
			return band.factor
		}
	}
	return 1.10
}

// Calculate returns the effective thresholds for a speed and mode
func Calculate(speed float64, roadMode bool) Thresholds {
	return For(roadMode).Thresholds(speed)
}

// InPath reports whether a horizontal center lies inside the central band
// of width frameWidth*pathRatio. Bounds are inclusive.
func InPath(centerX float64, frameWidth int, pathRatio float64) bool {
	lo, hi := PathBand(frameWidth, pathRatio)
	return centerX >= lo && centerX <= hi
}

// PathBand returns the inclusive horizontal bounds of the path band
func PathBand(frameWidth int, pathRatio float64) (lo, hi float64) {
	mid := float64(frameWidth) / 2
	half := float64(frameWidth) * pathRatio / 2
	return mid - half, mid + half
}
