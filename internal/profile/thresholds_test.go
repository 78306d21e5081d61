package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndoorThresholdsIgnoreSpeed(t *testing.T) {
	for _, speed := range []float64{-5, 0, 45, 120} {
		th := Calculate(speed, false)
		assert.Equal(t, Indoor.Base, th, "speed=%v", speed)
	}
	th := Calculate(0, false)
	assert.Equal(t, 0.20, th.Critical)
	assert.Equal(t, 0.10, th.Warning)
	assert.Equal(t, 0.04, th.Caution)
	assert.Equal(t, 0.25, th.Confidence)
	assert.Equal(t, 0.40, th.PathRatio)
}

func TestSpeedFactorBands(t *testing.T) {
	cases := []struct {
		speed  float64
		factor float64
	}{
		{-10, 1.10},
		{0, 1.10},
		{29.9, 1.10},
		{30, 1.00},
		{59.9, 1.00},
		{60, 0.85},
		{89.9, 0.85},
		{90, 0.70},
		{95, 0.70},
		{250, 0.70},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.factor, SpeedFactor(tc.speed), "speed=%v", tc.speed)
	}
}

func TestRoadThresholdsAtHighway(t *testing.T) {
	th := Calculate(95, true)
	assert.InDelta(t, 0.105, th.Critical, 1e-9)
	assert.InDelta(t, 0.056, th.Warning, 1e-9)
	assert.InDelta(t, 0.021, th.Caution, 1e-9)
	assert.Equal(t, 0.35, th.Confidence)
	assert.Equal(t, 0.45, th.PathRatio)
}

func TestThresholdsStrictlyOrdered(t *testing.T) {
	for _, road := range []bool{false, true} {
		for speed := -20.0; speed <= 200; speed += 5 {
			th := Calculate(speed, road)
			require.Greater(t, th.Critical, th.Warning)
			require.Greater(t, th.Warning, th.Caution)
			require.Greater(t, th.Caution, 0.0)
		}
	}
}

func TestInPathBoundaries(t *testing.T) {
	lo, hi := PathBand(640, 0.40)
	assert.Equal(t, 192.0, lo)
	assert.Equal(t, 448.0, hi)

	assert.False(t, InPath(191, 640, 0.40))
	assert.True(t, InPath(192, 640, 0.40))
	assert.True(t, InPath(320, 640, 0.40))
	assert.True(t, InPath(448, 640, 0.40))
	assert.False(t, InPath(449, 640, 0.40))
}

func TestProfileClassSets(t *testing.T) {
	assert.True(t, Road.Hazards.Has("pothole"))
	assert.True(t, Road.Signs.Has(SpeedLimitSign))
	assert.True(t, Road.HighPriority.Has("stop sign"))
	assert.False(t, Indoor.HighPriority.Has("bird"))
	assert.Empty(t, Indoor.Hazards)
	assert.Same(t, Road, For(true))
	assert.Same(t, Indoor, For(false))
}
