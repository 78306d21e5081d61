package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveguard/alert-server/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry(Options{})

	s1, created := r.Register("phone-1", "Pixel")
	require.True(t, created)
	s2, created := r.Register("phone-1", "Renamed")
	assert.False(t, created)
	assert.Same(t, s1, s2)
	assert.Equal(t, "Pixel", s2.Name())
	assert.Equal(t, 1, r.Len())
}

func TestNewSessionDefaults(t *testing.T) {
	r := NewRegistry(Options{})
	s, _ := r.Register("phone-1", "Pixel")

	assert.Equal(t, 50.0, s.SpeedLimit())
	assert.False(t, s.RoadMode())
	assert.Zero(t, s.Speed())
	assert.Zero(t, s.FrameCount())
	assert.Nil(t, s.Frame())
	assert.Equal(t, types.LevelSafe, s.Alert().Level)
}

func TestUpdateFrameBumpsCounters(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Options{Clock: clock.Now})
	s, _ := r.Register("phone-1", "Pixel")

	clock.Advance(5 * time.Second)
	f := &types.Frame{Width: 640, Height: 480}
	assert.Equal(t, uint64(1), s.UpdateFrame(f))
	assert.Equal(t, uint64(2), s.UpdateFrame(f))
	assert.Same(t, f, s.Frame())
	assert.Equal(t, clock.Now(), s.LastUpdate())
}

func TestApplyPartialSettings(t *testing.T) {
	r := NewRegistry(Options{})
	s, _ := r.Register("phone-1", "Pixel")

	road := true
	got := s.Apply(SettingsUpdate{RoadMode: &road})
	assert.True(t, got.RoadMode)
	assert.Zero(t, got.Speed)
	assert.Equal(t, 50.0, got.SpeedLimit)

	speed := 72.5
	got = s.Apply(SettingsUpdate{Speed: &speed})
	assert.True(t, got.RoadMode)
	assert.Equal(t, 72.5, got.Speed)
}

func TestSettingsRoundTripThroughSummary(t *testing.T) {
	r := NewRegistry(Options{})
	s, _ := r.Register("phone-1", "Pixel")

	road, speed, limit := true, 64.0, 80.0
	s.Apply(SettingsUpdate{RoadMode: &road, Speed: &speed, SpeedLimit: &limit})

	sum := r.Summary()
	require.Len(t, sum.Devices, 1)
	st := sum.Devices[0]
	assert.True(t, st.RoadMode)
	assert.Equal(t, 64.0, st.Speed)
	assert.Equal(t, 80.0, st.SpeedLimit)
}

func TestSessionLifecycle(t *testing.T) {
	clock := newFakeClock()
	var removed []string
	r := NewRegistry(Options{
		Clock:    clock.Now,
		OnRemove: func(s *Session) { removed = append(removed, s.ID()) },
	})
	r.Register("phone-1", "Pixel")

	clock.Advance(29 * time.Second)
	sum := r.Summary()
	assert.Equal(t, 1, sum.ActiveDevices)

	clock.Advance(2 * time.Second) // 31s
	sum = r.Summary()
	assert.Equal(t, 1, sum.TotalDevices)
	assert.Zero(t, sum.ActiveDevices)
	assert.False(t, sum.Devices[0].Active)

	clock.Advance(88 * time.Second) // 119s
	assert.Empty(t, r.Sweep())
	_, ok := r.Get("phone-1")
	assert.True(t, ok)

	clock.Advance(2 * time.Second) // 121s
	assert.Equal(t, []string{"phone-1"}, r.Sweep())
	_, ok = r.Get("phone-1")
	assert.False(t, ok)
	assert.Empty(t, r.Sessions())
	assert.Equal(t, []string{"phone-1"}, removed)
}

func TestFrameKeepsSessionAlive(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Options{Clock: clock.Now})
	s, _ := r.Register("phone-1", "Pixel")

	clock.Advance(100 * time.Second)
	s.UpdateFrame(&types.Frame{})
	clock.Advance(100 * time.Second)
	assert.Empty(t, r.Sweep())
}

func TestSweepSurvivesPanickingHook(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Options{
		Clock:    clock.Now,
		OnRemove: func(*Session) { panic("boom") },
	})
	r.Register("a", "A")
	r.Register("b", "B")
	clock.Advance(3 * time.Minute)

	assert.Equal(t, []string{"a", "b"}, r.Sweep())
	assert.Zero(t, r.Len())
}

func TestWarningVoiceThrottle(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Options{Clock: clock.Now})
	s, _ := r.Register("phone-1", "Pixel")

	now := clock.Now()
	assert.True(t, s.AllowWarningVoice(now))
	assert.False(t, s.AllowWarningVoice(now.Add(500*time.Millisecond)))
	assert.True(t, s.AllowWarningVoice(now.Add(1500*time.Millisecond)))
}

func TestRunStopsOnCancel(t *testing.T) {
	r := NewRegistry(Options{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry(Options{})
	s, _ := r.Register("phone-1", "Pixel")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.UpdateFrame(&types.Frame{})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.Alert()
				_ = r.Summary()
			}
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v := float64(j)
				s.Apply(SettingsUpdate{Speed: &v})
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint64(800), s.FrameCount())
}
