package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/driveguard/alert-server/internal/logger"
)

// Registry defaults
const (
	DefaultSpeedLimit           = 50.0
	DefaultActiveWindow         = 30 * time.Second
	DefaultIdleTimeout          = 120 * time.Second
	DefaultSweepInterval        = 60 * time.Second
	DefaultWarningVoiceInterval = time.Second
)

// Options configures a Registry. Zero fields take defaults.
type Options struct {
	DefaultSpeedLimit    float64
	ActiveWindow         time.Duration
	IdleTimeout          time.Duration
	SweepInterval        time.Duration
	HazardWindow         time.Duration
	HazardBucket         int
	WarningVoiceInterval time.Duration

	// Clock overrides time.Now
	Clock func() time.Time

	// OnRemove runs after a session is swept
	OnRemove func(s *Session)
}

func (o *Options) applyDefaults() {
	if o.DefaultSpeedLimit <= 0 {
		o.DefaultSpeedLimit = DefaultSpeedLimit
	}
	if o.ActiveWindow <= 0 {
		o.ActiveWindow = DefaultActiveWindow
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.WarningVoiceInterval <= 0 {
		o.WarningVoiceInterval = DefaultWarningVoiceInterval
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Summary is the registry-wide status report
type Summary struct {
	TotalDevices  int      `json:"total_devices"`
	ActiveDevices int      `json:"active_devices"`
	Devices       []Status `json:"devices"`
}

// Registry owns all device sessions. Its lock guards only the map; session
// fields have their own locks.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	opts.applyDefaults()
	return &Registry{
		sessions: make(map[string]*Session),
		opts:     opts,
	}
}

// Now returns the registry clock time
func (r *Registry) Now() time.Time {
	return r.opts.Clock()
}

// Register creates the session if absent. It returns the session and whether it was created.
func (r *Registry) Register(id, name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := newSession(id, name, &r.opts)
	r.sessions[id] = s
	return s, true
}

// Get looks up a session
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns the sessions sorted by device id
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Summary builds the status report
func (r *Registry) Summary() Summary {
	now := r.Now()
	sessions := r.Sessions()
	sum := Summary{
		TotalDevices: len(sessions),
		Devices:      make([]Status, 0, len(sessions)),
	}
	for _, s := range sessions {
		st := s.Status(now, r.opts.ActiveWindow)
		if st.Active {
			sum.ActiveDevices++
		}
		sum.Devices = append(sum.Devices, st)
	}
	return sum
}

// Counts returns total and active session counts
func (r *Registry) Counts() (total, active int) {
	now := r.Now()
	for _, s := range r.Sessions() {
		total++
		if s.IdleFor(now) < r.opts.ActiveWindow {
			active++
		}
	}
	return total, active
}

// Sweep removes sessions idle longer than the idle timeout and returns their ids
func (r *Registry) Sweep() []string {
	now := r.Now()

	r.mu.Lock()
	var removed []*Session
	for id, s := range r.sessions {
		if s.IdleFor(now) > r.opts.IdleTimeout {
			delete(r.sessions, id)
			removed = append(removed, s)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(removed))
	for _, s := range removed {
		logger.Warn("Registry", "Removing inactive device: %s (%s, idle %s)", s.id, s.name, s.IdleFor(now).Truncate(time.Second))
		r.notifyRemoved(s)
		ids = append(ids, s.id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) notifyRemoved(s *Session) {
	if r.opts.OnRemove == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Registry", "Cleanup hook failed for %s: %v", s.id, rec)
		}
	}()
	r.opts.OnRemove(s)
}

// Run sweeps on the configured interval until ctx is cancelled
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	logger.Info("Registry", "Cleanup loop started (interval=%s, idle timeout=%s)", r.opts.SweepInterval, r.opts.IdleTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.Sweep(); len(removed) > 0 {
				logger.Info("Registry", "Swept %d inactive device(s), %d remaining", len(removed), r.Len())
			}
		}
	}
}
