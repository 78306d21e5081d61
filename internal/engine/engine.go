// Package engine wires frame ingestion, classification, composition and
// alert delivery into the operations the transport shells expose.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/driveguard/alert-server/internal/alert"
	"github.com/driveguard/alert-server/internal/broadcast"
	"github.com/driveguard/alert-server/internal/detector"
	"github.com/driveguard/alert-server/internal/events"
	"github.com/driveguard/alert-server/internal/frame"
	"github.com/driveguard/alert-server/internal/logger"
	"github.com/driveguard/alert-server/internal/metrics"
	"github.com/driveguard/alert-server/internal/profile"
	"github.com/driveguard/alert-server/internal/session"
	"github.com/driveguard/alert-server/internal/telemetry"
	"github.com/driveguard/alert-server/internal/voice"
	"github.com/driveguard/alert-server/pkg/types"
)

var log = logger.Module("Engine")

var (
	// ErrUnknownDevice is returned for operations on an unregistered device id
	ErrUnknownDevice = errors.New("device not registered")
	// ErrInvalidSettings is returned for out-of-range settings values
	ErrInvalidSettings = errors.New("invalid settings")
)

// MessageDeviceNotFound is the message of the alert returned for unknown devices
const MessageDeviceNotFound = "Device not found"

const (
	frameLogEvery  = 10
	publishTimeout = 5 * time.Second
)

// Deps are the collaborators of an Engine. Only Detector is required.
type Deps struct {
	Detector detector.Detector
	Signs    alert.SignReader
	Voice    *voice.Queue
	Alerts   *broadcast.Broadcaster
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
}

// Options tunes an Engine
type Options struct {
	Session session.Options

	// MaxConcurrentDetections bounds in-flight detector calls across devices
	MaxConcurrentDetections int64
}

// Engine is the multi-device alert engine
type Engine struct {
	registry   *session.Registry
	detector   detector.Detector
	classifier *alert.Classifier
	voice      *voice.Queue
	alerts     *broadcast.Broadcaster
	events     events.Publisher
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	sem        *semaphore.Weighted

	pending sync.WaitGroup
}

// New creates an engine and its session registry
func New(deps Deps, opts Options) *Engine {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer(nil)
	}
	if opts.MaxConcurrentDetections <= 0 {
		opts.MaxConcurrentDetections = 1
	}

	e := &Engine{
		detector:   deps.Detector,
		classifier: alert.NewClassifier(deps.Signs),
		voice:      deps.Voice,
		alerts:     deps.Alerts,
		events:     deps.Events,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		sem:        semaphore.NewWeighted(opts.MaxConcurrentDetections),
	}

	hook := opts.Session.OnRemove
	opts.Session.OnRemove = func(s *session.Session) {
		e.sessionRemoved(s)
		if hook != nil {
			hook(s)
		}
	}
	e.registry = session.NewRegistry(opts.Session)
	e.metrics.RegisterSessions(e.registry.Counts)
	return e
}

// Registry returns the session registry
func (e *Engine) Registry() *session.Registry {
	return e.registry
}

// Metrics returns the metrics the engine reports to
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// RegisterSession creates the device session if absent. An empty id is
// replaced with a generated one; the effective id is returned.
func (e *Engine) RegisterSession(id, name string) (string, bool) {
	if id == "" {
		id = uuid.NewString()
	}
	if name == "" {
		name = id
	}
	s, created := e.registry.Register(id, name)
	if !created {
		log.Debug("Device %s already registered", id)
		return id, false
	}

	log.Info("Registered device: %s (%s), %d device(s) total", id, name, e.registry.Len())
	ev := events.New(events.TypeSessionRegistered, id, s.CreatedAt())
	ev.DeviceName = name
	ev.SpeedLimit = s.SpeedLimit()
	e.publish(ev)
	return id, true
}

// IngestFrame decodes a frame payload, runs detection and stores and returns
// the resulting alert. Unknown devices and undecodable payloads leave session
// state untouched. Once started, classification is not cut short by the
// caller going away; the detector's own timeout bounds it.
func (e *Engine) IngestFrame(ctx context.Context, id string, payload []byte) (types.Alert, error) {
	start := time.Now()
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.Start(ctx, "engine.IngestFrame", trace.WithAttributes(attribute.String("device.id", id)))
	defer span.End()

	a, err := e.ingest(ctx, id, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.Alert{}, err
	}
	span.SetAttributes(attribute.String("alert.level", a.Level.String()))
	e.metrics.UpdateProcessLatency(time.Since(start))
	return a, nil
}

func (e *Engine) ingest(ctx context.Context, id string, payload []byte) (types.Alert, error) {
	s, ok := e.registry.Get(id)
	if !ok {
		e.metrics.FramesRejected.Add(1)
		return types.Alert{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	now := e.registry.Now()
	f, err := frame.Decode(payload, now)
	if err != nil {
		e.metrics.FramesRejected.Add(1)
		return types.Alert{}, fmt.Errorf("device %s: %w", id, err)
	}
	e.metrics.FramesReceived.Add(1)

	count := s.UpdateFrame(f)
	if count%frameLogEvery == 0 {
		log.Debug("Device %s: frame #%d (%dx%d)", id, count, f.Width, f.Height)
	}

	roadMode := s.RoadMode()
	speed := s.Speed()
	prof := profile.For(roadMode)
	th := prof.Thresholds(speed)

	dets, err := e.detect(ctx, f, th.Confidence)
	if err != nil {
		e.metrics.DetectorErrors.Add(1)
		return types.Alert{}, fmt.Errorf("device %s: detect: %w", id, err)
	}

	decision := e.classify(ctx, alert.Input{
		Frame:      f,
		Width:      f.Width,
		Height:     f.Height,
		Detections: dets,
		Thresholds: th,
		Profile:    prof,
	})

	limit := e.applySignLimit(s, decision.SpeedLimit, now)

	var fresh []string
	for _, h := range decision.Hazards {
		if s.Hazards().CheckAt(h.Type, h.Position.X, now) {
			fresh = append(fresh, h.Type)
		}
	}
	if len(fresh) > 0 {
		e.metrics.HazardsAnnounced.Add(uint64(len(fresh)))
	}

	comp := alert.Compose(decision, alert.ComposeInput{
		Speed:      speed,
		SpeedLimit: limit,
		RoadMode:   roadMode,
		NewHazards: fresh,
	})

	a := types.Alert{
		DeviceID:     id,
		HasAlert:     comp.HasAlert,
		Level:        comp.Level,
		Color:        comp.Level.Color(),
		Message:      comp.Message,
		VoiceMessage: comp.Voice,
		SpeedLimit:   limit,
		Timestamp:    types.UnixSeconds(now),
	}
	prev := s.Alert()
	s.UpdateAlert(a)

	e.metrics.ObserveAlert(a.Level.String())
	if comp.Overspeed {
		e.metrics.OverspeedAlerts.Add(1)
	}

	e.speak(s, a, now)
	if e.alerts != nil {
		e.alerts.Publish(a)
	}
	if prev.Level != a.Level {
		log.Info("Device %s: %s -> %s: %s", id, prev.Level, a.Level, a.Message)
		e.publish(events.FromAlert(a, speed))
	}
	return a, nil
}

func (e *Engine) detect(ctx context.Context, f *types.Frame, confidence float64) ([]types.DetectionRecord, error) {
	if e.detector == nil {
		return nil, detector.ErrWorkerNotRunning
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	ctx, span := e.tracer.Start(ctx, "detector.Detect")
	defer span.End()

	start := time.Now()
	dets, err := e.detector.Detect(ctx, f, confidence)
	e.metrics.ObserveDetector(time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	dets = detector.Filter(dets, f.Width, f.Height, confidence)
	span.SetAttributes(attribute.Int("detections", len(dets)))
	return dets, nil
}

func (e *Engine) classify(ctx context.Context, in alert.Input) alert.Decision {
	ctx, span := e.tracer.Start(ctx, "alert.Classify")
	defer span.End()

	d := e.classifier.Classify(ctx, in)
	span.SetAttributes(
		attribute.String("level", d.Level.String()),
		attribute.Int("in_path", d.PathCount()),
		attribute.Int("hazards", len(d.Hazards)),
		attribute.Int("signs", len(d.Signs)),
	)
	return d
}

// applySignLimit adopts a speed limit read from a sign and returns the
// effective limit.
func (e *Engine) applySignLimit(s *session.Session, reading int, now time.Time) float64 {
	if reading > 0 && s.ReplaceSpeedLimit(float64(reading)) {
		e.metrics.SpeedLimitUpdates.Add(1)
		log.Info("Device %s: speed limit updated to %d km/h", s.ID(), reading)

		ev := events.New(events.TypeSpeedLimit, s.ID(), now)
		ev.Speed = s.Speed()
		ev.SpeedLimit = float64(reading)
		e.publish(ev)
	}
	return s.SpeedLimit()
}

// speak interrupts for CRITICAL and queues WARNING at most once per interval
func (e *Engine) speak(s *session.Session, a types.Alert, now time.Time) {
	if e.voice == nil || !e.voice.Enabled() || a.VoiceMessage == "" {
		return
	}
	switch a.Level {
	case types.LevelCritical:
		e.voice.SpeakNow(a.VoiceMessage)
	case types.LevelWarning:
		if s.AllowWarningVoice(now) {
			e.voice.SpeakAsync(a.VoiceMessage)
		}
	}
}

// GetAlert returns the device's current alert, or a SAFE placeholder for
// unknown devices.
func (e *Engine) GetAlert(id string) types.Alert {
	s, ok := e.registry.Get(id)
	if !ok {
		return types.SafeAlert(id, MessageDeviceNotFound, e.registry.Now())
	}
	return s.Alert()
}

// UpdateSettings applies a partial settings change and returns the effective settings
func (e *Engine) UpdateSettings(id string, u session.SettingsUpdate) (session.Settings, error) {
	s, ok := e.registry.Get(id)
	if !ok {
		return session.Settings{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if u.Speed != nil && *u.Speed < 0 {
		return session.Settings{}, fmt.Errorf("%w: speed must not be negative", ErrInvalidSettings)
	}
	if u.SpeedLimit != nil && *u.SpeedLimit < 0 {
		return session.Settings{}, fmt.Errorf("%w: speed_limit must not be negative", ErrInvalidSettings)
	}

	before := s.SpeedLimit()
	settings := s.Apply(u)
	if u.RoadMode != nil {
		log.Debug("Device %s: road mode %v", id, settings.RoadMode)
	}
	if settings.SpeedLimit != before {
		ev := events.New(events.TypeSpeedLimit, id, e.registry.Now())
		ev.Speed = settings.Speed
		ev.SpeedLimit = settings.SpeedLimit
		e.publish(ev)
	}
	return settings, nil
}

// GetSettings returns the device's adjustable settings
func (e *Engine) GetSettings(id string) (session.Settings, error) {
	s, ok := e.registry.Get(id)
	if !ok {
		return session.Settings{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return s.Settings(), nil
}

// GetStatus returns every session's status
func (e *Engine) GetStatus() session.Summary {
	return e.registry.Summary()
}

func (e *Engine) sessionRemoved(s *session.Session) {
	if e.alerts != nil {
		e.alerts.CloseDevice(s.ID())
	}
	ev := events.New(events.TypeSessionRemoved, s.ID(), e.registry.Now())
	ev.DeviceName = s.Name()
	e.publish(ev)
}

// publish hands an event to the publisher without holding up the caller
func (e *Engine) publish(ev events.Event) {
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := e.events.Publish(ctx, ev); err != nil {
			e.metrics.EventsFailed.Add(1)
			log.Warn("Publish %s event for %s failed: %v", ev.Type, ev.DeviceID, err)
			return
		}
		e.metrics.EventsPublished.Add(1)
	}()
}

// Close waits for in-flight event publishes
func (e *Engine) Close() {
	e.pending.Wait()
}
