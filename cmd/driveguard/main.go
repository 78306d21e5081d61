package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driveguard/alert-server/internal/api"
	"github.com/driveguard/alert-server/internal/broadcast"
	"github.com/driveguard/alert-server/internal/config"
	"github.com/driveguard/alert-server/internal/detector"
	"github.com/driveguard/alert-server/internal/engine"
	"github.com/driveguard/alert-server/internal/events"
	"github.com/driveguard/alert-server/internal/logger"
	"github.com/driveguard/alert-server/internal/metrics"
	"github.com/driveguard/alert-server/internal/session"
	"github.com/driveguard/alert-server/internal/telemetry"
	"github.com/driveguard/alert-server/internal/voice"
	"github.com/driveguard/alert-server/internal/webrtc"
)

const shutdownTimeout = 10 * time.Second

var (
	// Command-line flags
	configPath  = flag.String("config", "", "YAML config file")
	httpAddr    = flag.String("http", "", "HTTP server address (overrides config)")
	metricsAddr = flag.String("metrics", "", "Metrics server address (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
	detectorCmd = flag.String("detector", "", "Detector worker command (overrides config)")
	noVoice     = flag.Bool("no-voice", false, "Disable server-side speech")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)

	logger.Info("Main", "Driver alert server starting...")
	logger.Info("Main", "Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

// applyFlags lets explicitly set flags win over file and environment values
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.Server.Addr = *httpAddr
		case "metrics":
			cfg.Server.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-color":
			cfg.Log.Color = *logColor
		case "detector":
			cfg.Detector.Command = *detectorCmd
		case "no-voice":
			cfg.Voice.Enabled = !*noVoice
		}
	})
}

func run(ctx context.Context, cfg config.Config) error {
	tp, err := telemetry.Setup(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Main", "Tracer shutdown: %v", err)
		}
	}()

	// A worker that cannot answer its startup ping aborts the process
	worker, err := detector.NewWorker(detector.WorkerConfig{
		Command:        cfg.Detector.Command,
		Args:           cfg.Detector.Args,
		RequestTimeout: cfg.Detector.RequestTimeout,
		StartTimeout:   cfg.Detector.StartTimeout,
	})
	if err != nil {
		return fmt.Errorf("create detector worker: %w", err)
	}
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start detector worker: %w", err)
	}
	defer func() {
		if err := worker.Stop(); err != nil {
			logger.Warn("Main", "Detector worker stop: %v", err)
		}
	}()

	m := metrics.New()
	queue := voice.NewQueue(newSpeaker(cfg.Voice), cfg.Voice.Capacity)
	m.RegisterVoice(func() metrics.VoiceCounters {
		st := queue.Stats()
		return metrics.VoiceCounters{Enqueued: st.Enqueued, Dropped: st.Dropped, Spoken: st.Spoken, Failed: st.Failed}
	})
	m.RegisterDetector(func() metrics.DetectorCounters {
		st := worker.Stats()
		return metrics.DetectorCounters{Requests: st.Requests, Failures: st.Failures, Restarts: st.Restarts}
	})

	publisher := newPublisher(cfg, m)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("Main", "Event publisher close: %v", err)
		}
	}()

	alerts := broadcast.New()
	m.RegisterBroadcast(alerts.Dropped)
	eng := engine.New(engine.Deps{
		Detector: worker,
		Signs:    worker,
		Voice:    queue,
		Alerts:   alerts,
		Events:   publisher,
		Metrics:  m,
		Tracer:   telemetry.Tracer(tp),
	}, engine.Options{
		Session: session.Options{
			DefaultSpeedLimit:    cfg.Session.DefaultSpeedLimit,
			ActiveWindow:         cfg.Session.ActiveWindow,
			IdleTimeout:          cfg.Session.IdleTimeout,
			SweepInterval:        cfg.Session.SweepInterval,
			HazardWindow:         cfg.Hazard.Window,
			HazardBucket:         cfg.Hazard.Bucket,
			WarningVoiceInterval: cfg.Session.WarningVoiceInterval,
		},
		MaxConcurrentDetections: cfg.Detector.MaxConcurrent,
	})
	defer eng.Close()

	rtc := webrtc.NewServer(cfg.WebRTC.STUNServers, cfg.WebRTC.MaxClients, alerts,
		func(deviceID string, u session.SettingsUpdate) error {
			_, err := eng.UpdateSettings(deviceID, u)
			return err
		})
	rtc.OnClientCount(func(n int) { m.WebRTCClients.Store(int64(n)) })
	m.RegisterWebRTC(func() metrics.DataChannelCounters {
		sent, failed, updates := rtc.Totals()
		return metrics.DataChannelCounters{AlertsSent: sent, AlertsFailed: failed, Updates: updates}
	})
	defer rtc.Close()

	srv := api.NewServer(api.Config{MaxUploadBytes: cfg.Server.MaxUploadBytes}, eng, alerts, rtc)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := m.NewServer(cfg.Server.MetricsAddr)

	logger.Info("Main", "  HTTP server: %s", cfg.Server.Addr)
	logger.Info("Main", "  Metrics server: %s", cfg.Server.MetricsAddr)
	logger.Info("Main", "  Detector: %s %v", cfg.Detector.Command, cfg.Detector.Args)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		eng.Registry().Run(gctx)
		return nil
	})
	g.Go(func() error {
		queue.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return serve(httpServer)
	})
	g.Go(func() error {
		return serve(metricsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Main", "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})

	logger.Info("Main", "Server started successfully")
	return g.Wait()
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newSpeaker picks the configured speech engine, falling back to logging
func newSpeaker(cfg config.VoiceConfig) voice.Speaker {
	if !cfg.Enabled {
		return nil
	}
	speaker, err := voice.NewCommandSpeaker(cfg.Command, cfg.Args...)
	if err != nil {
		logger.Warn("Main", "Speech engine %q unavailable (%v), logging voice alerts instead", cfg.Command, err)
		return voice.LogSpeaker{}
	}
	return speaker
}

// newPublisher connects the configured brokers. Broker failures degrade to
// fewer publishers rather than stopping the server.
func newPublisher(cfg config.Config, m *metrics.Metrics) events.Publisher {
	var pubs []events.Publisher
	if cfg.Kafka.Enabled() {
		kp, err := events.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			logger.Error("Main", "Kafka publisher disabled: %v", err)
		} else {
			logger.Info("Main", "  Kafka topic: %s @ %s", cfg.Kafka.Topic, cfg.Kafka.Brokers)
			m.RegisterKafka(kp.Stats)
			pubs = append(pubs, kp)
		}
	}
	if cfg.MQTT.Enabled() {
		mp, err := events.NewMQTTPublisher(cfg.MQTT)
		if err != nil {
			logger.Error("Main", "MQTT publisher disabled: %v", err)
		} else {
			logger.Info("Main", "  MQTT broker: %s", cfg.MQTT.Broker)
			pubs = append(pubs, mp)
		}
	}
	return events.Combine(pubs...)
}
