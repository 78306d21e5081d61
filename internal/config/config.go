// Package config defines the runtime configuration for the alert server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/driveguard/alert-server/internal/alert"
	"github.com/driveguard/alert-server/internal/events"
	"github.com/driveguard/alert-server/internal/voice"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "DRIVEGUARD_"

// Config is the full server configuration
type Config struct {
	Server   ServerConfig       `yaml:"server"`
	Log      LogConfig          `yaml:"log"`
	Session  SessionConfig      `yaml:"session"`
	Hazard   HazardConfig       `yaml:"hazard"`
	Voice    VoiceConfig        `yaml:"voice"`
	Detector DetectorConfig     `yaml:"detector"`
	WebRTC   WebRTCConfig       `yaml:"webrtc"`
	Tracing  TracingConfig      `yaml:"tracing"`
	Kafka    events.KafkaConfig `yaml:"kafka"`
	MQTT     events.MQTTConfig  `yaml:"mqtt"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MetricsAddr    string `yaml:"metrics_addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// SessionConfig holds registry lifetimes
type SessionConfig struct {
	DefaultSpeedLimit    float64       `yaml:"default_speed_limit"`
	ActiveWindow         time.Duration `yaml:"active_window"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	WarningVoiceInterval time.Duration `yaml:"warning_voice_interval"`
}

// HazardConfig holds hazard dedup settings
type HazardConfig struct {
	Window time.Duration `yaml:"window"`
	Bucket int           `yaml:"bucket"`
}

// VoiceConfig selects the speech backend
type VoiceConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Capacity int      `yaml:"capacity"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
}

// DetectorConfig describes the detector worker process
type DetectorConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	StartTimeout   time.Duration `yaml:"start_timeout"`
	MaxConcurrent  int64         `yaml:"max_concurrent"`
}

// WebRTCConfig holds data channel signalling settings
type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers"`
	MaxClients  int      `yaml:"max_clients"`
}

// TracingConfig holds OTLP export settings
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":5000",
			MetricsAddr:    ":9090",
			MaxUploadBytes: 16 << 20,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
		Session: SessionConfig{
			DefaultSpeedLimit:    50,
			ActiveWindow:         30 * time.Second,
			IdleTimeout:          120 * time.Second,
			SweepInterval:        60 * time.Second,
			WarningVoiceInterval: time.Second,
		},
		Hazard: HazardConfig{
			Window: 3 * time.Second,
			Bucket: 50,
		},
		Voice: VoiceConfig{
			Enabled:  true,
			Capacity: 3,
			Command:  "espeak",
		},
		Detector: DetectorConfig{
			Command:        "python3",
			Args:           []string{"detector_worker.py"},
			RequestTimeout: 5 * time.Second,
			StartTimeout:   30 * time.Second,
			MaxConcurrent:  2,
		},
		WebRTC: WebRTCConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  10,
		},
		Tracing: TracingConfig{
			ServiceName: "driveguard",
		},
		Kafka: events.KafkaConfig{
			SecurityProtocol: "PLAINTEXT",
			MaxRetries:       3,
		},
		MQTT: events.MQTTConfig{
			ClientID:    "driveguard",
			TopicPrefix: "driveguard",
			QoS:         1,
		},
	}
}

// Load builds a config from defaults, the optional YAML file at path and the
// environment (including a .env file in the working directory).
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays DRIVEGUARD_* environment variables
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = strings.Fields(strings.ReplaceAll(v, ",", " "))
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	number := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Server.Addr)
	str("METRICS_ADDR", &c.Server.MetricsAddr)
	str("LOG_LEVEL", &c.Log.Level)
	boolean("LOG_COLOR", &c.Log.Color)

	number("DEFAULT_SPEED_LIMIT", &c.Session.DefaultSpeedLimit)
	duration("ACTIVE_WINDOW", &c.Session.ActiveWindow)
	duration("IDLE_TIMEOUT", &c.Session.IdleTimeout)
	duration("SWEEP_INTERVAL", &c.Session.SweepInterval)
	duration("HAZARD_WINDOW", &c.Hazard.Window)

	boolean("VOICE_ENABLED", &c.Voice.Enabled)
	str("VOICE_COMMAND", &c.Voice.Command)
	list("VOICE_ARGS", &c.Voice.Args)

	str("DETECTOR_COMMAND", &c.Detector.Command)
	list("DETECTOR_ARGS", &c.Detector.Args)
	duration("DETECTOR_TIMEOUT", &c.Detector.RequestTimeout)

	list("STUN_SERVERS", &c.WebRTC.STUNServers)
	str("OTLP_ENDPOINT", &c.Tracing.Endpoint)

	str("KAFKA_BROKERS", &c.Kafka.Brokers)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("KAFKA_SECURITY_PROTOCOL", &c.Kafka.SecurityProtocol)
	str("KAFKA_SASL_MECHANISM", &c.Kafka.SASLMechanism)
	str("KAFKA_SASL_USERNAME", &c.Kafka.SASLUsername)
	str("KAFKA_SASL_PASSWORD", &c.Kafka.SASLPassword)

	str("MQTT_BROKER", &c.MQTT.Broker)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_TOPIC_PREFIX", &c.MQTT.TopicPrefix)

	return errors.Join(errs...)
}

// Validate rejects configurations the server cannot run with
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Server.MaxUploadBytes > 0, "server.max_upload_bytes must be positive")
	check(c.Session.DefaultSpeedLimit >= alert.MinSpeedLimit && c.Session.DefaultSpeedLimit <= alert.MaxSpeedLimit,
		"session.default_speed_limit must be within %d..%d km/h", alert.MinSpeedLimit, alert.MaxSpeedLimit)
	check(c.Session.ActiveWindow > 0, "session.active_window must be positive")
	check(c.Session.IdleTimeout > 0, "session.idle_timeout must be positive")
	check(c.Session.SweepInterval > 0, "session.sweep_interval must be positive")
	check(c.Session.WarningVoiceInterval > 0, "session.warning_voice_interval must be positive")
	check(c.Session.ActiveWindow <= c.Session.IdleTimeout,
		"session.active_window (%s) exceeds session.idle_timeout (%s)", c.Session.ActiveWindow, c.Session.IdleTimeout)
	check(c.Hazard.Window > 0, "hazard.window must be positive")
	check(c.Hazard.Bucket > 0, "hazard.bucket must be positive")
	check(c.Voice.Capacity >= voice.MinCapacity && c.Voice.Capacity <= voice.MaxCapacity,
		"voice.capacity must be %d or %d", voice.MinCapacity, voice.MaxCapacity)
	check(c.Detector.Command != "", "detector.command is required")
	check(c.Detector.RequestTimeout > 0, "detector.request_timeout must be positive")
	check(c.Detector.StartTimeout > 0, "detector.start_timeout must be positive")
	check(c.Detector.MaxConcurrent > 0, "detector.max_concurrent must be positive")
	check(c.WebRTC.MaxClients > 0, "webrtc.max_clients must be positive")
	check(c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1 or 2")
	if c.Kafka.Brokers != "" || c.Kafka.Topic != "" {
		check(c.Kafka.Enabled(), "kafka.brokers and kafka.topic must be set together")
	}

	return errors.Join(errs...)
}
