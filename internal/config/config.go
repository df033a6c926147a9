// Package config provides centralized configuration loading for solargate.
// It reads configuration from environment variables with sensible defaults
// and validation to fail fast on misconfiguration (the process exits with
// code 2 when Load returns an error).
//
// Environment variable naming convention:
//   - SOLARGATE_* prefix for application-specific settings
//   - OTEL_* standard names for tracing
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/solargate/internal/mode"
)

// =============================================================================
// Default Values
// =============================================================================

const (
	defaultListenHost     = "0.0.0.0"
	defaultListenPort     = 5710
	defaultTargetPort     = 5710
	defaultFailThreshold  = 1
	defaultRetryInterval  = 60 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultMaxSessions    = 32
	defaultBacklog        = 8
	defaultHTTPPort       = 8090
	defaultMQTTPrefix     = "solargate"
	defaultRetentionDays  = 7
)

// =============================================================================
// Environment Variable Keys
// =============================================================================

const (
	envListenHost = "SOLARGATE_LISTEN_HOST"
	envListenPort = "SOLARGATE_LISTEN_PORT"

	envTargetServer = "SOLARGATE_TARGET_SERVER"
	envTargetPort   = "SOLARGATE_TARGET_PORT"

	envMode           = "SOLARGATE_MODE"
	envFailThreshold  = "SOLARGATE_HYBRID_FAIL_THRESHOLD"
	envRetryInterval  = "SOLARGATE_HYBRID_RETRY_INTERVAL_S"
	envConnectTimeout = "SOLARGATE_HYBRID_CONNECT_TIMEOUT_S"
	envAckTimeout     = "SOLARGATE_CLOUD_ACK_TIMEOUT_S"

	envDeviceID = "SOLARGATE_DEVICE_ID"

	envMaxSessions    = "SOLARGATE_MAX_SESSIONS"
	envSessionBacklog = "SOLARGATE_SESSION_BACKLOG"

	envHTTPPort = "SOLARGATE_HTTP_PORT"

	envMQTTBroker = "SOLARGATE_MQTT_BROKER"
	envMQTTPrefix = "SOLARGATE_MQTT_TOPIC_PREFIX"

	envCaptureDir       = "SOLARGATE_CAPTURE_DIR"
	envCaptureRetention = "SOLARGATE_CAPTURE_RETENTION_DAYS"
	envCaptureDSN       = "SOLARGATE_CAPTURE_DB_DSN"

	envRedisAddr     = "SOLARGATE_REDIS_ADDR"
	envRedisPassword = "SOLARGATE_REDIS_PASSWORD"

	envNATSURL = "SOLARGATE_NATS_URL"

	envTracingEnabled = "SOLARGATE_TRACING_ENABLED"
	envOTLPEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// =============================================================================
// Configuration Structs
// =============================================================================

// Config holds all application configuration, grouped by concern.
type Config struct {
	Listen   ListenConfig
	Target   TargetConfig
	Mode     mode.Mode
	Hybrid   HybridConfig
	DeviceID string
	Sessions SessionsConfig
	HTTP     HTTPConfig
	MQTT     MQTTConfig
	Capture  CaptureConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Tracing  TracingConfig

	// AckTimeoutOverridden is set when the operator tried to override the
	// fixed cloud ack timeout; the value is ignored, the flag lets the
	// process say so at startup.
	AckTimeoutOverridden bool
}

// ListenConfig is the BOX-facing listener address.
type ListenConfig struct {
	Host string
	Port int
}

// Addr returns "host:port".
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// TargetConfig is the upstream cloud address.
type TargetConfig struct {
	Server string
	Port   int
}

// Addr returns "host:port", or "" when no server is configured.
func (t TargetConfig) Addr() string {
	if t.Server == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", t.Server, t.Port)
}

// HybridConfig holds the hysteresis parameters.
type HybridConfig struct {
	FailThreshold  int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

// SessionsConfig bounds listener concurrency.
type SessionsConfig struct {
	Max     int
	Backlog int
}

// HTTPConfig is the control API surface; Port 0 disables it.
type HTTPConfig struct {
	Port int
}

// MQTTConfig enables the frame republisher when Broker is set.
type MQTTConfig struct {
	Broker      string
	TopicPrefix string
}

// CaptureConfig enables frame capture when Dir or DSN is set.
type CaptureConfig struct {
	Dir           string
	RetentionDays int
	DSN           string
}

// RedisConfig enables durable setting slots when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
}

// NATSConfig enables the bus exporter when URL is set.
type NATSConfig struct {
	URL string
}

// TracingConfig enables OTLP tracing.
type TracingConfig struct {
	Enabled  bool
	Endpoint string
}

// =============================================================================
// Loading
// =============================================================================

// Load reads configuration from the environment, applies defaults, and
// validates. Errors indicate misconfiguration.
func Load() (Config, error) {
	cfg := Config{
		Listen: ListenConfig{
			Host: getString(envListenHost, defaultListenHost),
			Port: getInt(envListenPort, defaultListenPort),
		},
		Target: TargetConfig{
			Server: os.Getenv(envTargetServer),
			Port:   getInt(envTargetPort, defaultTargetPort),
		},
		Mode: mode.Mode(getString(envMode, string(mode.ModeHybrid))),
		Hybrid: HybridConfig{
			FailThreshold:  getInt(envFailThreshold, defaultFailThreshold),
			RetryInterval:  getSeconds(envRetryInterval, defaultRetryInterval),
			ConnectTimeout: getSeconds(envConnectTimeout, defaultConnectTimeout),
		},
		DeviceID: getString(envDeviceID, "AUTO"),
		Sessions: SessionsConfig{
			Max:     getInt(envMaxSessions, defaultMaxSessions),
			Backlog: getInt(envSessionBacklog, defaultBacklog),
		},
		HTTP: HTTPConfig{
			Port: getInt(envHTTPPort, defaultHTTPPort),
		},
		MQTT: MQTTConfig{
			Broker:      os.Getenv(envMQTTBroker),
			TopicPrefix: getString(envMQTTPrefix, defaultMQTTPrefix),
		},
		Capture: CaptureConfig{
			Dir:           os.Getenv(envCaptureDir),
			RetentionDays: getInt(envCaptureRetention, defaultRetentionDays),
			DSN:           os.Getenv(envCaptureDSN),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv(envRedisAddr),
			Password: os.Getenv(envRedisPassword),
		},
		NATS: NATSConfig{
			URL: os.Getenv(envNATSURL),
		},
		Tracing: TracingConfig{
			Enabled:  getBool(envTracingEnabled, false),
			Endpoint: os.Getenv(envOTLPEndpoint),
		},
		AckTimeoutOverridden: os.Getenv(envAckTimeout) != "",
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if !c.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("%s: invalid mode %q (want online, hybrid or offline)", envMode, c.Mode))
	}
	if c.Mode != mode.ModeOffline && c.Target.Server == "" {
		errs = append(errs, fmt.Errorf("%s is required in %s mode", envTargetServer, c.Mode))
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s: port %d out of range", envListenPort, c.Listen.Port))
	}
	if c.Target.Port <= 0 || c.Target.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s: port %d out of range", envTargetPort, c.Target.Port))
	}
	if c.Hybrid.FailThreshold < 1 {
		errs = append(errs, fmt.Errorf("%s must be >= 1", envFailThreshold))
	}
	if c.Hybrid.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", envRetryInterval))
	}
	if c.Sessions.Max < 1 {
		errs = append(errs, fmt.Errorf("%s must be >= 1", envMaxSessions))
	}
	if c.Capture.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("%s must be >= 1", envCaptureRetention))
	}

	return errors.Join(errs...)
}

// =============================================================================
// Helpers
// =============================================================================

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func getBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
