package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config lists the tunable parameters for the maintdesk server.
type Config struct {
	HTTPPort     int
	MetricsPort  int
	DatabasePath string
	LogLevel     string

	// RemoteDSN points at the hosted Postgres holding authoritative tickets.
	RemoteDSN string

	// QueueBackend selects where the offline queue is persisted: sqlite or redis.
	QueueBackend   string
	RedisURL       string
	RedisKeyPrefix string

	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	SubmitTimeout time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	MDNS bool
}

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

const (
	defaultHTTPPort       = 8080
	defaultMetricsPort    = 9090
	defaultDatabasePath   = "data/maintdesk.db"
	defaultLogLevel       = "info"
	defaultQueueBackend   = BackendSQLite
	defaultRedisKeyPrefix = "maintdesk:"
	defaultSubmitTimeout  = 10 * time.Second
	defaultProbeInterval  = 15 * time.Second
	defaultProbeTimeout   = 3 * time.Second
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:       defaultHTTPPort,
		MetricsPort:    defaultMetricsPort,
		DatabasePath:   defaultDatabasePath,
		LogLevel:       defaultLogLevel,
		QueueBackend:   defaultQueueBackend,
		RedisKeyPrefix: defaultRedisKeyPrefix,
		SubmitTimeout:  defaultSubmitTimeout,
		ProbeInterval:  defaultProbeInterval,
		ProbeTimeout:   defaultProbeTimeout,
	}

	var err error

	if cfg.HTTPPort, err = intEnv("MAINTDESK_HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = intEnv("MAINTDESK_METRICS_PORT", cfg.MetricsPort); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("MAINTDESK_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("MAINTDESK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.RemoteDSN = os.Getenv("MAINTDESK_REMOTE_DSN")

	if v := os.Getenv("MAINTDESK_QUEUE_BACKEND"); v != "" {
		cfg.QueueBackend = strings.ToLower(strings.TrimSpace(v))
	}
	switch cfg.QueueBackend {
	case BackendSQLite:
	case BackendRedis:
		cfg.RedisURL = os.Getenv("MAINTDESK_REDIS_URL")
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("MAINTDESK_REDIS_URL required for redis queue backend")
		}
	default:
		return Config{}, fmt.Errorf("invalid MAINTDESK_QUEUE_BACKEND %q: want sqlite or redis", cfg.QueueBackend)
	}
	if v := os.Getenv("MAINTDESK_REDIS_KEY_PREFIX"); v != "" {
		cfg.RedisKeyPrefix = v
	}

	cfg.MQTTBroker = os.Getenv("MAINTDESK_MQTT_BROKER")
	cfg.MQTTClientID = os.Getenv("MAINTDESK_MQTT_CLIENT_ID")
	cfg.MQTTUsername = os.Getenv("MAINTDESK_MQTT_USERNAME")
	cfg.MQTTPassword = os.Getenv("MAINTDESK_MQTT_PASSWORD")

	if cfg.SubmitTimeout, err = durationEnv("MAINTDESK_SUBMIT_TIMEOUT", cfg.SubmitTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ProbeInterval, err = durationEnv("MAINTDESK_PROBE_INTERVAL", cfg.ProbeInterval); err != nil {
		return Config{}, err
	}
	if cfg.ProbeTimeout, err = durationEnv("MAINTDESK_PROBE_TIMEOUT", cfg.ProbeTimeout); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("MAINTDESK_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MAINTDESK_MDNS: %w", err)
		}
		cfg.MDNS = enabled
	}

	return cfg, nil
}

func intEnv(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return d, nil
}
