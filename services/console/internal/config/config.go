package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPort               = 8080
	defaultPollInterval       = 30 * time.Second
	defaultLiveInterval       = 60 * time.Second
	defaultSyncDelay          = 2 * time.Second
	defaultRequestTimeout     = 15 * time.Second
	defaultSensorPageLimit    = 1000
	defaultHistoryPageSize    = 50
	defaultToastTTL           = 5 * time.Second
	defaultReconnectDelay     = 3 * time.Second
	defaultSessionFile        = ".heatwatch/session.json"
	defaultArchiveMinInterval = 5 * time.Minute
	defaultArchiveEpsilon     = 0.01
)

// Config holds environment-driven settings for the console service.
type Config struct {
	APIBaseURL      string
	PushURL         string
	Port            int
	PollInterval    time.Duration
	LiveInterval    time.Duration
	SyncDelay       time.Duration
	RequestTimeout  time.Duration
	SensorPageLimit int
	HistoryPageSize int
	ToastTTL        time.Duration
	ReconnectDelay  time.Duration

	SessionFile   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DatabaseURL        string
	ArchiveMinInterval time.Duration
	ArchiveEpsilon     float64

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	_ = godotenv.Load() // ignore missing file

	cfg := Config{
		Port:               defaultPort,
		PollInterval:       defaultPollInterval,
		LiveInterval:       defaultLiveInterval,
		SyncDelay:          defaultSyncDelay,
		RequestTimeout:     defaultRequestTimeout,
		SensorPageLimit:    defaultSensorPageLimit,
		HistoryPageSize:    defaultHistoryPageSize,
		ToastTTL:           defaultToastTTL,
		ReconnectDelay:     defaultReconnectDelay,
		SessionFile:        defaultSessionFile,
		ArchiveMinInterval: defaultArchiveMinInterval,
		ArchiveEpsilon:     defaultArchiveEpsilon,
		LogLevel:           "info",
		LogFormat:          "json",
	}

	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("API_BASE_URL")), "/")
	if cfg.APIBaseURL == "" {
		return cfg, errors.New("API_BASE_URL is required")
	}

	cfg.PushURL = strings.TrimSpace(os.Getenv("PUSH_URL"))
	if cfg.PushURL == "" {
		derived, err := derivePushURL(cfg.APIBaseURL)
		if err != nil {
			return cfg, fmt.Errorf("invalid API_BASE_URL: %w", err)
		}
		cfg.PushURL = derived
	}

	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		} else {
			return cfg, fmt.Errorf("invalid PORT: %s", portStr)
		}
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"POLL_INTERVAL", &cfg.PollInterval},
		{"LIVE_INTERVAL", &cfg.LiveInterval},
		{"SYNC_DELAY", &cfg.SyncDelay},
		{"REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"TOAST_TTL", &cfg.ToastTTL},
		{"PUSH_RECONNECT_DELAY", &cfg.ReconnectDelay},
		{"ARCHIVE_MIN_INTERVAL", &cfg.ArchiveMinInterval},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.env))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", d.env, err)
		}
		if parsed <= 0 {
			return cfg, fmt.Errorf("invalid %s: must be positive", d.env)
		}
		*d.dst = parsed
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"SENSOR_PAGE_LIMIT", &cfg.SensorPageLimit},
		{"HISTORY_PAGE_SIZE", &cfg.HistoryPageSize},
	}
	for _, i := range ints {
		v := strings.TrimSpace(os.Getenv(i.env))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid %s: %s", i.env, v)
		}
		*i.dst = n
	}

	if path := strings.TrimSpace(os.Getenv("SESSION_FILE")); path != "" {
		cfg.SessionFile = path
	}
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil || db < 0 {
			return cfg, fmt.Errorf("invalid REDIS_DB: %s", v)
		}
		cfg.RedisDB = db
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if v := strings.TrimSpace(os.Getenv("ARCHIVE_EPSILON")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid ARCHIVE_EPSILON: %w", err)
		}
		cfg.ArchiveEpsilon = f
	}

	if level := strings.TrimSpace(os.Getenv("LOG_LEVEL")); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}
	if format := strings.TrimSpace(os.Getenv("LOG_FORMAT")); format != "" {
		cfg.LogFormat = strings.ToLower(format)
	}

	return cfg, nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// derivePushURL maps https://host/api/v1 to wss://host/socket.
func derivePushURL(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", apiBase)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/socket"
	u.RawQuery = ""
	return u.String(), nil
}
