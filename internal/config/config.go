// Package config loads client settings from flags, BOARDSYNC_* environment
// variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const EnvPrefix = "BOARDSYNC"

const (
	KeyBaseURL         = "base-url"
	KeyToken           = "token"
	KeySessionID       = "session-id"
	KeyProjectID       = "project-id"
	KeyQueueDSN        = "queue-dsn"
	KeyQueueCapacity   = "queue-capacity"
	KeyBackoffBase     = "backoff-base"
	KeyBackoffMax      = "backoff-max"
	KeyMaxFailures     = "max-failures"
	KeyHealthInterval  = "health-interval"
	KeyHealthJitter    = "health-jitter"
	KeyHealthTimeout   = "health-timeout"
	KeyRequestTimeout  = "request-timeout"
	KeyOfflineFlagFile = "offline-flag-file"
	KeyDrainMarkerFile = "drain-marker-file"
	KeyReplayRate      = "replay-rate"
	KeyLogLevel        = "log-level"
	KeyLogJSON         = "log-json"
	KeyLogFile         = "log-file"
	KeyMetricsAddr     = "metrics-addr"
)

type Config struct {
	BaseURL   string
	Token     string
	SessionID string
	ProjectID string

	QueueDSN      string
	QueueCapacity int

	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxFailures int

	HealthInterval time.Duration
	HealthJitter   float64
	HealthTimeout  time.Duration
	RequestTimeout time.Duration

	OfflineFlagFile string
	DrainMarkerFile string
	ReplayRate      float64

	LogLevel    string
	LogJSON     bool
	LogFile     string
	MetricsAddr string
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyBaseURL, "http://127.0.0.1:8080")
	v.SetDefault(KeyQueueCapacity, 1024)
	v.SetDefault(KeyBackoffBase, time.Second)
	v.SetDefault(KeyBackoffMax, 30*time.Second)
	v.SetDefault(KeyMaxFailures, 10)
	v.SetDefault(KeyHealthInterval, 15*time.Second)
	v.SetDefault(KeyHealthJitter, 0.2)
	v.SetDefault(KeyHealthTimeout, 5*time.Second)
	v.SetDefault(KeyRequestTimeout, 15*time.Second)
	v.SetDefault(KeyReplayRate, 10.0)
	v.SetDefault(KeyLogLevel, "info")
}

// ReadFile merges a yaml, toml or json config file into v.
func ReadFile(v *viper.Viper, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load reads and validates every setting.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		BaseURL:         strings.TrimRight(strings.TrimSpace(v.GetString(KeyBaseURL)), "/"),
		Token:           strings.TrimSpace(v.GetString(KeyToken)),
		SessionID:       strings.TrimSpace(v.GetString(KeySessionID)),
		ProjectID:       strings.TrimSpace(v.GetString(KeyProjectID)),
		QueueDSN:        strings.TrimSpace(v.GetString(KeyQueueDSN)),
		QueueCapacity:   v.GetInt(KeyQueueCapacity),
		BackoffBase:     v.GetDuration(KeyBackoffBase),
		BackoffMax:      v.GetDuration(KeyBackoffMax),
		MaxFailures:     v.GetInt(KeyMaxFailures),
		HealthInterval:  v.GetDuration(KeyHealthInterval),
		HealthJitter:    v.GetFloat64(KeyHealthJitter),
		HealthTimeout:   v.GetDuration(KeyHealthTimeout),
		RequestTimeout:  v.GetDuration(KeyRequestTimeout),
		OfflineFlagFile: strings.TrimSpace(v.GetString(KeyOfflineFlagFile)),
		DrainMarkerFile: strings.TrimSpace(v.GetString(KeyDrainMarkerFile)),
		ReplayRate:      v.GetFloat64(KeyReplayRate),
		LogLevel:        strings.TrimSpace(v.GetString(KeyLogLevel)),
		LogJSON:         v.GetBool(KeyLogJSON),
		LogFile:         strings.TrimSpace(v.GetString(KeyLogFile)),
		MetricsAddr:     strings.TrimSpace(v.GetString(KeyMetricsAddr)),
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.QueueDSN == "" {
		cfg.QueueDSN = DefaultQueuePath()
	}
	if cfg.HealthJitter < 0 {
		cfg.HealthJitter = 0
	}
	if cfg.HealthJitter > 1 {
		cfg.HealthJitter = 1
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("%s must be an http(s) URL, got %q", KeyBaseURL, c.BaseURL))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyQueueCapacity))
	}
	if c.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyBackoffBase))
	}
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, fmt.Errorf("%s must be at least %s", KeyBackoffMax, KeyBackoffBase))
	}
	if c.MaxFailures <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyMaxFailures))
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyHealthInterval))
	}
	if c.ReplayRate < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyReplayRate))
	}
	return errors.Join(errs...)
}

// DefaultQueuePath places the queue file in the user cache directory.
func DefaultQueuePath() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "boardsync", "queue.json")
}
