// Package config loads the dashboard client configuration from an optional
// YAML file and DASH_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"void-reckoning/dashboard/internal/net/ws"
)

const (
	EnvPrefix   = "DASH_"
	DefaultFile = "dashboard.yaml"
)

type Config struct {
	Feed        FeedConfig        `koanf:"feed"`
	REST        RESTConfig        `koanf:"rest"`
	Buffer      BufferConfig      `koanf:"buffer"`
	Alerts      AlertsConfig      `koanf:"alerts"`
	Diagnostics DiagnosticsConfig `koanf:"diagnostics"`
	Logging     LoggingConfig     `koanf:"logging"`
	Tracing     TracingConfig     `koanf:"tracing"`
}

type FeedConfig struct {
	URL              string        `koanf:"url"`
	BaseDelay        time.Duration `koanf:"base_delay"`
	MaxAttempts      int           `koanf:"max_attempts"`
	HealthInterval   time.Duration `koanf:"health_interval"`
	SnapshotGap      time.Duration `koanf:"snapshot_gap"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
}

// RESTConfig points at the backend HTTP API. An empty BaseURL is derived
// from the feed URL.
type RESTConfig struct {
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

type BufferConfig struct {
	Capacity int `koanf:"capacity"`
	PageSize int `koanf:"page_size"`
}

type AlertsConfig struct {
	Capacity   int `koanf:"capacity"`
	AckRetries int `koanf:"ack_retries"`
}

type DiagnosticsConfig struct {
	Addr string `koanf:"addr"`
}

type LoggingConfig struct {
	Sinks       []string `koanf:"sinks"`
	MinSeverity string   `koanf:"min_severity"`
	JSONPath    string   `koanf:"json_path"`
	Prefix      string   `koanf:"prefix"`
	MemoryLimit int      `koanf:"memory_limit"`
}

type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

func Default() Config {
	return Config{
		Feed: FeedConfig{
			URL:              "ws://localhost:8000/ws",
			BaseDelay:        time.Second,
			MaxAttempts:      10,
			HealthInterval:   30 * time.Second,
			SnapshotGap:      5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		REST: RESTConfig{Timeout: 10 * time.Second},
		Buffer: BufferConfig{
			Capacity: 100,
			PageSize: 20,
		},
		Alerts: AlertsConfig{
			Capacity:   200,
			AckRetries: 3,
		},
		Diagnostics: DiagnosticsConfig{Addr: "127.0.0.1:8090"},
		Logging: LoggingConfig{
			Sinks:       []string{"console"},
			MinSeverity: "info",
			MemoryLimit: 500,
		},
		Tracing: TracingConfig{ServiceName: "void-reckoning-dashboard"},
	}
}

// Load layers defaults, the YAML file and the environment, in that order.
// An empty path reads DefaultFile when it exists; an explicit path must
// exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps DASH_FEED__BASE_DELAY to feed.base_delay. List values are
// comma separated.
func envKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if key == "logging.sinks" {
		parts := strings.Split(value, ",")
		sinks := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				sinks = append(sinks, p)
			}
		}
		return key, sinks
	}
	return key, value
}

func (c *Config) normalize() error {
	feed, err := url.Parse(c.Feed.URL)
	if err != nil {
		return fmt.Errorf("feed.url: %w", err)
	}
	if feed.Scheme != "ws" && feed.Scheme != "wss" {
		return fmt.Errorf("feed.url %q: scheme must be ws or wss", c.Feed.URL)
	}
	if feed.Host == "" {
		return fmt.Errorf("feed.url %q: host required", c.Feed.URL)
	}
	if c.REST.BaseURL == "" {
		scheme := "http"
		if feed.Scheme == "wss" {
			scheme = "https"
		}
		c.REST.BaseURL = scheme + "://" + feed.Host
	}
	if c.Feed.BaseDelay <= 0 {
		return fmt.Errorf("feed.base_delay must be positive, got %s", c.Feed.BaseDelay)
	}
	if c.Feed.MaxAttempts <= 0 {
		return fmt.Errorf("feed.max_attempts must be positive, got %d", c.Feed.MaxAttempts)
	}
	if ws.Delay(c.Feed.BaseDelay, c.Feed.MaxAttempts-1) == ws.MaxDelay {
		return fmt.Errorf("feed.max_attempts %d: reconnect delay at base %s exceeds the representable duration", c.Feed.MaxAttempts, c.Feed.BaseDelay)
	}
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer.capacity must be positive, got %d", c.Buffer.Capacity)
	}
	if c.Alerts.Capacity <= 0 {
		return fmt.Errorf("alerts.capacity must be positive, got %d", c.Alerts.Capacity)
	}
	if c.Alerts.AckRetries <= 0 {
		c.Alerts.AckRetries = 1
	}
	for _, sink := range c.Logging.Sinks {
		switch sink {
		case "console", "json", "memory":
		default:
			return fmt.Errorf("logging.sinks: unknown sink %q", sink)
		}
	}
	return nil
}
