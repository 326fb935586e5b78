// Package config provides configuration management for the CrowdSense dashboard
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Environment overrides
const (
	EnvConfigPath = "CROWDSENSE_CONFIG"
	EnvDataPath   = "DATA_PATH"
	EnvLogLevel   = "LOG_LEVEL"
)

// Config represents the dashboard daemon configuration
type Config struct {
	Version     string            `yaml:"version"`
	System      SystemConfig      `yaml:"system"`
	Server      ServerConfig      `yaml:"server"`
	Cameras     []CameraConfig    `yaml:"cameras"`
	Backend     BackendConfig     `yaml:"backend"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Timeline    TimelineConfig    `yaml:"timeline"`
	Persistence PersistenceConfig `yaml:"persistence"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// SystemConfig holds process-wide settings
type SystemConfig struct {
	Name     string        `yaml:"name"`
	Timezone string        `yaml:"timezone"`
	DataPath string        `yaml:"data_path"`
	Logging  LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
	// Buffer is the number of records kept for /api/diagnostics/logs
	Buffer int `yaml:"buffer"`
}

// ServerConfig holds the HTTP API settings
type ServerConfig struct {
	Address      string        `yaml:"address"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CameraConfig is one roster entry
type CameraConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	// Index is the capture device index used when starting a live camera
	Index int `yaml:"index" json:"index"`
}

// BackendConfig describes how to reach the detection backend
type BackendConfig struct {
	// URL is the HTTP base for the history and stream-control endpoints
	URL string `yaml:"url"`
	// Transport is websocket or nats
	Transport    string          `yaml:"transport"`
	StreamURL    string          `yaml:"stream_url"`
	PingInterval time.Duration   `yaml:"ping_interval"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	QueryTimeout time.Duration   `yaml:"query_timeout"`
	NATS         NATSConfig      `yaml:"nats"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
	Breaker      BreakerConfig   `yaml:"breaker"`
}

// NATSConfig holds NATS transport settings
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	// Embedded starts an in-process broker and ignores URL
	Embedded bool   `yaml:"embedded"`
	Port     int    `yaml:"port"`
	StoreDir string `yaml:"store_dir,omitempty"`
}

// ReconnectConfig bounds transport reconnection
type ReconnectConfig struct {
	Delay       time.Duration `yaml:"delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     string        `yaml:"backoff"` // fixed or exponential
}

// BreakerConfig tunes the circuit breaker around backend HTTP calls
type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// AlertsConfig bounds the alert logs
type AlertsConfig struct {
	FeedCapacity        int `yaml:"feed_capacity"`
	ArchiveCapacity     int `yaml:"archive_capacity"`
	DiagnosticsCapacity int `yaml:"diagnostics_capacity"`
}

// TimelineConfig controls bucketing
type TimelineConfig struct {
	LiveResolution     time.Duration `yaml:"live_resolution"`
	MaxLiveBuckets     int           `yaml:"max_live_buckets"`
	HistoryGranularity time.Duration `yaml:"history_granularity"`
}

// PersistenceConfig selects the key-value backend
type PersistenceConfig struct {
	Driver string      `yaml:"driver"` // sqlite, redis or memory
	Path   string      `yaml:"path"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file and applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults otherwise
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := &Config{path: path}
		cfg.applyEnv()
		cfg.setDefaults()
		slog.Warn("Config file not found, using defaults", "path", path)
		return cfg, cfg.Validate()
	}
	return Load(path)
}

// PathFromEnv returns CROWDSENSE_CONFIG or fallback
func PathFromEnv(fallback string) string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return fallback
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataPath); v != "" {
		c.System.DataPath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.System.Logging.Level = v
	}
}

// Validate checks values that have no sensible default
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.System.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.System.Timezone, err)
	}
	if _, err := ParseLevel(c.System.Logging.Level); err != nil {
		return err
	}

	switch c.Backend.Transport {
	case "websocket", "nats":
	default:
		return fmt.Errorf("invalid backend transport %q", c.Backend.Transport)
	}
	switch c.Backend.Reconnect.Backoff {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("invalid reconnect backoff %q", c.Backend.Reconnect.Backoff)
	}
	switch c.Persistence.Driver {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("invalid persistence driver %q", c.Persistence.Driver)
	}

	if c.Alerts.FeedCapacity < 1 || c.Alerts.ArchiveCapacity < 1 {
		return fmt.Errorf("alert capacities must be positive")
	}
	if c.Alerts.ArchiveCapacity < c.Alerts.FeedCapacity {
		return fmt.Errorf("archive capacity %d is smaller than feed capacity %d",
			c.Alerts.ArchiveCapacity, c.Alerts.FeedCapacity)
	}
	if g := c.Timeline.HistoryGranularity; g < time.Minute || g > time.Hour || time.Hour%g != 0 {
		return fmt.Errorf("history granularity %v must divide one hour", g)
	}

	seen := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("camera with empty id")
		}
		if seen[cam.ID] {
			return fmt.Errorf("duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true
	}
	return nil
}

// Location returns the configured timezone
func (c *Config) Location() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, err := time.LoadLocation(c.System.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Watch starts watching for configuration file changes
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.GetPath())
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk. An invalid file is logged and
// the running configuration kept.
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Server = newCfg.Server
	c.Cameras = newCfg.Cameras
	c.Backend = newCfg.Backend
	c.Alerts = newCfg.Alerts
	c.Timeline = newCfg.Timeline
	c.Persistence = newCfg.Persistence
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// LogLevel returns the current logging level string
func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.Logging.Level
}

// GetCamera returns a camera by ID
func (c *Config) GetCamera(id string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			cam := c.Cameras[i]
			return &cam
		}
	}
	return nil
}

// SetPath sets the config file path
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// ParseLevel maps a level name to slog.Level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "CrowdSense"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "/data"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "json"
	}
	if c.System.Logging.Buffer <= 0 {
		c.System.Logging.Buffer = 1000
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"http://localhost:3000"}
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}

	if len(c.Cameras) == 0 {
		for i := 1; i <= 4; i++ {
			c.Cameras = append(c.Cameras, CameraConfig{
				ID:    fmt.Sprintf("Cam-%d", i),
				Name:  fmt.Sprintf("Camera %d", i),
				Index: i - 1,
			})
		}
	}

	b := &c.Backend
	if b.URL == "" {
		b.URL = "http://localhost:5000"
	}
	if b.Transport == "" {
		b.Transport = "websocket"
	}
	if b.StreamURL == "" {
		b.StreamURL = "ws://localhost:5000/ws"
	}
	if b.PingInterval <= 0 {
		b.PingInterval = 30 * time.Second
	}
	if b.ReadTimeout <= 0 {
		b.ReadTimeout = 60 * time.Second
	}
	if b.QueryTimeout <= 0 {
		b.QueryTimeout = 10 * time.Second
	}
	if b.NATS.URL == "" {
		b.NATS.URL = "nats://127.0.0.1:4222"
	}
	if b.NATS.Subject == "" {
		b.NATS.Subject = "crowdsense.events.>"
	}
	if b.NATS.Port == 0 {
		b.NATS.Port = 4222
	}
	if b.Reconnect.Delay <= 0 {
		b.Reconnect.Delay = time.Second
	}
	if b.Reconnect.MaxDelay <= 0 {
		b.Reconnect.MaxDelay = 32 * time.Second
	}
	if b.Reconnect.MaxAttempts == 0 {
		b.Reconnect.MaxAttempts = 10
	}
	if b.Reconnect.Backoff == "" {
		b.Reconnect.Backoff = "fixed"
	}
	if b.Breaker.MaxRequests == 0 {
		b.Breaker.MaxRequests = 1
	}
	if b.Breaker.Interval <= 0 {
		b.Breaker.Interval = time.Minute
	}
	if b.Breaker.Timeout <= 0 {
		b.Breaker.Timeout = 30 * time.Second
	}
	if b.Breaker.ConsecutiveFailures == 0 {
		b.Breaker.ConsecutiveFailures = 5
	}

	if c.Alerts.FeedCapacity == 0 {
		c.Alerts.FeedCapacity = 20
	}
	if c.Alerts.ArchiveCapacity == 0 {
		c.Alerts.ArchiveCapacity = 50
	}
	if c.Alerts.DiagnosticsCapacity <= 0 {
		c.Alerts.DiagnosticsCapacity = 100
	}

	if c.Timeline.LiveResolution <= 0 {
		c.Timeline.LiveResolution = time.Minute
	}
	if c.Timeline.MaxLiveBuckets == 0 {
		c.Timeline.MaxLiveBuckets = 720
	}
	if c.Timeline.HistoryGranularity <= 0 {
		c.Timeline.HistoryGranularity = time.Hour
	}

	p := &c.Persistence
	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Path == "" {
		p.Path = filepath.Join(c.System.DataPath, "crowdsense.db")
	}
	if p.Redis.Addr == "" {
		p.Redis.Addr = "localhost:6379"
	}
	if p.Redis.Prefix == "" {
		p.Redis.Prefix = "crowdsense:"
	}
}
