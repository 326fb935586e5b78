// Package persistence stores the dashboard's alert archive and timeline
// state between restarts behind a small key-value interface.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// Storage keys
const (
	KeyAlerts    = "crowdsense_alerts"
	KeyGraphData = "crowdsense_graph_data"
	// KeyEventTimeline holds the backend's minute series, kept apart from
	// the alert-derived chart
	KeyEventTimeline = "crowdsense_event_timeline"
)

// ErrNotFound is returned by Get for an absent key
var ErrNotFound = errors.New("key not found")

// KV is a flat string-keyed blob store
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Drivers
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config selects and configures a backend
type Config struct {
	Driver string
	// Path of the sqlite database file
	Path string
	// RedisAddr, RedisPassword, RedisDB and RedisPrefix configure the redis backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// DefaultConfig stores state in a sqlite file under dataDir
func DefaultConfig(dataDir string) Config {
	return Config{
		Driver:      DriverSQLite,
		Path:        filepath.Join(dataDir, "crowdsense.db"),
		RedisAddr:   "localhost:6379",
		RedisPrefix: "crowdsense:",
	}
}

// Open opens the configured backend. SQLite backends are migrated before
// they are returned.
func Open(ctx context.Context, cfg Config) (KV, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		db, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := NewMigrator(db).Run(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return db, nil
	case DriverRedis:
		return OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}

// Checker is implemented by backends that can probe their connection
type Checker interface {
	Health(ctx context.Context) error
}

// Health probes kv when the backend supports it
func Health(ctx context.Context, kv KV) error {
	if c, ok := kv.(Checker); ok {
		return c.Health(ctx)
	}
	return nil
}
