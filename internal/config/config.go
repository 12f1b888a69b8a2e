package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network settings for the relay's HTTP listener.
type ListenerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the sync agent and the collab relay.
type Config struct {
	// Mode is "prod" (default) or "testing".
	Mode string

	// DBPath is the local SQLite database file.
	DBPath string

	// APIBaseURL is the notes REST API base, no trailing slash.
	APIBaseURL string

	// Redis replication for the relay. When the URL is empty or pub/sub is
	// disabled, the relay runs single-instance with in-process fan-out only.
	RedisURL           string
	RedisPubSubEnabled bool

	// Sync cadence and bounds.
	SyncInterval    time.Duration
	DocSyncTimeout  time.Duration
	DocCompactEvery int

	// Relay server.
	Listener     ListenerConfig
	DrainTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeProd,
		DBPath:          "notesync.db",
		APIBaseURL:      "http://localhost:3000",
		SyncInterval:    8 * time.Second,
		DocSyncTimeout:  3 * time.Second,
		DocCompactEvery: 150,
		Listener: ListenerConfig{
			Port:              8081,
			ReadHeaderTimeout: 5 * time.Second,
		},
		DrainTimeout: 30 * time.Second,
	}
}
