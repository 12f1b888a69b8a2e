package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, ModeProd, cfg.Mode)
	require.Equal(t, "notesync.db", cfg.DBPath)
	require.Equal(t, "http://localhost:3000", cfg.APIBaseURL)
	require.Equal(t, 8*time.Second, cfg.SyncInterval)
	require.Equal(t, 3*time.Second, cfg.DocSyncTimeout)
	require.Equal(t, 150, cfg.DocCompactEvery)
	require.Equal(t, 8081, cfg.Listener.Port)
	require.False(t, cfg.RedisPubSubEnabled)
}

func TestContextRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
	require.Nil(t, FromContext(context.Background()))
}
