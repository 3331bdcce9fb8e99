package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 5*time.Second, cfg.PollInterval)
	require.Equal(t, 50, cfg.BatchSize)
	require.Equal(t, uint32(5), cfg.BreakerTrips)
	require.Equal(t, 30*time.Second, cfg.BreakerTimeout)
	require.Equal(t, 10*time.Second, cfg.PublishTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("BREAKER_TRIPS", "3")
	t.Setenv("BREAKER_TIMEOUT", "5s")
	t.Setenv("PUBLISH_TIMEOUT", "2s")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	require.Equal(t, uint32(3), cfg.BreakerTrips)
	require.Equal(t, 5*time.Second, cfg.BreakerTimeout)
	require.Equal(t, 2*time.Second, cfg.PublishTimeout)
}
