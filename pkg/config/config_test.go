package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_SyncConfig(t *testing.T) {
	t.Setenv("SYNC_ABSOLUTE_FLOOR", "8")
	t.Setenv("SYNC_MIN_RATIO", "0.75")
	t.Setenv("SYNC_INTERVAL", "2m")
	t.Setenv("SYNC_WARD_PATTERN", "^10A")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Sync.AbsoluteFloor)
	assert.Equal(t, 0.75, cfg.Sync.MinRatio)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "^10A", cfg.Sync.WardPattern)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Sync.AbsoluteFloor)
	assert.Equal(t, 0.5, cfg.Sync.MinRatio)
	assert.Equal(t, 24*time.Hour, cfg.Sync.SnapshotRetention)
	assert.Equal(t, 100, cfg.Sync.HistorySize)
	assert.Equal(t, time.Hour, cfg.Sync.StatusTTL)
	assert.Equal(t, 10, cfg.Analysis.BatchSize)
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "soon")
	t.Setenv("SYNC_ABSOLUTE_FLOOR", "five")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.AbsoluteFloor)
}

func TestLoad_RejectsRatioOutOfRange(t *testing.T) {
	t.Setenv("SYNC_MIN_RATIO", "1.5")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "oracle")

	_, err := Load()
	assert.Error(t, err)
}
