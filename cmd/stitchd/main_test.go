package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_AppliesTuningProfile(t *testing.T) {
	dir := t.TempDir()
	profile := []byte("name: Bulk backfill\ncode: bulk\nbatch_limit: 250\nresolve_interval_ms: 100\nkey_window_hours: 1\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_bulk.yaml"), profile, 0o644))

	t.Setenv("STITCH_PROFILE", "bulk")
	t.Setenv("PROFILES_DIR", dir)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.BatchLimit)
	assert.Equal(t, 100*time.Millisecond, cfg.ResolveInterval)
	assert.Equal(t, time.Hour, cfg.KeyWindow)
}

func TestLoadConfig_NoProfileKeepsEnvValues(t *testing.T) {
	t.Setenv("STITCH_PROFILE", "")
	t.Setenv("BATCH_LIMIT", "42")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.BatchLimit)
}

func TestLoadConfig_MissingProfileFails(t *testing.T) {
	t.Setenv("STITCH_PROFILE", "ghost")
	t.Setenv("PROFILES_DIR", t.TempDir())

	_, err := loadConfig()
	require.Error(t, err)
}
