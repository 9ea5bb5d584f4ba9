// Copyright 2025 Lumenworks
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Limits.Cards)
	require.Equal(t, 3, cfg.Limits.Videos)
	require.Equal(t, 1, cfg.Limits.Prints)
	require.Equal(t, 2, cfg.Capacity.InitialSlots)
	require.Equal(t, 10, cfg.Capacity.MaxSlots)
	require.Equal(t, 5, cfg.Capacity.SuccessStep)
	require.Equal(t, 10*time.Minute, cfg.Capacity.StaleAge)
	require.Equal(t, "cardforge:jobs", cfg.Queue.Key)
	// defaults use the s3 backend with the stock bucket name
	require.Equal(t, "s3", cfg.Storage.Backend)
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
limits:
  cards: 7
storage:
  backend: memory
capacity:
  max_slots: 4
  initial_slots: 1
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Limits.Cards)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, 4, cfg.Capacity.MaxSlots)
	require.Equal(t, 1, cfg.Capacity.InitialSlots)
	// untouched keys keep defaults
	require.Equal(t, 3, cfg.Limits.Videos)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := defaultConfig()
		cfg.Storage.Backend = "memory"
		return cfg
	}

	cfg := base()
	require.NoError(t, Validate(cfg))

	cfg = base()
	cfg.Capacity.InitialSlots = 0
	require.Error(t, Validate(cfg))

	cfg = base()
	cfg.Capacity.MaxSlots = 1
	require.Error(t, Validate(cfg))

	cfg = base()
	cfg.Queue.VisibilityWindow = cfg.Queue.ReceiveTimeout
	require.Error(t, Validate(cfg))

	cfg = base()
	cfg.Storage.Backend = "s3"
	cfg.Storage.Bucket = ""
	require.Error(t, Validate(cfg))

	cfg = base()
	cfg.Limits.Cards = -1
	require.Error(t, Validate(cfg))
}
