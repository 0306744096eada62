package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestLoadDefaults loads without a file and checks the built-in values.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "localhost", cfg.Server.Host)
	require.Equal(t, 1996, cfg.Server.Port)
	require.Equal(t, "/api/socket", cfg.Server.SocketPath)
	require.Equal(t, 14*24*time.Hour, cfg.CacheTTL())
	require.Equal(t, 60*time.Second, cfg.APITimeout())
	require.Equal(t, 200, cfg.Related.MaxStarsPerUser)
	require.Equal(t, 25, cfg.Related.UserBatchSize)
	require.Equal(t, 40, cfg.Related.DetailBatchSize)
	require.InDelta(t, 0.4, cfg.Filters.MinLeftShare, 1e-9)
	require.InDelta(t, 3.0, cfg.Filters.MinRightShare, 1e-9)
	require.InDelta(t, 42.0, cfg.Filters.MaxPushedAgoDays, 1e-9)
	require.Equal(t, 100, cfg.Filters.MaxResults)
	require.Contains(t, cfg.Filters.NoiseNameParts, "awesome")
	require.Contains(t, cfg.Filters.NoiseRepos, "jwasham/coding-interview-university")
	require.Contains(t, cfg.Related.BrokenUserIDs, "MDQ6VXNlcjQyMTgzMzI2")
	require.Equal(t, 48, cfg.Stats.HistogramMonths)
	require.Equal(t, 5, cfg.Scheduler.MaxPending)
}

// TestLoadEnvOverride applies GHKPIS_* variables over the defaults.
func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GHKPIS_SERVER_PORT", "8080")
	t.Setenv("GHKPIS_GITHUB_TOKEN", "ghp_testtoken")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "ghp_testtoken", cfg.GitHub.Token)
}

// TestLoadFile reads a YAML file and keeps defaults for unset keys.
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "server:\n  port: 4242\nfilters:\n  max_results: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4242, cfg.Server.Port)
	require.Equal(t, 10, cfg.Filters.MaxResults)
	require.Equal(t, 25, cfg.Related.UserBatchSize)
}

// TestLoadMissingFile surfaces the read error.
func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

// TestValidate rejects out-of-range values one knob at a time.
func TestValidate(t *testing.T) {
	t.Parallel()

	valid, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"no base url", func(c *Config) { c.GitHub.BaseURL = "" }},
		{"zero timeout", func(c *Config) { c.GitHub.TimeoutSeconds = 0 }},
		{"zero aggressiveness", func(c *Config) { c.GitHub.Aggressiveness = 0 }},
		{"zero ttl", func(c *Config) { c.Cache.TTLSeconds = 0 }},
		{"zero user cutoff", func(c *Config) { c.Related.MaxStarsPerUser = 0 }},
		{"zero batch", func(c *Config) { c.Related.UserBatchSize = 0 }},
		{"zero results", func(c *Config) { c.Filters.MaxResults = 0 }},
		{"zero months", func(c *Config) { c.Stats.HistogramMonths = 0 }},
		{"zero pending", func(c *Config) { c.Scheduler.MaxPending = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
