// Package config loads and validates analyzer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Related   RelatedConfig   `mapstructure:"related"`
	Filters   FiltersConfig   `mapstructure:"filters"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Export    ExportConfig    `mapstructure:"export"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the realtime web server.
type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	SocketPath string `mapstructure:"socket_path"`
}

// GitHubConfig holds credentials and pacing knobs for the GitHub API.
type GitHubConfig struct {
	Token          string  `mapstructure:"token"`
	BaseURL        string  `mapstructure:"base_url"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	Aggressiveness float64 `mapstructure:"aggressiveness"`
}

// RedisConfig addresses the external cache store.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
}

// CacheConfig governs result caching.
type CacheConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// RelatedConfig governs co-star accumulation.
type RelatedConfig struct {
	MaxStarsPerUser int      `mapstructure:"max_stars_per_user"`
	UserBatchSize   int      `mapstructure:"user_batch_size"`
	DetailBatchSize int      `mapstructure:"detail_batch_size"`
	BrokenUserIDs   []string `mapstructure:"broken_user_ids"`
}

// FiltersConfig holds the relevant-filter thresholds. The values are
// empirical; the defaults reproduce the published analyses.
type FiltersConfig struct {
	MinLeftShare     float64  `mapstructure:"min_left_share"`
	MinRightShare    float64  `mapstructure:"min_right_share"`
	MaxPushedAgoDays float64  `mapstructure:"max_pushed_ago_days"`
	MaxResults       int      `mapstructure:"max_results"`
	NoiseNameParts   []string `mapstructure:"noise_name_parts"`
	NoiseRepos       []string `mapstructure:"noise_repos"`
}

// StatsConfig governs the star-history statistics.
type StatsConfig struct {
	HistogramMonths int `mapstructure:"histogram_months"`
}

// ExportConfig sets where run artifacts are written.
type ExportConfig struct {
	Dir      string `mapstructure:"dir"`
	WriteRaw bool   `mapstructure:"write_raw"`
}

// SchedulerConfig bounds the job queue.
type SchedulerConfig struct {
	MaxPending int `mapstructure:"max_pending"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. The path may be empty, in
// which case only defaults and GHKPIS_* environment overrides apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GHKPIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 1996)
	v.SetDefault("server.socket_path", "/api/socket")
	// An empty default keeps the key visible to AutomaticEnv.
	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.timeout_seconds", 60)
	v.SetDefault("github.aggressiveness", 2.0)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("cache.ttl_seconds", 14*24*60*60)
	v.SetDefault("related.max_stars_per_user", 200)
	v.SetDefault("related.user_batch_size", 25)
	v.SetDefault("related.detail_batch_size", 40)
	v.SetDefault("related.broken_user_ids", []string{
		"MDQ6VXNlcjQyMTgzMzI2",
	})
	v.SetDefault("filters.min_left_share", 0.4)
	v.SetDefault("filters.min_right_share", 3.0)
	v.SetDefault("filters.max_pushed_ago_days", 42.0)
	v.SetDefault("filters.max_results", 100)
	v.SetDefault("filters.noise_name_parts", []string{"fuck", "awesome"})
	v.SetDefault("filters.noise_repos", []string{
		"CyC2018/CS-Notes",
		"TheAlgorithms/Python",
		"awesomedata/awesome-public-datasets",
		"coder2gwy/coder2gwy",
		"jwasham/coding-interview-university",
		"labuladong/fucking-algorithm",
		"vinta/awesome-python",
	})
	v.SetDefault("stats.histogram_months", 48)
	v.SetDefault("export.dir", ".")
	v.SetDefault("export.write_raw", true)
	v.SetDefault("scheduler.max_pending", 5)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits. The GitHub token
// is checked separately by the commands that crawl, so that status-only
// invocations do not require credentials.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.GitHub.BaseURL == "" {
		return fmt.Errorf("github.base_url must be set")
	}
	if c.GitHub.TimeoutSeconds <= 0 {
		return fmt.Errorf("github.timeout_seconds must be > 0")
	}
	if c.GitHub.Aggressiveness <= 0 {
		return fmt.Errorf("github.aggressiveness must be > 0")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	if c.Related.MaxStarsPerUser <= 0 {
		return fmt.Errorf("related.max_stars_per_user must be > 0")
	}
	if c.Related.UserBatchSize <= 0 || c.Related.DetailBatchSize <= 0 {
		return fmt.Errorf("related batch sizes must be > 0")
	}
	if c.Filters.MaxResults <= 0 {
		return fmt.Errorf("filters.max_results must be > 0")
	}
	if c.Stats.HistogramMonths <= 0 {
		return fmt.Errorf("stats.histogram_months must be > 0")
	}
	if c.Scheduler.MaxPending <= 0 {
		return fmt.Errorf("scheduler.max_pending must be > 0")
	}
	return nil
}

// CacheTTL converts the configured TTL into a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// APITimeout converts the configured per-call timeout into a duration.
func (c Config) APITimeout() time.Duration {
	return time.Duration(c.GitHub.TimeoutSeconds) * time.Second
}
