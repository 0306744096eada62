// Package cmd wires the analyzer service and its one-shot CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/githubkpis/analyzer/internal/analyzer"
	"github.com/githubkpis/analyzer/internal/cache"
	"github.com/githubkpis/analyzer/internal/config"
	"github.com/githubkpis/analyzer/internal/export"
	"github.com/githubkpis/analyzer/internal/github"
	"github.com/githubkpis/analyzer/internal/logging"
	"github.com/githubkpis/analyzer/internal/metrics"
)

var (
	cfgFile string
	verbose bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ghkpis",
		Short: "Discover and rank repositories related to a GitHub repository.",
		Long: `ghkpis crawls the stargazers of a seed repository, accumulates what
else those users starred, ranks the co-starred repositories by relevance
and annotates the survivors with star-growth statistics. Results are
written as CSV files; the serve command additionally pushes live progress
to browser clients over a websocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "force development logging")
	cmd.AddCommand(newRelatedCmd(), newServeCmd())
	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// services bundles everything both commands need.
type services struct {
	cfg      config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	store    cache.Store
	analyzer *analyzer.Analyzer
}

// buildServices loads configuration and constructs the full dependency
// chain: logger, metrics, redis-backed cache, GitHub client, exporter and
// the pipeline on top of them.
func buildServices(ctx context.Context) (*services, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.GitHub.Token == "" {
		return nil, errors.New("github.token is not set; export GHKPIS_GITHUB_TOKEN or add it to the config file")
	}

	logger, err := logging.New(cfg.Logging.Development || verbose)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	store, err := cache.NewRedisStore(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, logger)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	resultCache := cache.New(store, cfg.CacheTTL(), logger, m)

	client := github.NewClient(github.Config{
		Token:          cfg.GitHub.Token,
		BaseURL:        cfg.GitHub.BaseURL,
		Timeout:        cfg.APITimeout(),
		Aggressiveness: cfg.GitHub.Aggressiveness,
	}, logger, m)

	exporter, err := export.NewCSV(cfg.Export.Dir, logger)
	if err != nil {
		return nil, err
	}

	a := analyzer.New(client, resultCache, exporter, analyzer.Options{
		MaxStarsPerUser:  cfg.Related.MaxStarsPerUser,
		UserBatchSize:    cfg.Related.UserBatchSize,
		DetailBatchSize:  cfg.Related.DetailBatchSize,
		BrokenUserIDs:    cfg.Related.BrokenUserIDs,
		MinLeftShare:     cfg.Filters.MinLeftShare,
		MinRightShare:    cfg.Filters.MinRightShare,
		MaxPushedAgoDays: cfg.Filters.MaxPushedAgoDays,
		MaxResults:       cfg.Filters.MaxResults,
		NoiseNameParts:   cfg.Filters.NoiseNameParts,
		NoiseRepos:       cfg.Filters.NoiseRepos,
		HistogramMonths:  cfg.Stats.HistogramMonths,
		WriteRaw:         cfg.Export.WriteRaw,
	}, logger, m)

	return &services{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		registry: registry,
		store:    store,
		analyzer: a,
	}, nil
}

// close releases external connections and flushes the logger.
func (s *services) close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing cache store failed", zap.Error(err))
	}
	_ = s.logger.Sync()
}
