package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/githubkpis/analyzer/internal/analyzer"
)

func newRelatedCmd() *cobra.Command {
	var (
		repo     string
		maxStars int
	)
	cmd := &cobra.Command{
		Use:   "related",
		Short: "Run one analysis for a repository and write the CSVs.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer svc.close()

			sink := analyzer.ProgressFunc(func(p analyzer.Progress) {
				svc.logger.Info("analysis progress",
					zap.Int("phase", p.PhaseIndex),
					zap.Int("of", p.PhaseCount),
					zap.Int64("elapsed_s", p.ElapsedSeconds),
					zap.Int64("eta_s", p.ETASeconds))
			})
			out, err := svc.analyzer.Run(ctx, analyzer.Request{
				RepoFullName:    repo,
				MaxStarsPerUser: maxStars,
			}, sink)
			if err != nil {
				return err
			}
			svc.logger.Info("analysis written", zap.String("output", out))
			return nil
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "seed repository as owner/name")
	cmd.Flags().IntVar(&maxStars, "max-stars-per-user", 0,
		"drop users who starred more repos than this (0 uses the configured default)")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}
