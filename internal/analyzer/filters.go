package analyzer

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// candidateFilter is one named predicate of the relevance funnel; keep
// returns true for candidates that survive. idx is the candidate's position
// in the list entering this filter, which only the result cap uses.
type candidateFilter struct {
	reason string
	keep   func(c *RepoCandidate, idx int) bool
}

// relevantFilters builds the ordered funnel from the configured thresholds.
// Order matters: the cap runs last so it counts only relevant repos.
func (a *Analyzer) relevantFilters() []candidateFilter {
	return []candidateFilter{
		{
			reason: "archived",
			keep: func(c *RepoCandidate, _ int) bool {
				return !c.IsArchived
			},
		},
		{
			reason: fmt.Sprintf("left share below %.2f%%", a.opts.MinLeftShare),
			keep: func(c *RepoCandidate, _ int) bool {
				return c.LeftShare >= a.opts.MinLeftShare
			},
		},
		{
			reason: fmt.Sprintf("right share below %.2f%%", a.opts.MinRightShare),
			keep: func(c *RepoCandidate, _ int) bool {
				return c.RightShare >= a.opts.MinRightShare
			},
		},
		{
			reason: fmt.Sprintf("no push within %.0f days", a.opts.MaxPushedAgoDays),
			keep: func(c *RepoCandidate, _ int) bool {
				return c.PushedAgo < a.opts.MaxPushedAgoDays
			},
		},
		{
			reason: "noise name",
			keep: func(c *RepoCandidate, _ int) bool {
				return !a.isNoiseName(c.FullName)
			},
		},
		{
			reason: fmt.Sprintf("beyond top %d", a.opts.MaxResults),
			keep: func(_ *RepoCandidate, idx int) bool {
				return idx < a.opts.MaxResults
			},
		},
	}
}

// applyFilters runs the funnel and logs how much each step removed.
func (a *Analyzer) applyFilters(candidates []*RepoCandidate) []*RepoCandidate {
	for _, f := range a.relevantFilters() {
		kept := make([]*RepoCandidate, 0, len(candidates))
		for idx, c := range candidates {
			if f.keep(c, idx) {
				kept = append(kept, c)
			}
		}
		if removed := len(candidates) - len(kept); removed > 0 {
			a.logger.Info("filtered candidates",
				zap.String("reason", f.reason),
				zap.Int("removed", removed),
				zap.Int("remaining", len(kept)))
		}
		candidates = kept
	}
	return candidates
}

// isNoiseName flags list-of-links style repos by name substring or exact
// full-name denylist membership.
func (a *Analyzer) isNoiseName(fullName string) bool {
	lower := strings.ToLower(fullName)
	for _, part := range a.opts.NoiseNameParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return a.isNoiseRepo(fullName)
}
