package analyzer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/githubkpis/analyzer/internal/cache"
	"github.com/githubkpis/analyzer/internal/github"
	"github.com/githubkpis/analyzer/internal/metrics"
	"github.com/githubkpis/analyzer/internal/stats"
)

const (
	// phaseCount is the number of reported pipeline phases.
	phaseCount = 5

	// minSeedStarrings aborts a run whose seed repository has fewer
	// stargazers; the shares would be meaningless.
	minSeedStarrings = 10

	// secondsPerMonth spaces the monthly histogram samples (365/12 days).
	secondsPerMonth = stats.SecondsPerDay * 365 / 12
)

// ErrRunAborted wraps conditions that make a run pointless rather than
// broken, such as a seed repository with too few stargazers.
var ErrRunAborted = errors.New("analysis aborted")

// API is the slice of the GitHub client the pipeline depends on.
type API interface {
	RepoStarsCount(ctx context.Context, owner, name string) (*github.RepoStarsCount, error)
	RepoStarrings(ctx context.Context, owner, name, cursorAfter string) (*github.RepoStarrings, error)
	UserStarredRepos(ctx context.Context, login, cursorAfter string) (*github.UserStarredRepos, error)
	UserListStarredRepos(ctx context.Context, userIDs []string) (*github.UserListStarredRepos, error)
	RepoListDetails(ctx context.Context, repoIDs []string) (*github.RepoListDetails, error)
}

// Analyzer runs the discovery pipeline. One Analyzer serves many sequential
// runs; it holds no per-run state.
type Analyzer struct {
	api      API
	cache    *cache.ResultCache
	exporter Exporter
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics

	// now is indirect so tests can pin the reference time.
	now func() time.Time
}

// New constructs an Analyzer. The logger and metrics may be nil.
func New(api API, c *cache.ResultCache, exporter Exporter, opts Options, logger *zap.Logger, m *metrics.Metrics) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		api:      api,
		cache:    c,
		exporter: exporter,
		opts:     opts,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Run executes the full pipeline for one request and returns the path of
// the stats file written. sink may be nil. The returned error wraps
// ErrRunAborted when the seed repository cannot support an analysis.
func (a *Analyzer) Run(ctx context.Context, req Request, sink ProgressSink) (string, error) {
	owner, name, err := github.RepoFullNameToParts(req.RepoFullName)
	if err != nil {
		return "", err
	}
	maxStars := req.MaxStarsPerUser
	if maxStars <= 0 {
		maxStars = a.opts.MaxStarsPerUser
	}
	runStart := a.now()
	a.logger.Info("starting analysis",
		zap.String("repo", req.RepoFullName),
		zap.Int("max_stars_per_user", maxStars))

	a.publish(sink, runStart, 0)
	seed, err := a.seedStarrings(ctx, owner, name)
	if err != nil {
		return "", err
	}
	if len(seed) < minSeedStarrings {
		return "", fmt.Errorf("%w: %q has %d starring events, need at least %d",
			ErrRunAborted, req.RepoFullName, len(seed), minSeedStarrings)
	}
	a.logger.Info("seed stargazers resolved",
		zap.String("repo", req.RepoFullName), zap.Int("starrings", len(seed)))

	a.publish(sink, runStart, 1)
	candidates, err := a.relatedCandidates(ctx, req.RepoFullName, maxStars, seed, runStart)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: no candidate repositories accumulated for %q",
			ErrRunAborted, req.RepoFullName)
	}
	baseName := exportBaseName(req.RepoFullName, maxStars)
	if a.opts.WriteRaw && a.exporter != nil {
		path, err := a.exporter.WriteRelated(baseName, candidates)
		if err != nil {
			return "", err
		}
		a.logger.Info("raw candidate list written",
			zap.String("path", path), zap.Int("candidates", len(candidates)))
	}

	a.publish(sink, runStart, 2)
	relevant := a.applyFilters(candidates)

	a.publish(sink, runStart, 3)
	if err := a.addRepoDetails(ctx, relevant); err != nil {
		return "", err
	}

	a.publish(sink, runStart, 4)
	annotated, err := a.addStarStats(ctx, relevant, runStart)
	if err != nil {
		return "", err
	}

	outPath := ""
	if a.exporter != nil {
		outPath, err = a.exporter.WriteStats(baseName, annotated, IntervalNames(), a.opts.HistogramMonths)
		if err != nil {
			return "", err
		}
	}
	a.publish(sink, runStart, phaseCount)
	a.logger.Info("analysis finished",
		zap.String("repo", req.RepoFullName),
		zap.Int("repos", len(annotated)),
		zap.String("output", outPath),
		zap.Duration("elapsed", a.now().Sub(runStart)))
	return outPath, nil
}

// publish emits one progress snapshot; phase counts completed phases. The
// ETA linearly extrapolates from the elapsed time of finished phases.
func (a *Analyzer) publish(sink ProgressSink, runStart time.Time, phase int) {
	if sink == nil {
		return
	}
	elapsed := int64(a.now().Sub(runStart).Seconds())
	p := Progress{
		Running:        true,
		PhaseIndex:     phase,
		PhaseCount:     phaseCount,
		Fraction:       stats.RoundTo(float64(phase)/phaseCount, 2),
		StartTime:      runStart.Unix(),
		ElapsedSeconds: elapsed,
	}
	if phase > 0 && phase < phaseCount {
		p.ETASeconds = elapsed * int64(phaseCount-phase) / int64(phase)
	}
	sink.Publish(p)
}

/// Seed stargazers

// seedStarrings resolves the complete starring history of the seed repo,
// most recent first, through the high-level cache scope.
func (a *Analyzer) seedStarrings(ctx context.Context, owner, name string) ([]Starring, error) {
	id := owner + "/" + name
	list, err := cache.GetJSON(ctx, a.cache, "ga_repo_starrings", id, 0,
		func(ctx context.Context) (*[]Starring, error) {
			crawled, err := a.crawlRepoStarrings(ctx, owner, name)
			if err != nil || crawled == nil {
				return nil, err
			}
			return &crawled, nil
		})
	if err != nil || list == nil {
		return nil, err
	}
	return *list, nil
}

// crawlRepoStarrings pages through a repo's stargazers and assigns each
// starring its descending ordinal, counting down from the total snapshotted
// before the first page. Entries with a missing edge or node (deleted
// users) are skipped without consuming an ordinal. Any page-level failure
// abandons the repo: a partial history would corrupt the ordinals.
func (a *Analyzer) crawlRepoStarrings(ctx context.Context, owner, name string) ([]Starring, error) {
	id := owner + "/" + name
	count, err := cache.GetJSON(ctx, a.cache, "gql_repo_stars_count", id, 0,
		func(ctx context.Context) (*github.RepoStarsCount, error) {
			return a.api.RepoStarsCount(ctx, owner, name)
		})
	if err != nil || count == nil {
		return nil, err
	}
	total := count.Repository.StargazerCount

	all := make([]Starring, 0, total)
	ordinal := total
	aborted := false
	err = github.Paginate(ctx,
		func(ctx context.Context, cursor string) (*github.RepoStarrings, error) {
			pageID := fmt.Sprintf("%s-%d-%s", id, total, cursorOrFirst(cursor))
			return cache.GetJSON(ctx, a.cache, "gql_repo_starrings", pageID, 0,
				func(ctx context.Context) (*github.RepoStarrings, error) {
					return a.api.RepoStarrings(ctx, owner, name, cursor)
				})
		},
		func(page *github.RepoStarrings) bool {
			if page == nil {
				a.logger.Error("stargazer page failed; abandoning repo", zap.String("repo", id))
				aborted = true
				return false
			}
			gazers := page.Repository.Stargazers
			if len(gazers.Edges) != len(gazers.Nodes) {
				a.logger.Error("stargazer edges and nodes out of sync; abandoning repo",
					zap.String("repo", id),
					zap.Int("edges", len(gazers.Edges)),
					zap.Int("nodes", len(gazers.Nodes)))
				aborted = true
				return false
			}
			for i := range gazers.Edges {
				if gazers.Edges[i] == nil || gazers.Nodes[i] == nil {
					a.logger.Warn("skipping starring of a vanished user", zap.String("repo", id))
					continue
				}
				all = append(all, Starring{
					Ordinal:   ordinal,
					StarredAt: gazers.Edges[i].StarredAt,
					TS:        unixFromISO(gazers.Edges[i].StarredAt),
					UserID:    gazers.Nodes[i].ID,
					UserLogin: gazers.Nodes[i].Login,
				})
				ordinal--
			}
			return true
		},
		func(page *github.RepoStarrings) (bool, string) {
			pi := page.Repository.Stargazers.PageInfo
			return pi.HasNextPage, pi.EndCursor
		},
		"")
	if errors.Is(err, github.ErrMissingCursor) {
		a.logger.Error("stargazer pagination broke; abandoning repo",
			zap.String("repo", id), zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if aborted {
		return nil, nil
	}
	a.metrics.Starrings(len(all))
	return all, nil
}

/// Co-star accumulation

// relatedCandidates resolves what else the seed stargazers starred and
// scores every repository they touched. The whole result is cached as one
// unit keyed by seed repo and the user-size cutoff.
func (a *Analyzer) relatedCandidates(ctx context.Context, repoFullName string, maxStars int, seed []Starring, runStart time.Time) ([]*RepoCandidate, error) {
	id := fmt.Sprintf("%s-%d", repoFullName, maxStars)
	list, err := cache.GetJSON(ctx, a.cache, "ga_related_repos", id, 0,
		func(ctx context.Context) (*[]*RepoCandidate, error) {
			built, err := a.accumulateCoStars(ctx, repoFullName, maxStars, seed, runStart)
			if err != nil || built == nil {
				return nil, err
			}
			return &built, nil
		})
	if err != nil || list == nil {
		return nil, err
	}
	return *list, nil
}

// accumulateCoStars fetches the starred repositories of every seed
// stargazer in batches, drops users above the size cutoff, and counts per
// repository how many seed users starred it. Shares and relevance are
// computed once after the full pass, compensating for skipped users.
func (a *Analyzer) accumulateCoStars(ctx context.Context, repoFullName string, maxStars int, seed []Starring, runStart time.Time) ([]*RepoCandidate, error) {
	userIDs := make([]string, 0, len(seed))
	for _, s := range seed {
		if a.isBrokenUser(s.UserID) {
			a.logger.Warn("skipping known-broken user",
				zap.String("user_id", s.UserID), zap.String("login", s.UserLogin))
			continue
		}
		userIDs = append(userIDs, s.UserID)
	}

	usersTotal := len(userIDs)
	usersValid := 0
	usersExceedMax := 0
	usersMultiPage := 0
	byID := make(map[string]*RepoCandidate)
	order := make([]string, 0, 1024)

	batchSize := a.opts.UserBatchSize
	for from := 0; from < len(userIDs); from += batchSize {
		to := from + batchSize
		if to > len(userIDs) {
			to = len(userIDs)
		}
		part := userIDs[from:to]
		a.logger.Info("fetching starred repos of user batch",
			zap.String("repo", repoFullName),
			zap.Int("from", from+1), zap.Int("to", to), zap.Int("of", usersTotal))

		batchID := fmt.Sprintf("%s-%d-%d-%d", repoFullName, usersTotal, from+1, to)
		page, err := cache.GetJSON(ctx, a.cache, "gql_user_list_starred_repos", batchID, 0,
			func(ctx context.Context) (*github.UserListStarredRepos, error) {
				return a.api.UserListStarredRepos(ctx, part)
			})
		if err != nil {
			return nil, err
		}
		if page == nil {
			a.logger.Error("user batch failed; skipping its users",
				zap.String("repo", repoFullName), zap.Int("users", len(part)))
			continue
		}

		retained := make([]*github.UserStarredList, 0, len(page.Nodes))
		for _, user := range page.Nodes {
			if user == nil {
				continue
			}
			if user.StarredRepositories.TotalCount > maxStars {
				usersExceedMax++
				continue
			}
			usersValid++
			retained = append(retained, user)
		}

		// Users whose starred list spans multiple pages get the rest
		// fetched one by one.
		for _, user := range retained {
			if !user.StarredRepositories.PageInfo.HasNextPage {
				continue
			}
			usersMultiPage++
			if err := a.fetchRemainingStarredPages(ctx, user); err != nil {
				return nil, err
			}
		}

		for _, user := range retained {
			for _, edge := range user.StarredRepositories.Edges {
				repo := edge.Node
				if existing, ok := byID[repo.ID]; ok {
					existing.UsersStars++
					continue
				}
				byID[repo.ID] = &RepoCandidate{
					ID:         repo.ID,
					FullName:   repo.NameWithOwner,
					IsArchived: repo.IsArchived,
					IsFork:     repo.IsFork,
					CreatedAgo: daysAgo(repo.CreatedAt, runStart),
					PushedAgo:  daysAgo(repo.PushedAt, runStart),
					Stars:      repo.StargazerCount,
					UsersStars: 1,
				}
				order = append(order, repo.ID)
			}
		}
	}

	a.logger.Info("co-star accumulation finished",
		zap.String("repo", repoFullName),
		zap.Int("users_total", usersTotal),
		zap.Int("users_valid", usersValid),
		zap.Int("users_exceeding_max", usersExceedMax),
		zap.Int("users_multi_page", usersMultiPage),
		zap.Int("repos_seen", len(byID)))
	if usersValid == 0 {
		return nil, nil
	}

	// Skipped users shrink both shares the same way, so scale them back up
	// as if every user had been counted.
	shareAdjustment := float64(usersTotal) / float64(usersValid)
	candidates := make([]*RepoCandidate, 0, len(order))
	for _, repoID := range order {
		c := byID[repoID]
		if c.Stars < 1 {
			a.logger.Warn("skipping repo with no stars at all", zap.String("repo", c.FullName))
			continue
		}
		left := shareAdjustment * float64(c.UsersStars) / float64(usersTotal)
		right := shareAdjustment * float64(c.UsersStars) / float64(c.Stars)
		c.LeftShare = stats.RoundTo(100*left, 2)
		c.RightShare = stats.RoundTo(100*right, 2)
		c.Relevance = stats.RoundTo(100*math.Cbrt(right*right*left), 2)
		candidates = append(candidates, c)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Relevance > candidates[j].Relevance
	})
	return candidates, nil
}

// fetchRemainingStarredPages appends the remaining starred-repo pages of
// one user onto the edges already fetched in the batch call. A broken
// pagination or failed page leaves the user truncated rather than failing
// the run.
func (a *Analyzer) fetchRemainingStarredPages(ctx context.Context, user *github.UserStarredList) error {
	err := github.Paginate(ctx,
		func(ctx context.Context, cursor string) (*github.UserStarredRepos, error) {
			pageID := fmt.Sprintf("%s-%s", user.Login, cursorOrFirst(cursor))
			return cache.GetJSON(ctx, a.cache, "gql_user_starred_repos", pageID, 0,
				func(ctx context.Context) (*github.UserStarredRepos, error) {
					return a.api.UserStarredRepos(ctx, user.Login, cursor)
				})
		},
		func(page *github.UserStarredRepos) bool {
			if page == nil {
				a.logger.Error("starred page failed; user stays truncated",
					zap.String("login", user.Login))
				return false
			}
			user.StarredRepositories.Edges = append(
				user.StarredRepositories.Edges, page.User.StarredRepositories.Edges...)
			return true
		},
		func(page *github.UserStarredRepos) (bool, string) {
			pi := page.User.StarredRepositories.PageInfo
			return pi.HasNextPage, pi.EndCursor
		},
		user.StarredRepositories.PageInfo.EndCursor)
	if errors.Is(err, github.ErrMissingCursor) {
		a.logger.Error("starred pagination broke; user stays truncated",
			zap.String("login", user.Login), zap.Error(err))
		return nil
	}
	return err
}

func (a *Analyzer) isBrokenUser(userID string) bool {
	for _, broken := range a.opts.BrokenUserIDs {
		if userID == broken {
			return true
		}
	}
	return false
}

/// Detail enrichment

// addRepoDetails merges extended metadata into the filtered candidates,
// batched by repository id. A failed batch leaves its repos unenriched.
func (a *Analyzer) addRepoDetails(ctx context.Context, candidates []*RepoCandidate) error {
	total := len(candidates)
	batchSize := a.opts.DetailBatchSize
	for from := 0; from < total; from += batchSize {
		to := from + batchSize
		if to > total {
			to = total
		}
		part := candidates[from:to]
		ids := make([]string, 0, len(part))
		for _, c := range part {
			ids = append(ids, c.ID)
		}

		batchID := fmt.Sprintf("%d-%d-%s-%s", len(ids), total, ids[0], ids[len(ids)-1])
		details, err := cache.GetJSON(ctx, a.cache, "gql_repo_list_details", batchID, 0,
			func(ctx context.Context) (*github.RepoListDetails, error) {
				return a.api.RepoListDetails(ctx, ids)
			})
		if err != nil {
			return err
		}
		if details == nil {
			a.logger.Error("details batch failed; repos stay unenriched",
				zap.Int("from", from+1), zap.Int("to", to))
			continue
		}

		for _, detail := range details.Nodes {
			if detail == nil {
				continue
			}
			target := findCandidate(part, detail.ID)
			if target == nil {
				a.logger.Error("details for unknown repo id",
					zap.String("repo_id", detail.ID), zap.String("repo", detail.NameWithOwner))
				continue
			}
			mergeDetail(target, detail)
		}
	}
	return nil
}

func findCandidate(candidates []*RepoCandidate, repoID string) *RepoCandidate {
	for _, c := range candidates {
		if c.ID == repoID {
			return c
		}
	}
	return nil
}

func mergeDetail(c *RepoCandidate, d *github.RepoDetail) {
	topics := make([]string, 0, len(d.RepositoryTopics.Nodes))
	for _, n := range d.RepositoryTopics.Nodes {
		topics = append(topics, n.Topic.Name)
	}
	c.Description = d.Description
	c.Watchers = d.Watchers.TotalCount
	c.Forks = d.ForkCount
	c.Issues = d.Issues.TotalCount
	c.PullRequests = d.PullRequests.TotalCount
	c.Releases = d.Releases.TotalCount
	c.Topics = strings.Join(topics, ", ")
	c.Mentionable = d.MentionableUsers.TotalCount
	c.Assignable = d.AssignableUsers.TotalCount
}

/// Star-history statistics

// addStarStats crawls every surviving candidate's own starring history and
// annotates it with interval slopes plus a monthly cumulative histogram.
// Repos on the static noise list or with too short a history are dropped
// from the returned list.
func (a *Analyzer) addStarStats(ctx context.Context, candidates []*RepoCandidate, runStart time.Time) ([]*RepoCandidate, error) {
	weekStart := startOfWeekUnix(runStart)
	annotated := make([]*RepoCandidate, 0, len(candidates))

	for i, c := range candidates {
		if a.isNoiseRepo(c.FullName) {
			a.logger.Info("skipping noise repo", zap.String("repo", c.FullName))
			continue
		}
		owner, name, err := github.RepoFullNameToParts(c.FullName)
		if err != nil {
			a.logger.Error("unusable candidate name", zap.String("repo", c.FullName), zap.Error(err))
			continue
		}
		a.logger.Info("crawling star history",
			zap.String("repo", c.FullName), zap.Int("at", i+1), zap.Int("of", len(candidates)))

		starrings, err := a.seedStarrings(ctx, owner, name)
		if err != nil {
			return nil, err
		}
		if len(starrings) < minSeedStarrings {
			a.logger.Info("star history too short; skipping repo",
				zap.String("repo", c.FullName), zap.Int("starrings", len(starrings)))
			continue
		}

		series := ascendingSeries(starrings)
		bounds, monotonic := stats.GetBounds(series)
		if !monotonic {
			a.logger.Warn("star history is not monotonic in time",
				zap.String("repo", c.FullName))
		}

		c.IntervalSlopes = make(map[string]*float64, len(statIntervals))
		for _, iv := range statIntervals {
			left := bounds.MinX
			if iv.Days >= 0 {
				left = weekStart - int64(iv.Days*stats.SecondsPerDay)
			}
			if slope, ok := stats.Slope(series, left, weekStart, bounds.MinX); ok {
				v := slope
				c.IntervalSlopes[iv.Name] = &v
			} else {
				c.IntervalSlopes[iv.Name] = nil
			}
		}

		months := a.opts.HistogramMonths
		c.MonthlyStars = make(map[string]float64, months+1)
		for month := -months; month <= 0; month++ {
			x := weekStart + int64(month)*secondsPerMonth
			c.MonthlyStars[MonthLabel(month)] = stats.InterpolateY(series, x)
		}
		annotated = append(annotated, c)
	}
	return annotated, nil
}

// MonthLabel names one monthly histogram column, "T-48" through "T0".
func MonthLabel(month int) string {
	return fmt.Sprintf("T%d", month)
}

// ascendingSeries turns a most-recent-first starring list into an
// (unix time, cumulative star count) series in ascending time order.
func ascendingSeries(starrings []Starring) []stats.Point {
	series := make([]stats.Point, 0, len(starrings))
	for i := len(starrings) - 1; i >= 0; i-- {
		series = append(series, stats.Point{
			X: starrings[i].TS,
			Y: float64(starrings[i].Ordinal),
		})
	}
	return series
}

func (a *Analyzer) isNoiseRepo(fullName string) bool {
	for _, noise := range a.opts.NoiseRepos {
		if fullName == noise {
			return true
		}
	}
	return false
}

func daysAgo(iso string, ref time.Time) float64 {
	ts := unixFromISO(iso)
	if ts == 0 {
		return 0
	}
	return stats.RoundTo(float64(ref.Unix()-ts)/stats.SecondsPerDay, 1)
}

func cursorOrFirst(cursor string) string {
	if cursor == "" {
		return "first"
	}
	return cursor
}

// exportBaseName flattens a repo full name into a filesystem-safe token
// plus the user cutoff, e.g. "github_roadmap-500".
func exportBaseName(repoFullName string, maxStars int) string {
	flat := strings.NewReplacer("/", "_", ".", "_").Replace(repoFullName)
	return fmt.Sprintf("%s-%d", flat, maxStars)
}
