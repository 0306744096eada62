// Package analyzer implements the related-repository discovery pipeline:
// resolve the seed repository's stargazers, accumulate what else those users
// starred, filter the candidates down to relevant ones, enrich them with
// detailed metadata, and compute star-growth statistics per survivor.
package analyzer

import (
	"time"
)

// Request describes one analysis run.
type Request struct {
	// RepoFullName is the seed repository, e.g. "github/roadmap".
	RepoFullName string `json:"repoFullName"`
	// MaxStarsPerUser drops users whose starred-repo count exceeds it.
	MaxStarsPerUser int `json:"maxStarsPerUser"`
}

// Starring is one (user, repo, timestamp) starring record. Ordinals count
// down from the stargazer total snapshotted at crawl start, so reversing
// the list yields the cumulative star count over time.
type Starring struct {
	Ordinal   int    `json:"n"`
	StarredAt string `json:"starredAt"`
	TS        int64  `json:"ts"`
	UserID    string `json:"userId"`
	UserLogin string `json:"userLogin"`
}

// RepoCandidate accumulates everything known about a candidate repository
// across the pipeline stages. It is created as a shell during co-star
// accumulation and mutated in place by later stages; each run builds a
// fresh set.
type RepoCandidate struct {
	// Captured on first sight during accumulation.
	ID          string  `json:"id"`
	FullName    string  `json:"fullName"`
	Description string  `json:"description"`
	IsArchived  bool    `json:"isArchived"`
	IsFork      bool    `json:"isFork"`
	CreatedAgo  float64 `json:"createdAgo"`
	PushedAgo   float64 `json:"pushedAgo"`
	Stars       int     `json:"stars"`

	// Merged by detail enrichment.
	Watchers     int    `json:"watchers"`
	Forks        int    `json:"forks"`
	Issues       int    `json:"issues"`
	PullRequests int    `json:"pullRequests"`
	Releases     int    `json:"releases"`
	Topics       string `json:"topics"`
	Mentionable  int    `json:"mentionable"`
	Assignable   int    `json:"assignable"`

	// Computed once after the full accumulation pass. Shares and relevance
	// are percentages rounded to 2 decimals.
	UsersStars int     `json:"usersStars"`
	LeftShare  float64 `json:"leftShare"`
	RightShare float64 `json:"rightShare"`
	Relevance  float64 `json:"relevance"`

	// Star-history statistics; a nil slope means the window is undefined
	// for this repo's series.
	IntervalSlopes map[string]*float64 `json:"intervalSlopes,omitempty"`
	MonthlyStars   map[string]float64  `json:"monthlyStars,omitempty"`
}

// Progress is the snapshot broadcast to subscribers on every phase
// transition. JSON field names are part of the client protocol.
type Progress struct {
	Done           bool    `json:"done"`
	Running        bool    `json:"running"`
	Fraction       float64 `json:"progress"`
	PhaseIndex     int     `json:"s_idx"`
	PhaseCount     int     `json:"s_count"`
	StartTime      int64   `json:"t_start"`
	ElapsedSeconds int64   `json:"t_elapsed"`
	ETASeconds     int64   `json:"t_eta"`
	Error          string  `json:"error,omitempty"`
}

// NewProgress is the zero snapshot attached to freshly queued jobs.
func NewProgress() Progress {
	return Progress{PhaseCount: phaseCount}
}

// ProgressSink receives progress snapshots; implementations decide how to
// fan them out. The pipeline stays agnostic of the transport.
type ProgressSink interface {
	Publish(p Progress)
}

// ProgressFunc adapts a plain function to ProgressSink.
type ProgressFunc func(p Progress)

// Publish calls f.
func (f ProgressFunc) Publish(p Progress) { f(p) }

// Exporter writes run artifacts. Implementations return the path written.
type Exporter interface {
	// WriteRelated dumps the full pre-filter candidate list.
	WriteRelated(baseName string, candidates []*RepoCandidate) (string, error)
	// WriteStats writes the final filtered, enriched, annotated list.
	WriteStats(baseName string, candidates []*RepoCandidate, intervalNames []string, histogramMonths int) (string, error)
}

// Options carries the tunable constants of the pipeline. The defaults in
// the config package reproduce the published analyses; everything here is
// empirical rather than principled.
type Options struct {
	MaxStarsPerUser  int
	UserBatchSize    int
	DetailBatchSize  int
	BrokenUserIDs    []string
	MinLeftShare     float64
	MinRightShare    float64
	MaxPushedAgoDays float64
	MaxResults       int
	NoiseNameParts   []string
	NoiseRepos       []string
	HistogramMonths  int
	WriteRaw         bool
}

// interval is one trailing window ending at the most recent Monday 00:00
// UTC. Days -1 marks the since-inception window, whose left edge is the
// series' own first point.
type interval struct {
	Name string
	Days float64
}

// statIntervals is the fixed set of slope windows, shortest first.
var statIntervals = []interval{
	{Name: "T1W", Days: 7},
	{Name: "T2W", Days: 7 * 2},
	{Name: "T1M", Days: 365.0 / 12},
	{Name: "T3M", Days: 365.0 / 4},
	{Name: "T6M", Days: 365.0 / 2},
	{Name: "T1Y", Days: 365},
	{Name: "T2Y", Days: 365 * 2},
	{Name: "T5Y", Days: 365 * 5},
	{Name: "TI", Days: -1},
}

// IntervalNames returns the slope window names in export column order.
func IntervalNames() []string {
	names := make([]string, 0, len(statIntervals))
	for _, iv := range statIntervals {
		names = append(names, iv.Name)
	}
	return names
}

// startOfWeekUnix returns the most recent Monday 00:00 UTC at or before t.
func startOfWeekUnix(t time.Time) int64 {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	daysSinceMonday := (int(midnight.Weekday()) + 6) % 7
	return midnight.AddDate(0, 0, -daysSinceMonday).Unix()
}

// unixFromISO parses an RFC3339 timestamp, returning 0 on malformed input
// (deleted users occasionally produce empty timestamps).
func unixFromISO(iso string) int64 {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return 0
	}
	return t.Unix()
}
