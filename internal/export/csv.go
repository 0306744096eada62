// Package export writes run artifacts as CSV files.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/githubkpis/analyzer/internal/analyzer"
)

// baseColumns is the candidate attribute order shared by both files. The
// stats file drops the purely internal ones.
var baseColumns = []string{
	"id", "fullName", "description", "isArchived", "isFork",
	"createdAgo", "pushedAgo", "stars", "watchers", "forks",
	"issues", "pullRequests", "releases", "topics",
	"mentionable", "assignable",
	"usersStars", "leftShare", "rightShare", "relevance",
}

// statsDropColumns are attributes useless to a spreadsheet reader.
var statsDropColumns = map[string]bool{
	"id":         true,
	"isArchived": true,
}

// CSV writes candidate lists into a directory. It satisfies
// analyzer.Exporter.
type CSV struct {
	dir    string
	logger *zap.Logger
}

// NewCSV constructs an exporter rooted at dir, creating it if needed.
func NewCSV(dir string, logger *zap.Logger) (*CSV, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &CSV{dir: dir, logger: logger}, nil
}

// WriteRelated dumps the full candidate list with every attribute.
func (e *CSV) WriteRelated(baseName string, candidates []*analyzer.RepoCandidate) (string, error) {
	path := filepath.Join(e.dir, fmt.Sprintf("out-%s-related.csv", baseName))
	rows := make([][]string, 0, len(candidates)+1)
	rows = append(rows, baseColumns)
	for _, c := range candidates {
		rows = append(rows, attributeRow(c, nil))
	}
	return path, e.writeFile(path, rows)
}

// WriteStats writes the final enriched list: the pruned attributes, one
// slope column per interval and one cumulative column per histogram month.
func (e *CSV) WriteStats(baseName string, candidates []*analyzer.RepoCandidate, intervalNames []string, histogramMonths int) (string, error) {
	path := filepath.Join(e.dir, fmt.Sprintf("out-%s-stats.csv", baseName))

	header := make([]string, 0, len(baseColumns)+len(intervalNames)+histogramMonths+1)
	for _, col := range baseColumns {
		if !statsDropColumns[col] {
			header = append(header, col)
		}
	}
	header = append(header, intervalNames...)
	for month := -histogramMonths; month <= 0; month++ {
		header = append(header, analyzer.MonthLabel(month))
	}

	rows := make([][]string, 0, len(candidates)+1)
	rows = append(rows, header)
	for _, c := range candidates {
		row := attributeRow(c, statsDropColumns)
		for _, name := range intervalNames {
			if slope := c.IntervalSlopes[name]; slope != nil {
				row = append(row, formatFloat(*slope))
			} else {
				row = append(row, "")
			}
		}
		for month := -histogramMonths; month <= 0; month++ {
			row = append(row, formatFloat(c.MonthlyStars[analyzer.MonthLabel(month)]))
		}
		rows = append(rows, row)
	}
	return path, e.writeFile(path, rows)
}

func (e *CSV) writeFile(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	e.logger.Info("csv written", zap.String("path", path), zap.Int("rows", len(rows)-1))
	return nil
}

// attributeRow renders the base columns, skipping any listed in drop.
func attributeRow(c *analyzer.RepoCandidate, drop map[string]bool) []string {
	values := map[string]string{
		"id":           c.ID,
		"fullName":     c.FullName,
		"description":  c.Description,
		"isArchived":   strconv.FormatBool(c.IsArchived),
		"isFork":       strconv.FormatBool(c.IsFork),
		"createdAgo":   formatFloat(c.CreatedAgo),
		"pushedAgo":    formatFloat(c.PushedAgo),
		"stars":        strconv.Itoa(c.Stars),
		"watchers":     strconv.Itoa(c.Watchers),
		"forks":        strconv.Itoa(c.Forks),
		"issues":       strconv.Itoa(c.Issues),
		"pullRequests": strconv.Itoa(c.PullRequests),
		"releases":     strconv.Itoa(c.Releases),
		"topics":       c.Topics,
		"mentionable":  strconv.Itoa(c.Mentionable),
		"assignable":   strconv.Itoa(c.Assignable),
		"usersStars":   strconv.Itoa(c.UsersStars),
		"leftShare":    formatFloat(c.LeftShare),
		"rightShare":   formatFloat(c.RightShare),
		"relevance":    formatFloat(c.Relevance),
	}
	row := make([]string, 0, len(baseColumns))
	for _, col := range baseColumns {
		if drop[col] {
			continue
		}
		row = append(row, values[col])
	}
	return row
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
