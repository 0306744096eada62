package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/githubkpis/analyzer/internal/analyzer"
)

func sampleCandidate() *analyzer.RepoCandidate {
	slope := 1.5
	return &analyzer.RepoCandidate{
		ID:          "R1",
		FullName:    "acme/related",
		Description: "Widget toolkit, batteries included",
		IsArchived:  false,
		IsFork:      true,
		CreatedAgo:  365.5,
		PushedAgo:   3.1,
		Stars:       1000,
		Watchers:    7,
		Topics:      "ui, widgets",
		UsersStars:  10,
		LeftShare:   100,
		RightShare:  1.2,
		Relevance:   5.24,
		IntervalSlopes: map[string]*float64{
			"T1W": &slope,
			"T2W": nil,
		},
		MonthlyStars: map[string]float64{
			"T-2": 0,
			"T-1": 400,
			"T0":  1000,
		},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

// TestWriteRelated keeps every attribute including the pruned ones.
func TestWriteRelated(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e, err := NewCSV(dir, nil)
	require.NoError(t, err)

	path, err := e.WriteRelated("acme_widget-200", []*analyzer.RepoCandidate{sampleCandidate()})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "out-acme_widget-200-related.csv"), path)

	rows := readCSV(t, path)
	require.Len(t, rows, 2)
	require.Equal(t, "id", rows[0][0])
	require.Contains(t, rows[0], "isArchived")
	require.Equal(t, "R1", rows[1][0])
	require.Equal(t, "acme/related", rows[1][1])
}

// TestWriteStats prunes id and isArchived and appends slope plus histogram
// columns; undefined slopes stay empty.
func TestWriteStats(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e, err := NewCSV(dir, nil)
	require.NoError(t, err)

	path, err := e.WriteStats("acme_widget-200",
		[]*analyzer.RepoCandidate{sampleCandidate()}, []string{"T1W", "T2W"}, 2)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "out-acme_widget-200-stats.csv"), path)

	rows := readCSV(t, path)
	require.Len(t, rows, 2)
	header, row := rows[0], rows[1]
	require.NotContains(t, header, "id")
	require.NotContains(t, header, "isArchived")
	require.Equal(t, "fullName", header[0])
	require.Equal(t, []string{"T1W", "T2W", "T-2", "T-1", "T0"}, header[len(header)-5:])
	require.Equal(t, []string{"1.5", "", "0", "400", "1000"}, row[len(row)-5:])
	require.Equal(t, "acme/related", row[0])
}

// TestNewCSVCreatesDir builds missing export directories.
func TestNewCSVCreatesDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "out")
	_, err := NewCSV(dir, nil)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
