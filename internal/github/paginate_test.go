package github

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePage struct {
	items   []int
	hasMore bool
	cursor  string
}

func TestPaginateWalksAllPages(t *testing.T) {
	t.Parallel()

	pages := map[string]*fakePage{
		"":   {items: []int{1, 2}, hasMore: true, cursor: "c1"},
		"c1": {items: []int{3}, hasMore: true, cursor: "c2"},
		"c2": {items: []int{4, 5}, hasMore: false, cursor: "c3"},
	}
	var got []int
	err := Paginate(context.Background(),
		func(_ context.Context, cursor string) (*fakePage, error) {
			return pages[cursor], nil
		},
		func(page *fakePage) bool {
			got = append(got, page.items...)
			return true
		},
		func(page *fakePage) (bool, string) {
			return page.hasMore, page.cursor
		},
		"",
	)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestPaginateStopsWhenAccumulatorDeclines(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Paginate(context.Background(),
		func(_ context.Context, _ string) (*fakePage, error) {
			calls++
			// A soft API failure surfaces as a nil page.
			return nil, nil
		},
		func(page *fakePage) bool {
			require.Nil(t, page)
			return false
		},
		func(_ *fakePage) (bool, string) {
			t.Fatal("cursor extraction must not run after a stop")
			return false, ""
		},
		"",
	)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestPaginateRejectsMissingCursor(t *testing.T) {
	t.Parallel()

	err := Paginate(context.Background(),
		func(_ context.Context, _ string) (*fakePage, error) {
			return &fakePage{hasMore: true, cursor: ""}, nil
		},
		func(_ *fakePage) bool { return true },
		func(page *fakePage) (bool, string) { return page.hasMore, page.cursor },
		"",
	)
	require.ErrorIs(t, err, ErrMissingCursor)
}

func TestPaginateStartsFromGivenCursor(t *testing.T) {
	t.Parallel()

	var seen []string
	err := Paginate(context.Background(),
		func(_ context.Context, cursor string) (*fakePage, error) {
			seen = append(seen, cursor)
			return &fakePage{hasMore: false}, nil
		},
		func(_ *fakePage) bool { return true },
		func(page *fakePage) (bool, string) { return page.hasMore, page.cursor },
		"resume-here",
	)
	require.NoError(t, err)
	require.Equal(t, []string{"resume-here"}, seen)
}
