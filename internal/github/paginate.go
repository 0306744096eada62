package github

import (
	"context"
	"errors"
)

// ErrMissingCursor reports a page that claims more data without providing a
// continuation cursor. It aborts the current fetch path; callers convert it
// into a per-repo skip rather than a crash.
var ErrMissingCursor = errors.New("paginate: more pages claimed but no cursor provided")

// Paginate drives a cursor loop shared by every paginated call site: fetch a
// page, hand it to the accumulator, extract the next cursor, repeat. The
// accumulator returns false to stop early (used on unrecoverable per-page
// failures; fetch soft-fails with a nil page, which is passed through so
// the accumulator can log and stop). firstCursor may be empty to start at
// the first page.
func Paginate[T any](
	ctx context.Context,
	fetch func(ctx context.Context, cursor string) (*T, error),
	accumulate func(page *T) bool,
	nextCursor func(page *T) (hasMore bool, cursor string),
	firstCursor string,
) error {
	hasMore := true
	cursor := firstCursor
	for hasMore {
		page, err := fetch(ctx, cursor)
		if err != nil {
			return err
		}
		if !accumulate(page) {
			return nil
		}
		hasMore, cursor = nextCursor(page)
		if hasMore && cursor == "" {
			return ErrMissingCursor
		}
	}
	return nil
}
