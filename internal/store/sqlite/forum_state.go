package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// GetForumState returns the crawl cursor for a forum, or nil before the
// first crawl.
func (s *Store) GetForumState(ctx context.Context, forum string) (*relay.ForumState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT forum, last_crawl_ts, updated_at FROM forum_state WHERE forum=?`,
		forum,
	)
	var st relay.ForumState
	var ts sql.NullInt64
	var up sql.NullString
	if err := row.Scan(&st.Forum, &ts, &up); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get forum state %s: %w", forum, err)
	}
	st.LastCrawlTS = ts.Int64
	st.UpdatedAt = up.String
	return &st, nil
}

// SetForumState advances the crawl cursor.
func (s *Store) SetForumState(ctx context.Context, forum string, lastCrawlTS int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forum_state (forum, last_crawl_ts, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(forum) DO UPDATE SET
		  last_crawl_ts=excluded.last_crawl_ts,
		  updated_at=excluded.updated_at`,
		forum, lastCrawlTS, s.now(),
	)
	if err != nil {
		return fmt.Errorf("set forum state %s: %w", forum, err)
	}
	return nil
}

// Stats aggregates table counts for the operations endpoint.
func (s *Store) Stats(ctx context.Context) (relay.StoreStats, error) {
	var st relay.StoreStats

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(CASE WHEN category IS NOT NULL AND category != '' THEN 1 END),
		       COUNT(CASE WHEN thread_role='collection' THEN 1 END)
		FROM threads`)
	if err := row.Scan(&st.Threads, &st.ThreadsLabeled, &st.CollectionThreads); err != nil {
		return st, fmt.Errorf("thread stats: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(CASE WHEN hash IS NOT NULL THEN 1 END) FROM images`)
	if err := row.Scan(&st.Images, &st.ImagesDownloaded); err != nil {
		return st, fmt.Errorf("image stats: %w", err)
	}

	st.RelayByStatus = make(map[relay.TaskStatus]int64)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM relay_tasks GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("relay stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("scan relay stats: %w", err)
		}
		st.RelayByStatus[relay.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("iterate relay stats: %w", err)
	}
	return st, nil
}
