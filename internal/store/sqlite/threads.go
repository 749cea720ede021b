package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// UpsertThread inserts or refreshes a thread row keyed on tid. Mutable
// engagement fields always follow the crawl; labeling fields are
// preserved: category/tags only overwrite when the incoming value is
// non-empty, thread_role only ever upgrades to 'collection', and the
// collection bin only fills in when provided.
func (s *Store) UpsertThread(ctx context.Context, t relay.Thread) error {
	role := t.Role
	if role == "" {
		role = relay.RoleNormal
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (
		  tid, fid, fname, title, author_id, author_name,
		  agree, pid, create_time, last_time, reply_num, view_num,
		  is_top, is_good, is_help, is_hide, is_share,
		  text, contents_json, category, tags_json,
		  thread_role, collection_year, collection_week, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tid) DO UPDATE SET
		  fid=excluded.fid,
		  fname=excluded.fname,
		  title=excluded.title,
		  author_id=excluded.author_id,
		  author_name=excluded.author_name,
		  agree=excluded.agree,
		  pid=excluded.pid,
		  create_time=excluded.create_time,
		  last_time=excluded.last_time,
		  reply_num=excluded.reply_num,
		  view_num=excluded.view_num,
		  is_top=excluded.is_top,
		  is_good=excluded.is_good,
		  is_help=excluded.is_help,
		  is_hide=excluded.is_hide,
		  is_share=excluded.is_share,
		  text=excluded.text,
		  contents_json=excluded.contents_json,
		  category=CASE
		    WHEN excluded.category IS NOT NULL AND excluded.category != '' THEN excluded.category
		    ELSE threads.category
		  END,
		  tags_json=CASE
		    WHEN excluded.tags_json IS NOT NULL AND excluded.tags_json != '' THEN excluded.tags_json
		    ELSE threads.tags_json
		  END,
		  thread_role=CASE
		    WHEN excluded.thread_role = 'collection' THEN 'collection'
		    ELSE threads.thread_role
		  END,
		  collection_year=COALESCE(excluded.collection_year, threads.collection_year),
		  collection_week=COALESCE(excluded.collection_week, threads.collection_week),
		  updated_at=excluded.updated_at`,
		t.TID, t.FID, t.FName, t.Title, t.AuthorID, t.AuthorName,
		t.Agree, t.PID, t.CreateTime, t.LastTime, t.ReplyNum, t.ViewNum,
		boolToInt(t.IsTop), boolToInt(t.IsGood), boolToInt(t.IsHelp), boolToInt(t.IsHide), boolToInt(t.IsShare),
		t.Text, nullIfEmpty(t.ContentsJSON), nullIfEmpty(t.Category), nullIfEmpty(t.TagsJSON),
		string(role), nullIfZero(t.CollectionYear), nullIfZero(t.CollectionWeek), s.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert thread %d: %w", t.TID, err)
	}
	return nil
}

// SetThreadCategory applies an external classification to a thread.
// Empty tagsJSON keeps the existing tags.
func (s *Store) SetThreadCategory(ctx context.Context, tid int64, category, tagsJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET category=?, tags_json=COALESCE(?, tags_json), updated_at=?
		WHERE tid=?`,
		category, nullIfEmpty(tagsJSON), s.now(), tid,
	)
	if err != nil {
		return fmt.Errorf("set category tid=%d: %w", tid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set category tid=%d: %w", tid, err)
	}
	if n == 0 {
		return fmt.Errorf("set category tid=%d: %w", tid, sql.ErrNoRows)
	}
	return nil
}

// MarkThreadAsCollection upgrades a thread to collection role with its
// (year, week) bin.
func (s *Store) MarkThreadAsCollection(ctx context.Context, tid int64, category string, year, week int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET thread_role='collection', category=?, collection_year=?, collection_week=?, updated_at=?
		WHERE tid=?`,
		category, year, week, s.now(), tid,
	)
	if err != nil {
		return fmt.Errorf("mark collection tid=%d: %w", tid, err)
	}
	return nil
}

// FindCollectionThread locates the newest collection thread for a
// (forum, category, year, week) bin, or nil when none exists yet.
func (s *Store) FindCollectionThread(ctx context.Context, forum, category string, year, week int) (*relay.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tid, fname, title, create_time
		FROM threads
		WHERE fname=? AND thread_role='collection' AND category=?
		  AND collection_year=? AND collection_week=?
		ORDER BY create_time DESC
		LIMIT 1`,
		forum, category, year, week,
	)
	var t relay.Thread
	var title sql.NullString
	if err := row.Scan(&t.TID, &t.FName, &title, &t.CreateTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find collection thread: %w", err)
	}
	t.Title = title.String
	t.Role = relay.RoleCollection
	t.Category = category
	t.CollectionYear = year
	t.CollectionWeek = week
	return &t, nil
}

// RelayCandidates returns labeled, non-collection threads in the lookback
// window, oldest first. category narrows to one label when non-empty.
func (s *Store) RelayCandidates(ctx context.Context, forum string, sinceTS int64, category string, limit int) ([]relay.Thread, error) {
	where := []string{
		"fname=?", "create_time>=?", "thread_role!='collection'",
		"category IS NOT NULL", "category!=''",
	}
	args := []any{forum, sinceTS}
	if category != "" {
		where = append(where, "category=?")
		args = append(args, category)
	}
	if limit <= 0 {
		limit = -1 // no bound
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT tid, fname, title, author_id, author_name, create_time, text, category
		FROM threads
		WHERE %s
		ORDER BY create_time ASC
		LIMIT ?`, strings.Join(where, " AND ")),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query relay candidates: %w", err)
	}
	defer rows.Close()

	var out []relay.Thread
	for rows.Next() {
		var t relay.Thread
		var title, authorName, text, cat sql.NullString
		if err := rows.Scan(&t.TID, &t.FName, &title, &t.AuthorID, &authorName, &t.CreateTime, &text, &cat); err != nil {
			return nil, fmt.Errorf("scan relay candidate: %w", err)
		}
		t.Title = title.String
		t.AuthorName = authorName.String
		t.Text = text.String
		t.Category = cat.String
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relay candidates: %w", err)
	}
	return out, nil
}

// ThreadsInWindow returns threads for a forum since sinceTS, newest
// first, carrying the role/category/bin columns collection backfill
// scans compare against.
func (s *Store) ThreadsInWindow(ctx context.Context, forum string, sinceTS int64) ([]relay.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tid, title, thread_role, category, collection_year, collection_week
		FROM threads
		WHERE fname=? AND create_time>=?
		ORDER BY create_time DESC`,
		forum, sinceTS,
	)
	if err != nil {
		return nil, fmt.Errorf("query threads in window: %w", err)
	}
	defer rows.Close()

	var out []relay.Thread
	for rows.Next() {
		var t relay.Thread
		var title, role, cat sql.NullString
		var year, week sql.NullInt64
		if err := rows.Scan(&t.TID, &title, &role, &cat, &year, &week); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.Title = title.String
		t.Role = relay.ThreadRole(role.String)
		t.Category = cat.String
		t.CollectionYear = int(year.Int64)
		t.CollectionWeek = int(week.Int64)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return out, nil
}

// ListThreads serves the API thread listing.
func (s *Store) ListThreads(ctx context.Context, f relay.ThreadFilter) ([]relay.Thread, error) {
	where := []string{"1=1"}
	var args []any
	if f.Forum != "" {
		where = append(where, "fname=?")
		args = append(args, f.Forum)
	}
	if f.Category != "" {
		where = append(where, "category=?")
		args = append(args, f.Category)
	}
	if f.Role != "" {
		where = append(where, "thread_role=?")
		args = append(args, string(f.Role))
	}
	if f.Query != "" {
		where = append(where, "(title LIKE ? OR text LIKE ?)")
		pat := "%" + f.Query + "%"
		args = append(args, pat, pat)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT tid, fid, fname, title, author_id, author_name, agree, pid,
		       create_time, last_time, reply_num, view_num,
		       is_top, is_good, is_help, is_hide, is_share,
		       text, category, tags_json, thread_role,
		       collection_year, collection_week, updated_at
		FROM threads
		WHERE %s
		ORDER BY create_time DESC
		LIMIT ? OFFSET ?`, strings.Join(where, " AND ")),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []relay.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return out, nil
}

func scanThread(rows *sql.Rows) (relay.Thread, error) {
	var (
		t                                    relay.Thread
		title, authorName, text              sql.NullString
		category, tagsJSON, role, updatedAt  sql.NullString
		isTop, isGood, isHelp, isHide, isShr int
		collYear, collWeek                   sql.NullInt64
	)
	err := rows.Scan(
		&t.TID, &t.FID, &t.FName, &title, &t.AuthorID, &authorName, &t.Agree, &t.PID,
		&t.CreateTime, &t.LastTime, &t.ReplyNum, &t.ViewNum,
		&isTop, &isGood, &isHelp, &isHide, &isShr,
		&text, &category, &tagsJSON, &role,
		&collYear, &collWeek, &updatedAt,
	)
	if err != nil {
		return relay.Thread{}, fmt.Errorf("scan thread: %w", err)
	}
	t.Title = title.String
	t.AuthorName = authorName.String
	t.Text = text.String
	t.Category = category.String
	t.TagsJSON = tagsJSON.String
	t.Role = relay.ThreadRole(role.String)
	t.CollectionYear = int(collYear.Int64)
	t.CollectionWeek = int(collWeek.Int64)
	t.UpdatedAt = updatedAt.String
	t.IsTop = isTop != 0
	t.IsGood = isGood != 0
	t.IsHelp = isHelp != 0
	t.IsHide = isHide != 0
	t.IsShare = isShr != 0
	return t, nil
}
