package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// last_error is capped so a dumped response body cannot bloat the row.
const maxErrorLen = 1000

// InsertRelayTask enqueues the (source_tid, target_tid) obligation as
// PENDING. The UNIQUE constraint makes re-enqueueing a no-op; the bool
// reports whether a new row was created.
func (s *Store) InsertRelayTask(ctx context.Context, t relay.RelayTask) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO relay_tasks
		  (source_tid, target_tid, target_forum, category, source_year, source_week,
		   status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'PENDING', 0, NULL, ?, ?)`,
		t.SourceTID, t.TargetTID, t.TargetForum, t.Category, t.SourceYear, t.SourceWeek, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert relay task %d->%d: %w", t.SourceTID, t.TargetTID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert relay task %d->%d: %w", t.SourceTID, t.TargetTID, err)
	}
	return n == 1, nil
}

// ReclaimStalePosting returns POSTING rows older than the cutoff to
// PENDING. A row stuck in POSTING means a worker crashed mid-post; the
// reclaim keeps the task from being lost forever.
func (s *Store) ReclaimStalePosting(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE relay_tasks
		SET status='PENDING', updated_at=?
		WHERE status='POSTING' AND updated_at < ?`,
		s.now(), s.cutoff(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale posting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale posting: %w", err)
	}
	return n, nil
}

// ReleaseRetryableErrors moves ERROR rows below the attempt bound and
// older than the cutoff back to PENDING. forum narrows the release when
// non-empty.
func (s *Store) ReleaseRetryableErrors(ctx context.Context, forum string, maxAttempts int, updatedBefore time.Time) (int64, error) {
	where := []string{"status='ERROR'", "attempts < ?", "updated_at < ?"}
	args := []any{s.now(), maxAttempts, s.cutoff(updatedBefore)}
	if forum != "" {
		where = append(where, "target_forum=?")
		args = append(args, forum)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE relay_tasks SET status='PENDING', updated_at=? WHERE %s`,
		strings.Join(where, " AND ")),
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("release retryable errors: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release retryable errors: %w", err)
	}
	return n, nil
}

// SkipExhausted moves ERROR rows at or past the attempt bound to SKIPPED.
func (s *Store) SkipExhausted(ctx context.Context, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE relay_tasks
		SET status='SKIPPED', last_error='retry limit exceeded: ' || COALESCE(last_error, ''), updated_at=?
		WHERE status='ERROR' AND attempts >= ?`,
		s.now(), maxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("skip exhausted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("skip exhausted: %w", err)
	}
	return n, nil
}

// ClaimRelayTasks selects up to limit PENDING tasks oldest-obligation
// first and claims each with a compare-and-set to POSTING. A row lost to
// a concurrent claimer is silently dropped from the batch, so two
// overlapping relay runs never hold the same task.
func (s *Store) ClaimRelayTasks(ctx context.Context, forum, category string, limit int) ([]relay.ClaimedTask, error) {
	where := []string{"rt.status='PENDING'"}
	var args []any
	if forum != "" {
		where = append(where, "rt.target_forum=?")
		args = append(args, forum)
	}
	if category != "" {
		where = append(where, "rt.category=?")
		args = append(args, category)
	}
	args = append(args, limit)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT rt.id, rt.source_tid, rt.target_tid, rt.target_forum, rt.category,
		       rt.source_year, rt.source_week, rt.attempts, rt.created_at,
		       th.fname, th.title, th.author_id, th.author_name, th.create_time, th.text
		FROM relay_tasks rt
		JOIN threads th ON th.tid = rt.source_tid
		WHERE %s
		ORDER BY rt.created_at ASC, rt.id ASC
		LIMIT ?`, strings.Join(where, " AND ")),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("select claimable tasks: %w", err)
	}

	var candidates []relay.ClaimedTask
	for rows.Next() {
		var (
			c                              relay.ClaimedTask
			cat, created                   sql.NullString
			year, week                     sql.NullInt64
			fname, title, authorName, text sql.NullString
		)
		err := rows.Scan(&c.ID, &c.SourceTID, &c.TargetTID, &c.TargetForum, &cat,
			&year, &week, &c.Attempts, &created,
			&fname, &title, &c.AuthorID, &authorName, &c.CreateTime, &text)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable task: %w", err)
		}
		c.Category = cat.String
		c.SourceYear = int(year.Int64)
		c.SourceWeek = int(week.Int64)
		c.CreatedAt = created.String
		c.SourceForum = fname.String
		c.Title = title.String
		c.AuthorName = authorName.String
		c.Text = text.String
		c.Status = relay.TaskPending
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate claimable tasks: %w", err)
	}
	rows.Close()

	now := s.now()
	var claimed []relay.ClaimedTask
	for _, c := range candidates {
		res, err := tx.ExecContext(ctx, `
			UPDATE relay_tasks SET status='POSTING', updated_at=?
			WHERE id=? AND status='PENDING'`,
			now, c.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim task id=%d: %w", c.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim task id=%d: %w", c.ID, err)
		}
		if n == 1 {
			c.Status = relay.TaskPosting
			claimed = append(claimed, c)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, nil
}

// ReleaseRelayTasks returns claimed tasks to PENDING, e.g. after a dry
// run.
func (s *Store) ReleaseRelayTasks(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, s.now())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE relay_tasks SET status='PENDING', updated_at=? WHERE id IN (%s)`, marks),
		args...,
	)
	if err != nil {
		return fmt.Errorf("release relay tasks: %w", err)
	}
	return nil
}

// MarkRelayDone completes a claimed task. Only a POSTING row may become
// DONE; anything else is a conflict.
func (s *Store) MarkRelayDone(ctx context.Context, id int64) error {
	return s.transition(ctx, id, `
		UPDATE relay_tasks SET status='DONE', last_error=NULL, updated_at=?
		WHERE id=? AND status='POSTING'`)
}

// MarkRelayError fails a claimed task: attempts increments by exactly one
// and the cause is recorded. Only a POSTING row may become ERROR.
func (s *Store) MarkRelayError(ctx context.Context, id int64, errText string) error {
	if len(errText) > maxErrorLen {
		errText = errText[:maxErrorLen]
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE relay_tasks SET status='ERROR', attempts=attempts+1, last_error=?, updated_at=?
		WHERE id=? AND status='POSTING'`,
		errText, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark relay error id=%d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark relay error id=%d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("mark relay error id=%d: %w", id, relay.ErrStoreConflict)
	}
	return nil
}

// MarkRelaySkipped retires a task that is no longer relevant. SKIPPED is
// entered from PENDING or ERROR, never from an active POSTING claim.
func (s *Store) MarkRelaySkipped(ctx context.Context, id int64, reason string) error {
	if len(reason) > maxErrorLen {
		reason = reason[:maxErrorLen]
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE relay_tasks SET status='SKIPPED', last_error=?, updated_at=?
		WHERE id=? AND status IN ('PENDING', 'ERROR')`,
		reason, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark relay skipped id=%d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark relay skipped id=%d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("mark relay skipped id=%d: %w", id, relay.ErrStoreConflict)
	}
	return nil
}

func (s *Store) transition(ctx context.Context, id int64, query string) error {
	res, err := s.db.ExecContext(ctx, query, s.now(), id)
	if err != nil {
		return fmt.Errorf("transition relay task id=%d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition relay task id=%d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("transition relay task id=%d: %w", id, relay.ErrStoreConflict)
	}
	return nil
}

// ListRelayTasks serves the API task listing, newest first.
func (s *Store) ListRelayTasks(ctx context.Context, status relay.TaskStatus, category string, limit int) ([]relay.RelayTask, error) {
	where := []string{"1=1"}
	var args []any
	if status != "" {
		where = append(where, "status=?")
		args = append(args, string(status))
	}
	if category != "" {
		where = append(where, "category=?")
		args = append(args, category)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, source_tid, target_tid, target_forum, category, source_year, source_week,
		       status, attempts, last_error, created_at, updated_at
		FROM relay_tasks
		WHERE %s
		ORDER BY id DESC
		LIMIT ?`, strings.Join(where, " AND ")),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list relay tasks: %w", err)
	}
	defer rows.Close()

	var out []relay.RelayTask
	for rows.Next() {
		var (
			t                         relay.RelayTask
			cat, lastErr, created, up sql.NullString
			year, week                sql.NullInt64
			status                    string
		)
		err := rows.Scan(&t.ID, &t.SourceTID, &t.TargetTID, &t.TargetForum, &cat, &year, &week,
			&status, &t.Attempts, &lastErr, &created, &up)
		if err != nil {
			return nil, fmt.Errorf("scan relay task: %w", err)
		}
		t.Category = cat.String
		t.SourceYear = int(year.Int64)
		t.SourceWeek = int(week.Int64)
		t.Status = relay.TaskStatus(status)
		t.LastError = lastErr.String
		t.CreatedAt = created.String
		t.UpdatedAt = up.String
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relay tasks: %w", err)
	}
	return out, nil
}

// GetRelayTask fetches one task row by id, mainly for tests and the API.
func (s *Store) GetRelayTask(ctx context.Context, id int64) (*relay.RelayTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_tid, target_tid, target_forum, category, source_year, source_week,
		       status, attempts, last_error, created_at, updated_at
		FROM relay_tasks WHERE id=?`, id)
	if err != nil {
		return nil, fmt.Errorf("get relay task id=%d: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		t                         relay.RelayTask
		cat, lastErr, created, up sql.NullString
		year, week                sql.NullInt64
		status                    string
	)
	err = rows.Scan(&t.ID, &t.SourceTID, &t.TargetTID, &t.TargetForum, &cat, &year, &week,
		&status, &t.Attempts, &lastErr, &created, &up)
	if err != nil {
		return nil, fmt.Errorf("scan relay task: %w", err)
	}
	t.Category = cat.String
	t.SourceYear = int(year.Int64)
	t.SourceWeek = int(week.Int64)
	t.Status = relay.TaskStatus(status)
	t.LastError = lastErr.String
	t.CreatedAt = created.String
	t.UpdatedAt = up.String
	return &t, nil
}
