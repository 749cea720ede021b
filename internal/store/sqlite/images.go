package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// UpsertImage records an observed image URL for a thread. The
// UNIQUE(tid, url) constraint makes re-crawling idempotent: re-observing
// the same image refreshes display metadata without duplicating the row
// or clearing an already computed hash.
func (s *Store) UpsertImage(ctx context.Context, img relay.ImageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (tid, url, hash, origin_src, src, big_src, show_width, show_height, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tid, url) DO UPDATE SET
		  hash=COALESCE(excluded.hash, images.hash),
		  origin_src=COALESCE(excluded.origin_src, images.origin_src),
		  src=COALESCE(excluded.src, images.src),
		  big_src=COALESCE(excluded.big_src, images.big_src),
		  show_width=COALESCE(excluded.show_width, images.show_width),
		  show_height=COALESCE(excluded.show_height, images.show_height),
		  updated_at=excluded.updated_at`,
		img.TID, img.URL, nullIfEmpty(img.Hash), nullIfEmpty(img.OriginSrc), nullIfEmpty(img.Src),
		nullIfEmpty(img.BigSrc), nullIfZero(img.ShowWidth), nullIfZero(img.ShowHeight), s.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert image tid=%d url=%s: %w", img.TID, img.URL, err)
	}
	return nil
}

// GetImage fetches the row for (tid, url), or nil when unknown.
func (s *Store) GetImage(ctx context.Context, tid int64, url string) (*relay.ImageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tid, url, hash, origin_src, src, big_src, show_width, show_height, updated_at
		FROM images
		WHERE tid=? AND url=?`,
		tid, url,
	)
	img, err := scanImage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get image tid=%d url=%s: %w", tid, url, err)
	}
	return &img, nil
}

// ClaimPendingImages returns un-downloaded image rows (hash IS NULL is
// the authoritative pending signal) joined with their forum, oldest rows
// first.
func (s *Store) ClaimPendingImages(ctx context.Context, limit int) ([]relay.PendingImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.tid, i.url, i.hash, i.origin_src, i.src, i.big_src,
		       i.show_width, i.show_height, i.updated_at, th.fname
		FROM images i
		JOIN threads th ON th.tid = i.tid
		WHERE i.hash IS NULL
		ORDER BY i.id ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending images: %w", err)
	}
	defer rows.Close()

	var out []relay.PendingImage
	for rows.Next() {
		var (
			p                          relay.PendingImage
			hash, origin, src, big, up sql.NullString
			width, height              sql.NullInt64
			forum                      sql.NullString
		)
		err := rows.Scan(&p.ID, &p.TID, &p.URL, &hash, &origin, &src, &big, &width, &height, &up, &forum)
		if err != nil {
			return nil, fmt.Errorf("scan pending image: %w", err)
		}
		p.Hash = hash.String
		p.OriginSrc = origin.String
		p.Src = src.String
		p.BigSrc = big.String
		p.ShowWidth = int(width.Int64)
		p.ShowHeight = int(height.Int64)
		p.UpdatedAt = up.String
		p.Forum = forum.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending images: %w", err)
	}
	return out, nil
}

// MarkImageDone records a completed download: the content hash and the
// content-addressed path the bytes were written to.
func (s *Store) MarkImageDone(ctx context.Context, id int64, hash, src string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE images SET hash=?, src=?, updated_at=? WHERE id=?`,
		hash, src, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark image done id=%d: %w", id, err)
	}
	return nil
}

// ImageURLsForThread returns up to limit distinct source URLs for a
// thread, in observation order, for reply content rendering.
func (s *Store) ImageURLsForThread(ctx context.Context, tid int64, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url FROM images WHERE tid=? ORDER BY id ASC`,
		tid,
	)
	if err != nil {
		return nil, fmt.Errorf("image urls tid=%d: %w", tid, err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan image url: %w", err)
		}
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image urls: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (relay.ImageRecord, error) {
	var (
		img                        relay.ImageRecord
		hash, origin, src, big, up sql.NullString
		width, height              sql.NullInt64
	)
	err := row.Scan(&img.ID, &img.TID, &img.URL, &hash, &origin, &src, &big, &width, &height, &up)
	if err != nil {
		return relay.ImageRecord{}, err
	}
	img.Hash = hash.String
	img.OriginSrc = origin.String
	img.Src = src.String
	img.BigSrc = big.String
	img.ShowWidth = int(width.Int64)
	img.ShowHeight = int(height.Int64)
	img.UpdatedAt = up.String
	return img, nil
}
