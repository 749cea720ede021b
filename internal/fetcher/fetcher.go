// Package fetcher downloads image bytes and stores them content-addressed.
package fetcher

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// Result describes one completed download.
type Result struct {
	Hash string
	Src  string
}

// Fetcher makes image downloads idempotent: a row that already carries a
// hash is never re-fetched, and concurrent requests for the same (tid,
// url) collapse into one HTTP round trip.
type Fetcher struct {
	client relay.PlatformClient
	store  relay.Store
	blobs  relay.BlobStore
	hasher relay.Hasher
	logger *zap.Logger
	group  singleflight.Group
}

// New wires a Fetcher.
func New(client relay.PlatformClient, store relay.Store, blobs relay.BlobStore, hasher relay.Hasher, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		client: client,
		store:  store,
		blobs:  blobs,
		hasher: hasher,
		logger: logger,
	}
}

// EnsureDownloaded fetches the image unless the store already has its
// hash, writes the bytes under images/<forum>/<tid>/<hash>.<ext>, and
// records hash and relative path on the image row.
func (f *Fetcher) EnsureDownloaded(ctx context.Context, img relay.PendingImage) (Result, error) {
	key := fmt.Sprintf("%d|%s", img.TID, img.URL)
	v, err, _ := f.group.Do(key, func() (any, error) {
		return f.download(ctx, img)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (f *Fetcher) download(ctx context.Context, img relay.PendingImage) (Result, error) {
	existing, err := f.store.GetImage(ctx, img.TID, img.URL)
	if err != nil {
		return Result{}, fmt.Errorf("look up image: %w", err)
	}
	if existing != nil && existing.Downloaded() {
		return Result{Hash: existing.Hash, Src: existing.Src}, nil
	}

	data, contentType, err := f.client.FetchImage(ctx, img.URL)
	if err != nil {
		return Result{}, &relay.DownloadError{URL: img.URL, Err: err}
	}
	if len(data) == 0 {
		return Result{}, &relay.DownloadError{URL: img.URL, Err: fmt.Errorf("empty response body")}
	}

	hash, err := f.hasher.Hash(data)
	if err != nil {
		return Result{}, fmt.Errorf("hash image: %w", err)
	}

	rel := blobPath(img.Forum, img.TID, hash, extensionFor(img.URL, contentType))
	src, err := f.blobs.Put(ctx, rel, data)
	if err != nil {
		return Result{}, &relay.DownloadError{URL: img.URL, Err: err}
	}

	if err := f.store.MarkImageDone(ctx, img.ID, hash, src); err != nil {
		return Result{}, fmt.Errorf("record image: %w", err)
	}

	f.logger.Debug("image stored",
		zap.Int64("tid", img.TID),
		zap.String("hash", hash),
		zap.Int("bytes", len(data)))
	return Result{Hash: hash, Src: src}, nil
}

func blobPath(forum string, tid int64, hash, ext string) string {
	return path.Join("images", sanitizeSegment(forum), fmt.Sprint(tid), hash+ext)
}

// sanitizeSegment keeps the forum name usable as one path element.
func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// extensionFor derives a file extension, preferring the URL suffix and
// falling back to the response content type.
func extensionFor(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); isImageExt(ext) {
			return ext
		}
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "image/jpeg":
			return ".jpg"
		case "image/png":
			return ".png"
		case "image/gif":
			return ".gif"
		case "image/webp":
			return ".webp"
		case "image/bmp":
			return ".bmp"
		}
	}
	return ".jpg"
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp":
		return true
	}
	return false
}
