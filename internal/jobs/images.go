package jobs

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tieba-tools/tieba-relay/internal/metrics"
	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// ImagesResult summarizes one download-images run.
type ImagesResult struct {
	Claimed    int `json:"claimed"`
	Downloaded int `json:"downloaded"`
	Failed     int `json:"failed"`
}

// RunDownloadImages claims image rows without a hash and downloads them
// with bounded concurrency. A failing image never aborts its siblings;
// it simply stays claimable for the next run.
func RunDownloadImages(ctx context.Context, d Deps, p relay.DownloadImagesParams) (ImagesResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = d.Config.Images.Limit
	}
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = d.Config.Images.Concurrency
	}

	pending, err := d.Store.ClaimPendingImages(ctx, limit)
	if err != nil {
		return ImagesResult{}, fmt.Errorf("claim pending images: %w", err)
	}
	res := ImagesResult{Claimed: len(pending)}
	if len(pending) == 0 {
		return res, nil
	}

	log := d.log()
	sem := semaphore.NewWeighted(int64(concurrency))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, img := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(img relay.PendingImage) {
			defer wg.Done()
			defer sem.Release(1)

			_, err := d.Fetcher.EnsureDownloaded(ctx, img)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				metrics.RecordImage(false)
				log.Warn("image download failed",
					zap.Int64("tid", img.TID),
					zap.String("url", img.URL),
					zap.Error(err))
				return
			}
			res.Downloaded++
			metrics.RecordImage(true)
		}(img)
	}
	wg.Wait()

	log.Info("image batch finished",
		zap.Int("claimed", res.Claimed),
		zap.Int("downloaded", res.Downloaded),
		zap.Int("failed", res.Failed))
	return res, ctx.Err()
}
