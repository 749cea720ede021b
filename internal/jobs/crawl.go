package jobs

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/tieba-tools/tieba-relay/internal/metrics"
	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// CrawlResult summarizes one crawl-threads run.
type CrawlResult struct {
	Forum            string `json:"forum"`
	Pages            int    `json:"pages"`
	ThreadsSeen      int    `json:"threads_seen"`
	ThreadsUpserted  int    `json:"threads_upserted"`
	ImagesQueued     int    `json:"images_queued"`
	DetailsFetched   int    `json:"details_fetched"`
	CollectionsFound int    `json:"collections_found"`
	SinceTS          int64  `json:"since_ts"`
	Cursor           int64  `json:"cursor"`
	StopReason       string `json:"stop_reason"`
}

// RunCrawl walks the forum's thread listing newest-first until it reaches
// threads already covered by the previous run, upserting threads and
// queuing their images. Pinned threads are stored but never end the walk:
// their timestamps say nothing about listing position.
func RunCrawl(ctx context.Context, d Deps, p relay.CrawlParams) (CrawlResult, error) {
	if p.Forum == "" {
		p.Forum = d.Config.Crawl.DefaultForum
	}
	if p.Forum == "" {
		return CrawlResult{}, fmt.Errorf("crawl: forum is required")
	}
	rn := p.RN
	if rn <= 0 {
		rn = d.Config.Crawl.ThreadsPerPage
	}
	maxPages := p.MaxPages
	if maxPages <= 0 {
		maxPages = d.Config.Crawl.MaxPages
	}
	initialHours := p.InitialHours
	if initialHours <= 0 {
		initialHours = d.Config.Crawl.InitialHours
	}
	overlap := int64(p.OverlapSeconds)
	if overlap <= 0 {
		overlap = int64(d.Config.Crawl.OverlapSeconds)
	}

	now := d.Clock.Now()
	state, err := d.Store.GetForumState(ctx, p.Forum)
	if err != nil {
		return CrawlResult{}, fmt.Errorf("load crawl cursor: %w", err)
	}
	sinceTS := crawlCursor(state, now, initialHours, overlap)

	log := d.log().With(zap.String("forum", p.Forum), zap.Int64("since_ts", sinceTS))
	res := CrawlResult{Forum: p.Forum, SinceTS: sinceTS}
	var maxSeen int64

	for pn := 1; pn <= maxPages; pn++ {
		page, err := d.Client.ListThreads(ctx, p.Forum, pn, rn)
		if err != nil {
			return res, fmt.Errorf("crawl %s page %d: %w", p.Forum, pn, err)
		}
		res.Pages++
		metrics.RecordCrawlPage()

		allOld := true
		sawRegular := false
		for _, th := range page.Threads {
			res.ThreadsSeen++
			if th.CreateTime > maxSeen {
				maxSeen = th.CreateTime
			}
			if !th.IsTop {
				sawRegular = true
				if th.CreateTime >= sinceTS {
					allOld = false
				}
			}

			if th.Text == "" && th.CreateTime >= sinceTS {
				// listing abstract was empty; backfill from the first floor
				if detail, err := d.Client.FetchThreadDetail(ctx, th.TID); err != nil {
					log.Warn("thread detail fetch failed", zap.Int64("tid", th.TID), zap.Error(err))
				} else {
					th.Text = detail.Text
					if detail.ContentsJSON != "" {
						th.ContentsJSON = detail.ContentsJSON
					}
					th.Images = mergeImages(th.Images, detail.Images)
					res.DetailsFetched++
				}
			}

			if cat, bin, ok := d.Rules.DetectCollection(th.Title); ok {
				th.Role = relay.RoleCollection
				th.Category = cat
				th.CollectionYear = bin.Year
				th.CollectionWeek = bin.Week
				res.CollectionsFound++
			}

			if err := d.Store.UpsertThread(ctx, th); err != nil {
				return res, fmt.Errorf("upsert tid=%d: %w", th.TID, err)
			}
			res.ThreadsUpserted++
			metrics.RecordThreadUpsert()

			for _, img := range th.Images {
				if err := d.Store.UpsertImage(ctx, img); err != nil {
					return res, fmt.Errorf("upsert image tid=%d: %w", th.TID, err)
				}
				res.ImagesQueued++
			}
		}

		switch {
		case sawRegular && allOld:
			res.StopReason = "all_old"
		case !page.HasMore:
			res.StopReason = "no_more"
		case pn == maxPages:
			res.StopReason = "max_pages"
		}
		if res.StopReason != "" {
			break
		}

		d.sleep(d.pageSleep())
	}

	// the cursor only ever moves forward, and only past observed threads
	if maxSeen > 0 && (state == nil || maxSeen > state.LastCrawlTS) {
		if err := d.Store.SetForumState(ctx, p.Forum, maxSeen); err != nil {
			return res, fmt.Errorf("save crawl cursor: %w", err)
		}
		res.Cursor = maxSeen
	}

	log.Info("crawl finished",
		zap.Int("pages", res.Pages),
		zap.Int("threads", res.ThreadsUpserted),
		zap.Int("images", res.ImagesQueued),
		zap.String("stop", res.StopReason))
	return res, nil
}

// crawlCursor computes the lower timestamp bound for this run: the saved
// cursor minus the overlap window, or an initial lookback on first crawl.
func crawlCursor(state *relay.ForumState, now time.Time, initialHours int, overlap int64) int64 {
	if state == nil || state.LastCrawlTS <= 0 {
		return now.Add(-time.Duration(initialHours) * time.Hour).Unix()
	}
	since := state.LastCrawlTS - overlap
	if since < 0 {
		since = 0
	}
	return since
}

// mergeImages appends detail images not already present in the listing's
// set, keyed by URL.
func mergeImages(listing, detail []relay.ImageRecord) []relay.ImageRecord {
	seen := make(map[string]struct{}, len(listing))
	for _, img := range listing {
		seen[img.URL] = struct{}{}
	}
	for _, img := range detail {
		if _, ok := seen[img.URL]; ok {
			continue
		}
		seen[img.URL] = struct{}{}
		listing = append(listing, img)
	}
	return listing
}

func (d Deps) pageSleep() time.Duration {
	minMs := d.Config.Crawl.PageSleepMinMs
	maxMs := d.Config.Crawl.PageSleepMaxMs
	if maxMs <= 0 || maxMs < minMs {
		return 0
	}
	span := maxMs - minMs
	ms := minMs
	if span > 0 {
		ms += rand.Intn(span + 1)
	}
	return time.Duration(ms) * time.Millisecond
}
