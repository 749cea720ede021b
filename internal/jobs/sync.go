package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// SyncResult summarizes one sync-collections run.
type SyncResult struct {
	Forum    string `json:"forum"`
	Scanned  int    `json:"scanned"`
	Detected int    `json:"detected"`
	Marked   int    `json:"marked"`
	DryRun   bool   `json:"dry_run,omitempty"`
}

// RunSyncCollections re-scans recently crawled threads and marks the ones
// whose titles identify a weekly collection thread. A rule change takes
// effect on the next run without re-crawling.
func RunSyncCollections(ctx context.Context, d Deps, p relay.SyncCollectionsParams) (SyncResult, error) {
	if p.Forum == "" {
		p.Forum = d.Config.Crawl.DefaultForum
	}
	if p.Forum == "" {
		return SyncResult{}, fmt.Errorf("sync-collections: forum is required")
	}
	days := p.Days
	if days <= 0 {
		days = d.Config.Relay.LookbackDays
	}

	sinceTS := d.Clock.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	threads, err := d.Store.ThreadsInWindow(ctx, p.Forum, sinceTS)
	if err != nil {
		return SyncResult{}, fmt.Errorf("scan window: %w", err)
	}

	log := d.log().With(zap.String("forum", p.Forum))
	res := SyncResult{Forum: p.Forum, Scanned: len(threads), DryRun: p.DryRun}

	for _, th := range threads {
		cat, bin, ok := d.Rules.DetectCollection(th.Title)
		if !ok {
			continue
		}
		res.Detected++

		alreadyMarked := th.Role == relay.RoleCollection &&
			th.Category == cat &&
			th.CollectionYear == bin.Year &&
			th.CollectionWeek == bin.Week
		if alreadyMarked || p.DryRun {
			continue
		}

		if err := d.Store.MarkThreadAsCollection(ctx, th.TID, cat, bin.Year, bin.Week); err != nil {
			return res, fmt.Errorf("mark collection tid=%d: %w", th.TID, err)
		}
		res.Marked++
		log.Info("collection thread marked",
			zap.Int64("tid", th.TID),
			zap.String("category", cat),
			zap.Int("year", bin.Year),
			zap.Int("week", bin.Week))
	}

	return res, nil
}
