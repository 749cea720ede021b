package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tieba-tools/tieba-relay/internal/metrics"
	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// relayGroup collapses concurrent relay runs per forum. Two overlapping
// runs would race each other to the same PENDING rows and double the
// post rate; the claim CAS makes that safe, collapsing makes it cheap.
var relayGroup singleflight.Group

// RelayResult summarizes one relay-labeled run.
type RelayResult struct {
	Forum         string   `json:"forum"`
	Reclaimed     int64    `json:"reclaimed_stale"`
	Skipped       int64    `json:"skipped_exhausted"`
	Released      int64    `json:"released_errors"`
	Enqueued      int      `json:"enqueued"`
	MissingTarget int      `json:"missing_target"`
	Claimed       int      `json:"claimed"`
	Posted        int      `json:"posted"`
	Errored       int      `json:"errored"`
	DryRun        bool     `json:"dry_run,omitempty"`
	Previews      []string `json:"previews,omitempty"`
}

// RunRelay drives the relay state machine for one forum: reclaim stale
// claims, retire exhausted tasks, enqueue new obligations for labeled
// threads, then claim and post a bounded batch oldest-first.
func RunRelay(ctx context.Context, d Deps, p relay.RelayParams) (RelayResult, error) {
	if p.Forum == "" {
		p.Forum = d.Config.Crawl.DefaultForum
	}
	if p.Forum == "" {
		return RelayResult{}, fmt.Errorf("relay: forum is required")
	}

	v, err, _ := relayGroup.Do(p.Forum, func() (any, error) {
		return runRelay(ctx, d, p)
	})
	if err != nil {
		return RelayResult{}, err
	}
	return v.(RelayResult), nil
}

func runRelay(ctx context.Context, d Deps, p relay.RelayParams) (RelayResult, error) {
	cfg := d.Config.Relay
	mode := p.Mode
	if mode == "" {
		mode = cfg.Mode
	}
	maxPosts := p.MaxPosts
	if maxPosts <= 0 {
		maxPosts = cfg.MaxPosts
	}
	minInterval := time.Duration(p.MinIntervalSeconds) * time.Second
	if minInterval <= 0 {
		minInterval = time.Duration(cfg.MinIntervalSeconds) * time.Second
	}
	maxTextChars := p.MaxTextChars
	if maxTextChars <= 0 {
		maxTextChars = cfg.MaxTextChars
	}
	maxImages := p.MaxImages
	if maxImages <= 0 {
		maxImages = cfg.MaxImages
	}
	lookbackDays := p.LookbackDays
	if lookbackDays <= 0 {
		lookbackDays = cfg.LookbackDays
	}

	log := d.log().With(zap.String("forum", p.Forum))
	now := d.Clock.Now()
	res := RelayResult{Forum: p.Forum, DryRun: p.DryRun}

	// state machine maintenance before enqueueing or claiming
	reclaimed, err := d.Store.ReclaimStalePosting(ctx, d.Retry.StaleCutoff(now))
	if err != nil {
		return res, fmt.Errorf("reclaim stale claims: %w", err)
	}
	res.Reclaimed = reclaimed

	skipped, err := d.Store.SkipExhausted(ctx, d.Retry.MaxAttempts)
	if err != nil {
		return res, fmt.Errorf("retire exhausted tasks: %w", err)
	}
	res.Skipped = skipped
	for i := int64(0); i < skipped; i++ {
		metrics.RecordRelayTransition(string(relay.TaskSkipped))
	}

	if p.IncludeError {
		released, err := d.Store.ReleaseRetryableErrors(ctx, p.Forum, d.Retry.MaxAttempts, d.Retry.RetryCutoff(now))
		if err != nil {
			return res, fmt.Errorf("release retryable errors: %w", err)
		}
		res.Released = released
	}

	if err := enqueueCandidates(ctx, d, p.Forum, p.Category, lookbackDays, &res); err != nil {
		return res, err
	}

	claimed, err := d.Store.ClaimRelayTasks(ctx, p.Forum, p.Category, maxPosts)
	if err != nil {
		return res, fmt.Errorf("claim relay tasks: %w", err)
	}
	res.Claimed = len(claimed)

	spec := relay.ContentSpec{
		Mode:         mode,
		MaxTextChars: maxTextChars,
		MaxImages:    maxImages,
		Location:     d.Loc,
	}

	if p.DryRun {
		ids := make([]int64, 0, len(claimed))
		for _, task := range claimed {
			urls, err := d.Store.ImageURLsForThread(ctx, task.SourceTID, maxImages)
			if err != nil {
				urls = nil
			}
			res.Previews = append(res.Previews, relay.RenderReply(task, urls, spec))
			ids = append(ids, task.ID)
		}
		if err := d.Store.ReleaseRelayTasks(ctx, ids); err != nil {
			return res, fmt.Errorf("release dry-run claims: %w", err)
		}
		return res, nil
	}

	for i, task := range claimed {
		if i > 0 {
			d.sleep(minInterval)
		}
		if err := postOne(ctx, d, task, spec, maxImages, log); err != nil {
			res.Errored++
		} else {
			res.Posted++
		}
	}

	log.Info("relay finished",
		zap.Int64("reclaimed", res.Reclaimed),
		zap.Int64("skipped", res.Skipped),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("posted", res.Posted),
		zap.Int("errored", res.Errored))
	return res, nil
}

// enqueueCandidates creates PENDING tasks for labeled threads whose week
// bin already has a collection thread. Threads without a target simply
// wait for the next run; the unique (source, target) index makes
// re-enqueueing idempotent.
func enqueueCandidates(ctx context.Context, d Deps, forum, category string, lookbackDays int, res *RelayResult) error {
	sinceTS := d.Clock.Now().Add(-time.Duration(lookbackDays) * 24 * time.Hour).Unix()
	candidates, err := d.Store.RelayCandidates(ctx, forum, sinceTS, category, 0)
	if err != nil {
		return fmt.Errorf("list relay candidates: %w", err)
	}

	for _, th := range candidates {
		bin := relay.BinOf(th.CreateTime, d.Loc)
		target, err := d.Store.FindCollectionThread(ctx, forum, th.Category, bin.Year, bin.Week)
		if err != nil {
			return fmt.Errorf("find target for tid=%d: %w", th.TID, err)
		}
		if target == nil {
			res.MissingTarget++
			continue
		}
		if target.TID == th.TID {
			continue
		}

		created, err := d.Store.InsertRelayTask(ctx, relay.RelayTask{
			SourceTID:   th.TID,
			TargetTID:   target.TID,
			TargetForum: forum,
			Category:    th.Category,
			SourceYear:  bin.Year,
			SourceWeek:  bin.Week,
		})
		if err != nil {
			return fmt.Errorf("enqueue tid=%d: %w", th.TID, err)
		}
		if created {
			res.Enqueued++
			metrics.RecordRelayTransition(string(relay.TaskPending))
		}
	}
	return nil
}

// postOne renders and posts a single claimed task, then records the
// outcome. POSTING only ever resolves to DONE or ERROR here; SKIPPED is
// decided before claiming, never after.
func postOne(ctx context.Context, d Deps, task relay.ClaimedTask, spec relay.ContentSpec, maxImages int, log *zap.Logger) error {
	urls, err := d.Store.ImageURLsForThread(ctx, task.SourceTID, maxImages)
	if err != nil {
		urls = nil
	}

	content := relay.RenderReply(task, urls, spec)
	if content == "" {
		if err := d.Store.MarkRelayError(ctx, task.ID, "empty reply content"); err != nil && !errors.Is(err, relay.ErrStoreConflict) {
			return err
		}
		metrics.RecordRelayTransition(string(relay.TaskError))
		return fmt.Errorf("empty reply content for tid=%d", task.SourceTID)
	}

	if err := d.Client.PostReply(ctx, task.TargetForum, task.TargetTID, content); err != nil {
		postErr := &relay.PostError{TargetTID: task.TargetTID, Err: err}
		log.Warn("post failed",
			zap.Int64("source_tid", task.SourceTID),
			zap.Int64("target_tid", task.TargetTID),
			zap.Int("attempts", task.Attempts),
			zap.Error(postErr))
		if mErr := d.Store.MarkRelayError(ctx, task.ID, postErr.Error()); mErr != nil && !errors.Is(mErr, relay.ErrStoreConflict) {
			return mErr
		}
		metrics.RecordRelayTransition(string(relay.TaskError))
		return postErr
	}

	if err := d.Store.MarkRelayDone(ctx, task.ID); err != nil && !errors.Is(err, relay.ErrStoreConflict) {
		return err
	}
	metrics.RecordRelayTransition(string(relay.TaskDone))
	log.Info("relayed",
		zap.Int64("source_tid", task.SourceTID),
		zap.Int64("target_tid", task.TargetTID),
		zap.String("category", task.Category))
	return nil
}
