package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tieba-tools/tieba-relay/internal/config"
	"github.com/tieba-tools/tieba-relay/internal/fetcher"
	"github.com/tieba-tools/tieba-relay/internal/hash/sha256"
	"github.com/tieba-tools/tieba-relay/internal/relay"
	"github.com/tieba-tools/tieba-relay/internal/storage/local"
	"github.com/tieba-tools/tieba-relay/internal/store/sqlite"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type postRecord struct {
	Forum   string
	TID     int64
	Content string
}

// fakePlatform scripts listing pages, image bytes, and post outcomes.
type fakePlatform struct {
	mu           sync.Mutex
	pages        []relay.ThreadPage
	listErr      error
	details      map[int64]relay.ThreadDetail
	images       map[string][]byte
	postFailures map[int64]int
	posts        []postRecord
}

func (f *fakePlatform) ListThreads(_ context.Context, forum string, pn, rn int) (relay.ThreadPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return relay.ThreadPage{}, f.listErr
	}
	if pn < 1 || pn > len(f.pages) {
		return relay.ThreadPage{}, nil
	}
	return f.pages[pn-1], nil
}

func (f *fakePlatform) FetchThreadDetail(_ context.Context, tid int64) (relay.ThreadDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.details[tid]; ok {
		return d, nil
	}
	return relay.ThreadDetail{TID: tid}, nil
}

func (f *fakePlatform) FetchImage(_ context.Context, url string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.images[url]
	if !ok {
		return nil, "", fmt.Errorf("not found: %s", url)
	}
	return data, "image/jpeg", nil
}

func (f *fakePlatform) PostReply(_ context.Context, forum string, tid int64, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.postFailures[tid]; n > 0 {
		f.postFailures[tid] = n - 1
		return fmt.Errorf("post rejected")
	}
	f.posts = append(f.posts, postRecord{Forum: forum, TID: tid, Content: content})
	return nil
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Crawl = config.CrawlConfig{
		DefaultForum:   "wifi",
		ThreadsPerPage: 50,
		InitialHours:   24,
		OverlapSeconds: 3600,
		MaxPages:       200,
	}
	cfg.Images = config.ImagesConfig{Limit: 200, Concurrency: 4}
	cfg.Relay = config.RelayConfig{
		Timezone:           "UTC",
		Mode:               relay.ModeLink,
		MaxPosts:           2,
		MinIntervalSeconds: 0,
		MaxTextChars:       300,
		MaxImages:          3,
		LookbackDays:       21,
		MaxAttempts:        3,
		RetryIntervalSec:   120,
		StaleAfterSeconds:  600,
	}
	return cfg
}

func newTestDeps(t *testing.T, client *fakePlatform) (Deps, *sqlite.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC)}
	store, err := sqlite.Open(":memory:", clock)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := local.New(t.TempDir())
	require.NoError(t, err)

	logger := zap.NewNop()
	d := Deps{
		Store:   store,
		Client:  client,
		Fetcher: fetcher.New(client, store, blobs, sha256.New(), logger),
		Clock:   clock,
		Config:  testConfig(),
		Rules:   relay.CollectionRules{"求助贴": {"求助合集"}},
		Retry:   relay.RetryPolicy{MaxAttempts: 3, MinInterval: 2 * time.Minute, StaleAfter: 10 * time.Minute},
		Loc:     time.UTC,
		Logger:  logger,
		Sleep:   func(time.Duration) {},
	}
	return d, store, clock
}

func thread(tid int64, createTime int64, opts ...func(*relay.Thread)) relay.Thread {
	th := relay.Thread{
		TID:        tid,
		FID:        7,
		FName:      "wifi",
		Title:      fmt.Sprintf("thread %d", tid),
		AuthorID:   1,
		AuthorName: "author",
		CreateTime: createTime,
		Role:       relay.RoleNormal,
	}
	for _, opt := range opts {
		opt(&th)
	}
	return th
}

func TestCrawlFirstRunUsesInitialLookback(t *testing.T) {
	client := &fakePlatform{}
	d, store, clock := newTestDeps(t, client)
	now := clock.Now().Unix()

	client.pages = []relay.ThreadPage{{
		Threads: []relay.Thread{
			thread(200, now-100),
			thread(201, now-200, func(th *relay.Thread) {
				th.Images = []relay.ImageRecord{{TID: 201, URL: "http://img/a.jpg"}}
			}),
		},
		HasMore: false,
	}}

	res, err := RunCrawl(context.Background(), d, relay.CrawlParams{Forum: "wifi"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 2, res.ThreadsUpserted)
	assert.Equal(t, 1, res.ImagesQueued)
	assert.Equal(t, "no_more", res.StopReason)
	assert.Equal(t, now-24*3600, res.SinceTS)
	assert.Equal(t, now-100, res.Cursor)

	state, err := store.GetForumState(context.Background(), "wifi")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, now-100, state.LastCrawlTS)
}

func TestCrawlStopsWhenPageIsAllOld(t *testing.T) {
	client := &fakePlatform{}
	d, store, clock := newTestDeps(t, client)
	now := clock.Now().Unix()

	// simulate a previous run that covered everything up to now-1000
	require.NoError(t, store.SetForumState(context.Background(), "wifi", now-1000))

	old := now - 1000 - 3600 - 10 // below cursor minus overlap
	client.pages = []relay.ThreadPage{
		{Threads: []relay.Thread{thread(300, now-10)}, HasMore: true},
		{Threads: []relay.Thread{thread(301, old), thread(302, old-5)}, HasMore: true},
		{Threads: []relay.Thread{thread(303, old-50)}, HasMore: true},
	}

	res, err := RunCrawl(context.Background(), d, relay.CrawlParams{Forum: "wifi"})
	require.NoError(t, err)

	assert.Equal(t, "all_old", res.StopReason)
	assert.Equal(t, 2, res.Pages, "third page is never fetched")
	assert.Equal(t, now-10, res.Cursor)
}

func TestCrawlPinnedThreadNeverEndsWalk(t *testing.T) {
	client := &fakePlatform{}
	d, _, clock := newTestDeps(t, client)
	now := clock.Now().Unix()

	// page 1 holds only an ancient pinned thread; the walk must continue
	client.pages = []relay.ThreadPage{
		{Threads: []relay.Thread{thread(400, now-90*24*3600, func(th *relay.Thread) { th.IsTop = true })}, HasMore: true},
		{Threads: []relay.Thread{thread(401, now-60)}, HasMore: false},
	}

	res, err := RunCrawl(context.Background(), d, relay.CrawlParams{Forum: "wifi"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, "no_more", res.StopReason)
}

func TestCrawlDetectsCollectionThreads(t *testing.T) {
	client := &fakePlatform{}
	d, store, clock := newTestDeps(t, client)
	now := clock.Now().Unix()

	client.pages = []relay.ThreadPage{{
		Threads: []relay.Thread{
			thread(500, now-30, func(th *relay.Thread) { th.Title = "2026年第2周 求助合集" }),
		},
	}}

	res, err := RunCrawl(context.Background(), d, relay.CrawlParams{Forum: "wifi"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CollectionsFound)

	target, err := store.FindCollectionThread(context.Background(), "wifi", "求助贴", 2026, 2)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, int64(500), target.TID)
}

func TestCrawlBackfillsEmptyAbstractFromDetail(t *testing.T) {
	client := &fakePlatform{}
	d, store, clock := newTestDeps(t, client)
	now := clock.Now().Unix()

	client.pages = []relay.ThreadPage{{
		Threads: []relay.Thread{
			thread(600, now-30), // no abstract in the listing
		},
	}}
	client.details = map[int64]relay.ThreadDetail{
		600: {
			TID:  600,
			Text: "first floor body",
			Images: []relay.ImageRecord{
				{TID: 600, URL: "http://img/floor1.jpg"},
			},
		},
	}

	res, err := RunCrawl(context.Background(), d, relay.CrawlParams{Forum: "wifi"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DetailsFetched)
	assert.Equal(t, 1, res.ImagesQueued)

	rows, err := store.ListThreads(context.Background(), relay.ThreadFilter{Forum: "wifi"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "first floor body", rows[0].Text)

	urls, err := store.ImageURLsForThread(context.Background(), 600, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://img/floor1.jpg"}, urls)
}

func TestDownloadImagesBatch(t *testing.T) {
	client := &fakePlatform{images: map[string][]byte{
		"http://img/a.jpg": []byte("aaa"),
		"http://img/b.jpg": []byte("bbb"),
	}}
	d, store, clock := newTestDeps(t, client)
	ctx := context.Background()
	now := clock.Now().Unix()

	require.NoError(t, store.UpsertThread(ctx, thread(100, now-60)))
	for _, u := range []string{"http://img/a.jpg", "http://img/b.jpg", "http://img/missing.jpg"} {
		require.NoError(t, store.UpsertImage(ctx, relay.ImageRecord{TID: 100, URL: u}))
	}

	res, err := RunDownloadImages(ctx, d, relay.DownloadImagesParams{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, 1, res.Failed)

	// only the failed image remains claimable
	pending, err := store.ClaimPendingImages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "http://img/missing.jpg", pending[0].URL)
}

func TestSyncCollectionsMarksByTitle(t *testing.T) {
	client := &fakePlatform{}
	d, store, clock := newTestDeps(t, client)
	ctx := context.Background()
	now := clock.Now().Unix()

	require.NoError(t, store.UpsertThread(ctx, thread(600, now-3600, func(th *relay.Thread) {
		th.Title = "2026年第2周 求助合集"
	})))
	require.NoError(t, store.UpsertThread(ctx, thread(601, now-3600)))

	res, err := RunSyncCollections(ctx, d, relay.SyncCollectionsParams{Forum: "wifi"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Detected)
	assert.Equal(t, 1, res.Marked)

	target, err := store.FindCollectionThread(ctx, "wifi", "求助贴", 2026, 2)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, int64(600), target.TID)

	// second run is a no-op
	res, err = RunSyncCollections(ctx, d, relay.SyncCollectionsParams{Forum: "wifi"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Marked)
}

func TestSyncCollectionsDryRun(t *testing.T) {
	client := &fakePlatform{}
	d, store, clock := newTestDeps(t, client)
	ctx := context.Background()

	require.NoError(t, store.UpsertThread(ctx, thread(610, clock.Now().Unix()-60, func(th *relay.Thread) {
		th.Title = "2026年第2周 求助合集"
	})))

	res, err := RunSyncCollections(ctx, d, relay.SyncCollectionsParams{Forum: "wifi", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Detected)
	assert.Equal(t, 0, res.Marked)

	target, err := store.FindCollectionThread(ctx, "wifi", "求助贴", 2026, 2)
	require.NoError(t, err)
	assert.Nil(t, target)
}

// seedRelayScenario stores a labeled source thread (tid 100) and the
// matching weekly collection thread (tid 999).
func seedRelayScenario(t *testing.T, store *sqlite.Store, clock *fakeClock) (sourceTS int64) {
	t.Helper()
	ctx := context.Background()
	now := clock.Now().Unix()
	sourceTS = now - 3600

	require.NoError(t, store.UpsertThread(ctx, thread(100, sourceTS, func(th *relay.Thread) {
		th.Title = "路由器求助"
		th.Text = "家里的路由器总是掉线"
	})))
	require.NoError(t, store.SetThreadCategory(ctx, 100, "求助贴", ""))

	bin := relay.BinOf(sourceTS, time.UTC)
	require.NoError(t, store.UpsertThread(ctx, thread(999, sourceTS-7200, func(th *relay.Thread) {
		th.Title = fmt.Sprintf("%d年第%d周 求助合集", bin.Year, bin.Week)
	})))
	require.NoError(t, store.MarkThreadAsCollection(ctx, 999, "求助贴", bin.Year, bin.Week))
	return sourceTS
}

func TestRelayPostsLabeledThreadExactlyOnce(t *testing.T) {
	client := &fakePlatform{}
	d, store, clock := newTestDeps(t, client)
	seedRelayScenario(t, store, clock)

	res, err := RunRelay(context.Background(), d, relay.RelayParams{Forum: "wifi"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, res.Posted)
	require.Len(t, client.posts, 1)
	assert.Equal(t, int64(999), client.posts[0].TID)
	assert.Contains(t, client.posts[0].Content, "【新帖收录】")
	assert.Contains(t, client.posts[0].Content, "tieba.baidu.com/p/100")

	// a second run neither re-enqueues nor re-posts
	res, err = RunRelay(context.Background(), d, relay.RelayParams{Forum: "wifi"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enqueued)
	assert.Equal(t, 0, res.Posted)
	assert.Len(t, client.posts, 1)
}

func TestRelayFailTwiceThenSucceed(t *testing.T) {
	client := &fakePlatform{postFailures: map[int64]int{999: 2}}
	d, store, clock := newTestDeps(t, client)
	seedRelayScenario(t, store, clock)
	ctx := context.Background()

	res, err := RunRelay(ctx, d, relay.RelayParams{Forum: "wifi"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errored)

	task, err := store.GetRelayTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, relay.TaskError, task.Status)
	assert.Equal(t, 1, task.Attempts)

	// second attempt after the retry interval
	clock.advance(3 * time.Minute)
	res, err = RunRelay(ctx, d, relay.RelayParams{Forum: "wifi", IncludeError: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Released)
	assert.Equal(t, 1, res.Errored)

	// third attempt lands
	clock.advance(3 * time.Minute)
	res, err = RunRelay(ctx, d, relay.RelayParams{Forum: "wifi", IncludeError: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Posted)

	task, err = store.GetRelayTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, relay.TaskDone, task.Status)
	assert.Equal(t, 2, task.Attempts, "attempts counts failed posts only")
}

func TestRelayExhaustedTaskIsSkipped(t *testing.T) {
	client := &fakePlatform{postFailures: map[int64]int{999: 10}}
	d, store, clock := newTestDeps(t, client)
	seedRelayScenario(t, store, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := RunRelay(ctx, d, relay.RelayParams{Forum: "wifi", IncludeError: true})
		require.NoError(t, err)
		clock.advance(3 * time.Minute)
	}

	// maintenance on the next run retires the exhausted task
	res, err := RunRelay(ctx, d, relay.RelayParams{Forum: "wifi", IncludeError: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Skipped)
	assert.Equal(t, 0, res.Claimed)

	task, err := store.GetRelayTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, relay.TaskSkipped, task.Status)
	assert.Equal(t, 3, task.Attempts)
}

func TestRelayMissingTargetWaits(t *testing.T) {
	client := &fakePlatform{}
	d, store, clock := newTestDeps(t, client)
	ctx := context.Background()
	now := clock.Now().Unix()

	require.NoError(t, store.UpsertThread(ctx, thread(100, now-3600)))
	require.NoError(t, store.SetThreadCategory(ctx, 100, "求助贴", ""))

	res, err := RunRelay(ctx, d, relay.RelayParams{Forum: "wifi"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.MissingTarget)
	assert.Equal(t, 0, res.Enqueued)
	assert.Empty(t, client.posts)
}

func TestRelayDryRunReleasesClaims(t *testing.T) {
	client := &fakePlatform{}
	d, store, clock := newTestDeps(t, client)
	seedRelayScenario(t, store, clock)
	ctx := context.Background()

	res, err := RunRelay(ctx, d, relay.RelayParams{Forum: "wifi", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	require.Len(t, res.Previews, 1)
	assert.Contains(t, res.Previews[0], "【新帖收录】")
	assert.Empty(t, client.posts)

	task, err := store.GetRelayTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, relay.TaskPending, task.Status, "dry run leaves the task claimable")
}

func TestRelayReclaimsStaleClaims(t *testing.T) {
	client := &fakePlatform{}
	d, store, clock := newTestDeps(t, client)
	sourceTS := seedRelayScenario(t, store, clock)
	ctx := context.Background()

	bin := relay.BinOf(sourceTS, time.UTC)
	_, err := store.InsertRelayTask(ctx, relay.RelayTask{
		SourceTID: 100, TargetTID: 999, TargetForum: "wifi",
		Category: "求助贴", SourceYear: bin.Year, SourceWeek: bin.Week,
	})
	require.NoError(t, err)

	// a crashed worker left the task claimed
	claimed, err := store.ClaimRelayTasks(ctx, "wifi", "", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	clock.advance(11 * time.Minute)
	res, err := RunRelay(ctx, d, relay.RelayParams{Forum: "wifi"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Reclaimed)
	assert.Equal(t, 1, res.Posted)
}
