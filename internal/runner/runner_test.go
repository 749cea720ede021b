package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tieba-tools/tieba-relay/internal/config"
	"github.com/tieba-tools/tieba-relay/internal/id/uuid"
	"github.com/tieba-tools/tieba-relay/internal/jobs"
	"github.com/tieba-tools/tieba-relay/internal/relay"
	"github.com/tieba-tools/tieba-relay/internal/store/sqlite"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testDeps(t *testing.T) jobs.Deps {
	t.Helper()
	clock := fixedClock{t: time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC)}
	store, err := sqlite.Open(":memory:", clock)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var cfg config.Config
	cfg.Crawl.DefaultForum = "wifi"
	cfg.Relay.LookbackDays = 21

	return jobs.Deps{
		Store:  store,
		Clock:  clock,
		Config: cfg,
		Loc:    time.UTC,
		Logger: zap.NewNop(),
	}
}

func newTestRunner(t *testing.T) *Runner {
	return New(testDeps(t), uuid.New(), zap.NewNop())
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	r := newTestRunner(t)

	job, err := r.Submit(context.Background(), relay.SyncCollectionsParams{Forum: "wifi"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, relay.KindSyncCollections, job.JobKind)

	r.Wait()

	done, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, relay.JobSucceeded, done.Status)
	require.NotNil(t, done.FinishedAt)
	require.IsType(t, jobs.SyncResult{}, done.Result)
}

func TestSubmitDetachesFromCallerContext(t *testing.T) {
	r := newTestRunner(t)

	// an HTTP submit context is canceled as soon as the response is
	// written; the job must keep running regardless
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job, err := r.Submit(ctx, relay.SyncCollectionsParams{Forum: "wifi"})
	require.NoError(t, err)

	r.Wait()

	done, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, relay.JobSucceeded, done.Status)
	assert.Empty(t, done.Error)
}

func TestSubmitSnapshotNotSharedWithWorker(t *testing.T) {
	r := newTestRunner(t)

	for i := 0; i < 20; i++ {
		job, err := r.Submit(context.Background(), relay.SyncCollectionsParams{Forum: "wifi"})
		require.NoError(t, err)
		// the returned snapshot is fixed at submission; the worker's
		// status updates must not bleed into it
		assert.Equal(t, relay.JobQueued, job.Status)
		assert.Nil(t, job.StartedAt)
	}
	r.Wait()
}

func TestSubmitRejectsUnknownParams(t *testing.T) {
	r := newTestRunner(t)

	type rogueParams struct{ relay.CrawlParams }
	_, err := r.Submit(context.Background(), &rogueParams{})
	assert.ErrorIs(t, err, relay.ErrInvalidJobKind)
}

func TestJobFailureIsRecorded(t *testing.T) {
	deps := testDeps(t)
	deps.Config.Crawl.DefaultForum = ""
	r := New(deps, uuid.New(), zap.NewNop())

	// sync-collections with no forum anywhere fails validation
	job, err := r.Submit(context.Background(), relay.SyncCollectionsParams{})
	require.NoError(t, err)
	r.Wait()

	failed, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, relay.JobFailed, failed.Status)
	assert.Contains(t, failed.Error, "forum is required")
}

func TestJobPanicBecomesFailure(t *testing.T) {
	deps := testDeps(t)
	deps.Store = nil
	r := New(deps, uuid.New(), zap.NewNop())

	job, err := r.Submit(context.Background(), relay.SyncCollectionsParams{Forum: "wifi"})
	require.NoError(t, err)
	r.Wait()

	failed, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, relay.JobFailed, failed.Status)
	assert.Contains(t, failed.Error, "panicked")
}

func TestGetUnknownJob(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, relay.ErrJobNotFound)
}

func TestListOrdersMostRecentFirst(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	first, err := r.Submit(ctx, relay.SyncCollectionsParams{Forum: "wifi"})
	require.NoError(t, err)
	second, err := r.Submit(ctx, relay.SyncCollectionsParams{Forum: "wifi"})
	require.NoError(t, err)
	r.Wait()

	listed := r.List()
	require.Len(t, listed, 2)
	// same fixed timestamp, so the v7 id breaks the tie: newest first
	assert.Equal(t, second.ID, listed[0].ID)
	assert.Equal(t, first.ID, listed[1].ID)
}

func TestParseParams(t *testing.T) {
	decodeJSON := func(raw string) func(any) error {
		return func(v any) error { return json.Unmarshal([]byte(raw), v) }
	}

	p, err := ParseParams(relay.KindCrawlThreads, decodeJSON(`{"forum":"wifi","max_pages":3}`))
	require.NoError(t, err)
	crawl, ok := p.(relay.CrawlParams)
	require.True(t, ok)
	assert.Equal(t, "wifi", crawl.Forum)
	assert.Equal(t, 3, crawl.MaxPages)

	p, err = ParseParams(relay.KindRelayLabeled, decodeJSON(`{"forum":"wifi","dry_run":true}`))
	require.NoError(t, err)
	rp, ok := p.(relay.RelayParams)
	require.True(t, ok)
	assert.True(t, rp.DryRun)

	_, err = ParseParams("refresh-cache", decodeJSON(`{}`))
	assert.ErrorIs(t, err, relay.ErrInvalidJobKind)
}
