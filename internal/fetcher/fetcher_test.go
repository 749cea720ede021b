package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tieba-tools/tieba-relay/internal/hash/sha256"
	"github.com/tieba-tools/tieba-relay/internal/relay"
)

type fakeClient struct {
	relay.PlatformClient
	fetches atomic.Int32
	data    []byte
	ct      string
	err     error
	release chan struct{}
}

func (c *fakeClient) FetchImage(ctx context.Context, url string) ([]byte, string, error) {
	c.fetches.Add(1)
	if c.release != nil {
		<-c.release
	}
	if c.err != nil {
		return nil, "", c.err
	}
	return c.data, c.ct, nil
}

type fakeBlobs struct {
	mu    sync.Mutex
	puts  map[string][]byte
	fails bool
}

func (b *fakeBlobs) Put(_ context.Context, path string, data []byte) (string, error) {
	if b.fails {
		return "", errors.New("disk full")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.puts == nil {
		b.puts = map[string][]byte{}
	}
	b.puts[path] = data
	return path, nil
}

type fakeImageStore struct {
	relay.Store
	mu     sync.Mutex
	images map[string]relay.ImageRecord
	byID   map[int64]string
	marked []int64
}

func imgKey(tid int64, url string) string {
	return fmt.Sprintf("%d|%s", tid, url)
}

// track registers a pending row so MarkImageDone can update it by id,
// mirroring the real store's claim-then-mark flow.
func (s *fakeImageStore) track(p relay.PendingImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.images == nil {
		s.images = map[string]relay.ImageRecord{}
		s.byID = map[int64]string{}
	}
	key := imgKey(p.TID, p.URL)
	s.images[key] = p.ImageRecord
	s.byID[p.ID] = key
}

func (s *fakeImageStore) GetImage(_ context.Context, tid int64, url string) (*relay.ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[imgKey(tid, url)]
	if !ok {
		return nil, nil
	}
	return &img, nil
}

func (s *fakeImageStore) MarkImageDone(_ context.Context, id int64, hash, src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, id)
	if key, ok := s.byID[id]; ok {
		img := s.images[key]
		img.Hash = hash
		img.Src = src
		s.images[key] = img
	}
	return nil
}

func newFetcher(c *fakeClient, st *fakeImageStore, b *fakeBlobs) *Fetcher {
	return New(c, st, b, sha256.New(), zap.NewNop())
}

func pending(id, tid int64, url string) relay.PendingImage {
	return relay.PendingImage{
		ImageRecord: relay.ImageRecord{ID: id, TID: tid, URL: url},
		Forum:       "测试吧",
	}
}

func TestEnsureDownloadedStoresAndMarks(t *testing.T) {
	c := &fakeClient{data: []byte("img-bytes"), ct: "image/jpeg"}
	st := &fakeImageStore{}
	b := &fakeBlobs{}

	res, err := newFetcher(c, st, b).EnsureDownloaded(context.Background(), pending(1, 100, "http://img/a.jpg"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Hash)
	assert.Contains(t, res.Src, "images/测试吧/100/")
	assert.Contains(t, res.Src, res.Hash+".jpg")
	assert.Equal(t, []int64{1}, st.marked)
}

func TestEnsureDownloadedShortCircuitsOnExistingHash(t *testing.T) {
	c := &fakeClient{data: []byte("x")}
	st := &fakeImageStore{images: map[string]relay.ImageRecord{
		imgKey(100, "http://img/a.jpg"): {
			ID: 1, TID: 100, URL: "http://img/a.jpg",
			Hash: "deadbeef", Src: "images/f/100/deadbeef.jpg",
		},
	}}

	res, err := newFetcher(c, st, &fakeBlobs{}).EnsureDownloaded(context.Background(), pending(1, 100, "http://img/a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", res.Hash)
	assert.Equal(t, int32(0), c.fetches.Load(), "no fetch for an already downloaded image")
}

func TestEnsureDownloadedCollapsesConcurrentCalls(t *testing.T) {
	c := &fakeClient{data: []byte("img"), ct: "image/png", release: make(chan struct{})}
	st := &fakeImageStore{}
	p := pending(1, 100, "http://img/a")
	st.track(p)
	f := newFetcher(c, st, &fakeBlobs{})

	var started, wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		started.Add(1)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			res, err := f.EnsureDownloaded(context.Background(), p)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	// hold the one in-flight fetch until every caller has launched;
	// callers in flight share it, any caller arriving after completion
	// short-circuits on the stored hash. Either way: one fetch.
	started.Wait()
	close(c.release)
	wg.Wait()

	assert.Equal(t, int32(1), c.fetches.Load(), "concurrent callers share one fetch")
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
}

func TestEnsureDownloadedWrapsFetchFailure(t *testing.T) {
	c := &fakeClient{err: errors.New("connection reset")}
	_, err := newFetcher(c, &fakeImageStore{}, &fakeBlobs{}).
		EnsureDownloaded(context.Background(), pending(1, 100, "http://img/a.jpg"))

	var dlErr *relay.DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, "http://img/a.jpg", dlErr.URL)
}

func TestEnsureDownloadedRejectsEmptyBody(t *testing.T) {
	c := &fakeClient{data: nil}
	_, err := newFetcher(c, &fakeImageStore{}, &fakeBlobs{}).
		EnsureDownloaded(context.Background(), pending(1, 100, "http://img/a.jpg"))

	var dlErr *relay.DownloadError
	require.ErrorAs(t, err, &dlErr)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".png", extensionFor("http://h/p/x.PNG?v=1", ""))
	assert.Equal(t, ".webp", extensionFor("http://h/p/x", "image/webp"))
	assert.Equal(t, ".jpg", extensionFor("http://h/p/x", "text/html"))
}

func TestSanitizeSegment(t *testing.T) {
	assert.Equal(t, "a_b", sanitizeSegment("a/b"))
	assert.Equal(t, "unknown", sanitizeSegment("  "))
	assert.NotContains(t, sanitizeSegment("../../etc"), "..")
}
