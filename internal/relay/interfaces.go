package relay

import (
	"context"
	"time"
)

// PlatformClient is the opaque forum capability: list threads, fetch a
// thread's first floor, fetch image bytes, post a reply. Implementations
// own credentials and retry behavior.
type PlatformClient interface {
	// ListThreads returns one page of the forum's thread list, newest first,
	// including image references observed in thread contents.
	ListThreads(ctx context.Context, forum string, pn, rn int) (ThreadPage, error)
	// FetchThreadDetail returns the first-floor content of a single thread.
	// Used to backfill text and image references the list abstract omits.
	FetchThreadDetail(ctx context.Context, tid int64) (ThreadDetail, error)
	// FetchImage downloads raw image bytes and reports the content type.
	FetchImage(ctx context.Context, url string) ([]byte, string, error)
	// PostReply posts content into thread tid of forum. Never retried
	// internally: a timed-out post may still have landed.
	PostReply(ctx context.Context, forum string, tid int64, content string) error
}

// BlobStore persists downloaded bytes under a content-addressed path.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte) (string, error)
}

// Hasher computes the content hash used for image addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Store is the durable persistence contract consumed by the jobs and the
// API layer. The sqlite implementation is the single source of truth;
// conflicting writes serialize through its transactions.
type Store interface {
	// threads
	UpsertThread(ctx context.Context, t Thread) error
	SetThreadCategory(ctx context.Context, tid int64, category string, tagsJSON string) error
	MarkThreadAsCollection(ctx context.Context, tid int64, category string, year, week int) error
	FindCollectionThread(ctx context.Context, forum, category string, year, week int) (*Thread, error)
	RelayCandidates(ctx context.Context, forum string, sinceTS int64, category string, limit int) ([]Thread, error)
	ThreadsInWindow(ctx context.Context, forum string, sinceTS int64) ([]Thread, error)
	ListThreads(ctx context.Context, f ThreadFilter) ([]Thread, error)

	// images
	UpsertImage(ctx context.Context, img ImageRecord) error
	GetImage(ctx context.Context, tid int64, url string) (*ImageRecord, error)
	ClaimPendingImages(ctx context.Context, limit int) ([]PendingImage, error)
	MarkImageDone(ctx context.Context, id int64, hash, src string) error
	ImageURLsForThread(ctx context.Context, tid int64, limit int) ([]string, error)

	// relay tasks
	InsertRelayTask(ctx context.Context, t RelayTask) (bool, error)
	ReclaimStalePosting(ctx context.Context, olderThan time.Time) (int64, error)
	ReleaseRetryableErrors(ctx context.Context, forum string, maxAttempts int, updatedBefore time.Time) (int64, error)
	SkipExhausted(ctx context.Context, maxAttempts int) (int64, error)
	ClaimRelayTasks(ctx context.Context, forum, category string, limit int) ([]ClaimedTask, error)
	ReleaseRelayTasks(ctx context.Context, ids []int64) error
	MarkRelayDone(ctx context.Context, id int64) error
	MarkRelayError(ctx context.Context, id int64, errText string) error
	MarkRelaySkipped(ctx context.Context, id int64, reason string) error
	ListRelayTasks(ctx context.Context, status TaskStatus, category string, limit int) ([]RelayTask, error)

	// forum state
	GetForumState(ctx context.Context, forum string) (*ForumState, error)
	SetForumState(ctx context.Context, forum string, lastCrawlTS int64) error

	Stats(ctx context.Context) (StoreStats, error)
}

// StoreStats aggregates table counts for the operations endpoint.
type StoreStats struct {
	Threads           int64                `json:"threads"`
	ThreadsLabeled    int64                `json:"threads_labeled"`
	CollectionThreads int64                `json:"collection_threads"`
	Images            int64                `json:"images"`
	ImagesDownloaded  int64                `json:"images_downloaded"`
	RelayByStatus     map[TaskStatus]int64 `json:"relay_by_status"`
}

// PendingImage is an un-downloaded image row joined with its forum, as
// returned by the claim query.
type PendingImage struct {
	ImageRecord
	Forum string
}

// ThreadFilter narrows the API thread listing.
type ThreadFilter struct {
	Forum    string
	Category string
	Role     ThreadRole
	Query    string
	Limit    int
	Offset   int
}
