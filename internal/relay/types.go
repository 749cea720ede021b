// Package relay defines core types shared across subsystems.
package relay

import "time"

// ThreadRole marks whether a thread is ordinary content or a weekly
// collection thread that aggregates relayed posts.
type ThreadRole string

// Thread roles persisted in the threads table.
const (
	RoleNormal     ThreadRole = "normal"
	RoleCollection ThreadRole = "collection"
)

// Thread is one forum post row. Field layout follows the threads table.
type Thread struct {
	TID            int64      `json:"tid"`
	FID            int64      `json:"fid"`
	FName          string     `json:"fname"`
	Title          string     `json:"title"`
	AuthorID       int64      `json:"author_id"`
	AuthorName     string     `json:"author_name"`
	Agree          int64      `json:"agree"`
	PID            int64      `json:"pid"`
	CreateTime     int64      `json:"create_time"`
	LastTime       int64      `json:"last_time"`
	ReplyNum       int64      `json:"reply_num"`
	ViewNum        int64      `json:"view_num"`
	IsTop          bool       `json:"is_top"`
	IsGood         bool       `json:"is_good"`
	IsHelp         bool       `json:"is_help"`
	IsHide         bool       `json:"is_hide"`
	IsShare        bool       `json:"is_share"`
	Text           string     `json:"text"`
	ContentsJSON   string     `json:"contents_json,omitempty"`
	Category       string     `json:"category,omitempty"`
	TagsJSON       string     `json:"tags_json,omitempty"`
	Role           ThreadRole `json:"thread_role"`
	CollectionYear int        `json:"collection_year,omitempty"`
	CollectionWeek int        `json:"collection_week,omitempty"`
	UpdatedAt      string     `json:"updated_at,omitempty"`

	// Images observed in the thread content during a crawl. Transient;
	// persisted separately as image rows.
	Images []ImageRecord `json:"-"`
}

// ImageRecord is one images table row, keyed by (tid, url).
type ImageRecord struct {
	ID         int64  `json:"id"`
	TID        int64  `json:"tid"`
	URL        string `json:"url"`
	Hash       string `json:"hash,omitempty"`
	OriginSrc  string `json:"origin_src,omitempty"`
	Src        string `json:"src,omitempty"`
	BigSrc     string `json:"big_src,omitempty"`
	ShowWidth  int    `json:"show_width,omitempty"`
	ShowHeight int    `json:"show_height,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// Downloaded reports whether the image bytes have been fetched and stored.
// Hash-nullness is the authoritative signal.
func (r ImageRecord) Downloaded() bool {
	return r.Hash != "" && r.Src != ""
}

// TaskStatus is the relay state machine state of one relay_tasks row.
type TaskStatus string

// Relay task statuses. PENDING and ERROR are resumable; DONE and SKIPPED
// are terminal. POSTING is a claim held by exactly one worker.
const (
	TaskPending TaskStatus = "PENDING"
	TaskPosting TaskStatus = "POSTING"
	TaskDone    TaskStatus = "DONE"
	TaskError   TaskStatus = "ERROR"
	TaskSkipped TaskStatus = "SKIPPED"
)

// RelayTask is the obligation to post thread SourceTID into collection
// thread TargetTID. Rows are never deleted, only transitioned.
type RelayTask struct {
	ID          int64      `json:"id"`
	SourceTID   int64      `json:"source_tid"`
	TargetTID   int64      `json:"target_tid"`
	TargetForum string     `json:"target_forum"`
	Category    string     `json:"category"`
	SourceYear  int        `json:"source_year"`
	SourceWeek  int        `json:"source_week"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   string     `json:"created_at"`
	UpdatedAt   string     `json:"updated_at"`
}

// ClaimedTask is a relay task joined with its source thread, as returned
// by the claim query.
type ClaimedTask struct {
	RelayTask
	SourceForum string `json:"source_forum"`
	Title       string `json:"title"`
	AuthorID    int64  `json:"author_id"`
	AuthorName  string `json:"author_name"`
	CreateTime  int64  `json:"create_time"`
	Text        string `json:"text"`
}

// ForumState tracks the incremental crawl cursor per forum.
type ForumState struct {
	Forum       string `json:"forum"`
	LastCrawlTS int64  `json:"last_crawl_ts"`
	UpdatedAt   string `json:"updated_at"`
}

// JobStatus represents the lifecycle state of a submitted job.
type JobStatus string

// Job status values tracked by the runner. Not persisted: the registry is
// process-local and lost on restart.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// JobKind names one of the four job bodies.
type JobKind string

// The closed set of job kinds.
const (
	KindCrawlThreads    JobKind = "crawl-threads"
	KindDownloadImages  JobKind = "download-images"
	KindSyncCollections JobKind = "sync-collections"
	KindRelayLabeled    JobKind = "relay-labeled"
)

// JobParams is the tagged variant of per-kind parameters. Exactly the four
// param structs below implement it; the runner dispatches by exhaustive
// type switch.
type JobParams interface {
	Kind() JobKind
}

// CrawlParams configures one crawl-threads run. Zero values fall back to
// the configured defaults.
type CrawlParams struct {
	Forum          string `json:"forum"`
	RN             int    `json:"rn,omitempty"`
	InitialHours   int    `json:"initial_hours,omitempty"`
	OverlapSeconds int    `json:"overlap_seconds,omitempty"`
	MaxPages       int    `json:"max_pages,omitempty"`
}

// Kind implements JobParams.
func (CrawlParams) Kind() JobKind { return KindCrawlThreads }

// DownloadImagesParams configures one download-images run.
type DownloadImagesParams struct {
	Limit       int `json:"limit,omitempty"`
	Concurrency int `json:"concurrency,omitempty"`
}

// Kind implements JobParams.
func (DownloadImagesParams) Kind() JobKind { return KindDownloadImages }

// SyncCollectionsParams configures one sync-collections run.
type SyncCollectionsParams struct {
	Forum  string `json:"forum"`
	Days   int    `json:"days,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
}

// Kind implements JobParams.
func (SyncCollectionsParams) Kind() JobKind { return KindSyncCollections }

// RelayParams configures one relay-labeled run.
type RelayParams struct {
	Forum              string `json:"forum"`
	Category           string `json:"category,omitempty"`
	IncludeError       bool   `json:"include_error,omitempty"`
	DryRun             bool   `json:"dry_run,omitempty"`
	Mode               string `json:"mode,omitempty"`
	MaxPosts           int    `json:"max_posts,omitempty"`
	MinIntervalSeconds int    `json:"min_interval_seconds,omitempty"`
	MaxTextChars       int    `json:"max_text_chars,omitempty"`
	MaxImages          int    `json:"max_images,omitempty"`
	LookbackDays       int    `json:"lookback_days,omitempty"`
}

// Kind implements JobParams.
func (RelayParams) Kind() JobKind { return KindRelayLabeled }

// Job is one tracked job in the runner's registry.
type Job struct {
	ID         string     `json:"job_id"`
	JobKind    JobKind    `json:"job_type"`
	Status     JobStatus  `json:"status"`
	Params     JobParams  `json:"params,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Result     any        `json:"result,omitempty"`
}

// ThreadPage is one page of the forum thread listing.
type ThreadPage struct {
	Threads []Thread
	HasMore bool
}

// ThreadDetail is the first-floor content of a single thread, richer than
// the abstract carried by the thread list.
type ThreadDetail struct {
	TID          int64
	Text         string
	ContentsJSON string
	Images       []ImageRecord
}
