package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced through the job control API.
var (
	ErrInvalidJobKind = errors.New("invalid job kind")
	ErrJobNotFound    = errors.New("job not found")

	// ErrStoreConflict reports a lost compare-and-set race, e.g. a relay
	// task claimed by a concurrent run. Callers skip the row and move on.
	ErrStoreConflict = errors.New("store conflict")
)

// DownloadError wraps a failed image fetch. Failures are isolated per
// image and never abort sibling downloads.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// PostError wraps a failed reply post. It drives the owning relay task to
// ERROR with the message recorded as last_error.
type PostError struct {
	TargetTID int64
	Err       error
}

func (e *PostError) Error() string {
	return fmt.Sprintf("post to tid=%d: %v", e.TargetTID, e.Err)
}

func (e *PostError) Unwrap() error { return e.Err }
