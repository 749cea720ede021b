// Package jobs implements the four job bodies: crawl-threads,
// download-images, sync-collections, and relay-labeled. Each body is a
// plain function over shared dependencies; the runner owns lifecycle.
package jobs

import (
	"time"

	"go.uber.org/zap"

	"github.com/tieba-tools/tieba-relay/internal/config"
	"github.com/tieba-tools/tieba-relay/internal/fetcher"
	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// Deps bundles everything a job body needs.
type Deps struct {
	Store   relay.Store
	Client  relay.PlatformClient
	Fetcher *fetcher.Fetcher
	Clock   relay.Clock
	Config  config.Config
	Rules   relay.CollectionRules
	Retry   relay.RetryPolicy
	Loc     *time.Location
	Logger  *zap.Logger

	// Sleep is swapped in tests to avoid real waits. Nil means time.Sleep.
	Sleep func(d time.Duration)
}

func (d Deps) sleep(dur time.Duration) {
	if dur <= 0 {
		return
	}
	if d.Sleep != nil {
		d.Sleep(dur)
		return
	}
	time.Sleep(dur)
}

func (d Deps) log() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}
