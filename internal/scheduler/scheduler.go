// Package scheduler submits the pipeline jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tieba-tools/tieba-relay/internal/config"
	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// Submitter is the slice of the runner the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, params relay.JobParams) (relay.Job, error)
}

// Scheduler wraps a cron runner that submits jobs on configured
// expressions. Empty expressions disable the corresponding schedule.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// New wires the configured schedules. The returned scheduler is stopped;
// call Start.
func New(cfg config.Config, sub Submitter, logger *zap.Logger) (*Scheduler, error) {
	c := cron.New()
	s := &Scheduler{cron: c, logger: logger}

	entries := []struct {
		name   string
		expr   string
		params relay.JobParams
	}{
		{"crawl", cfg.Schedule.Crawl, relay.CrawlParams{Forum: cfg.Crawl.DefaultForum}},
		{"images", cfg.Schedule.Images, relay.DownloadImagesParams{}},
		{"sync", cfg.Schedule.Sync, relay.SyncCollectionsParams{Forum: cfg.Crawl.DefaultForum}},
		{"relay", cfg.Schedule.Relay, relay.RelayParams{Forum: cfg.Crawl.DefaultForum, IncludeError: true}},
	}

	for _, e := range entries {
		if e.expr == "" {
			continue
		}
		e := e
		_, err := c.AddFunc(e.expr, func() {
			job, err := sub.Submit(context.Background(), e.params)
			if err != nil {
				logger.Warn("scheduled submit failed",
					zap.String("schedule", e.name),
					zap.Error(err))
				return
			}
			logger.Info("scheduled job submitted",
				zap.String("schedule", e.name),
				zap.String("job_id", job.ID))
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", e.name, e.expr, err)
		}
	}
	return s, nil
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight submissions.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
