package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tieba-tools/tieba-relay/internal/config"
	"github.com/tieba-tools/tieba-relay/internal/relay"
)

type captureSubmitter struct {
	mu     sync.Mutex
	params []relay.JobParams
	fired  chan struct{}
}

func (c *captureSubmitter) Submit(_ context.Context, p relay.JobParams) (relay.Job, error) {
	c.mu.Lock()
	c.params = append(c.params, p)
	c.mu.Unlock()
	select {
	case c.fired <- struct{}{}:
	default:
	}
	return relay.Job{ID: "job-1", JobKind: p.Kind()}, nil
}

func TestNewRejectsBadExpression(t *testing.T) {
	var cfg config.Config
	cfg.Schedule.Crawl = "not a cron line"

	_, err := New(cfg, &captureSubmitter{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule crawl")
}

func TestEmptyExpressionsDisableSchedules(t *testing.T) {
	var cfg config.Config
	s, err := New(cfg, &captureSubmitter{}, zap.NewNop())
	require.NoError(t, err)
	s.Start()
	s.Stop()
}

func TestScheduledSubmission(t *testing.T) {
	var cfg config.Config
	cfg.Crawl.DefaultForum = "wifi"
	cfg.Schedule.Relay = "@every 10ms"

	sub := &captureSubmitter{fired: make(chan struct{}, 1)}
	s, err := New(cfg, sub, zap.NewNop())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	select {
	case <-sub.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule never fired")
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.NotEmpty(t, sub.params)
	rp, ok := sub.params[0].(relay.RelayParams)
	require.True(t, ok)
	assert.Equal(t, "wifi", rp.Forum)
	assert.True(t, rp.IncludeError)
}
