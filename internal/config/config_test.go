package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "data/tieba.db", cfg.DB.Path)
	assert.Equal(t, 50, cfg.Crawl.ThreadsPerPage)
	assert.Equal(t, "Asia/Shanghai", cfg.Relay.Timezone)
	assert.Equal(t, "link", cfg.Relay.Mode)
	assert.Equal(t, 3, cfg.Relay.MaxAttempts)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Shanghai", loc.String())

	rules, err := cfg.CollectionRules()
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Relay.Mode = "broadcast"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Auth.Enabled = true
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Relay.Timezone = "Mars/Olympus"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.CollectionRulesJSON = "{not json"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Crawl.ThreadsPerPage = 500
	assert.Error(t, bad.Validate())
}

func TestCollectionRulesParsing(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.CollectionRulesJSON = `{"求助贴": ["求助汇总"], "吐槽贴": ["吐槽合集", "每周吐槽"]}`
	rules, err := cfg.CollectionRules()
	require.NoError(t, err)
	assert.Len(t, rules, 2)
	assert.Equal(t, []string{"求助汇总"}, rules["求助贴"])
}

func TestRetryPolicyFromConfig(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	p := cfg.RetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, float64(120), p.MinInterval.Seconds())
	assert.Equal(t, float64(600), p.StaleAfter.Seconds())
}
