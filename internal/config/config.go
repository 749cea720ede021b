// Package config loads and validates service configuration via Viper.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tieba-tools/tieba-relay/internal/relay"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	DB       DBConfig       `mapstructure:"db"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Client   ClientConfig   `mapstructure:"client"`
	Images   ImagesConfig   `mapstructure:"images"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// CollectionRulesJSON maps category -> title keywords identifying that
	// category's weekly collection threads, as a JSON object string.
	CollectionRulesJSON string `mapstructure:"collection_rules_json"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig locates the SQLite database file.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig sets the root for downloaded image bytes.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// CrawlConfig governs the incremental thread crawl.
type CrawlConfig struct {
	DefaultForum   string `mapstructure:"default_forum"`
	ThreadsPerPage int    `mapstructure:"threads_per_page"`
	InitialHours   int    `mapstructure:"initial_hours"`
	OverlapSeconds int    `mapstructure:"overlap_seconds"`
	MaxPages       int    `mapstructure:"max_pages"`
	PageSleepMinMs int    `mapstructure:"page_sleep_min_ms"`
	PageSleepMaxMs int    `mapstructure:"page_sleep_max_ms"`
}

// ClientConfig configures the platform client.
type ClientConfig struct {
	BDUSS           string `mapstructure:"bduss"`
	SToken          string `mapstructure:"stoken"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	RequestAttempts int    `mapstructure:"request_attempts"`
	UserAgent       string `mapstructure:"user_agent"`
}

// ImagesConfig bounds the image download job.
type ImagesConfig struct {
	Limit       int `mapstructure:"limit"`
	Concurrency int `mapstructure:"concurrency"`
}

// RelayConfig governs the relay state machine and content rendering.
type RelayConfig struct {
	Timezone           string `mapstructure:"timezone"`
	Mode               string `mapstructure:"mode"`
	MaxPosts           int    `mapstructure:"max_posts"`
	MinIntervalSeconds int    `mapstructure:"min_interval_seconds"`
	MaxTextChars       int    `mapstructure:"max_text_chars"`
	MaxImages          int    `mapstructure:"max_images"`
	LookbackDays       int    `mapstructure:"lookback_days"`
	MaxAttempts        int    `mapstructure:"max_attempts"`
	RetryIntervalSec   int    `mapstructure:"retry_interval_seconds"`
	StaleAfterSeconds  int    `mapstructure:"stale_after_seconds"`
}

// ScheduleConfig holds optional cron expressions for periodic job
// submission. Empty disables a schedule.
type ScheduleConfig struct {
	Crawl  string `mapstructure:"crawl"`
	Images string `mapstructure:"images"`
	Sync   string `mapstructure:"sync"`
	Relay  string `mapstructure:"relay"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TIEBA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.path", "data/tieba.db")
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("crawl.threads_per_page", 50)
	v.SetDefault("crawl.initial_hours", 24)
	v.SetDefault("crawl.overlap_seconds", 3600)
	v.SetDefault("crawl.max_pages", 200)
	v.SetDefault("crawl.page_sleep_min_ms", 200)
	v.SetDefault("crawl.page_sleep_max_ms", 800)
	v.SetDefault("client.timeout_seconds", 30)
	v.SetDefault("client.request_attempts", 5)
	v.SetDefault("client.user_agent", "tieba-relay/0.2")
	v.SetDefault("images.limit", 200)
	v.SetDefault("images.concurrency", 4)
	v.SetDefault("relay.timezone", "Asia/Shanghai")
	v.SetDefault("relay.mode", relay.ModeLink)
	v.SetDefault("relay.max_posts", 2)
	v.SetDefault("relay.min_interval_seconds", 120)
	v.SetDefault("relay.max_text_chars", 300)
	v.SetDefault("relay.max_images", 3)
	v.SetDefault("relay.lookback_days", 21)
	v.SetDefault("relay.max_attempts", 3)
	v.SetDefault("relay.retry_interval_seconds", 120)
	v.SetDefault("relay.stale_after_seconds", 600)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db.path must be set")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawl.ThreadsPerPage <= 0 || c.Crawl.ThreadsPerPage > 100 {
		return fmt.Errorf("crawl.threads_per_page must be in 1..100")
	}
	if c.Crawl.PageSleepMaxMs < c.Crawl.PageSleepMinMs {
		return fmt.Errorf("crawl.page_sleep_max_ms must be >= crawl.page_sleep_min_ms")
	}
	if c.Relay.Mode != relay.ModeLink && c.Relay.Mode != relay.ModeFull {
		return fmt.Errorf("relay.mode must be %q or %q", relay.ModeLink, relay.ModeFull)
	}
	if c.Relay.MaxAttempts <= 0 {
		return fmt.Errorf("relay.max_attempts must be > 0")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("relay.timezone: %w", err)
	}
	if _, err := c.CollectionRules(); err != nil {
		return fmt.Errorf("collection_rules_json: %w", err)
	}
	return nil
}

// Location loads the timezone used for week binning.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Relay.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Relay.Timezone, err)
	}
	return loc, nil
}

// CollectionRules parses the configured rules JSON. Empty input yields an
// empty rule set, which disables collection auto-detection.
func (c Config) CollectionRules() (relay.CollectionRules, error) {
	if strings.TrimSpace(c.CollectionRulesJSON) == "" {
		return relay.CollectionRules{}, nil
	}
	var rules relay.CollectionRules
	if err := json.Unmarshal([]byte(c.CollectionRulesJSON), &rules); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return rules, nil
}

// RetryPolicy builds the relay retry policy from config.
func (c Config) RetryPolicy() relay.RetryPolicy {
	return relay.RetryPolicy{
		MaxAttempts: c.Relay.MaxAttempts,
		MinInterval: time.Duration(c.Relay.RetryIntervalSec) * time.Second,
		StaleAfter:  time.Duration(c.Relay.StaleAfterSeconds) * time.Second,
	}
}

// ClientTimeout converts the platform client timeout to a duration.
func (c Config) ClientTimeout() time.Duration {
	return time.Duration(c.Client.TimeoutSeconds) * time.Second
}
