// Package main hosts the relay service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job control, and data endpoints. Job submissions are
//     decoded into typed parameters and handed to the runner; thread and relay-task listings read straight from the
//     SQLite store. Downloaded images are served statically under /images/.
//   - Jobs: internal/jobs holds the four pipeline bodies. crawl-threads walks the forum listing incrementally and
//     upserts thread and image rows; download-images fetches image bytes with bounded concurrency into the
//     content-addressed blob store; sync-collections marks weekly collection threads by title; relay-labeled drives
//     the PENDING/POSTING/DONE/ERROR/SKIPPED state machine and posts replies into collection threads.
//   - Runner & scheduler: internal/runner tracks submitted jobs in a process-local registry and executes bodies on
//     goroutines with panic recovery. internal/scheduler submits the same jobs on cron expressions from config.
//   - Persistence: internal/store/sqlite owns the schema and every transition. Relay claims are compare-and-set
//     updates, so concurrent runs never double-post; job history is deliberately not persisted, pipeline state is.
//   - Configuration & plumbing: Viper populates config from env/files (TIEBA_ prefix); zap provides structured
//     logging; Prometheus counters are exported via /metrics.
//
// Operational notes:
//   - Restart safety: PENDING and ERROR tasks survive restarts and resume on the next relay run; stale POSTING
//     claims are reclaimed after the configured threshold.
//   - Rate limiting: the relay job sleeps the configured minimum interval between posts; the crawl job jitters
//     between listing pages. Posting accounts that fail are benched for a cooldown.
//   - Run locally: go run ./cmd/tiebarelay -config config.yaml (or rely solely on env overrides such as
//     TIEBA_CLIENT_BDUSS, TIEBA_DB_PATH, TIEBA_SCHEDULE_CRAWL).
package main
