// Package metrics exposes Prometheus counters for the job pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	initOnce sync.Once

	// JobRuns counts finished jobs by kind and terminal status.
	JobRuns *prometheus.CounterVec

	// RelayTransitions counts relay task state transitions by target state.
	RelayTransitions *prometheus.CounterVec

	// ImagesDownloaded counts successfully stored images.
	ImagesDownloaded prometheus.Counter

	// ImagesFailed counts image downloads that errored.
	ImagesFailed prometheus.Counter

	// CrawlPages counts thread listing pages fetched.
	CrawlPages prometheus.Counter

	// ThreadsUpserted counts thread rows written during crawls.
	ThreadsUpserted prometheus.Counter
)

// RecordJobRun counts one finished job. No-op before Init, so library
// code can record unconditionally.
func RecordJobRun(kind, status string) {
	if JobRuns != nil {
		JobRuns.WithLabelValues(kind, status).Inc()
	}
}

// RecordRelayTransition counts one relay state transition.
func RecordRelayTransition(to string) {
	if RelayTransitions != nil {
		RelayTransitions.WithLabelValues(to).Inc()
	}
}

// RecordImage counts one image download outcome.
func RecordImage(ok bool) {
	switch {
	case ok && ImagesDownloaded != nil:
		ImagesDownloaded.Inc()
	case !ok && ImagesFailed != nil:
		ImagesFailed.Inc()
	}
}

// RecordCrawlPage counts one listing page fetch.
func RecordCrawlPage() {
	if CrawlPages != nil {
		CrawlPages.Inc()
	}
}

// RecordThreadUpsert counts one thread row write.
func RecordThreadUpsert() {
	if ThreadsUpserted != nil {
		ThreadsUpserted.Inc()
	}
}

// Init registers all collectors with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tieba_relay",
			Name:      "job_runs_total",
			Help:      "Finished jobs by kind and terminal status.",
		}, []string{"kind", "status"})

		RelayTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tieba_relay",
			Name:      "relay_transitions_total",
			Help:      "Relay task state transitions by target state.",
		}, []string{"to"})

		ImagesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "tieba_relay",
			Name:      "images_downloaded_total",
			Help:      "Images fetched and stored.",
		})

		ImagesFailed = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "tieba_relay",
			Name:      "images_failed_total",
			Help:      "Image downloads that errored.",
		})

		CrawlPages = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "tieba_relay",
			Name:      "crawl_pages_total",
			Help:      "Thread listing pages fetched.",
		})

		ThreadsUpserted = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "tieba_relay",
			Name:      "threads_upserted_total",
			Help:      "Thread rows written during crawls.",
		})
	})
}
