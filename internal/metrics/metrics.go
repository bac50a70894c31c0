// Registers:
//
//	#mboflow_messages_processed_total
//	#mboflow_apply_duration_seconds
//	#mboflow_book_errors_total
//	#mboflow_active_connections / #mboflow_active_subscribers
//	#mboflow_subscriber_dropped_total
//	#mboflow_http_requests_total
//	#mboflow_db_commit_duration_seconds / #mboflow_db_rows_committed_total
//	#mboflow_archive_uploads_total
//	#go_* and process_* system metrics
//
// The registry is exposed through Handler, mounted on the API server's
// /metrics route.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	messagesProcessed prometheus.Counter
	applyDuration     prometheus.Histogram
	bookErrors        *prometheus.CounterVec
	activeConnections prometheus.Gauge
	activeSubscribers prometheus.Gauge
	subscriberDropped prometheus.Counter
	httpRequests      *prometheus.CounterVec
	dbCommitDuration  prometheus.Histogram
	dbRowsCommitted   prometheus.Counter
	archiveUploads    *prometheus.CounterVec
)

func Init() {
	once.Do(func() {
		messagesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mboflow_messages_processed_total",
			Help: "Number of feed messages routed through the market",
		})
		applyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mboflow_apply_duration_seconds",
			Help:    "Latency of applying one message to its book",
			Buckets: prometheus.ExponentialBuckets(1e-7, 10, 8),
		})
		bookErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mboflow_book_errors_total",
				Help: "Messages refused by a book, by error kind",
			},
			[]string{"kind"},
		)
		activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mboflow_active_connections",
			Help: "Open streaming connections",
		})
		activeSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mboflow_active_subscribers",
			Help: "Live hub subscriptions",
		})
		subscriberDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mboflow_subscriber_dropped_total",
			Help: "Events dropped from slow subscriber queues",
		})
		httpRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mboflow_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"method", "path", "status"},
		)
		dbCommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mboflow_db_commit_duration_seconds",
			Help:    "Latency of committing one batch to the store",
			Buckets: prometheus.ExponentialBuckets(1e-4, 10, 6),
		})
		dbRowsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mboflow_db_rows_committed_total",
			Help: "Message rows committed to the store",
		})
		archiveUploads = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mboflow_archive_uploads_total",
				Help: "Archive batch uploads, by result",
			},
			[]string{"result"},
		)

		_ = prometheus.Register(messagesProcessed)
		_ = prometheus.Register(applyDuration)
		_ = prometheus.Register(bookErrors)
		_ = prometheus.Register(activeConnections)
		_ = prometheus.Register(activeSubscribers)
		_ = prometheus.Register(subscriberDropped)
		_ = prometheus.Register(httpRequests)
		_ = prometheus.Register(dbCommitDuration)
		_ = prometheus.Register(dbRowsCommitted)
		_ = prometheus.Register(archiveUploads)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncrementProcessed counts one routed message.
func IncrementProcessed() {
	if messagesProcessed != nil {
		messagesProcessed.Inc()
	}
}

// ObserveApply records the latency of one book apply.
func ObserveApply(d time.Duration) {
	if applyDuration != nil {
		applyDuration.Observe(d.Seconds())
	}
}

// IncrementBookError counts one refused message by error kind.
func IncrementBookError(kind string) {
	if bookErrors != nil {
		bookErrors.WithLabelValues(kind).Inc()
	}
}

// ConnectionOpened and ConnectionClosed track open streaming connections.
func ConnectionOpened() {
	if activeConnections != nil {
		activeConnections.Inc()
	}
}

func ConnectionClosed() {
	if activeConnections != nil {
		activeConnections.Dec()
	}
}

// SubscriberAdded and SubscriberRemoved track live hub subscriptions.
func SubscriberAdded() {
	if activeSubscribers != nil {
		activeSubscribers.Inc()
	}
}

func SubscriberRemoved() {
	if activeSubscribers != nil {
		activeSubscribers.Dec()
	}
}

// IncrementSubscriberDropped counts one event evicted from a subscriber
// queue. Kept separate from EmitDropMetric so the hot path stays cheap.
func IncrementSubscriberDropped() {
	if subscriberDropped != nil {
		subscriberDropped.Inc()
	}
}

// IncrementHTTPRequest counts one served request.
func IncrementHTTPRequest(method, path, status string) {
	if httpRequests != nil {
		httpRequests.WithLabelValues(method, path, status).Inc()
	}
}

// ObserveCommit records one store batch commit.
func ObserveCommit(d time.Duration, rows int) {
	if dbCommitDuration != nil {
		dbCommitDuration.Observe(d.Seconds())
	}
	if dbRowsCommitted != nil {
		dbRowsCommitted.Add(float64(rows))
	}
}

// IncrementArchiveUpload counts one archive upload attempt.
func IncrementArchiveUpload(result string) {
	if archiveUploads != nil {
		archiveUploads.WithLabelValues(result).Inc()
	}
}
