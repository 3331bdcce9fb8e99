// Package prometheus implements the core metrics interfaces on the
// Prometheus client. Register the collectors on your registry and expose
// them with promhttp.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sourcebox-io/sourcebox-go/core/es"
	"github.com/sourcebox-io/sourcebox-go/core/metrics"
	"github.com/sourcebox-io/sourcebox-go/core/outbox"
)

var durationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// timer wraps a Prometheus observer to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// ESMetrics implements es.Metrics.
type ESMetrics struct {
	storeLoadDuration   *prometheus.HistogramVec
	storeAppendDuration *prometheus.HistogramVec
	eventsAppended      *prometheus.CounterVec

	repoLoadDuration     *prometheus.HistogramVec
	repoSaveDuration     *prometheus.HistogramVec
	concurrencyConflicts *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	snapshotLoadDuration *prometheus.HistogramVec
	snapshotSaveDuration *prometheus.HistogramVec
}

func NewESMetrics(reg prometheus.Registerer) *ESMetrics {
	factory := promauto.With(reg)
	aggLabels := []string{"aggregate_type"}

	return &ESMetrics{
		storeLoadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcebox_es_store_load_duration_seconds",
			Help:    "Duration of event store loads",
			Buckets: durationBuckets,
		}, aggLabels),
		storeAppendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcebox_es_store_append_duration_seconds",
			Help:    "Duration of event store appends",
			Buckets: durationBuckets,
		}, aggLabels),
		eventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcebox_es_events_appended_total",
			Help: "Total number of event records appended",
		}, aggLabels),
		repoLoadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcebox_es_repo_load_duration_seconds",
			Help:    "Duration of aggregate loads including replay",
			Buckets: durationBuckets,
		}, aggLabels),
		repoSaveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcebox_es_repo_save_duration_seconds",
			Help:    "Duration of aggregate saves",
			Buckets: durationBuckets,
		}, aggLabels),
		concurrencyConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcebox_es_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts",
		}, aggLabels),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcebox_es_cache_hits_total",
			Help: "Total number of aggregate cache hits",
		}, aggLabels),
		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcebox_es_cache_misses_total",
			Help: "Total number of aggregate cache misses",
		}, aggLabels),
		snapshotLoadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcebox_es_snapshot_load_duration_seconds",
			Help:    "Duration of snapshot loads",
			Buckets: durationBuckets,
		}, aggLabels),
		snapshotSaveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcebox_es_snapshot_save_duration_seconds",
			Help:    "Duration of snapshot saves",
			Buckets: durationBuckets,
		}, aggLabels),
	}
}

func (m *ESMetrics) StoreLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.storeLoadDuration.WithLabelValues(aggType))
}

func (m *ESMetrics) StoreAppendDuration(aggType string) metrics.Timer {
	return newTimer(m.storeAppendDuration.WithLabelValues(aggType))
}

func (m *ESMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *ESMetrics) RepoLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.repoLoadDuration.WithLabelValues(aggType))
}

func (m *ESMetrics) RepoSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.repoSaveDuration.WithLabelValues(aggType))
}

func (m *ESMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *ESMetrics) CacheHit(aggType string)  { m.cacheHits.WithLabelValues(aggType).Inc() }
func (m *ESMetrics) CacheMiss(aggType string) { m.cacheMisses.WithLabelValues(aggType).Inc() }

func (m *ESMetrics) SnapshotLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(aggType))
}

func (m *ESMetrics) SnapshotSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(aggType))
}

// OutboxMetrics implements outbox.Metrics.
type OutboxMetrics struct {
	claimDuration   prometheus.Histogram
	entriesClaimed  prometheus.Counter
	publishDuration *prometheus.HistogramVec
	published       *prometheus.CounterVec
	discarded       *prometheus.CounterVec
	breakerOpen     prometheus.Gauge
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	factory := promauto.With(reg)

	return &OutboxMetrics{
		claimDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sourcebox_outbox_claim_duration_seconds",
			Help:    "Duration of outbox claim queries",
			Buckets: durationBuckets,
		}),
		entriesClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sourcebox_outbox_entries_claimed_total",
			Help: "Total number of outbox entries claimed for dispatch",
		}),
		publishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcebox_outbox_publish_duration_seconds",
			Help:    "Duration of outbox publishes",
			Buckets: durationBuckets,
		}, []string{"event_type"}),
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcebox_outbox_published_total",
			Help: "Total number of outbox publish attempts by outcome",
		}, []string{"event_type", "success"}),
		discarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcebox_outbox_discarded_total",
			Help: "Total number of outbox entries discarded at the attempt ceiling",
		}, []string{"event_type"}),
		breakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sourcebox_outbox_breaker_open",
			Help: "Whether the scheduler circuit breaker is open (1) or not (0)",
		}),
	}
}

func (m *OutboxMetrics) ClaimDuration() metrics.Timer {
	return newTimer(m.claimDuration)
}

func (m *OutboxMetrics) EntriesClaimed(count int) {
	m.entriesClaimed.Add(float64(count))
}

func (m *OutboxMetrics) PublishDuration(eventType string) metrics.Timer {
	return newTimer(m.publishDuration.WithLabelValues(eventType))
}

func (m *OutboxMetrics) Published(eventType string, success bool) {
	m.published.WithLabelValues(eventType, strconv.FormatBool(success)).Inc()
}

func (m *OutboxMetrics) Discarded(eventType string) {
	m.discarded.WithLabelValues(eventType).Inc()
}

func (m *OutboxMetrics) BreakerOpen(open bool) {
	if open {
		m.breakerOpen.Set(1)
	} else {
		m.breakerOpen.Set(0)
	}
}

var (
	_ es.Metrics     = (*ESMetrics)(nil)
	_ outbox.Metrics = (*OutboxMetrics)(nil)
)
