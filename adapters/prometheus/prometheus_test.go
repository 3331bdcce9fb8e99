package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sourcebox-io/sourcebox-go/core/metrics"
)

func TestTimerRecordsSample(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)

	var tm metrics.Timer = m.RepoSaveDuration("account")
	tm.ObserveDuration()

	require.EqualValues(t, 1, testutil.CollectAndCount(m.repoSaveDuration))
}

func TestESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)

	m.EventsAppended("account", 3)
	m.ConcurrencyConflict("account")
	m.CacheHit("account")
	m.CacheMiss("account")
	m.StoreLoadDuration("account").ObserveDuration()

	require.EqualValues(t, 3, testutil.ToFloat64(m.eventsAppended.WithLabelValues("account")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.concurrencyConflicts.WithLabelValues("account")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.cacheHits.WithLabelValues("account")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.cacheMisses.WithLabelValues("account")))
	require.EqualValues(t, 1, testutil.CollectAndCount(m.storeLoadDuration))
}

func TestOutboxMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)

	m.EntriesClaimed(5)
	m.Published("order.placed", true)
	m.Published("order.placed", false)
	m.Discarded("order.placed")
	m.BreakerOpen(true)
	m.ClaimDuration().ObserveDuration()

	require.EqualValues(t, 5, testutil.ToFloat64(m.entriesClaimed))
	require.EqualValues(t, 1, testutil.ToFloat64(m.published.WithLabelValues("order.placed", "true")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.published.WithLabelValues("order.placed", "false")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.discarded.WithLabelValues("order.placed")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.breakerOpen))

	m.BreakerOpen(false)
	require.EqualValues(t, 0, testutil.ToFloat64(m.breakerOpen))
}

func TestMetricsRegisterOncePerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewESMetrics(reg)
	NewOutboxMetrics(reg)

	require.NotPanics(t, func() {
		other := prometheus.NewRegistry()
		NewESMetrics(other)
		NewOutboxMetrics(other)
	})
}
