package es

import "github.com/sourcebox-io/sourcebox-go/core/metrics"

// Metrics is the instrumentation surface of the event-sourcing core.
// Implementations must be safe for concurrent use.
type Metrics interface {
	StoreLoadDuration(aggType string) metrics.Timer
	StoreAppendDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)

	RepoLoadDuration(aggType string) metrics.Timer
	RepoSaveDuration(aggType string) metrics.Timer
	ConcurrencyConflict(aggType string)

	CacheHit(aggType string)
	CacheMiss(aggType string)

	SnapshotLoadDuration(aggType string) metrics.Timer
	SnapshotSaveDuration(aggType string) metrics.Timer
}

type nopMetrics struct{}

func (nopMetrics) StoreLoadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopMetrics) StoreAppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) EventsAppended(string, int)               {}

func (nopMetrics) RepoLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) RepoSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) ConcurrencyConflict(string)            {}

func (nopMetrics) CacheHit(string)  {}
func (nopMetrics) CacheMiss(string) {}

func (nopMetrics) SnapshotLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
