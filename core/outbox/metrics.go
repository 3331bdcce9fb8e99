package outbox

import "github.com/sourcebox-io/sourcebox-go/core/metrics"

// Metrics is the instrumentation surface of the outbox scheduler.
// Implementations must be safe for concurrent use.
type Metrics interface {
	ClaimDuration() metrics.Timer
	EntriesClaimed(count int)
	PublishDuration(eventType string) metrics.Timer
	Published(eventType string, success bool)
	Discarded(eventType string)
	BreakerOpen(open bool)
}

type nopMetrics struct{}

func (nopMetrics) ClaimDuration() metrics.Timer         { return metrics.NopTimer() }
func (nopMetrics) EntriesClaimed(int)                   {}
func (nopMetrics) PublishDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) Published(string, bool)               {}
func (nopMetrics) Discarded(string)                     {}
func (nopMetrics) BreakerOpen(bool)                     {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
