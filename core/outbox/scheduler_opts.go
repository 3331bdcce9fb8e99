package outbox

import (
	"log/slog"
	"time"
)

type schedulerOpts struct {
	log            *slog.Logger
	now            func() time.Time
	pollInterval   time.Duration
	batchSize      int
	maxConcurrency int
	claimLease     time.Duration
	backoff        Backoff
	maxAttempts    int
	breakerTrips   uint32
	breakerTimeout time.Duration
	publishTimeout time.Duration
	metrics        Metrics
}

func newSchedulerOpts(opts ...SchedulerOption) schedulerOpts {
	options := schedulerOpts{
		now:            time.Now,
		pollInterval:   5 * time.Second,
		batchSize:      50,
		maxConcurrency: 4,
		claimLease:     30 * time.Second,
		backoff:        Backoff{Base: time.Second, Max: 5 * time.Minute},
		maxAttempts:    10,
		breakerTrips:   5,
		breakerTimeout: 30 * time.Second,
		publishTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

type SchedulerOption func(*schedulerOpts)

// WithLog sets the scheduler logger.
func WithLog(l *slog.Logger) SchedulerOption {
	return func(o *schedulerOpts) { o.log = l }
}

// WithSchedulerClock injects the scheduler's time source.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(o *schedulerOpts) { o.now = now }
}

// WithPollInterval sets the period between polls.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(o *schedulerOpts) { o.pollInterval = d }
}

// WithBatchSize bounds how many entries one poll claims.
func WithBatchSize(n int) SchedulerOption {
	return func(o *schedulerOpts) { o.batchSize = n }
}

// WithMaxConcurrency bounds how many entries are published in parallel.
func WithMaxConcurrency(n int) SchedulerOption {
	return func(o *schedulerOpts) { o.maxConcurrency = n }
}

// WithClaimLease sets how long a claim shields an entry from other workers.
// Must exceed the worst-case publish time or a slow publish gets redelivered.
func WithClaimLease(d time.Duration) SchedulerOption {
	return func(o *schedulerOpts) { o.claimLease = d }
}

// WithBackoff sets the retry backoff (base * 2^attempts, capped at max).
func WithBackoff(base, max time.Duration) SchedulerOption {
	return func(o *schedulerOpts) { o.backoff = Backoff{Base: base, Max: max} }
}

// WithMaxAttempts sets the attempt ceiling after which an entry is
// discarded. Zero means retry forever.
func WithMaxAttempts(n int) SchedulerOption {
	return func(o *schedulerOpts) { o.maxAttempts = n }
}

// WithBreaker configures the circuit breaker: trips after the given number
// of consecutive store-level failures, probes again after timeout.
func WithBreaker(consecutiveFailures uint32, timeout time.Duration) SchedulerOption {
	return func(o *schedulerOpts) {
		o.breakerTrips = consecutiveFailures
		o.breakerTimeout = timeout
	}
}

// WithPublishTimeout bounds a single publish call.
func WithPublishTimeout(d time.Duration) SchedulerOption {
	return func(o *schedulerOpts) { o.publishTimeout = d }
}

// WithMetrics sets the metrics implementation.
func WithMetrics(m Metrics) SchedulerOption {
	return func(o *schedulerOpts) { o.metrics = m }
}
