package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sony/gobreaker"
)

// Scheduler drains the outbox: it periodically claims a batch of eligible
// entries, publishes them through a bounded worker pool and records the
// outcome per entry.
//
// Failure handling is layered. A failed publish is recorded on the entry
// with exponential backoff and retried on a later tick, up to the attempt
// ceiling. Store-level failures (claim errors) are systemic and feed a
// circuit breaker: after the configured number of consecutive failures the
// scheduler stops polling the store and only probes again after the breaker
// timeout, instead of hot-looping against a down dependency.
//
// Multiple schedulers may run against the same store; claims keep them from
// dispatching the same entry twice within a lease. A crash between publish
// and mark-published still causes redelivery after the lease expires, so
// delivery is at-least-once overall.
type Scheduler struct {
	id      string
	store   Store
	pub     Publisher
	log     *slog.Logger
	opts    schedulerOpts
	breaker *gobreaker.CircuitBreaker
	metrics Metrics

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

func NewScheduler(store Store, pub Publisher, opts ...SchedulerOption) *Scheduler {
	options := newSchedulerOpts(opts...)

	id := "sched-" + gonanoid.Must(6)

	log := options.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("scheduler", id))

	m := options.metrics
	if m == nil {
		m = NopMetrics()
	}

	trips := options.breakerTrips
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    id,
		Timeout: options.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn("breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			m.BreakerOpen(to == gobreaker.StateOpen)
		},
	})

	return &Scheduler{
		id:      id,
		store:   store,
		pub:     pub,
		log:     log,
		opts:    options,
		breaker: breaker,
		metrics: m,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins polling until ctx is cancelled or Stop is called. In-flight
// publishes finish or fail before the loop exits.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

// Stop halts polling and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	s.log.Info("started",
		slog.Duration("poll_interval", s.opts.pollInterval),
		slog.Int("batch_size", s.opts.batchSize),
		slog.Int("max_concurrency", s.opts.maxConcurrency),
	)

	ticker := time.NewTicker(s.opts.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopped", slog.String("reason", "context cancelled"))
			return
		case <-s.stopCh:
			s.log.Info("stopped")
			return
		case <-ticker.C:
		}

		n, err := s.RunOnce(ctx)
		switch {
		case err == nil:
			if n > 0 {
				s.log.Debug("tick", slog.Int("dispatched", n))
			}
		case errors.Is(err, gobreaker.ErrOpenState):
			s.log.Debug("tick skipped, breaker open")
		case errors.Is(err, context.Canceled):
			return
		default:
			s.log.Error("tick failed", slog.Any("error", err))
		}
	}
}

// RunOnce performs a single poll-and-dispatch cycle and returns the number
// of entries dispatched. Exposed so tests and one-shot drains can tick the
// scheduler without the timer loop.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	claimID := s.id + "-" + gonanoid.Must(8)

	timer := s.metrics.ClaimDuration()
	v, err := s.breaker.Execute(func() (any, error) {
		return s.store.Claim(ctx, claimID, s.opts.batchSize, s.opts.claimLease)
	})
	timer.ObserveDuration()
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}

	entries := v.([]Entry)
	if len(entries) == 0 {
		return 0, nil
	}
	s.metrics.EntriesClaimed(len(entries))

	// bounded fan-out; one bad entry never blocks the rest of the batch
	sem := make(chan struct{}, s.opts.maxConcurrency)
	var wg sync.WaitGroup
	for _, e := range entries {
		select {
		case <-ctx.Done():
			wg.Wait()
			if relErr := s.store.Release(context.WithoutCancel(ctx), claimID); relErr != nil {
				s.log.Error("release claim failed", slog.Any("error", relErr))
			}
			return 0, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			s.dispatch(ctx, e)
		}(e)
	}
	wg.Wait()

	return len(entries), nil
}

func (s *Scheduler) dispatch(ctx context.Context, e Entry) {
	log := s.log.With(
		slog.Group("entry",
			slog.String("id", e.ID),
			slog.String("event_type", e.EventType),
			slog.Int("attempts", e.Attempts),
		),
	)

	pctx, cancel := context.WithTimeout(ctx, s.opts.publishTimeout)
	timer := s.metrics.PublishDuration(e.EventType)
	err := s.pub.Publish(pctx, e)
	timer.ObserveDuration()
	cancel()

	if err == nil {
		s.metrics.Published(e.EventType, true)
		if err := s.store.MarkPublished(ctx, e.ID); err != nil {
			// redelivered after the lease; consumers are idempotent
			log.Error("mark published failed", slog.Any("error", err))
		}
		return
	}

	s.metrics.Published(e.EventType, false)

	attempts := e.Attempts + 1
	if s.opts.maxAttempts > 0 && attempts >= s.opts.maxAttempts {
		log.Error("discarding entry, attempt ceiling reached", slog.Any("error", err))
		s.metrics.Discarded(e.EventType)
		if err := s.store.Discard(ctx, e.ID, err.Error()); err != nil {
			log.Error("discard failed", slog.Any("error", err))
		}
		return
	}

	delay := s.opts.backoff.Delay(attempts)
	log.Warn("publish failed",
		slog.Any("error", err),
		slog.Duration("retry_in", delay),
	)
	if err := s.store.MarkFailed(ctx, e.ID, err.Error(), s.opts.now().Add(delay)); err != nil {
		log.Error("mark failed failed", slog.Any("error", err))
	}
}
