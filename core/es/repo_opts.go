package es

import (
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/sourcebox-io/sourcebox-go/core/cache"
	"github.com/sourcebox-io/sourcebox-go/core/outbox"
)

// IDGenerator produces unique ids for event records.
type IDGenerator func() string

// DefaultIDGenerator returns the nanoid-based default.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

type repoOpts struct {
	log         *slog.Logger
	snapshotter Snapshotter
	cache       cache.Cache
	idGenerator IDGenerator
	metrics     Metrics
}

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	options := repoOpts{
		idGenerator: DefaultIDGenerator(),
		metrics:     NopMetrics(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

type RepositoryOption func(*repoOpts)

// WithSnapshotter enables snapshot support on the repository.
func WithSnapshotter(s Snapshotter) RepositoryOption {
	return func(o *repoOpts) { o.snapshotter = s }
}

// WithCache caches the latest snapshot per stream, skipping the snapshotter
// round-trip on hot aggregates.
func WithCache(c cache.Cache) RepositoryOption {
	return func(o *repoOpts) { o.cache = c }
}

// WithCacheLRU is WithCache with a fresh LRU of the given size.
func WithCacheLRU(size int) RepositoryOption {
	return WithCache(cache.NewLRU(size))
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(g IDGenerator) RepositoryOption {
	return func(o *repoOpts) { o.idGenerator = g }
}

// WithMetrics sets the metrics implementation.
func WithMetrics(m Metrics) RepositoryOption {
	return func(o *repoOpts) { o.metrics = m }
}

// WithRepoLog sets the repository logger.
func WithRepoLog(l *slog.Logger) RepositoryOption {
	return func(o *repoOpts) { o.log = l }
}

// === load/save options ===

type (
	loadOptions struct {
		snapshot bool
	}
	saveOptions struct {
		snapshot bool
		outbox   *outbox.Buffer
	}

	LoadOption func(*loadOptions)
	SaveOption func(*saveOptions)
)

// FromSnapshot makes Load restore the latest snapshot first and replay only
// the tail. Requires a snapshotter.
func FromSnapshot() LoadOption {
	return func(o *loadOptions) { o.snapshot = true }
}

// WithSnapshot makes Save capture a snapshot after a successful append.
func WithSnapshot() SaveOption {
	return func(o *saveOptions) { o.snapshot = true }
}

// WithOutbox drains the buffer's integration events into the same append
// as the aggregate's domain events. The buffer is cleared only after the
// atomic write succeeds.
func WithOutbox(b *outbox.Buffer) SaveOption {
	return func(o *saveOptions) { o.outbox = b }
}
