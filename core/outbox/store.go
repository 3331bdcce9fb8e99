package outbox

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEntryNotFound = errors.New("outbox entry not found")
)

// Store persists outbox entries and coordinates exclusive processing.
//
// Claim hands out entries eligible for dispatch (pending or errored, with
// NextAttemptAt in the past) in creation order, marking them with claimID
// and a lease so concurrent schedulers never claim the same entry twice.
// A claim expires with its lease: if the claiming worker crashes before
// marking the entry, it becomes eligible again, which is what makes overall
// delivery at-least-once.
//
// Mark* and Discard update a single entry's delivery metadata and must be
// safe to call concurrently for different ids.
type Store interface {
	Append(ctx context.Context, entries ...Entry) error
	Claim(ctx context.Context, claimID string, limit int, lease time.Duration) ([]Entry, error)
	MarkPublished(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause string, nextAttempt time.Time) error
	Discard(ctx context.Context, id string, cause string) error
	Release(ctx context.Context, claimID string) error
}
