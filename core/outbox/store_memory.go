package outbox

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a mutex-guarded Store for tests and development. Claim
// semantics match the SQL implementation: an eligible entry is leased by
// pushing NextAttemptAt past now and stamping the claim id, all under one
// lock, so two concurrent claimers can never both get the same entry.
type InMemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	order   []string
	entries map[string]*Entry
}

type InMemoryStoreOption func(*InMemoryStore)

// WithClock injects the time source. Used by tests to step through leases
// and backoff windows deterministically.
func WithClock(now func() time.Time) InMemoryStoreOption {
	return func(s *InMemoryStore) { s.now = now }
}

func NewInMemoryStore(opts ...InMemoryStoreOption) *InMemoryStore {
	s := &InMemoryStore{
		now:     time.Now,
		entries: map[string]*Entry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Append(_ context.Context, entries ...Entry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, e := range entries {
		e.CreatedAt = now
		e.UpdatedAt = now
		if e.Status == "" {
			e.Status = StatusPending
		}
		s.order = append(s.order, e.ID)
		s.entries[e.ID] = &e
	}
	return nil
}

func (s *InMemoryStore) Claim(_ context.Context, claimID string, limit int, lease time.Duration) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]Entry, 0, limit)
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		e := s.entries[id]
		if !e.Eligible(now) {
			continue
		}
		e.ClaimID = claimID
		e.NextAttemptAt = now.Add(lease)
		e.UpdatedAt = now
		out = append(out, *e)
	}
	return out, nil
}

func (s *InMemoryStore) MarkPublished(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = StatusPublished
	e.ClaimID = ""
	e.LastError = ""
	e.NextAttemptAt = time.Time{}
	e.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) MarkFailed(_ context.Context, id string, cause string, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = StatusOnError
	e.Attempts++
	e.LastError = cause
	e.ClaimID = ""
	e.NextAttemptAt = nextAttempt
	e.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) Discard(_ context.Context, id string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = StatusDeleted
	e.LastError = cause
	e.ClaimID = ""
	e.NextAttemptAt = time.Time{}
	e.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) Release(_ context.Context, claimID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, e := range s.entries {
		if e.ClaimID == claimID {
			e.ClaimID = ""
			e.NextAttemptAt = time.Time{}
			e.UpdatedAt = now
		}
	}
	return nil
}

// Get returns a copy of the entry, mainly for tests and operational checks.
func (s *InMemoryStore) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// All returns copies of all entries in creation order.
func (s *InMemoryStore) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.entries[id])
	}
	return out
}

var _ Store = (*InMemoryStore)(nil)
