package outbox

import (
	"sort"
	"sync"
)

// Buffer collects the integration events raised during a single unit of
// work. Create one per logical transaction/request and hand it to the
// repository when saving, never share one process-wide. The buffer is
// cleared only after its entries were written together with the domain
// events.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
}

func NewBuffer() *Buffer { return &Buffer{} }

// Raise records an integration event for delivery after commit.
func (b *Buffer) Raise(event any, opts ...EntryOption) error {
	e, err := New(event, opts...)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.mu.Unlock()
	return nil
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Peek returns a copy of the buffered entries ordered by occurred-at,
// preserving causal order for downstream consumers. The buffer keeps its
// contents so a failed persist can re-run the whole command.
func (b *Buffer) Peek() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, len(b.entries))
	copy(out, b.entries)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out
}

// Clear drops all buffered entries. Called after the entries were persisted.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.entries = nil
	b.mu.Unlock()
}

// Drain is Peek followed by Clear.
func (b *Buffer) Drain() []Entry {
	out := b.Peek()
	b.Clear()
	return out
}
