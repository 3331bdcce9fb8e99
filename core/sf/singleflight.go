// Package sf wraps golang.org/x/sync/singleflight with a typed API.
package sf

import "golang.org/x/sync/singleflight"

// Group deduplicates concurrent calls with the same key. Only the first
// caller executes fn; the others block and receive the same result.
type Group[T any] struct {
	group singleflight.Group
}

// Do executes fn for key, deduplicating concurrent calls. fn executes at
// most once per key at any given time.
func (g *Group[T]) Do(key string, fn func() (T, error)) (T, error) {
	v, err, _ := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Forget drops the in-flight record for key so the next Do executes fn again.
func (g *Group[T]) Forget(key string) { g.group.Forget(key) }
