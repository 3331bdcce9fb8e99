// Package cache provides a small cache abstraction used by the repository
// to keep recently loaded aggregates hot.
package cache

// Cache is a string-keyed cache of arbitrary values.
type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any)
	Delete(key string)
}

// Nop is a Cache that stores nothing.
type Nop struct{}

func (Nop) Get(string) (any, bool) { return nil, false }
func (Nop) Put(string, any)        {}
func (Nop) Delete(string)          {}

var _ Cache = Nop{}
