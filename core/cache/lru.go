package cache

import (
	"container/list"
	"sync"
)

type lruEntry struct {
	key string
	val any
}

// LRU is a fixed-size cache evicting the least recently used entry.
// Safe for concurrent use.
type LRU struct {
	mu    sync.Mutex
	size  int
	order *list.List
	items map[string]*list.Element
}

func NewLRU(size int) *LRU {
	if size <= 0 {
		size = 128
	}
	return &LRU{
		size:  size,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ele, ok := l.items[key]
	if !ok {
		return nil, false
	}
	l.order.MoveToFront(ele)
	return ele.Value.(*lruEntry).val, true
}

func (l *LRU) Put(key string, val any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ele, ok := l.items[key]; ok {
		l.order.MoveToFront(ele)
		ele.Value.(*lruEntry).val = val
		return
	}

	l.items[key] = l.order.PushFront(&lruEntry{key: key, val: val})

	if l.order.Len() > l.size {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.items, oldest.Value.(*lruEntry).key)
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ele, ok := l.items[key]; ok {
		l.order.Remove(ele)
		delete(l.items, key)
	}
}

var _ Cache = (*LRU)(nil)
