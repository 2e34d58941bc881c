package db

import lru "github.com/hashicorp/golang-lru/v2"

// defaultCacheSize bounds each store's cache; least recently used records
// are reloaded from the database.
const defaultCacheSize = 4096

// recordCache memoizes records by key until invalidated or evicted.
type recordCache[K comparable, V any] struct {
	items *lru.Cache[K, V]
}

func newRecordCache[K comparable, V any]() *recordCache[K, V] {
	return newSizedRecordCache[K, V](defaultCacheSize)
}

func newSizedRecordCache[K comparable, V any](size int) *recordCache[K, V] {
	if size <= 0 {
		size = defaultCacheSize
	}
	// only fails for a non-positive size
	items, _ := lru.New[K, V](size)
	return &recordCache[K, V]{items: items}
}

func (c *recordCache[K, V]) get(k K) (V, bool) {
	return c.items.Get(k)
}

func (c *recordCache[K, V]) put(k K, v V) {
	c.items.Add(k, v)
}

func (c *recordCache[K, V]) delete(k K) {
	c.items.Remove(k)
}

func (c *recordCache[K, V]) clear() {
	c.items.Purge()
}

// envKey addresses a record inside one workspace environment.
type envKey struct {
	workspaceID   string
	environmentID string
	id            string
}
