package capacity

import (
	"context"
	"sync"
	"time"
)

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

func (c *memoryCounter) expired(now time.Time) bool {
	return !c.expiresAt.IsZero() && !now.Before(c.expiresAt)
}

// MemoryStore is a single-process Store for development and tests. Expired
// counters read as zero and are dropped on access.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	clock    Clock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*memoryCounter), clock: SystemClock{}}
}

// WithClock sets the clock used for expiry.
func (m *MemoryStore) WithClock(clock Clock) *MemoryStore {
	m.clock = clock
	return m
}

func (m *MemoryStore) get(key string, now time.Time) *memoryCounter {
	c, ok := m.counters[key]
	if !ok {
		return nil
	}
	if c.expired(now) {
		delete(m.counters, key)
		return nil
	}
	return c
}

func (m *MemoryStore) Usage(_ context.Context, key string) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var u Usage
	if c := m.get(requestsKey(key), now); c != nil {
		u.Requests = c.value
	}
	if c := m.get(tokensKey(key), now); c != nil {
		u.Tokens = c.value
	}
	return u, nil
}

func (m *MemoryStore) Increment(_ context.Context, incs []Increment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, inc := range incs {
		m.add(requestsKey(inc.Key), 1, inc.TTL, now)
		m.add(tokensKey(inc.Key), inc.Tokens, inc.TTL, now)
	}
	return nil
}

func (m *MemoryStore) add(key string, n int64, ttl time.Duration, now time.Time) {
	c := m.get(key, now)
	if c == nil {
		c = &memoryCounter{}
		m.counters[key] = c
	}
	c.value += n
	if ttl > 0 {
		c.expiresAt = now.Add(ttl)
	}
}

func (m *MemoryStore) ReleaseTokens(_ context.Context, key string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(tokensKey(key), m.clock.Now())
	if c == nil {
		return nil
	}
	c.value -= delta
	if c.value < 0 {
		c.value = 0
	}
	return nil
}
