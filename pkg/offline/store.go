package offline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrCacheMiss is returned by Store.Match when nothing is stored.
var ErrCacheMiss = errors.New("cache miss")

// Entry is one cached response.
type Entry struct {
	URL         string
	Status      int
	ContentType string
	Body        []byte
	StoredAt    time.Time
}

// Store persists named caches of entries keyed by URL.
type Store interface {
	// Open creates the named cache if it does not exist.
	Open(ctx context.Context, cache string) error
	// Put stores or replaces an entry.
	Put(ctx context.Context, cache string, e Entry) error
	// Match returns the entry for url or ErrCacheMiss.
	Match(ctx context.Context, cache, url string) (Entry, error)
	// Names lists every cache.
	Names(ctx context.Context) ([]string, error)
	// Delete drops a cache and all of its entries.
	Delete(ctx context.Context, cache string) error
	// Count returns the number of entries in a cache.
	Count(ctx context.Context, cache string) (int, error)
}

// MemoryStore keeps caches in process memory.  It backs tests and the
// memory database type.
type MemoryStore struct {
	mu     sync.RWMutex
	caches map[string]map[string]Entry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{caches: make(map[string]map[string]Entry)}
}

func (m *MemoryStore) Open(_ context.Context, cache string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[cache]; !ok {
		m.caches[cache] = make(map[string]Entry)
	}
	return nil
}

func (m *MemoryStore) Put(_ context.Context, cache string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[cache]
	if !ok {
		c = make(map[string]Entry)
		m.caches[cache] = c
	}
	e.Body = append([]byte(nil), e.Body...)
	c[e.URL] = e
	return nil
}

func (m *MemoryStore) Match(_ context.Context, cache, url string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.caches[cache][url]
	if !ok {
		return Entry{}, ErrCacheMiss
	}
	e.Body = append([]byte(nil), e.Body...)
	return e, nil
}

func (m *MemoryStore) Names(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) Delete(_ context.Context, cache string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.caches, cache)
	return nil
}

func (m *MemoryStore) Count(_ context.Context, cache string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.caches[cache]), nil
}
