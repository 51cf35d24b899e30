package limiter

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
// It mirrors the Redis semantics (purge-then-count under one lock, TTL-style
// eviction of idle keys) but is not shared across instances.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	timestamps []time.Time
	expiresAt  time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// CheckAndConsume implements Store.
func (s *MemoryStore) CheckAndConsume(_ context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.entry(key, now)
	e.purge(now, window)

	count := int64(len(e.timestamps))
	if count >= limit {
		return false, count, nil
	}
	e.timestamps = append(e.timestamps, now)
	e.expiresAt = now.Add(window)
	return true, count + 1, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || !e.expiresAt.After(now) {
		delete(s.entries, key)
		return 0, nil
	}
	e.purge(now, window)
	return int64(len(e.timestamps)), nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// ScanKeys implements Store using glob-style matching like Redis SCAN.
func (s *MemoryStore) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var keys []string
	for k, e := range s.entries {
		if !e.expiresAt.After(now) {
			delete(s.entries, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) entry(key string, now time.Time) *memoryEntry {
	e, ok := s.entries[key]
	if !ok || !e.expiresAt.After(now) {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	return e
}

func (e *memoryEntry) purge(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(e.timestamps) && !e.timestamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		e.timestamps = e.timestamps[idx:]
	}
}
