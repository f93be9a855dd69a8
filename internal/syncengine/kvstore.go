package syncengine

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

// KVStore is the single shared mutable resource in the engine: dedupe
// records, backfill progress, channel registration and the settings
// document all live here. Implementations must provide per-key TTL and an
// atomic compare-and-swap.
type KVStore interface {
	// Get returns the value and whether an unexpired entry exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes unconditionally. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfEqual writes only when the current value equals expected.
	// A nil expected means "only when the key is absent or expired".
	// Returns false without writing when the comparison fails.
	SetIfEqual(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

type memoryKVEntry struct {
	value     []byte
	expiresAt time.Time
}

type MemoryKVStore struct {
	mu      sync.Mutex
	entries map[string]memoryKVEntry
	now     func() time.Time
}

func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{
		entries: map[string]memoryKVEntry{},
		now:     time.Now,
	}
}

func (s *MemoryKVStore) liveLocked(key string) ([]byte, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (s *MemoryKVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.liveLocked(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (s *MemoryKVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, value, ttl)
	return nil
}

func (s *MemoryKVStore) SetIfEqual(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveLocked(key)
	if expected == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || !bytes.Equal(current, expected) {
			return false, nil
		}
	}
	s.putLocked(key, value, ttl)
	return true, nil
}

func (s *MemoryKVStore) putLocked(key string, value []byte, ttl time.Duration) {
	entry := memoryKVEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = entry
}

func (s *MemoryKVStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryKVStore) Close() error {
	return nil
}

// NewKVStoreFromDSN selects a KV backend from a DSN. An empty DSN or
// "memory" selects the in-process store; a postgres:// DSN selects the
// Postgres-backed store.
func NewKVStoreFromDSN(dsn string) (KVStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == "memory" || strings.HasPrefix(dsn, "memory://") {
		return NewMemoryKVStore(), nil
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresKVStore(dsn)
	}
	return nil, ErrInvalidInput
}
