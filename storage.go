package invoicesync

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Persisted keys.
const (
	KeyLastSync       = "lastSyncTimestamp"
	KeyCustomersCache = "cache:customers"
)

// ErrStoreKeyNotFound is returned by Store.Get for a missing key.
var ErrStoreKeyNotFound = errors.New("store: key not found")

// Store is the durable key-value capability used to persist queues, caches
// and the sync watermark across restarts. Values are opaque blobs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// KeyLister is implemented by stores that can enumerate their keys.
type KeyLister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ErrKeysUnsupported is returned by ListStored for stores without KeyLister.
var ErrKeysUnsupported = errors.New("store cannot list keys")

// StoredKey describes one persisted entry.
type StoredKey struct {
	Key   string `json:"key"`
	Bytes int    `json:"bytes"`
}

// ListStored returns the entries whose key starts with prefix, sorted by key.
func ListStored(ctx context.Context, s Store, prefix string) ([]StoredKey, error) {
	kl, ok := s.(KeyLister)
	if !ok {
		return nil, ErrKeysUnsupported
	}
	keys, err := kl.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	out := make([]StoredKey, 0, len(keys))
	for _, k := range keys {
		v, err := s.Get(ctx, k)
		if errors.Is(err, ErrStoreKeyNotFound) {
			continue // removed since listing
		}
		if err != nil {
			return nil, err
		}
		out = append(out, StoredKey{Key: k, Bytes: len(v)})
	}
	return out, nil
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Store.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (s *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrStoreKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStorage) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStorage) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
