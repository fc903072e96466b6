package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps all buckets in process memory. Writes are staged in a
// per-transaction overlay and applied on commit.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Update(ctx context.Context, fn TxFunc) error {
	tx, err := s.update(ctx, fn)
	if err != nil {
		return err
	}
	tx.Run()
	return nil
}

// update applies fn under the write lock. Commit hooks run after the lock is
// released, and only on success.
func (s *MemoryStore) update(ctx context.Context, fn TxFunc) (*memoryTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	tx := &memoryTx{store: s, writable: true, overlay: make(map[string]map[string][]byte)}
	if err := fn(WithTx(ctx, tx), tx); err != nil {
		return nil, err
	}
	for bucket, entries := range tx.overlay {
		b, ok := s.buckets[bucket]
		if !ok {
			b = make(map[string][]byte)
			s.buckets[bucket] = b
		}
		for k, v := range entries {
			b[k] = v
		}
	}
	return tx, nil
}

func (s *MemoryStore) View(ctx context.Context, fn TxFunc) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	tx := &memoryTx{store: s}
	return fn(WithTx(ctx, tx), tx)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryTx struct {
	Hooks
	store    *MemoryStore
	writable bool
	overlay  map[string]map[string][]byte
}

func (tx *memoryTx) Writable() bool { return tx.writable }

func (tx *memoryTx) Get(bucket, key string) ([]byte, error) {
	if v, ok := tx.overlay[bucket][key]; ok {
		return clone(v), nil
	}
	if v, ok := tx.store.buckets[bucket][key]; ok {
		return clone(v), nil
	}
	return nil, ErrNotFound
}

func (tx *memoryTx) Put(bucket, key string, value []byte) error {
	if !tx.writable {
		return ErrReadOnly
	}
	b, ok := tx.overlay[bucket]
	if !ok {
		b = make(map[string][]byte)
		tx.overlay[bucket] = b
	}
	b[key] = clone(value)
	return nil
}

func (tx *memoryTx) Scan(bucket, prefix string, fn func(key string, value []byte) error) error {
	seen := make(map[string]struct{})
	var keys []string
	collect := func(m map[string][]byte) {
		for k := range m {
			if _, ok := seen[k]; ok || !strings.HasPrefix(k, prefix) {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	collect(tx.overlay[bucket])
	collect(tx.store.buckets[bucket])
	sort.Strings(keys)
	for _, k := range keys {
		v, err := tx.Get(bucket, k)
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func clone(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
