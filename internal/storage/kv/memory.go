package kv

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

// MemoryStore is a volatile Store backed by concurrent skip lists. It is
// used when storage.engine is "memory" and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	closed  atomic.Bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memoryBucket)}
}

// Bucket implements Store
func (s *MemoryStore) Bucket(name string) (Bucket, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b := &memoryBucket{
		store: s,
		name:  name,
		data: skipmap.NewFunc[[]byte, []byte](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
	s.buckets[name] = b
	return b, nil
}

// BucketNames implements Store
func (s *MemoryStore) BucketNames() ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	s.mu.Unlock()

	sort.Strings(names)
	return names, nil
}

// DropBucket implements Store
func (s *MemoryStore) DropBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[name]; ok {
		b.dropped.Store(true)
		delete(s.buckets, name)
	}
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

type memoryBucket struct {
	store   *MemoryStore
	name    string
	data    *skipmap.FuncMap[[]byte, []byte]
	dropped atomic.Bool
}

func (b *memoryBucket) check() error {
	if b.store.closed.Load() {
		return ErrClosed
	}
	if b.dropped.Load() {
		return ErrBucketNotFound
	}
	return nil
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) Put(key, value []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	b.data.Store(clone(key), clone(value))
	return nil
}

func (b *memoryBucket) Scan(from []byte, limit int) ([]Entry, error) {
	if err := b.check(); err != nil {
		return nil, err
	}

	var out []Entry
	b.data.Range(func(k, v []byte) bool {
		if from != nil && bytes.Compare(k, from) < 0 {
			return true
		}
		out = append(out, Entry{Key: clone(k), Value: clone(v)})
		return len(out) < limit
	})
	return out, nil
}

func (b *memoryBucket) First() ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}

	var first []byte
	b.data.Range(func(k, _ []byte) bool {
		first = clone(k)
		return false
	})
	return first, nil
}

func (b *memoryBucket) Last() ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}

	var last []byte
	b.data.Range(func(k, _ []byte) bool {
		last = k
		return true
	})
	return clone(last), nil
}

func (b *memoryBucket) Delete(key []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	b.data.Delete(key)
	return nil
}

func (b *memoryBucket) DeleteBefore(key []byte) (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}

	var doomed [][]byte
	b.data.Range(func(k, _ []byte) bool {
		if bytes.Compare(k, key) >= 0 {
			return false
		}
		doomed = append(doomed, k)
		return true
	})

	deleted := 0
	for _, k := range doomed {
		if b.data.Delete(k) {
			deleted++
		}
	}
	return deleted, nil
}

func (b *memoryBucket) Count() (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	return b.data.Len(), nil
}
