package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryBackend is a bounded in-process Backend. Once size entries are
// stored the least recently used one is evicted.
type MemoryBackend struct {
	lru *lru.Cache[string, []byte]

	// incrMu serialises read-modify-write in Incr.
	incrMu sync.Mutex
}

func NewMemoryBackend(size int) (*MemoryBackend, error) {
	l, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{lru: l}, nil
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	m.lru.Add(key, buf)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

func (m *MemoryBackend) Incr(_ context.Context, key string) (int64, error) {
	m.incrMu.Lock()
	defer m.incrMu.Unlock()

	var n int64
	if v, ok := m.lru.Get(key); ok {
		var err error
		n, err = strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %s: value is not an integer", key)
		}
	}
	n++
	m.lru.Add(key, []byte(strconv.FormatInt(n, 10)))
	return n, nil
}

func (m *MemoryBackend) Keys(_ context.Context) ([]string, error) {
	return m.lru.Keys(), nil
}

func (m *MemoryBackend) Len() int {
	return m.lru.Len()
}
