package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/quran-companion/shell-cache/internal/fetch"
)

// NewMemoryStore 返回进程内存储，适合测试与无持久化需求的部署。
func NewMemoryStore() Store {
	return &memoryStore{partitions: make(map[string]map[string]*Entry)}
}

type memoryStore struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*Entry
}

type memoryPartition struct {
	store *memoryStore
	name  string
}

func (s *memoryStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ValidatePartitionName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.partitions[name]; !ok {
		s.partitions[name] = make(map[string]*Entry)
	}
	s.mu.Unlock()
	return &memoryPartition{store: s, name: name}, nil
}

func (s *memoryStore) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[name]
	return ok, nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[name]; !ok {
		return false, nil
	}
	delete(s.partitions, name)
	return true, nil
}

func (s *memoryStore) Close() error {
	return nil
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	entries, ok := p.store.partitions[p.name]
	if !ok {
		return nil, ErrNotFound
	}
	entry, ok := entries[req.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Response(), nil
}

func (p *memoryPartition) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	entry, err := NewEntry(req, resp)
	if err != nil {
		return err
	}
	return p.PutAll(ctx, []*Entry{entry})
}

func (p *memoryPartition) PutAll(ctx context.Context, entries []*Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	target, ok := p.store.partitions[p.name]
	if !ok {
		return fmt.Errorf("partition %s: %w", p.name, ErrNotFound)
	}
	for _, entry := range entries {
		target[entry.Key] = entry
	}
	return nil
}

func (p *memoryPartition) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	entries, ok := p.store.partitions[p.name]
	if !ok {
		return false, nil
	}
	key := req.Key()
	if _, ok := entries[key]; !ok {
		return false, nil
	}
	delete(entries, key)
	return true, nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]string, error) {
	p.store.mu.RLock()
	entries := p.store.partitions[p.name]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	p.store.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
