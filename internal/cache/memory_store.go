package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// NewMemoryStore 返回进程内缓存实现，进程退出即丢失，主要用于测试。
func NewMemoryStore() Store {
	return &memoryStore{
		generations: make(map[string]map[string]Snapshot),
		now:         time.Now,
	}
}

type memoryStore struct {
	mu          sync.RWMutex
	order       []string
	generations map[string]map[string]Snapshot
	now         func() time.Time
}

type memoryGeneration struct {
	store *memoryStore
	name  string
}

func (s *memoryStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("generation name required")
	}
	s.mu.Lock()
	s.ensureLocked(name)
	s.mu.Unlock()
	return &memoryGeneration{store: s, name: name}, nil
}

func (s *memoryStore) Match(ctx context.Context, key string) (*Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.order {
		if snapshot, ok := s.generations[name][key]; ok {
			out := snapshot.Clone()
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[name]; !ok {
		return false, nil
	}
	delete(s.generations, name)
	for i, existing := range s.order {
		if existing == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryStore) Close() error {
	return nil
}

func (s *memoryStore) ensureLocked(name string) map[string]Snapshot {
	entries, ok := s.generations[name]
	if !ok {
		entries = make(map[string]Snapshot)
		s.generations[name] = entries
		s.order = append(s.order, name)
	}
	return entries
}

func (g *memoryGeneration) Name() string {
	return g.name
}

func (g *memoryGeneration) Match(ctx context.Context, key string) (*Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	snapshot, ok := g.store.generations[g.name][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := snapshot.Clone()
	return &out, nil
}

func (g *memoryGeneration) Put(ctx context.Context, snapshot Snapshot) error {
	return g.PutAll(ctx, []Snapshot{snapshot})
}

func (g *memoryGeneration) PutAll(ctx context.Context, snapshots []Snapshot) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	for _, snapshot := range snapshots {
		if snapshot.Key == "" {
			return errors.New("snapshot key required")
		}
	}
	g.store.mu.Lock()
	defer g.store.mu.Unlock()
	entries := g.store.ensureLocked(g.name)
	for _, snapshot := range snapshots {
		stored := snapshot.Clone()
		if stored.StoredAt.IsZero() {
			stored.StoredAt = g.store.now().UTC()
		}
		entries[stored.Key] = stored
	}
	return nil
}
