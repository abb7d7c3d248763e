package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/annel0/geoworld/internal/world"
)

// MemoryEntranceStore хранит входы в памяти
type MemoryEntranceStore struct {
	mu   sync.RWMutex
	data map[string]world.DungeonEntrance
}

// NewMemoryEntranceStore создаёт пустое хранилище входов
func NewMemoryEntranceStore() *MemoryEntranceStore {
	return &MemoryEntranceStore{data: make(map[string]world.DungeonEntrance)}
}

func (s *MemoryEntranceStore) SaveEntrance(ctx context.Context, e world.DungeonEntrance) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.data[e.ID] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryEntranceStore) DeleteEntrance(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return fmt.Errorf("%w: вход %s", ErrNotFound, id)
	}
	delete(s.data, id)
	return nil
}

func (s *MemoryEntranceStore) LoadEntrances(ctx context.Context) ([]world.DungeonEntrance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	list := make([]world.DungeonEntrance, 0, len(s.data))
	for _, e := range s.data {
		list = append(list, e)
	}
	s.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}
