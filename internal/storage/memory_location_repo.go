package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/annel0/geoworld/internal/protocol"
	"github.com/annel0/geoworld/internal/vec"
)

// MemoryLocationRepo реализует LocationRepo в памяти.
// Используется по умолчанию и в тестах.
// ВНИМАНИЕ: Данные теряются при перезапуске сервера!
type MemoryLocationRepo struct {
	mu   sync.RWMutex
	data map[string]SavedLocation // playerID -> положение
}

// NewMemoryLocationRepo создает новый репозиторий положений в памяти.
func NewMemoryLocationRepo() *MemoryLocationRepo {
	return &MemoryLocationRepo{
		data: make(map[string]SavedLocation),
	}
}

// Save сохраняет положение игрока в памяти.
func (r *MemoryLocationRepo) Save(ctx context.Context, loc SavedLocation) error {
	if err := loc.Validate(); err != nil {
		return err
	}

	// Проверяем контекст на отмену
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[loc.PlayerID] = loc
	return nil
}

// Load загружает положение игрока из памяти.
func (r *MemoryLocationRepo) Load(ctx context.Context, playerID string) (SavedLocation, bool, error) {
	if playerID == "" {
		return SavedLocation{}, false, fmt.Errorf("пустой playerID")
	}

	select {
	case <-ctx.Done():
		return SavedLocation{}, false, ctx.Err()
	default:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	loc, exists := r.data[playerID]
	return loc, exists, nil
}

// Delete удаляет сохраненное положение игрока из памяти.
func (r *MemoryLocationRepo) Delete(ctx context.Context, playerID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data[playerID]; !exists {
		return fmt.Errorf("%w: положение игрока %s", ErrNotFound, playerID)
	}

	delete(r.data, playerID)
	return nil
}

// BatchSave сохраняет положения нескольких игроков в памяти.
func (r *MemoryLocationRepo) BatchSave(ctx context.Context, locs []SavedLocation) error {
	if len(locs) == 0 {
		return nil // Нечего сохранять
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Валидация всех записей перед сохранением
	if err := validateBatch(locs); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, loc := range locs {
		r.data[loc.PlayerID] = loc
	}
	return nil
}

// NearbyOverworld перебирает сохранённые положения на поверхности
func (r *MemoryLocationRepo) NearbyOverworld(ctx context.Context, lat, lng, radiusMeters float64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	center := vec.LatLng{Lat: lat, Lng: lng}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, loc := range r.data {
		if loc.WorldType != protocol.WorldOverworld {
			continue
		}
		if center.DistanceTo(vec.LatLng{Lat: loc.Lat, Lng: loc.Lng}) <= radiusMeters {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Count возвращает количество сохраненных положений (для отладки).
func (r *MemoryLocationRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Close ничего не делает: ресурсов нет
func (r *MemoryLocationRepo) Close() error { return nil }
