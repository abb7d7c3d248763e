package world

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/annel0/geoworld/internal/spatial"
	"github.com/annel0/geoworld/internal/vec"
)

// DungeonEntrance связывает точку на карте с точкой появления внутри подземелья
type DungeonEntrance struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	GeoPosition       vec.LatLng    `json:"geoPosition"`
	EntryPosition     vec.Vec2Float `json:"entryPosition"`
	InteractionRadius float64       `json:"interactionRadius"` // метры
	ExitRadius        float64       `json:"exitRadius,omitempty"`
	MinLevel          int           `json:"minLevel,omitempty"`
	Cooldown          time.Duration `json:"cooldown,omitempty"`
	MaxPlayers        int           `json:"maxPlayers,omitempty"`
}

// Validate проверяет параметры входа
func (e DungeonEntrance) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidEntrance)
	case !e.GeoPosition.IsValid():
		return fmt.Errorf("%w: %s: geo position %v", ErrInvalidEntrance, e.ID, e.GeoPosition)
	case !e.EntryPosition.IsFinite() ||
		math.Abs(e.EntryPosition.X) > spatial.MaxPlanarCoord ||
		math.Abs(e.EntryPosition.Y) > spatial.MaxPlanarCoord:
		return fmt.Errorf("%w: %s: entry position %v", ErrInvalidEntrance, e.ID, e.EntryPosition)
	case !(e.InteractionRadius > 0) || math.IsInf(e.InteractionRadius, 0):
		return fmt.Errorf("%w: %s: interaction radius must be positive", ErrInvalidEntrance, e.ID)
	case e.ExitRadius < 0 || e.MinLevel < 0 || e.Cooldown < 0 || e.MaxPlayers < 0:
		return fmt.Errorf("%w: %s: negative limits", ErrInvalidEntrance, e.ID)
	}
	return nil
}

// EntranceRegistry хранит входы в подземелья.
// Точки входов проиндексированы на географической сетке, поэтому проверка близости
// не перебирает все входы.
type EntranceRegistry struct {
	mu        sync.RWMutex
	entrances map[string]DungeonEntrance
	index     *spatial.GeoIndex
	maxRadius float64
}

// NewEntranceRegistry создаёт реестр и регистрирует переданные входы
func NewEntranceRegistry(entrances ...DungeonEntrance) (*EntranceRegistry, error) {
	r := &EntranceRegistry{
		entrances: make(map[string]DungeonEntrance),
		index:     spatial.NewGeoIndex(spatial.DefaultGeoCellSize),
	}
	for _, e := range entrances {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register добавляет вход. Повторный id отклоняется.
func (r *EntranceRegistry) Register(e DungeonEntrance) error {
	if err := e.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entrances[e.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEntrance, e.ID)
	}
	if err := r.index.AddEntity(e.ID, e.GeoPosition); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntrance, err)
	}
	r.entrances[e.ID] = e
	if e.InteractionRadius > r.maxRadius {
		r.maxRadius = e.InteractionRadius
	}
	return nil
}

// Unregister удаляет вход; возвращает false, если его не было
func (r *EntranceRegistry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entrances[id]; !exists {
		return false
	}
	delete(r.entrances, id)
	r.index.RemoveEntity(id)

	r.maxRadius = 0
	for _, e := range r.entrances {
		if e.InteractionRadius > r.maxRadius {
			r.maxRadius = e.InteractionRadius
		}
	}
	return true
}

// Get возвращает вход по id
func (r *EntranceRegistry) Get(id string) (DungeonEntrance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entrances[id]
	return e, ok
}

// All возвращает все входы, отсортированные по id
func (r *EntranceRegistry) All() []DungeonEntrance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]DungeonEntrance, 0, len(r.entrances))
	for _, e := range r.entrances {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Len возвращает количество входов
func (r *EntranceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entrances)
}

// Near возвращает входы, в радиусе взаимодействия которых находится точка.
// Результат отсортирован по id.
func (r *EntranceRegistry) Near(pos vec.LatLng) []DungeonEntrance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.maxRadius == 0 {
		return nil
	}

	var result []DungeonEntrance
	for _, id := range r.index.GetNearbyEntities(pos, r.maxRadius) {
		e := r.entrances[id]
		if pos.DistanceTo(e.GeoPosition) <= e.InteractionRadius {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
