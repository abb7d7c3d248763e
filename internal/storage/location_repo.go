package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/annel0/geoworld/internal/protocol"
	"github.com/annel0/geoworld/internal/world"
)

// ErrNotFound возвращается Delete, если записи нет
var ErrNotFound = errors.New("storage: not found")

// SavedLocation: сохранённое положение игрока между сессиями.
// Для поверхности заполнены Lat/Lng, для подземелья DungeonID и X/Y.
type SavedLocation struct {
	PlayerID  string    `json:"player_id"`
	WorldType string    `json:"world_type"`
	Lat       float64   `json:"lat,omitempty"`
	Lng       float64   `json:"lng,omitempty"`
	DungeonID string    `json:"dungeon_id,omitempty"`
	X         float64   `json:"x,omitempty"`
	Y         float64   `json:"y,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FromWorld преобразует положение из менеджера мира в запись хранилища
func FromWorld(playerID string, loc world.Location, now time.Time) SavedLocation {
	rec := SavedLocation{PlayerID: playerID, UpdatedAt: now}
	switch l := loc.(type) {
	case world.Overworld:
		rec.WorldType = protocol.WorldOverworld
		rec.Lat, rec.Lng = l.Lat, l.Lng
	case world.Dungeon:
		rec.WorldType = protocol.WorldDungeon
		rec.DungeonID, rec.X, rec.Y = l.DungeonID, l.X, l.Y
	}
	return rec
}

// ToWorld восстанавливает положение для менеджера мира
func (s SavedLocation) ToWorld() (world.Location, error) {
	switch s.WorldType {
	case protocol.WorldOverworld:
		return world.Overworld{Lat: s.Lat, Lng: s.Lng}, nil
	case protocol.WorldDungeon:
		return world.Dungeon{DungeonID: s.DungeonID, X: s.X, Y: s.Y}, nil
	default:
		return nil, fmt.Errorf("неизвестный тип мира %q у игрока %s", s.WorldType, s.PlayerID)
	}
}

// Validate проверяет запись перед сохранением
func (s SavedLocation) Validate() error {
	if s.PlayerID == "" {
		return fmt.Errorf("пустой player_id")
	}
	switch s.WorldType {
	case protocol.WorldOverworld:
		if math.IsNaN(s.Lat) || math.IsNaN(s.Lng) || math.Abs(s.Lat) > 90 || math.Abs(s.Lng) > 180 {
			return fmt.Errorf("недействительные координаты %f,%f у игрока %s", s.Lat, s.Lng, s.PlayerID)
		}
	case protocol.WorldDungeon:
		if s.DungeonID == "" {
			return fmt.Errorf("пустой dungeon_id у игрока %s", s.PlayerID)
		}
		if math.IsNaN(s.X) || math.IsNaN(s.Y) || math.IsInf(s.X, 0) || math.IsInf(s.Y, 0) {
			return fmt.Errorf("недействительные координаты %f,%f у игрока %s", s.X, s.Y, s.PlayerID)
		}
	default:
		return fmt.Errorf("неизвестный тип мира %q у игрока %s", s.WorldType, s.PlayerID)
	}
	return nil
}

// LocationRepo сохраняет и загружает положения игроков.
// Положение привязано к постоянному идентификатору игрока, а не к соединению.
type LocationRepo interface {
	// Save сохраняет положение игрока
	Save(ctx context.Context, loc SavedLocation) error

	// Load загружает положение; found == false означает первый вход
	Load(ctx context.Context, playerID string) (loc SavedLocation, found bool, err error)

	// Delete удаляет сохранённое положение (ErrNotFound, если записи нет)
	Delete(ctx context.Context, playerID string) error

	// BatchSave сохраняет положения нескольких игроков (автосохранение)
	BatchSave(ctx context.Context, locs []SavedLocation) error

	Close() error
}

// GeoLocator ищет сохранённые положения на поверхности по радиусу.
// В отличие от запроса к менеджеру мира, учитывает и отключившихся игроков.
type GeoLocator interface {
	NearbyOverworld(ctx context.Context, lat, lng, radiusMeters float64) ([]string, error)
}

// validateBatch проверяет все записи до записи в хранилище
func validateBatch(locs []SavedLocation) error {
	for _, loc := range locs {
		if err := loc.Validate(); err != nil {
			return fmt.Errorf("batch: %w", err)
		}
	}
	return nil
}
