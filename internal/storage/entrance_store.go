package storage

import (
	"context"

	"github.com/annel0/geoworld/internal/world"
)

// EntranceStore сохраняет входы в подземелья, зарегистрированные во время работы.
// Входы из конфигурации сюда не пишутся.
type EntranceStore interface {
	SaveEntrance(ctx context.Context, e world.DungeonEntrance) error
	DeleteEntrance(ctx context.Context, id string) error
	LoadEntrances(ctx context.Context) ([]world.DungeonEntrance, error)
}
