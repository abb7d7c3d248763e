package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/annel0/geoworld/internal/vec"
	"github.com/annel0/geoworld/internal/world"
)

func testEntranceStore(t *testing.T, store EntranceStore) {
	ctx := context.Background()
	crypt := world.DungeonEntrance{
		ID:                "crypt",
		Name:              "Old Crypt",
		GeoPosition:       vec.LatLng{Lat: 51.51, Lng: -0.1},
		EntryPosition:     vec.Vec2Float{X: 10, Y: 20},
		InteractionRadius: 30,
		ExitRadius:        2,
		MinLevel:          3,
		Cooldown:          90 * time.Second,
		MaxPlayers:        4,
	}
	mine := world.DungeonEntrance{
		ID:                "mine",
		Name:              "Abandoned Mine",
		GeoPosition:       vec.LatLng{Lat: 51.5, Lng: -0.08},
		InteractionRadius: 50,
	}

	t.Run("Сохранение входов", func(t *testing.T) {
		for _, e := range []world.DungeonEntrance{mine, crypt} {
			if err := store.SaveEntrance(ctx, e); err != nil {
				t.Fatalf("Ошибка сохранения входа %s: %v", e.ID, err)
			}
		}
		list, err := store.LoadEntrances(ctx)
		if err != nil {
			t.Fatalf("Ошибка загрузки входов: %v", err)
		}
		if len(list) != 2 || list[0].ID != "crypt" || list[1].ID != "mine" {
			t.Fatalf("Ожидались входы crypt и mine по порядку, получено %+v", list)
		}
		if list[0] != crypt {
			t.Fatalf("Вход изменился при сохранении: %+v", list[0])
		}
	})

	t.Run("Невалидный вход", func(t *testing.T) {
		bad := crypt
		bad.ID = "bad"
		bad.InteractionRadius = 0
		if err := store.SaveEntrance(ctx, bad); !errors.Is(err, world.ErrInvalidEntrance) {
			t.Fatalf("Ожидалась ErrInvalidEntrance, получено %v", err)
		}
	})

	t.Run("Удаление входа", func(t *testing.T) {
		if err := store.DeleteEntrance(ctx, "mine"); err != nil {
			t.Fatalf("Ошибка удаления: %v", err)
		}
		if err := store.DeleteEntrance(ctx, "mine"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Повторное удаление должно вернуть ErrNotFound, получено %v", err)
		}
		list, _ := store.LoadEntrances(ctx)
		if len(list) != 1 {
			t.Fatalf("Должен остаться один вход, получено %d", len(list))
		}
	})
}

func TestMemoryEntranceStore(t *testing.T) {
	testEntranceStore(t, NewMemoryEntranceStore())
}
