package storage

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/annel0/geoworld/internal/world"
)

func TestSavedLocationConversion(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("Поверхность", func(t *testing.T) {
		rec := FromWorld("p1", world.Overworld{Lat: 51.5, Lng: -0.09}, now)
		if err := rec.Validate(); err != nil {
			t.Fatalf("Запись должна быть валидной: %v", err)
		}
		loc, err := rec.ToWorld()
		if err != nil {
			t.Fatalf("Ошибка восстановления: %v", err)
		}
		if loc != (world.Overworld{Lat: 51.5, Lng: -0.09}) {
			t.Fatalf("Неверное положение: %v", loc)
		}
	})

	t.Run("Подземелье", func(t *testing.T) {
		rec := FromWorld("p1", world.Dungeon{DungeonID: "crypt", X: 3, Y: -4}, now)
		loc, err := rec.ToWorld()
		if err != nil {
			t.Fatalf("Ошибка восстановления: %v", err)
		}
		if loc != (world.Dungeon{DungeonID: "crypt", X: 3, Y: -4}) {
			t.Fatalf("Неверное положение: %v", loc)
		}
	})

	t.Run("Невалидные записи", func(t *testing.T) {
		bad := []SavedLocation{
			{WorldType: "overworld"},
			{PlayerID: "p", WorldType: "overworld", Lat: 91},
			{PlayerID: "p", WorldType: "overworld", Lat: math.NaN()},
			{PlayerID: "p", WorldType: "dungeon"},
			{PlayerID: "p", WorldType: "dungeon", DungeonID: "d", X: math.Inf(1)},
			{PlayerID: "p", WorldType: "space"},
		}
		for i, rec := range bad {
			if err := rec.Validate(); err == nil {
				t.Fatalf("Запись %d должна быть отклонена", i)
			}
		}
		if _, err := (SavedLocation{PlayerID: "p", WorldType: "space"}).ToWorld(); err == nil {
			t.Fatalf("Неизвестный тип мира должен давать ошибку")
		}
	})
}

// testLocationRepo прогоняет общие проверки для любой реализации LocationRepo
func testLocationRepo(t *testing.T, repo LocationRepo) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("Загрузка отсутствующего", func(t *testing.T) {
		_, found, err := repo.Load(ctx, "nobody")
		if err != nil {
			t.Fatalf("Ошибка загрузки: %v", err)
		}
		if found {
			t.Fatalf("Положение не должно быть найдено")
		}
	})

	t.Run("Сохранение и загрузка", func(t *testing.T) {
		rec := FromWorld("alice", world.Overworld{Lat: 51.5, Lng: -0.09}, now)
		if err := repo.Save(ctx, rec); err != nil {
			t.Fatalf("Ошибка сохранения: %v", err)
		}
		got, found, err := repo.Load(ctx, "alice")
		if err != nil || !found {
			t.Fatalf("Положение не найдено: %v", err)
		}
		if got.WorldType != rec.WorldType || got.Lat != rec.Lat || got.Lng != rec.Lng {
			t.Fatalf("Загружено %+v, ожидалось %+v", got, rec)
		}
	})

	t.Run("Перезапись положения", func(t *testing.T) {
		rec := FromWorld("alice", world.Dungeon{DungeonID: "crypt", X: 1, Y: 2}, now)
		if err := repo.Save(ctx, rec); err != nil {
			t.Fatalf("Ошибка сохранения: %v", err)
		}
		got, _, err := repo.Load(ctx, "alice")
		if err != nil {
			t.Fatalf("Ошибка загрузки: %v", err)
		}
		if got.WorldType != "dungeon" || got.DungeonID != "crypt" || got.X != 1 || got.Y != 2 {
			t.Fatalf("Положение не перезаписано: %+v", got)
		}
	})

	t.Run("Пакетное сохранение", func(t *testing.T) {
		batch := []SavedLocation{
			FromWorld("bob", world.Overworld{Lat: 10, Lng: 20}, now),
			FromWorld("carol", world.Dungeon{DungeonID: "mine", X: 5, Y: 5}, now),
		}
		if err := repo.BatchSave(ctx, batch); err != nil {
			t.Fatalf("Ошибка пакетного сохранения: %v", err)
		}
		for _, rec := range batch {
			if _, found, _ := repo.Load(ctx, rec.PlayerID); !found {
				t.Fatalf("Положение %s не найдено после пакетного сохранения", rec.PlayerID)
			}
		}
	})

	t.Run("Невалидный пакет не пишется", func(t *testing.T) {
		batch := []SavedLocation{
			FromWorld("dave", world.Overworld{Lat: 1, Lng: 1}, now),
			{PlayerID: "eve", WorldType: "space"},
		}
		if err := repo.BatchSave(ctx, batch); err == nil {
			t.Fatalf("Пакет с невалидной записью должен быть отклонён")
		}
		if _, found, _ := repo.Load(ctx, "dave"); found {
			t.Fatalf("Ни одна запись невалидного пакета не должна сохраниться")
		}
	})

	t.Run("Удаление", func(t *testing.T) {
		if err := repo.Delete(ctx, "alice"); err != nil {
			t.Fatalf("Ошибка удаления: %v", err)
		}
		if _, found, _ := repo.Load(ctx, "alice"); found {
			t.Fatalf("Положение должно быть удалено")
		}
		if err := repo.Delete(ctx, "alice"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Повторное удаление должно вернуть ErrNotFound, получено %v", err)
		}
	})
}

func TestMemoryLocationRepo(t *testing.T) {
	repo := NewMemoryLocationRepo()
	testLocationRepo(t, repo)

	if repo.Count() != 2 {
		t.Fatalf("Ожидалось 2 положения, получено %d", repo.Count())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := repo.Save(ctx, FromWorld("x", world.Overworld{}, time.Now())); err == nil {
		t.Fatalf("Отменённый контекст должен давать ошибку")
	}
}

var (
	_ GeoLocator = (*MemoryLocationRepo)(nil)
	_ GeoLocator = (*RedisLocationRepo)(nil)
)

func TestMemoryLocationRepoNearbyOverworld(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryLocationRepo()
	now := time.Now()
	recs := []SavedLocation{
		FromWorld("near", world.Overworld{Lat: 51.505, Lng: -0.09}, now),
		FromWorld("also-near", world.Overworld{Lat: 51.5055, Lng: -0.09}, now),
		FromWorld("far", world.Overworld{Lat: 52.5, Lng: -0.09}, now),
		FromWorld("inside", world.Dungeon{DungeonID: "cave", X: 51.505, Y: -0.09}, now),
	}
	if err := repo.BatchSave(ctx, recs); err != nil {
		t.Fatalf("BatchSave: %v", err)
	}

	ids, err := repo.NearbyOverworld(ctx, 51.505, -0.09, 100)
	if err != nil {
		t.Fatalf("NearbyOverworld: %v", err)
	}
	if len(ids) != 2 || ids[0] != "also-near" || ids[1] != "near" {
		t.Fatalf("Ожидались [also-near near], получено %v", ids)
	}

	ids, err = repo.NearbyOverworld(ctx, 0, 0, 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("Вдали от игроков ожидался пустой список, получено %v (%v)", ids, err)
	}
}

func TestBadgerStore(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("Не удалось открыть BadgerDB: %v", err)
	}
	defer store.Close()

	testLocationRepo(t, store)
	testEntranceStore(t, store)
}

func TestBadgerStoreClosed(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("Не удалось открыть BadgerDB: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Ошибка закрытия: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Повторное закрытие не должно давать ошибку: %v", err)
	}
	if _, _, err := store.Load(context.Background(), "alice"); err == nil {
		t.Fatalf("Закрытое хранилище должно давать ошибку")
	}
}
