package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/annel0/geoworld/internal/vec"
	"github.com/annel0/geoworld/internal/world"
)

// Тесты внешних хранилищ запускаются, только если задан адрес сервера:
//
//	GEOWORLD_TEST_REDIS_ADDR=localhost:6379
//	GEOWORLD_TEST_MARIA_DSN=user:pass@tcp(localhost:3306)/geoworld
//	GEOWORLD_TEST_MONGO_URI=mongodb://localhost:27017
func backendAddr(t *testing.T, env string) string {
	t.Helper()
	v := os.Getenv(env)
	if v == "" {
		t.Skipf("%s не задан", env)
	}
	return v
}

func uniqueSuffix() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

func TestRedisLocationRepo(t *testing.T) {
	addr := backendAddr(t, "GEOWORLD_TEST_REDIS_ADDR")
	ctx := context.Background()

	repo, err := NewRedisLocationRepo(ctx, RedisConfig{
		Addr:         addr,
		KeyPrefix:    "geoworld:test:" + uniqueSuffix() + ":",
		TTL:          time.Minute,
		BatchSize:    100,
		BatchFlushMs: 10,
	})
	if err != nil {
		t.Fatalf("Не удалось подключиться к Redis: %v", err)
	}
	defer repo.Close()

	testLocationRepo(t, repo)

	t.Run("GEO-индекс следует за миром игрока", func(t *testing.T) {
		now := time.Now()
		if err := repo.Save(ctx, FromWorld("geo-near", world.Overworld{Lat: 51.505, Lng: -0.09}, now)); err != nil {
			t.Fatalf("Ошибка сохранения: %v", err)
		}
		if err := repo.BatchSave(ctx, []SavedLocation{
			FromWorld("geo-far", world.Overworld{Lat: 40, Lng: 10}, now),
			FromWorld("geo-dungeon", world.Dungeon{DungeonID: "cave", X: 1, Y: 1}, now),
		}); err != nil {
			t.Fatalf("Ошибка пакетного сохранения: %v", err)
		}

		// Save попадает в буфер; фоновый сброс пишет его в Redis
		waitNearby(t, repo, []string{"geo-near"})

		if err := repo.BatchSave(ctx, []SavedLocation{
			FromWorld("geo-near", world.Dungeon{DungeonID: "cave", X: 2, Y: 2}, now),
		}); err != nil {
			t.Fatalf("Ошибка пакетного сохранения: %v", err)
		}
		waitNearby(t, repo, nil)
	})

	t.Run("Удаление убирает игрока из GEO-индекса", func(t *testing.T) {
		if err := repo.BatchSave(ctx, []SavedLocation{
			FromWorld("geo-gone", world.Overworld{Lat: 51.505, Lng: -0.09}, time.Now()),
		}); err != nil {
			t.Fatalf("Ошибка пакетного сохранения: %v", err)
		}
		waitNearby(t, repo, []string{"geo-gone"})
		if err := repo.Delete(ctx, "geo-gone"); err != nil {
			t.Fatalf("Ошибка удаления: %v", err)
		}
		waitNearby(t, repo, nil)
		if err := repo.Delete(ctx, "geo-gone"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Ожидалась ErrNotFound, получено %v", err)
		}
	})
}

func waitNearby(t *testing.T, repo *RedisLocationRepo, want []string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ids, err := repo.NearbyOverworld(context.Background(), 51.505, -0.09, 100)
		if err != nil {
			t.Fatalf("Ошибка гео-поиска: %v", err)
		}
		if fmt.Sprint(ids) == fmt.Sprint(want) || (len(ids) == 0 && len(want) == 0) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Гео-поиск вернул %v, ожидалось %v", ids, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMariaLocationRepo(t *testing.T) {
	dsn := backendAddr(t, "GEOWORLD_TEST_MARIA_DSN")

	repo, err := NewMariaLocationRepo(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Не удалось подключиться к MariaDB: %v", err)
	}
	defer repo.Close()

	testLocationRepo(t, repo)
}

func TestMongoEntranceStore(t *testing.T) {
	uri := backendAddr(t, "GEOWORLD_TEST_MONGO_URI")

	store, err := NewMongoEntranceStore(context.Background(), MongoConfig{
		URI:        uri,
		Database:   "geoworld_test",
		Collection: "entrances_" + uniqueSuffix(),
	})
	if err != nil {
		t.Fatalf("Не удалось подключиться к MongoDB: %v", err)
	}
	defer store.Close()

	testEntranceStore(t, store)
}

func TestEntranceDocGeoJSON(t *testing.T) {
	e := world.DungeonEntrance{
		ID:                "crypt",
		Name:              "Old Crypt",
		GeoPosition:       vec.LatLng{Lat: 51.51, Lng: -0.1},
		EntryPosition:     vec.Vec2Float{X: 10, Y: 20},
		InteractionRadius: 30,
		Cooldown:          1500 * time.Millisecond,
	}

	doc := toEntranceDoc(e)
	if doc.Geo.Type != "Point" || doc.Geo.Coordinates[0] != -0.1 || doc.Geo.Coordinates[1] != 51.51 {
		t.Fatalf("GeoJSON хранит координаты как [lng, lat], получено %+v", doc.Geo)
	}
	if doc.CooldownMs != 1500 {
		t.Fatalf("Ожидалось cooldown_ms=1500, получено %d", doc.CooldownMs)
	}

	back, err := doc.toEntrance()
	if err != nil {
		t.Fatalf("Ошибка преобразования: %v", err)
	}
	if back != e {
		t.Fatalf("Вход изменился: %+v", back)
	}

	doc.Geo.Coordinates = []float64{1}
	if _, err := doc.toEntrance(); err == nil {
		t.Fatalf("Повреждённая точка должна давать ошибку")
	}
}
