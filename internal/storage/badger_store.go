package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/annel0/geoworld/internal/world"
)

const (
	badgerLocationPrefix = "loc:"
	badgerEntrancePrefix = "entrance:"
)

// BadgerStore: встроенное хранилище на BadgerDB.
// Реализует LocationRepo и EntranceStore.
type BadgerStore struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool
}

// NewBadgerStore открывает хранилище в каталоге dataPath/geoworld
func NewBadgerStore(dataPath string) (*BadgerStore, error) {
	dbPath := filepath.Join(dataPath, "geoworld")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	return &BadgerStore{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
	}, nil
}

// Close закрывает хранилище данных
func (bs *BadgerStore) Close() error {
	bs.mutex.Lock()
	defer bs.mutex.Unlock()

	if !bs.isReady {
		return nil
	}

	bs.isReady = false
	return bs.db.Close()
}

// Save сохраняет положение игрока
func (bs *BadgerStore) Save(ctx context.Context, loc SavedLocation) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	return bs.BatchSave(ctx, []SavedLocation{loc})
}

// Load загружает положение игрока
func (bs *BadgerStore) Load(ctx context.Context, playerID string) (SavedLocation, bool, error) {
	var loc SavedLocation
	found, err := bs.get(ctx, badgerLocationPrefix+playerID, &loc)
	if err != nil || !found {
		return SavedLocation{}, false, err
	}
	return loc, true, nil
}

// Delete удаляет положение игрока
func (bs *BadgerStore) Delete(ctx context.Context, playerID string) error {
	return bs.delete(ctx, badgerLocationPrefix+playerID)
}

// BatchSave сохраняет положения в одной транзакции
func (bs *BadgerStore) BatchSave(ctx context.Context, locs []SavedLocation) error {
	if len(locs) == 0 {
		return nil
	}
	if err := validateBatch(locs); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bs.mutex.RLock()
	defer bs.mutex.RUnlock()
	if !bs.isReady {
		return fmt.Errorf("хранилище не готово")
	}

	wb := bs.db.NewWriteBatch()
	defer wb.Cancel()

	for _, loc := range locs {
		data, err := json.Marshal(loc)
		if err != nil {
			return fmt.Errorf("ошибка сериализации положения %s: %w", loc.PlayerID, err)
		}
		if err := wb.Set([]byte(badgerLocationPrefix+loc.PlayerID), data); err != nil {
			return fmt.Errorf("ошибка записи в BadgerDB: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return nil
}

// SaveEntrance сохраняет вход в подземелье
func (bs *BadgerStore) SaveEntrance(ctx context.Context, e world.DungeonEntrance) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ошибка сериализации входа %s: %w", e.ID, err)
	}

	bs.mutex.RLock()
	defer bs.mutex.RUnlock()
	if !bs.isReady {
		return fmt.Errorf("хранилище не готово")
	}

	err = bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerEntrancePrefix+e.ID), data)
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return nil
}

// DeleteEntrance удаляет вход
func (bs *BadgerStore) DeleteEntrance(ctx context.Context, id string) error {
	return bs.delete(ctx, badgerEntrancePrefix+id)
}

// LoadEntrances возвращает все сохранённые входы, отсортированные по id
func (bs *BadgerStore) LoadEntrances(ctx context.Context) ([]world.DungeonEntrance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bs.mutex.RLock()
	defer bs.mutex.RUnlock()
	if !bs.isReady {
		return nil, fmt.Errorf("хранилище не готово")
	}

	var list []world.DungeonEntrance
	err := bs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerEntrancePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e world.DungeonEntrance
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("ошибка десериализации входа %s: %w", it.Item().Key(), err)
			}
			list = append(list, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// get читает и десериализует значение по ключу
func (bs *BadgerStore) get(ctx context.Context, key string, out interface{}) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	bs.mutex.RLock()
	defer bs.mutex.RUnlock()
	if !bs.isReady {
		return false, fmt.Errorf("хранилище не готово")
	}

	var data []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("ошибка десериализации %s: %w", key, err)
	}
	return true, nil
}

// delete удаляет ключ; ErrNotFound, если его нет
func (bs *BadgerStore) delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bs.mutex.RLock()
	defer bs.mutex.RUnlock()
	if !bs.isReady {
		return fmt.Errorf("хранилище не готово")
	}

	return bs.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		} else if err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})
}
