package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/annel0/geoworld/internal/logging"
	"github.com/annel0/geoworld/internal/protocol"
)

// RedisLocationRepo хранит положения игроков в Redis.
// Запись идёт через батч-буфер (write-behind); игроки на поверхности
// дополнительно попадают в GEO-индекс для запросов по радиусу.
type RedisLocationRepo struct {
	client      *redis.Client
	keyPrefix   string
	ttl         time.Duration
	batchSize   int
	batchMu     sync.Mutex
	batchBuffer map[string]SavedLocation
	batchTicker *time.Ticker
	shutdown    chan struct{}
	wg          sync.WaitGroup
	log         *logging.Logger
}

const maxRedisGeoLat = 85.05112878

// RedisConfig содержит настройки подключения к Redis
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"REDIS_ADDR"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `yaml:"db" env:"REDIS_DB"`
	KeyPrefix    string        `yaml:"key_prefix"`
	TTL          time.Duration `yaml:"ttl"`
	BatchSize    int           `yaml:"batch_size"`
	BatchFlushMs int           `yaml:"batch_flush_ms"`
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "geoworld:loc:",
		TTL:          24 * time.Hour,
		BatchSize:    100,
		BatchFlushMs: 100,
	}
}

// NewRedisLocationRepo создаёт Redis репозиторий и проверяет подключение
func NewRedisLocationRepo(ctx context.Context, config RedisConfig) (*RedisLocationRepo, error) {
	def := DefaultRedisConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = def.KeyPrefix
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.BatchFlushMs <= 0 {
		config.BatchFlushMs = def.BatchFlushMs
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	repo := &RedisLocationRepo{
		client:      client,
		keyPrefix:   config.KeyPrefix,
		ttl:         config.TTL,
		batchSize:   config.BatchSize,
		batchBuffer: make(map[string]SavedLocation),
		batchTicker: time.NewTicker(time.Duration(config.BatchFlushMs) * time.Millisecond),
		shutdown:    make(chan struct{}),
		log:         logging.GetStorageLogger(),
	}

	// Запускаем фоновую горутину для сброса батчей
	repo.wg.Add(1)
	go repo.batchFlusher()

	repo.log.Info("🔴 Connected to Redis at %s", config.Addr)
	return repo, nil
}

func (r *RedisLocationRepo) key(playerID string) string { return r.keyPrefix + playerID }
func (r *RedisLocationRepo) geoKey() string             { return r.keyPrefix + "geo" }

// Save помещает положение в батч-буфер; при заполнении буфер сбрасывается сразу
func (r *RedisLocationRepo) Save(ctx context.Context, loc SavedLocation) error {
	if err := loc.Validate(); err != nil {
		return err
	}

	r.batchMu.Lock()
	r.batchBuffer[loc.PlayerID] = loc

	if len(r.batchBuffer) >= r.batchSize {
		batch := r.batchBuffer
		r.batchBuffer = make(map[string]SavedLocation)
		r.batchMu.Unlock()
		return r.flushBatch(ctx, batch)
	}

	r.batchMu.Unlock()
	return nil
}

// Load читает положение; несброшенный буфер имеет приоритет
func (r *RedisLocationRepo) Load(ctx context.Context, playerID string) (SavedLocation, bool, error) {
	r.batchMu.Lock()
	if loc, ok := r.batchBuffer[playerID]; ok {
		r.batchMu.Unlock()
		return loc, true, nil
	}
	r.batchMu.Unlock()

	data, err := r.client.Get(ctx, r.key(playerID)).Result()
	if err == redis.Nil {
		return SavedLocation{}, false, nil
	} else if err != nil {
		return SavedLocation{}, false, fmt.Errorf("failed to get location: %w", err)
	}

	var loc SavedLocation
	if err := json.Unmarshal([]byte(data), &loc); err != nil {
		return SavedLocation{}, false, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	return loc, true, nil
}

// Delete удаляет положение игрока и его запись в GEO-индексе
func (r *RedisLocationRepo) Delete(ctx context.Context, playerID string) error {
	r.batchMu.Lock()
	_, buffered := r.batchBuffer[playerID]
	delete(r.batchBuffer, playerID)
	r.batchMu.Unlock()

	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.key(playerID))
	pipe.ZRem(ctx, r.geoKey(), playerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete location: %w", err)
	}
	if del.Val() == 0 && !buffered {
		return fmt.Errorf("%w: положение игрока %s", ErrNotFound, playerID)
	}
	return nil
}

// BatchSave записывает положения сразу, минуя буфер
func (r *RedisLocationRepo) BatchSave(ctx context.Context, locs []SavedLocation) error {
	if len(locs) == 0 {
		return nil
	}
	if err := validateBatch(locs); err != nil {
		return err
	}
	batch := make(map[string]SavedLocation, len(locs))
	for _, loc := range locs {
		batch[loc.PlayerID] = loc
	}
	return r.flushBatch(ctx, batch)
}

// NearbyOverworld возвращает id игроков, сохранённых на поверхности в радиусе radiusMeters
func (r *RedisLocationRepo) NearbyOverworld(ctx context.Context, lat, lng, radiusMeters float64) ([]string, error) {
	names, err := r.client.GeoSearch(ctx, r.geoKey(), &redis.GeoSearchQuery{
		Longitude:  lng,
		Latitude:   lat,
		Radius:     radiusMeters,
		RadiusUnit: "m",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to search nearby players: %w", err)
	}
	return names, nil
}

// Close сбрасывает буфер и закрывает соединение
func (r *RedisLocationRepo) Close() error {
	close(r.shutdown)
	r.wg.Wait()
	r.batchTicker.Stop()

	r.batchMu.Lock()
	batch := r.batchBuffer
	r.batchBuffer = make(map[string]SavedLocation)
	r.batchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.flushBatch(ctx, batch); err != nil {
		r.log.Error("❌ Failed to flush batch on close: %v", err)
	}

	return r.client.Close()
}

// batchFlusher периодически сбрасывает батч-буфер
func (r *RedisLocationRepo) batchFlusher() {
	defer r.wg.Done()

	for {
		select {
		case <-r.shutdown:
			return
		case <-r.batchTicker.C:
			r.batchMu.Lock()
			if len(r.batchBuffer) == 0 {
				r.batchMu.Unlock()
				continue
			}
			batch := r.batchBuffer
			r.batchBuffer = make(map[string]SavedLocation)
			r.batchMu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.flushBatch(ctx, batch); err != nil {
				r.log.Error("❌ Failed to flush batch: %v", err)
			}
			cancel()
		}
	}
}

// flushBatch записывает батч положений одним пайплайном
func (r *RedisLocationRepo) flushBatch(ctx context.Context, batch map[string]SavedLocation) error {
	if len(batch) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for playerID, loc := range batch {
		data, err := json.Marshal(loc)
		if err != nil {
			r.log.Warn("⚠️ Failed to marshal location for %s: %v", playerID, err)
			continue
		}
		pipe.Set(ctx, r.key(playerID), data, r.ttl)

		// GEO-индекс Redis не принимает широты за пределами ±85.05°
		if loc.WorldType == protocol.WorldOverworld && math.Abs(loc.Lat) <= maxRedisGeoLat {
			pipe.GeoAdd(ctx, r.geoKey(), &redis.GeoLocation{
				Name:      playerID,
				Longitude: loc.Lng,
				Latitude:  loc.Lat,
			})
		} else {
			pipe.ZRem(ctx, r.geoKey(), playerID)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}
