// Package config загружает конфигурацию сервера: YAML-файл, поверх него переменные окружения.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/annel0/geoworld/internal/eventbus"
	"github.com/annel0/geoworld/internal/logging"
	"github.com/annel0/geoworld/internal/storage"
	"github.com/annel0/geoworld/internal/vec"
	"github.com/annel0/geoworld/internal/world"
)

// Config корневая структура конфигурации приложения
type Config struct {
	World     WorldConfig              `yaml:"world"`
	Server    ServerConfig             `yaml:"server"`
	Storage   StorageConfig            `yaml:"storage"`
	EventBus  eventbus.JetStreamConfig `yaml:"eventbus"`
	Auth      AuthConfig               `yaml:"auth"`
	Telemetry TelemetryConfig          `yaml:"telemetry"`
	Logging   LoggingConfig            `yaml:"logging"`
}

// WorldConfig: параметры мира
type WorldConfig struct {
	TickRate        int              `yaml:"tick_rate" env:"WORLD_TICK_RATE"`
	CenterLat       float64          `yaml:"center_lat" env:"WORLD_CENTER_LAT"`
	CenterLng       float64          `yaml:"center_lng" env:"WORLD_CENTER_LNG"`
	BoundaryRadiusM float64          `yaml:"boundary_radius_m" env:"WORLD_BOUNDARY_RADIUS_M"`
	OverworldCellM  float64          `yaml:"overworld_cell_m" env:"WORLD_OVERWORLD_CELL_M"`
	DungeonCell     float64          `yaml:"dungeon_cell" env:"WORLD_DUNGEON_CELL"`
	InstanceIdleTTL time.Duration    `yaml:"instance_idle_ttl" env:"WORLD_INSTANCE_IDLE_TTL"`
	NearbyRadiusM   float64          `yaml:"nearby_radius_m" env:"WORLD_NEARBY_RADIUS_M"`
	Entrances       []EntranceConfig `yaml:"entrances"`
}

// EntranceConfig: вход в подземелье из файла конфигурации
type EntranceConfig struct {
	ID         string        `yaml:"id"`
	Name       string        `yaml:"name"`
	Lat        float64       `yaml:"lat"`
	Lng        float64       `yaml:"lng"`
	EntryX     float64       `yaml:"entry_x"`
	EntryY     float64       `yaml:"entry_y"`
	RadiusM    float64       `yaml:"radius_m"`
	ExitRadius float64       `yaml:"exit_radius"`
	MinLevel   int           `yaml:"min_level"`
	Cooldown   time.Duration `yaml:"cooldown"`
	MaxPlayers int           `yaml:"max_players"`
}

// ToEntrance преобразует запись конфигурации во вход мира
func (e EntranceConfig) ToEntrance() world.DungeonEntrance {
	name := e.Name
	if name == "" {
		name = e.ID
	}
	return world.DungeonEntrance{
		ID:                e.ID,
		Name:              name,
		GeoPosition:       vec.LatLng{Lat: e.Lat, Lng: e.Lng},
		EntryPosition:     vec.Vec2Float{X: e.EntryX, Y: e.EntryY},
		InteractionRadius: e.RadiusM,
		ExitRadius:        e.ExitRadius,
		MinLevel:          e.MinLevel,
		Cooldown:          e.Cooldown,
		MaxPlayers:        e.MaxPlayers,
	}
}

// ServerConfig: адреса транспортов. Пустой адрес отключает транспорт.
type ServerConfig struct {
	WSAddr      string `yaml:"ws_addr" env:"GAME_WS_ADDR"`
	KCPAddr     string `yaml:"kcp_addr" env:"GAME_KCP_ADDR"`
	KCPCompress bool   `yaml:"kcp_compress" env:"GAME_KCP_COMPRESS"`
	RESTAddr    string `yaml:"rest_addr" env:"GAME_REST_ADDR"`
	GRPCAddr    string `yaml:"grpc_addr" env:"GAME_GRPC_ADDR"`
	Codec       string `yaml:"codec" env:"GAME_CODEC"` // json | protobuf
}

// StorageConfig: хранилища положений игроков и входов
type StorageConfig struct {
	Driver           string              `yaml:"driver" env:"STORAGE_DRIVER"` // memory | redis | maria | badger
	AutosaveInterval time.Duration       `yaml:"autosave_interval" env:"STORAGE_AUTOSAVE_INTERVAL"`
	Redis            storage.RedisConfig `yaml:"redis"`
	MariaDSN         string              `yaml:"maria_dsn" env:"MARIA_DSN"`
	BadgerPath       string              `yaml:"badger_path" env:"BADGER_PATH"`
	Mongo            storage.MongoConfig `yaml:"mongo"` // пустой URI отключает хранение входов в MongoDB
}

// AuthConfig: доступ к административному API
type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	AdminUser         string        `yaml:"admin_user" env:"AUTH_ADMIN_USER"`
	AdminPasswordHash string        `yaml:"admin_password_hash" env:"AUTH_ADMIN_PASSWORD_HASH"` // bcrypt
	TokenTTL          time.Duration `yaml:"token_ttl"`
}

// TelemetryConfig: OpenTelemetry
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"OTEL_ENABLED"`
	ServiceName string  `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	Endpoint    string  `yaml:"endpoint" env:"OTEL_ENDPOINT"` // host:port, пусто = localhost:4318
	SampleRatio float64 `yaml:"sample_ratio"`                 // 0 = все трейсы
}

// LoggingConfig: уровень и каталог логов
type LoggingConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
	Dir   string `yaml:"dir" env:"LOG_DIR"` // пусто = только консоль
	// Components переопределяет уровень отдельных компонентов: network, world, storage, api...
	// В окружении: LOG_COMPONENTS=network:DEBUG,storage:WARN
	Components map[string]string `yaml:"components" env:"LOG_COMPONENTS"`
}

// ComponentLevels возвращает уровни компонентов; значения проверены в Validate
func (l LoggingConfig) ComponentLevels() map[string]logging.LogLevel {
	out := make(map[string]logging.LogLevel, len(l.Components))
	for component, name := range l.Components {
		out[component] = logging.ParseLevel(name)
	}
	return out
}

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	return Config{
		World: WorldConfig{
			TickRate:        20,
			CenterLat:       51.505,
			CenterLng:       -0.09,
			BoundaryRadiusM: 5000,
			OverworldCellM:  500,
			DungeonCell:     32,
			InstanceIdleTTL: 5 * time.Minute,
			NearbyRadiusM:   200,
		},
		Server: ServerConfig{
			WSAddr:   ":8080",
			KCPAddr:  ":7777",
			RESTAddr: ":8088",
			GRPCAddr: ":9090",
			Codec:    "json",
		},
		Storage: StorageConfig{
			Driver:           "memory",
			AutosaveInterval: 30 * time.Second,
			Redis:            storage.DefaultRedisConfig(),
			BadgerPath:       "data",
		},
		EventBus: eventbus.JetStreamConfig{
			Stream:    "GEOWORLD",
			Subject:   eventbus.DefaultSubjectPrefix,
			Retention: 72 * time.Hour,
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  time.Hour,
		},
		Telemetry: TelemetryConfig{ServiceName: "geoworld"},
		Logging:   LoggingConfig{Level: "INFO"},
	}
}

// Load читает конфигурацию: значения по умолчанию, затем YAML, затем окружение.
// Если path == "", берётся ENV GAME_CONFIG; без файла используются только дефолты и окружение.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("GAME_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	var errs []error

	w := c.World
	if w.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("world.tick_rate must be positive, got %d", w.TickRate))
	}
	if !(vec.LatLng{Lat: w.CenterLat, Lng: w.CenterLng}).IsValid() {
		errs = append(errs, fmt.Errorf("world.center %f,%f is not a valid coordinate", w.CenterLat, w.CenterLng))
	}
	if w.BoundaryRadiusM < 0 {
		errs = append(errs, errors.New("world.boundary_radius_m must not be negative"))
	}
	if w.OverworldCellM <= 0 || w.DungeonCell <= 0 {
		errs = append(errs, errors.New("world cell sizes must be positive"))
	}
	if w.NearbyRadiusM < 0 {
		errs = append(errs, errors.New("world.nearby_radius_m must not be negative"))
	}

	seen := make(map[string]bool, len(w.Entrances))
	for i, e := range w.Entrances {
		if seen[e.ID] {
			errs = append(errs, fmt.Errorf("world.entrances[%d]: duplicate id %q", i, e.ID))
			continue
		}
		seen[e.ID] = true
		if err := e.ToEntrance().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("world.entrances[%d]: %w", i, err))
		}
	}

	switch c.Storage.Driver {
	case "memory", "redis", "badger":
	case "maria":
		if c.Storage.MariaDSN == "" {
			errs = append(errs, errors.New("storage.maria_dsn is required for driver maria"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be within [0,1], got %f", r))
	}

	if _, ok := logging.LookupLevel(c.Logging.Level); !ok {
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	for component, name := range c.Logging.Components {
		if _, ok := logging.LookupLevel(name); !ok {
			errs = append(errs, fmt.Errorf("logging.components.%s: unknown level %q", component, name))
		}
	}

	switch c.Server.Codec {
	case "json", "protobuf", "proto":
	default:
		errs = append(errs, fmt.Errorf("unknown server.codec %q", c.Server.Codec))
	}

	return errors.Join(errs...)
}

// EntranceList возвращает входы из конфигурации
func (w WorldConfig) EntranceList() []world.DungeonEntrance {
	out := make([]world.DungeonEntrance, 0, len(w.Entrances))
	for _, e := range w.Entrances {
		out = append(out, e.ToEntrance())
	}
	return out
}

// Options возвращает параметры менеджера мира (без кодека, шины и логгера)
func (w WorldConfig) Options() world.Options {
	opts := world.DefaultOptions()
	opts.Center = vec.LatLng{Lat: w.CenterLat, Lng: w.CenterLng}
	opts.BoundaryRadius = w.BoundaryRadiusM
	opts.OverworldCellSize = w.OverworldCellM
	opts.DungeonCellSize = w.DungeonCell
	opts.InstanceIdleTTL = w.InstanceIdleTTL
	return opts
}
