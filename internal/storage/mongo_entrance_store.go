package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/annel0/geoworld/internal/vec"
	"github.com/annel0/geoworld/internal/world"
)

// MongoConfig contains connection settings for the MongoDB entrance store.
type MongoConfig struct {
	URI        string `yaml:"uri" env:"MONGO_URI"` // e.g. mongodb://localhost:27017
	Database   string `yaml:"database"`            // e.g. geoworld
	Collection string `yaml:"collection"`          // e.g. dungeon_entrances
}

// MongoEntranceStore implements EntranceStore on MongoDB backend.
type MongoEntranceStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	ctxTimeout time.Duration
}

// entranceDoc is the stored document. geo is a GeoJSON point so the
// collection can carry a 2dsphere index.
type entranceDoc struct {
	ID                string    `bson:"_id"`
	Name              string    `bson:"name"`
	Geo               geoPoint  `bson:"geo"`
	EntryX            float64   `bson:"entry_x"`
	EntryY            float64   `bson:"entry_y"`
	InteractionRadius float64   `bson:"interaction_radius"`
	ExitRadius        float64   `bson:"exit_radius"`
	MinLevel          int       `bson:"min_level"`
	CooldownMs        int64     `bson:"cooldown_ms"`
	MaxPlayers        int       `bson:"max_players"`
	UpdatedAt         time.Time `bson:"updated_at"`
}

type geoPoint struct {
	Type        string    `bson:"type"`
	Coordinates []float64 `bson:"coordinates"` // [lng, lat]
}

// NewMongoEntranceStore establishes connection and returns the store.
func NewMongoEntranceStore(ctx context.Context, cfg MongoConfig) (*MongoEntranceStore, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "geoworld"
	}
	if cfg.Collection == "" {
		cfg.Collection = "dungeon_entrances"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	// ping
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	store := &MongoEntranceStore{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		ctxTimeout: 5 * time.Second,
	}
	if err := store.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

func (m *MongoEntranceStore) ensureIndexes(ctx context.Context) error {
	geoIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "geo", Value: "2dsphere"}},
		Options: options.Index().SetName("geo_2dsphere"),
	}
	_, err := m.collection.Indexes().CreateOne(ctx, geoIdx)
	return err
}

func toEntranceDoc(e world.DungeonEntrance) entranceDoc {
	return entranceDoc{
		ID:                e.ID,
		Name:              e.Name,
		Geo:               geoPoint{Type: "Point", Coordinates: []float64{e.GeoPosition.Lng, e.GeoPosition.Lat}},
		EntryX:            e.EntryPosition.X,
		EntryY:            e.EntryPosition.Y,
		InteractionRadius: e.InteractionRadius,
		ExitRadius:        e.ExitRadius,
		MinLevel:          e.MinLevel,
		CooldownMs:        e.Cooldown.Milliseconds(),
		MaxPlayers:        e.MaxPlayers,
		UpdatedAt:         time.Now().UTC(),
	}
}

func (d entranceDoc) toEntrance() (world.DungeonEntrance, error) {
	if len(d.Geo.Coordinates) != 2 {
		return world.DungeonEntrance{}, fmt.Errorf("entrance %s: malformed geo point", d.ID)
	}
	return world.DungeonEntrance{
		ID:                d.ID,
		Name:              d.Name,
		GeoPosition:       vec.LatLng{Lat: d.Geo.Coordinates[1], Lng: d.Geo.Coordinates[0]},
		EntryPosition:     vec.Vec2Float{X: d.EntryX, Y: d.EntryY},
		InteractionRadius: d.InteractionRadius,
		ExitRadius:        d.ExitRadius,
		MinLevel:          d.MinLevel,
		Cooldown:          time.Duration(d.CooldownMs) * time.Millisecond,
		MaxPlayers:        d.MaxPlayers,
	}, nil
}

// SaveEntrance upserts the entrance document.
func (m *MongoEntranceStore) SaveEntrance(ctx context.Context, e world.DungeonEntrance) error {
	if err := e.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()

	_, err := m.collection.ReplaceOne(ctx, bson.M{"_id": e.ID}, toEntranceDoc(e), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save entrance %s: %w", e.ID, err)
	}
	return nil
}

// DeleteEntrance removes the entrance document.
func (m *MongoEntranceStore) DeleteEntrance(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()

	res, err := m.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete entrance %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: entrance %s", ErrNotFound, id)
	}
	return nil
}

// LoadEntrances returns every stored entrance sorted by id.
func (m *MongoEntranceStore) LoadEntrances(ctx context.Context) ([]world.DungeonEntrance, error) {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()

	cur, err := m.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load entrances: %w", err)
	}
	defer cur.Close(ctx)

	var list []world.DungeonEntrance
	for cur.Next(ctx) {
		var doc entranceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		e, err := doc.toEntrance()
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, cur.Err()
}

// Close disconnects the client.
func (m *MongoEntranceStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ctxTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
