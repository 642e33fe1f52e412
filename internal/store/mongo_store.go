package store

import (
	"context"
	"fmt"
	"time"

	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/vec"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig contains connection settings for MongoDB zone store.
type MongoConfig struct {
	URI        string `yaml:"uri" env:"URI"`               // e.g. mongodb://localhost:27017
	Database   string `yaml:"database" env:"DATABASE"`     // e.g. mmo_zones
	Heartbeats string `yaml:"heartbeats" env:"HEARTBEATS"` // e.g. zone_heartbeats
	Players    string `yaml:"players" env:"PLAYERS"`       // e.g. player_zone_records
}

// MongoStore implements Store on MongoDB backend.
type MongoStore struct {
	client     *mongo.Client
	heartbeats *mongo.Collection
	players    *mongo.Collection
}

type heartbeatDoc struct {
	Zone          string    `bson:"_id"`
	SavedAt       time.Time `bson:"saved_at"`
	PlayersOnline int       `bson:"players_online"`
}

type playerDoc struct {
	Name      string    `bson:"_id"`
	Zone      string    `bson:"zone"`
	Anchor    string    `bson:"anchor"`
	Position  vec.Vec3  `bson:"position"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoStore establishes connection and returns store.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "mmo_zones"
	}
	if cfg.Heartbeats == "" {
		cfg.Heartbeats = "zone_heartbeats"
	}
	if cfg.Players == "" {
		cfg.Players = "player_zone_records"
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	// ping
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &MongoStore{
		client:     client,
		heartbeats: db.Collection(cfg.Heartbeats),
		players:    db.Collection(cfg.Players),
	}

	zoneIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "zone", Value: 1}},
		Options: options.Index().SetName("zone_idx"),
	}
	if _, err := s.players.Indexes().CreateOne(connectCtx, zoneIdx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ensure indexes: %w", err)
	}

	logging.GetStoreLogger().Info("🍃 Connected to MongoDB database %s", cfg.Database)
	return s, nil
}

// SaveZoneHeartbeat implements HeartbeatStore.
func (m *MongoStore) SaveZoneHeartbeat(ctx context.Context, zone string, playersOnline int) error {
	if err := validateKey(zone); err != nil {
		return err
	}

	update := bson.M{"$set": bson.M{
		"saved_at":       time.Now().UTC(),
		"players_online": playersOnline,
	}}
	_, err := m.heartbeats.UpdateByID(ctx, zone, update, options.Update().SetUpsert(true))
	return err
}

// LoadZoneHeartbeat implements HeartbeatStore.
func (m *MongoStore) LoadZoneHeartbeat(ctx context.Context, zone string) (Heartbeat, bool, error) {
	if err := validateKey(zone); err != nil {
		return Heartbeat{}, false, err
	}

	var doc heartbeatDoc
	err := m.heartbeats.FindOne(ctx, bson.M{"_id": zone}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return Heartbeat{}, false, nil
	}
	if err != nil {
		return Heartbeat{}, false, err
	}
	return Heartbeat{Zone: doc.Zone, SavedAt: doc.SavedAt, PlayersOnline: doc.PlayersOnline}, true, nil
}

// SavePlayer implements PlayerStore.
func (m *MongoStore) SavePlayer(ctx context.Context, rec PlayerRecord) error {
	if err := validateKey(rec.Name); err != nil {
		return err
	}

	update := bson.M{"$set": bson.M{
		"zone":       rec.Zone,
		"anchor":     rec.Anchor,
		"position":   rec.Position,
		"updated_at": time.Now().UTC(),
	}}
	_, err := m.players.UpdateByID(ctx, rec.Name, update, options.Update().SetUpsert(true))
	return err
}

// LoadPlayer implements PlayerStore.
func (m *MongoStore) LoadPlayer(ctx context.Context, name string) (PlayerRecord, bool, error) {
	if err := validateKey(name); err != nil {
		return PlayerRecord{}, false, err
	}

	var doc playerDoc
	err := m.players.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return PlayerRecord{}, false, nil
	}
	if err != nil {
		return PlayerRecord{}, false, err
	}
	return PlayerRecord{
		Name:      doc.Name,
		Zone:      doc.Zone,
		Anchor:    doc.Anchor,
		Position:  doc.Position,
		UpdatedAt: doc.UpdatedAt,
	}, true, nil
}

// Close disconnects the client.
func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
