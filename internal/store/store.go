package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/annel0/mmo-zones/internal/vec"
)

// ErrInvalidKey пустое имя зоны или игрока
var ErrInvalidKey = errors.New("store: empty key")

// Heartbeat последняя отметка жизни main zone
type Heartbeat struct {
	Zone          string    `json:"zone"`
	SavedAt       time.Time `json:"saved_at"`
	PlayersOnline int       `json:"players_online"`
}

// PlayerRecord зона и якорь, в которых игрок должен появиться при следующем входе
type PlayerRecord struct {
	Name      string    `json:"name"`
	Zone      string    `json:"zone"`
	Anchor    string    `json:"anchor,omitempty"`
	Position  vec.Vec3  `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HeartbeatStore хранилище heartbeat main zone.
// SavedAt проставляет хранилище в момент записи.
type HeartbeatStore interface {
	SaveZoneHeartbeat(ctx context.Context, zone string, playersOnline int) error
	// LoadZoneHeartbeat возвращает false, если main zone ни разу не сохранялся
	LoadZoneHeartbeat(ctx context.Context, zone string) (Heartbeat, bool, error)
}

// PlayerStore хранилище записей игроков для переходов между зонами
type PlayerStore interface {
	SavePlayer(ctx context.Context, rec PlayerRecord) error
	LoadPlayer(ctx context.Context, name string) (PlayerRecord, bool, error)
}

// Store полный набор операций бэкенда
type Store interface {
	HeartbeatStore
	PlayerStore
	Close() error
}

// Config выбор и настройки бэкенда
type Config struct {
	Driver string       `yaml:"driver" env:"DRIVER"`
	Redis  RedisConfig  `yaml:"redis" envPrefix:"REDIS_"`
	Maria  MariaConfig  `yaml:"maria" envPrefix:"MARIA_"`
	Mongo  MongoConfig  `yaml:"mongo" envPrefix:"MONGO_"`
	Badger BadgerConfig `yaml:"badger" envPrefix:"BADGER_"`
	SQLite SQLiteConfig `yaml:"sqlite" envPrefix:"SQLITE_"`
}

// Open создаёт бэкенд по имени драйвера.
// Пустой драйвер: память (один процесс, для разработки).
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		s, err = wrapOpen(NewRedisStore(ctx, &cfg.Redis))
	case "maria", "mariadb", "mysql":
		s, err = wrapOpen(NewMariaStore(ctx, cfg.Maria))
	case "mongo", "mongodb":
		s, err = wrapOpen(NewMongoStore(ctx, cfg.Mongo))
	case "badger":
		s, err = wrapOpen(NewBadgerStore(cfg.Badger))
	case "sqlite":
		s, err = wrapOpen(NewSQLiteStore(ctx, cfg.SQLite))
	default:
		return nil, fmt.Errorf("неизвестный драйвер хранилища: %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", cfg.Driver, err)
	}
	return s, nil
}

// wrapOpen не даёт typed-nil указателю превратиться в ненулевой интерфейс
func wrapOpen[T Store](s T, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}
