package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/go-redis/redis/v8"
)

// RedisConfig содержит настройки подключения к Redis
type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	PlayerTTL time.Duration `yaml:"player_ttl" env:"PLAYER_TTL"`
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "mmo:zone:",
		PlayerTTL: 24 * time.Hour,
	}
}

// RedisStore хранит heartbeat зон (hash) и записи игроков (JSON) в Redis
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	playerTTL time.Duration
}

// NewRedisStore подключается к Redis и проверяет соединение
func NewRedisStore(ctx context.Context, config *RedisConfig) (*RedisStore, error) {
	defaults := DefaultRedisConfig()
	if config == nil {
		config = defaults
	}
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.PlayerTTL == 0 {
		config.PlayerTTL = defaults.PlayerTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.GetStoreLogger().Info("🔴 Connected to Redis at %s", config.Addr)
	return &RedisStore{
		client:    client,
		keyPrefix: config.KeyPrefix,
		playerTTL: config.PlayerTTL,
	}, nil
}

func (r *RedisStore) heartbeatKey(zone string) string {
	return r.keyPrefix + "hb:" + zone
}

func (r *RedisStore) playerKey(name string) string {
	return r.keyPrefix + "player:" + name
}

// SaveZoneHeartbeat записывает отметку времени и число игроков одним HSET
func (r *RedisStore) SaveZoneHeartbeat(ctx context.Context, zone string, playersOnline int) error {
	if err := validateKey(zone); err != nil {
		return err
	}

	err := r.client.HSet(ctx, r.heartbeatKey(zone),
		"saved_at", time.Now().UnixNano(),
		"players_online", playersOnline,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save heartbeat: %w", err)
	}
	return nil
}

func (r *RedisStore) LoadZoneHeartbeat(ctx context.Context, zone string) (Heartbeat, bool, error) {
	if err := validateKey(zone); err != nil {
		return Heartbeat{}, false, err
	}

	fields, err := r.client.HGetAll(ctx, r.heartbeatKey(zone)).Result()
	if err != nil {
		return Heartbeat{}, false, fmt.Errorf("failed to load heartbeat: %w", err)
	}
	if len(fields) == 0 {
		return Heartbeat{}, false, nil
	}

	nanos, err := strconv.ParseInt(fields["saved_at"], 10, 64)
	if err != nil {
		return Heartbeat{}, false, fmt.Errorf("corrupt heartbeat saved_at: %w", err)
	}
	players, err := strconv.Atoi(fields["players_online"])
	if err != nil {
		return Heartbeat{}, false, fmt.Errorf("corrupt heartbeat players_online: %w", err)
	}

	return Heartbeat{Zone: zone, SavedAt: time.Unix(0, nanos), PlayersOnline: players}, true, nil
}

func (r *RedisStore) SavePlayer(ctx context.Context, rec PlayerRecord) error {
	if err := validateKey(rec.Name); err != nil {
		return err
	}

	rec.UpdatedAt = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal player record: %w", err)
	}
	if err := r.client.Set(ctx, r.playerKey(rec.Name), data, r.playerTTL).Err(); err != nil {
		return fmt.Errorf("failed to save player record: %w", err)
	}
	return nil
}

func (r *RedisStore) LoadPlayer(ctx context.Context, name string) (PlayerRecord, bool, error) {
	if err := validateKey(name); err != nil {
		return PlayerRecord{}, false, err
	}

	data, err := r.client.Get(ctx, r.playerKey(name)).Bytes()
	if err == redis.Nil {
		return PlayerRecord{}, false, nil
	} else if err != nil {
		return PlayerRecord{}, false, fmt.Errorf("failed to load player record: %w", err)
	}

	var rec PlayerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return PlayerRecord{}, false, fmt.Errorf("failed to unmarshal player record: %w", err)
	}
	return rec, true, nil
}

// Close закрывает соединение с Redis
func (r *RedisStore) Close() error {
	return r.client.Close()
}
