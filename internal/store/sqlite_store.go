package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/annel0/mmo-zones/internal/logging"
	_ "modernc.org/sqlite"
)

// SQLiteConfig файл базы для одного хоста (main и sub-zone делят его)
type SQLiteConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

var sqliteDialect = sqlDialect{
	name: "SQLite",
	schema: []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS zone_heartbeats (
			zone_name      TEXT    PRIMARY KEY,
			saved_at       INTEGER NOT NULL,
			players_online INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS player_zone_records (
			name       TEXT    PRIMARY KEY,
			zone_name  TEXT    NOT NULL,
			anchor     TEXT    NOT NULL DEFAULT '',
			x          REAL    NOT NULL,
			y          REAL    NOT NULL,
			z          REAL    NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	},
	upsertHeartbeat: `
		INSERT INTO zone_heartbeats (zone_name, saved_at, players_online)
		VALUES (?, ?, ?)
		ON CONFLICT(zone_name) DO UPDATE SET
			saved_at = excluded.saved_at,
			players_online = excluded.players_online`,
	upsertPlayer: `
		INSERT INTO player_zone_records (name, zone_name, anchor, x, y, z, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			zone_name = excluded.zone_name,
			anchor = excluded.anchor,
			x = excluded.x,
			y = excluded.y,
			z = excluded.z,
			updated_at = excluded.updated_at`,
}

// SQLiteStore Store на локальном файле SQLite
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore открывает (или создаёт) файл базы
func NewSQLiteStore(ctx context.Context, config SQLiteConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "data/zones.db"
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть SQLite %s: %w", config.Path, err)
	}
	db.SetMaxOpenConns(1)

	s, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		return nil, err
	}

	logging.GetStoreLogger().Info("🪶 SQLite хранилище: %s", config.Path)
	return &SQLiteStore{sqlStore: s}, nil
}
