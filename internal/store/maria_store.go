package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/annel0/mmo-zones/internal/logging"
	_ "github.com/go-sql-driver/mysql"
)

// MariaConfig параметры подключения к MariaDB/MySQL
type MariaConfig struct {
	// DSN строка подключения (user:pass@tcp(host:port)/dbname)
	DSN          string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	ConnMaxLife  time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

var mariaDialect = sqlDialect{
	name: "MariaDB",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS zone_heartbeats (
			zone_name      VARCHAR(128) PRIMARY KEY,
			saved_at       BIGINT       NOT NULL,
			players_online INT          NOT NULL DEFAULT 0
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS player_zone_records (
			name       VARCHAR(64)  PRIMARY KEY,
			zone_name  VARCHAR(128) NOT NULL,
			anchor     VARCHAR(128) NOT NULL DEFAULT '',
			x          DOUBLE       NOT NULL,
			y          DOUBLE       NOT NULL,
			z          DOUBLE       NOT NULL,
			updated_at BIGINT       NOT NULL,
			INDEX idx_zone_name (zone_name)
		) ENGINE=InnoDB`,
	},
	upsertHeartbeat: `
		INSERT INTO zone_heartbeats (zone_name, saved_at, players_online)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			saved_at = VALUES(saved_at),
			players_online = VALUES(players_online)`,
	upsertPlayer: `
		INSERT INTO player_zone_records (name, zone_name, anchor, x, y, z, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			zone_name = VALUES(zone_name),
			anchor = VALUES(anchor),
			x = VALUES(x),
			y = VALUES(y),
			z = VALUES(z),
			updated_at = VALUES(updated_at)`,
}

// MariaStore Store на MariaDB/MySQL. Подходит для нескольких хостов.
type MariaStore struct {
	*sqlStore
}

// NewMariaStore подключается к MariaDB и создаёт таблицы, если их нет
func NewMariaStore(ctx context.Context, config MariaConfig) (*MariaStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("не задан DSN MariaDB")
	}

	db, err := sql.Open("mysql", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.ConnMaxLife > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLife)
	}

	s, err := newSQLStore(ctx, db, mariaDialect)
	if err != nil {
		return nil, err
	}

	logging.GetStoreLogger().Info("🐬 Подключено к MariaDB")
	return &MariaStore{sqlStore: s}, nil
}
