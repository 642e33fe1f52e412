package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// sqlDialect различия SQL между MariaDB и SQLite
type sqlDialect struct {
	name            string
	schema          []string
	upsertHeartbeat string
	upsertPlayer    string
}

// sqlStore общая реализация Store поверх database/sql.
// Время хранится в наносекундах unix, чтобы не зависеть от часового пояса драйвера.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect sqlDialect) (*sqlStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с %s: %w", dialect.name, err)
	}

	s := &sqlStore{db: db, dialect: dialect}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать таблицы: %w", err)
	}
	return s, nil
}

func (s *sqlStore) createTables(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ошибка создания схемы %s: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore) SaveZoneHeartbeat(ctx context.Context, zone string, playersOnline int) error {
	if err := validateKey(zone); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, s.dialect.upsertHeartbeat, zone, time.Now().UnixNano(), playersOnline)
	if err != nil {
		return fmt.Errorf("ошибка сохранения heartbeat зоны %s: %w", zone, err)
	}
	return nil
}

func (s *sqlStore) LoadZoneHeartbeat(ctx context.Context, zone string) (Heartbeat, bool, error) {
	if err := validateKey(zone); err != nil {
		return Heartbeat{}, false, err
	}

	var nanos int64
	var players int
	err := s.db.QueryRowContext(ctx,
		`SELECT saved_at, players_online FROM zone_heartbeats WHERE zone_name = ?`, zone,
	).Scan(&nanos, &players)
	if err == sql.ErrNoRows {
		return Heartbeat{}, false, nil
	}
	if err != nil {
		return Heartbeat{}, false, fmt.Errorf("ошибка загрузки heartbeat зоны %s: %w", zone, err)
	}

	return Heartbeat{Zone: zone, SavedAt: time.Unix(0, nanos), PlayersOnline: players}, true, nil
}

func (s *sqlStore) SavePlayer(ctx context.Context, rec PlayerRecord) error {
	if err := validateKey(rec.Name); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, s.dialect.upsertPlayer,
		rec.Name, rec.Zone, rec.Anchor,
		rec.Position.X, rec.Position.Y, rec.Position.Z,
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения игрока %s: %w", rec.Name, err)
	}
	return nil
}

func (s *sqlStore) LoadPlayer(ctx context.Context, name string) (PlayerRecord, bool, error) {
	if err := validateKey(name); err != nil {
		return PlayerRecord{}, false, err
	}

	rec := PlayerRecord{Name: name}
	var nanos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT zone_name, anchor, x, y, z, updated_at FROM player_zone_records WHERE name = ?`, name,
	).Scan(&rec.Zone, &rec.Anchor, &rec.Position.X, &rec.Position.Y, &rec.Position.Z, &nanos)
	if err == sql.ErrNoRows {
		return PlayerRecord{}, false, nil
	}
	if err != nil {
		return PlayerRecord{}, false, fmt.Errorf("ошибка загрузки игрока %s: %w", name, err)
	}

	rec.UpdatedAt = time.Unix(0, nanos)
	return rec, true, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
