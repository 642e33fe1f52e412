package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore реализует Store в памяти.
// Используется как fallback без внешней БД и в тестах.
// ВНИМАНИЕ: sub-zone в других процессах эти данные не видят!
type MemoryStore struct {
	mu         sync.RWMutex
	heartbeats map[string]Heartbeat
	players    map[string]PlayerRecord

	// Now источник времени для SavedAt/UpdatedAt
	Now func() time.Time
}

// NewMemoryStore создает новое хранилище в памяти
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		heartbeats: make(map[string]Heartbeat),
		players:    make(map[string]PlayerRecord),
		Now:        time.Now,
	}
}

func (m *MemoryStore) SaveZoneHeartbeat(ctx context.Context, zone string, playersOnline int) error {
	if err := validateKey(zone); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats[zone] = Heartbeat{Zone: zone, SavedAt: m.Now(), PlayersOnline: playersOnline}
	return nil
}

func (m *MemoryStore) LoadZoneHeartbeat(ctx context.Context, zone string) (Heartbeat, bool, error) {
	if err := validateKey(zone); err != nil {
		return Heartbeat{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Heartbeat{}, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	hb, ok := m.heartbeats[zone]
	return hb, ok, nil
}

func (m *MemoryStore) SavePlayer(ctx context.Context, rec PlayerRecord) error {
	if err := validateKey(rec.Name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec.UpdatedAt = m.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.players[rec.Name] = rec
	return nil
}

func (m *MemoryStore) LoadPlayer(ctx context.Context, name string) (PlayerRecord, bool, error) {
	if err := validateKey(name); err != nil {
		return PlayerRecord{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return PlayerRecord{}, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.players[name]
	return rec, ok, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
