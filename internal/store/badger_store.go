package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/dgraph-io/badger/v3"
)

// BadgerConfig встроенное хранилище одного хоста.
// Badger держит эксклюзивную блокировку каталога, поэтому у каждого процесса
// зоны должен быть свой Dir, либо используется InMemory для тестов.
type BadgerConfig struct {
	Dir      string `yaml:"dir" env:"DIR"`
	InMemory bool   `yaml:"in_memory" env:"IN_MEMORY"`
}

// BadgerStore Store на встроенной BadgerDB
type BadgerStore struct {
	db      *badger.DB
	mutex   sync.RWMutex
	isReady bool
}

// NewBadgerStore открывает базу
func NewBadgerStore(config BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Dir == "" {
			config.Dir = "data/zones"
		}
		opts = badger.DefaultOptions(config.Dir)
	}
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	logging.GetStoreLogger().Info("🦡 BadgerDB хранилище открыто (in-memory=%v)", config.InMemory)
	return &BadgerStore{db: db, isReady: true}, nil
}

func heartbeatBadgerKey(zone string) []byte {
	return []byte("hb:" + zone)
}

func playerBadgerKey(name string) []byte {
	return []byte("player:" + name)
}

func (b *BadgerStore) put(key []byte, v any) error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if !b.isReady {
		return fmt.Errorf("хранилище не готово")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// get возвращает false, если ключа нет
func (b *BadgerStore) get(key []byte, v any) (bool, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if !b.isReady {
		return false, fmt.Errorf("хранилище не готово")
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ошибка чтения %s: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("ошибка десериализации %s: %w", key, err)
	}
	return true, nil
}

func (b *BadgerStore) SaveZoneHeartbeat(ctx context.Context, zone string, playersOnline int) error {
	if err := validateKey(zone); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.put(heartbeatBadgerKey(zone), Heartbeat{Zone: zone, SavedAt: time.Now(), PlayersOnline: playersOnline})
}

func (b *BadgerStore) LoadZoneHeartbeat(ctx context.Context, zone string) (Heartbeat, bool, error) {
	if err := validateKey(zone); err != nil {
		return Heartbeat{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Heartbeat{}, false, err
	}

	var hb Heartbeat
	ok, err := b.get(heartbeatBadgerKey(zone), &hb)
	return hb, ok, err
}

func (b *BadgerStore) SavePlayer(ctx context.Context, rec PlayerRecord) error {
	if err := validateKey(rec.Name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now()
	return b.put(playerBadgerKey(rec.Name), rec)
}

func (b *BadgerStore) LoadPlayer(ctx context.Context, name string) (PlayerRecord, bool, error) {
	if err := validateKey(name); err != nil {
		return PlayerRecord{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return PlayerRecord{}, false, err
	}

	var rec PlayerRecord
	ok, err := b.get(playerBadgerKey(name), &rec)
	return rec, ok, err
}

// Close закрывает хранилище данных
func (b *BadgerStore) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.isReady {
		return nil
	}
	b.isReady = false
	return b.db.Close()
}
