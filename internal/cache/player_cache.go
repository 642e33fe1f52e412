package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/store"
)

// DefaultTTL срок жизни записи игрока в кеше
const DefaultTTL = 30 * time.Second

type entry struct {
	rec     store.PlayerRecord
	found   bool
	expires time.Time
}

// PlayerCache кеш записей игроков перед store.Store.
//
// Запись пишется сквозь кеш, после чего остальные процессы зон получают
// инвалидацию имени игрока. Heartbeat не кешируется.
// Промах кешируется, только если за время чтения хранилища имя не было
// инвалидировано или перезаписано (версия имени не изменилась).
type PlayerCache struct {
	inner       store.Store
	invalidator Invalidator
	ttl         time.Duration
	now         func() time.Time
	logger      *logging.Logger

	mu       sync.Mutex
	entries  map[string]entry
	versions map[string]uint64

	hits          int64
	misses        int64
	invalidations int64

	cancel context.CancelFunc
}

// NewPlayerCache оборачивает inner. invalidator может быть nil (один процесс).
func NewPlayerCache(inner store.Store, invalidator Invalidator, ttl time.Duration) (*PlayerCache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &PlayerCache{
		inner:       inner,
		invalidator: invalidator,
		ttl:         ttl,
		now:         time.Now,
		logger:      logging.GetStoreLogger(),
		entries:     make(map[string]entry),
		versions:    make(map[string]uint64),
	}

	if invalidator != nil {
		ctx, cancel := context.WithCancel(context.Background())
		if err := invalidator.SubscribeInvalidations(ctx, c.evict); err != nil {
			cancel()
			return nil, err
		}
		c.cancel = cancel
	}
	return c, nil
}

func (c *PlayerCache) evict(name string) error {
	c.mu.Lock()
	delete(c.entries, name)
	c.versions[name]++
	c.mu.Unlock()
	atomic.AddInt64(&c.invalidations, 1)
	c.logger.Trace("🧹 Запись игрока %s инвалидирована", name)
	return nil
}

func (c *PlayerCache) SaveZoneHeartbeat(ctx context.Context, zone string, playersOnline int) error {
	return c.inner.SaveZoneHeartbeat(ctx, zone, playersOnline)
}

func (c *PlayerCache) LoadZoneHeartbeat(ctx context.Context, zone string) (store.Heartbeat, bool, error) {
	return c.inner.LoadZoneHeartbeat(ctx, zone)
}

// SavePlayer пишет в хранилище, обновляет кеш и рассылает инвалидацию
func (c *PlayerCache) SavePlayer(ctx context.Context, rec store.PlayerRecord) error {
	if err := c.inner.SavePlayer(ctx, rec); err != nil {
		c.mu.Lock()
		delete(c.entries, rec.Name)
		c.versions[rec.Name]++
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.entries[rec.Name] = entry{rec: rec, found: true, expires: c.now().Add(c.ttl)}
	c.versions[rec.Name]++
	c.mu.Unlock()

	if c.invalidator != nil {
		if err := c.invalidator.PublishInvalidation(ctx, rec.Name); err != nil {
			c.logger.Warn("⚠️ Инвалидация %s не отправлена: %v", rec.Name, err)
		}
	}
	return nil
}

// LoadPlayer отдаёт запись из кеша, промах читает хранилище
func (c *PlayerCache) LoadPlayer(ctx context.Context, name string) (store.PlayerRecord, bool, error) {
	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[name]
	if ok && now.After(e.expires) {
		delete(c.entries, name)
		ok = false
	}
	version := c.versions[name]
	c.mu.Unlock()

	if ok {
		atomic.AddInt64(&c.hits, 1)
		return e.rec, e.found, nil
	}
	atomic.AddInt64(&c.misses, 1)

	rec, found, err := c.inner.LoadPlayer(ctx, name)
	if err != nil {
		return rec, found, err
	}
	c.mu.Lock()
	if c.versions[name] == version {
		c.entries[name] = entry{rec: rec, found: found, expires: now.Add(c.ttl)}
	} else {
		c.logger.Trace("🧹 Запись игрока %s изменилась во время чтения, не кешируется", name)
	}
	c.mu.Unlock()
	return rec, found, nil
}

// GetMetrics счётчики попаданий
func (c *PlayerCache) GetMetrics() Metrics {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	m := Metrics{
		Hits:          hits,
		Misses:        misses,
		Invalidations: atomic.LoadInt64(&c.invalidations),
	}
	if total := hits + misses; total > 0 {
		m.HitRatio = float64(hits) / float64(total)
	}
	c.mu.Lock()
	m.Keys = len(c.entries)
	c.mu.Unlock()
	return m
}

// Close отписывается от инвалидаций и закрывает хранилище
func (c *PlayerCache) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.invalidator != nil {
		_ = c.invalidator.Close()
	}
	return c.inner.Close()
}
