package cache

import (
	"context"
	"sync"
	"time"
)

// Invalidator рассылает инвалидацию ключей между процессами зон.
type Invalidator interface {
	// PublishInvalidation отправляет уведомление об инвалидации.
	PublishInvalidation(ctx context.Context, key string) error

	// SubscribeInvalidations подписывается на уведомления других процессов.
	SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error

	// Close закрывает соединение.
	Close() error
}

// InvalidationHandler обрабатывает уведомления об инвалидации кеша.
type InvalidationHandler func(key string) error

// Metrics счётчики кеша записей игроков
type Metrics struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRatio      float64 `json:"hit_ratio"`
	Invalidations int64   `json:"invalidations"`
	Keys          int     `json:"keys"`
}

// Config кеш записей игроков перед хранилищем
type Config struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
	// NATSURL адрес для инвалидации; без него берётся адрес шины событий
	NATSURL string `yaml:"nats_url" env:"NATS_URL"`
	Subject string `yaml:"subject" env:"SUBJECT"`
}

// LocalInvalidator инвалидация внутри одного процесса (шина memory, тесты).
// Каждый подписчик получает ключи, опубликованные другими экземплярами.
type LocalInvalidator struct {
	mu       sync.Mutex
	handlers map[*LocalInvalidator]InvalidationHandler
	root     *LocalInvalidator
}

// NewLocalInvalidator создаёт общий канал инвалидации
func NewLocalInvalidator() *LocalInvalidator {
	l := &LocalInvalidator{handlers: make(map[*LocalInvalidator]InvalidationHandler)}
	l.root = l
	return l
}

// Peer экземпляр для ещё одного кеша на том же канале
func (l *LocalInvalidator) Peer() *LocalInvalidator {
	return &LocalInvalidator{root: l.root}
}

func (l *LocalInvalidator) PublishInvalidation(_ context.Context, key string) error {
	l.root.mu.Lock()
	targets := make([]InvalidationHandler, 0, len(l.root.handlers))
	for owner, h := range l.root.handlers {
		if owner != l {
			targets = append(targets, h)
		}
	}
	l.root.mu.Unlock()

	for _, h := range targets {
		_ = h(key)
	}
	return nil
}

func (l *LocalInvalidator) SubscribeInvalidations(_ context.Context, handler InvalidationHandler) error {
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	l.root.handlers[l] = handler
	return nil
}

func (l *LocalInvalidator) Close() error {
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	delete(l.root.handlers, l)
	return nil
}
