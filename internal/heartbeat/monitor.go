package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/scheduler"
	"github.com/annel0/mmo-zones/internal/store"
	"github.com/annel0/mmo-zones/internal/zone"
)

// maxStoreCallTimeout верхняя граница одного обращения к хранилищу
const maxStoreCallTimeout = 5 * time.Second

// Option настройка Monitor
type Option func(*Monitor)

// WithClock подменяет источник времени (тесты)
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithSaveHook вызывается после каждой попытки сохранения heartbeat
func WithSaveHook(fn func(players int, err error)) Option {
	return func(m *Monitor) { m.onSave = fn }
}

// Status снимок состояния для админки
type Status struct {
	MainRunning bool          `json:"main_running"`
	SubArmed    bool          `json:"sub_armed"`
	SubTimeout  time.Duration `json:"sub_timeout"`
	LastCheck   time.Time     `json:"last_check,omitempty"`
	Terminated  bool          `json:"terminated"`
}

// Monitor ведёт heartbeat main zone и проверяет его из sub-zone.
//
// Main zone каждые IntervalMain пишет (ключ, игроки онлайн) в хранилище,
// первый раз сразу при старте. Sub-zone раз в IntervalMain*multiplier
// читает запись и завершает процесс, если main zone молчит дольше таймаута.
type Monitor struct {
	store     store.HeartbeatStore
	loop      *scheduler.Loop
	topology  *zone.Topology
	terminate func(error)
	now       func() time.Time
	onSave    func(players int, err error)
	logger    *logging.Logger

	mu         sync.Mutex
	mainHandle *scheduler.Handle
	subHandle  *scheduler.Handle
	subTimeout time.Duration
	lastCheck  time.Time
	terminated bool
}

// NewMonitor создаёт монитор. terminate получает *zone.StaleMainZoneTimeout.
func NewMonitor(hs store.HeartbeatStore, loop *scheduler.Loop, topology *zone.Topology, terminate func(error), opts ...Option) *Monitor {
	m := &Monitor{
		store:     hs,
		loop:      loop,
		topology:  topology,
		terminate: terminate,
		now:       time.Now,
		logger:    logging.GetHeartbeatLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) callTimeout(d time.Duration) time.Duration {
	if d <= 0 || d > maxStoreCallTimeout {
		return maxStoreCallTimeout
	}
	return d
}

// StartMain запускает сохранение heartbeat: сразу и далее каждые IntervalMain.
// Повторный вызов ничего не делает.
func (m *Monitor) StartMain(players func() int) error {
	if players == nil {
		players = func() int { return 0 }
	}

	m.mu.Lock()
	if m.mainHandle != nil && !m.mainHandle.Cancelled() {
		m.mu.Unlock()
		return nil
	}

	interval := m.topology.IntervalMain
	h := m.loop.Every(interval, interval, func() {
		m.save(players())
	})
	if h.Cancelled() {
		m.mu.Unlock()
		return fmt.Errorf("heartbeat: не удалось запланировать сохранение (interval=%s)", interval)
	}
	m.mainHandle = h
	m.mu.Unlock()

	// первое сохранение при t=0 завершено до возврата
	m.save(players())

	m.logger.Info("💓 Heartbeat main zone %q каждые %s", m.topology.HeartbeatKey(), interval)
	return nil
}

func (m *Monitor) save(players int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout(m.topology.IntervalMain))
	defer cancel()

	err := m.store.SaveZoneHeartbeat(ctx, m.topology.HeartbeatKey(), players)
	if err != nil {
		m.logger.Warn("⚠️ Не удалось сохранить heartbeat: %v", err)
	} else {
		m.logger.Trace("💓 heartbeat сохранён, игроков: %d", players)
	}
	if m.onSave != nil {
		m.onSave(players, err)
	}
}

// ArmSubZone включает проверку main zone из sub-zone.
// Возвращает false, если проверка отключена (multiplier <= 0) или уже включена.
func (m *Monitor) ArmSubZone(multiplier float64) bool {
	timeout := time.Duration(float64(m.topology.IntervalMain) * multiplier)
	if timeout <= 0 {
		m.logger.Info("💤 Проверка main zone отключена (multiplier=%g)", multiplier)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return false
	}
	if m.subHandle != nil && !m.subHandle.Cancelled() {
		return false
	}

	m.subTimeout = timeout
	m.subHandle = m.loop.Every(timeout, timeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout(timeout))
		defer cancel()
		_ = m.Check(ctx, timeout)
	})

	m.logger.Info("🩺 Проверка main zone %q каждые %s", m.topology.HeartbeatKey(), timeout)
	return true
}

// Check сравнивает возраст heartbeat main zone с timeout.
// Устаревшая или отсутствующая запись: *zone.StaleMainZoneTimeout, передаётся в terminate.
// Ошибка чтения хранилища возвращается, но процесс не завершает.
func (m *Monitor) Check(ctx context.Context, timeout time.Duration) error {
	key := m.topology.HeartbeatKey()
	now := m.now()

	m.mu.Lock()
	m.lastCheck = now
	m.mu.Unlock()

	hb, found, err := m.store.LoadZoneHeartbeat(ctx, key)
	if err != nil {
		m.logger.Warn("⚠️ Не удалось прочитать heartbeat main zone: %v", err)
		return fmt.Errorf("heartbeat: чтение %q: %w", key, err)
	}

	if !found {
		stale := &zone.StaleMainZoneTimeout{MainZone: key, Timeout: timeout}
		m.fire(stale)
		return stale
	}

	elapsed := now.Sub(hb.SavedAt)
	if elapsed > timeout {
		stale := &zone.StaleMainZoneTimeout{
			MainZone: key,
			LastSeen: hb.SavedAt,
			Elapsed:  elapsed,
			Timeout:  timeout,
		}
		m.fire(stale)
		return stale
	}

	m.logger.Trace("🩺 main zone жив: %s назад, игроков %d", elapsed.Round(time.Millisecond), hb.PlayersOnline)
	return nil
}

// fire останавливает таймеры и вызывает terminate ровно один раз
func (m *Monitor) fire(stale *zone.StaleMainZoneTimeout) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	m.mu.Unlock()

	m.Stop()
	m.logger.Shutdown("🔌 %v, sub-zone завершается", stale)
	if m.terminate != nil {
		m.terminate(stale)
	}
}

// Last возвращает последнюю запись heartbeat main zone
func (m *Monitor) Last(ctx context.Context) (store.Heartbeat, bool, error) {
	return m.store.LoadZoneHeartbeat(ctx, m.topology.HeartbeatKey())
}

// Status снимок состояния таймеров
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		MainRunning: m.mainHandle != nil && !m.mainHandle.Cancelled(),
		SubArmed:    m.subHandle != nil && !m.subHandle.Cancelled(),
		SubTimeout:  m.subTimeout,
		LastCheck:   m.lastCheck,
		Terminated:  m.terminated,
	}
}

// Stop отменяет оба таймера. Повторный вызов безопасен.
func (m *Monitor) Stop() {
	m.mu.Lock()
	mainHandle, subHandle := m.mainHandle, m.subHandle
	m.mu.Unlock()

	mainHandle.Cancel()
	subHandle.Cancel()
}

// IsStale проверяет, что ошибка означает плановое завершение sub-zone
func IsStale(err error) bool {
	var stale *zone.StaleMainZoneTimeout
	return errors.As(err, &stale)
}
