package orchestrator

import (
	"errors"

	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// Значения метки result для zone_handoffs_total
const (
	HandoffRequested = "requested"
	HandoffCompleted = "completed"
	HandoffFailed    = "failed"
)

// NodeMetrics содержит метрики процесса зоны
type NodeMetrics struct {
	PlayersOnline     prometheus.Gauge
	SpawnAttempts     prometheus.Counter
	SpawnFailures     prometheus.Counter
	HeartbeatSaves    prometheus.Counter
	HeartbeatFailures prometheus.Counter
	Handoffs          *prometheus.CounterVec
}

// NewNodeMetrics создаёт метрики и регистрирует их в reg.
// Уже зарегистрированные коллекторы переиспользуются; nil reg: без регистрации.
func NewNodeMetrics(reg prometheus.Registerer) *NodeMetrics {
	m := &NodeMetrics{
		PlayersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zone_players_online",
			Help: "Игроков подключено к зоне",
		}),
		SpawnAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zone_spawn_attempts_total",
			Help: "Попытки запуска процессов sub-zone",
		}),
		SpawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zone_spawn_failures_total",
			Help: "Неудачные запуски процессов sub-zone",
		}),
		HeartbeatSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zone_heartbeat_saves_total",
			Help: "Сохранённые heartbeat main zone",
		}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zone_heartbeat_failures_total",
			Help: "Ошибки сохранения heartbeat main zone",
		}),
		Handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zone_handoffs_total",
			Help: "Переходы игроков между зонами по результату",
		}, []string{"result"}),
	}
	if reg == nil {
		return m
	}

	m.PlayersOnline = register(reg, m.PlayersOnline)
	m.SpawnAttempts = register(reg, m.SpawnAttempts)
	m.SpawnFailures = register(reg, m.SpawnFailures)
	m.HeartbeatSaves = register(reg, m.HeartbeatSaves)
	m.HeartbeatFailures = register(reg, m.HeartbeatFailures)
	m.Handoffs = register(reg, m.Handoffs)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		logging.Warn("Не удалось зарегистрировать метрику: %v", err)
	}
	return c
}
