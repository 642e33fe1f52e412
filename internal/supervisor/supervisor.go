package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/zone"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Outcome результат одной попытки запуска sub-zone
type Outcome struct {
	Index     int       `json:"index"`
	Zone      string    `json:"zone"`
	Port      uint16    `json:"port"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Err       error     `json:"-"`
}

// OK запуск прошёл успешно
func (o Outcome) OK() bool { return o.Err == nil }

// Supervisor запускает процессы sub-zone из main zone
type Supervisor struct {
	topology   *zone.Topology
	state      *zone.RuntimeState
	spawner    Spawner
	executable string
	args       []string
	logger     *logging.Logger

	mu        sync.Mutex
	outcomes  []Outcome
	onOutcome func(Outcome)
}

// Config параметры Supervisor
type Config struct {
	Topology *zone.Topology
	State    *zone.RuntimeState
	Spawner  Spawner
	// Executable путь к собственному бинарю (os.Executable)
	Executable string
	// Args исходные аргументы процесса без имени программы
	Args []string
	// OnOutcome вызывается после каждой попытки запуска
	OnOutcome func(Outcome)
}

// New создаёт Supervisor
func New(cfg Config) *Supervisor {
	if cfg.Spawner == nil {
		cfg.Spawner = NewExecSpawner()
	}
	return &Supervisor{
		topology:   cfg.Topology,
		state:      cfg.State,
		spawner:    cfg.Spawner,
		executable: cfg.Executable,
		args:       zone.StripZoneArgs(cfg.Args),
		logger:     logging.GetSupervisorLogger(),
		onOutcome:  cfg.OnOutcome,
	}
}

// CommandFor собирает команду запуска sub-zone с индексом index
func (s *Supervisor) CommandFor(def zone.Definition) Command {
	args := make([]string, 0, len(s.args)+2)
	args = append(args, s.args...)
	args = append(args, zone.ZoneArgs(def.Index)...)
	return Command{Path: s.executable, Args: args, Index: def.Index, Zone: def.Name}
}

// SpawnSubZones запускает по одному процессу на каждую sub-zone.
// Ничего не делает вне main zone или при выключенной топологии.
// Ошибка одного запуска не мешает остальным.
func (s *Supervisor) SpawnSubZones(ctx context.Context) []Outcome {
	if !s.state.IsMain() || !s.state.Active() {
		s.logger.Debug("Запуск sub-zone пропущен: роль %s, active=%v", s.state.Role(), s.state.Active())
		return nil
	}

	ctx, span := otel.Tracer("supervisor").Start(ctx, "SpawnSubZones")
	defer span.End()

	current := s.state.Zone().Name
	outcomes := make([]Outcome, 0, len(s.topology.SubZones))
	failures := 0

	for _, def := range s.topology.SubZones {
		if def.Name == current {
			continue
		}

		out := s.spawnOne(ctx, def)
		if !out.OK() {
			failures++
		}
		outcomes = append(outcomes, out)

		s.mu.Lock()
		s.outcomes = append(s.outcomes, out)
		s.mu.Unlock()

		if s.onOutcome != nil {
			s.onOutcome(out)
		}
	}

	span.SetAttributes(
		attribute.Int("zones.attempted", len(outcomes)),
		attribute.Int("zones.failed", failures),
	)
	if failures > 0 {
		span.SetStatus(codes.Error, "some sub-zones failed to spawn")
	}
	s.logger.Info("🚀 Sub-zone запущено: %d из %d", len(outcomes)-failures, len(outcomes))
	return outcomes
}

func (s *Supervisor) spawnOne(ctx context.Context, def zone.Definition) Outcome {
	cmd := s.CommandFor(def)
	out := Outcome{
		Index:     def.Index,
		Zone:      def.Name,
		Port:      s.topology.ListenPort(def.Index),
		StartedAt: time.Now(),
	}

	pid, err := s.spawner.Spawn(ctx, cmd)
	if err != nil {
		out.Err = &zone.SpawnError{Index: def.Index, Zone: def.Name, Err: err}
		s.logger.Error("❌ %v", out.Err)
		return out
	}

	out.PID = pid
	s.logger.Info("✅ sub-zone %d (%s) pid=%d порт %d", def.Index, def.Name, pid, out.Port)
	return out
}

// Outcomes все попытки запуска с момента старта
func (s *Supervisor) Outcomes() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Outcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

// SpawnErrors только неудачные запуски
func SpawnErrors(outcomes []Outcome) []*zone.SpawnError {
	var errs []*zone.SpawnError
	for _, o := range outcomes {
		var se *zone.SpawnError
		if errors.As(o.Err, &se) {
			errs = append(errs, se)
		}
	}
	return errs
}
