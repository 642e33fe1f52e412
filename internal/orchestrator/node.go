package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/mmo-zones/internal/anchor"
	"github.com/annel0/mmo-zones/internal/api"
	"github.com/annel0/mmo-zones/internal/content"
	"github.com/annel0/mmo-zones/internal/eventbus"
	"github.com/annel0/mmo-zones/internal/handoff"
	"github.com/annel0/mmo-zones/internal/heartbeat"
	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/protocol"
	"github.com/annel0/mmo-zones/internal/scheduler"
	"github.com/annel0/mmo-zones/internal/store"
	"github.com/annel0/mmo-zones/internal/supervisor"
	"github.com/annel0/mmo-zones/internal/transport"
	"github.com/annel0/mmo-zones/internal/zone"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Коды завершения процесса зоны
const (
	ExitOK    = 0
	ExitError = 1
	// ExitStale sub-zone завершилась из-за молчания main zone
	ExitStale = 3
)

const publishTimeout = 2 * time.Second

// Session сетевая сессия процесса зоны
type Session interface {
	handoff.Session
	handoff.Sender
	StartServer(ctx context.Context, port uint16) error
	SetServerHandler(h transport.ServerHandler)
	SetClientHandler(h transport.ClientHandler)
	Close() error
}

// HealthReporter получает готовность зоны (gRPC health)
type HealthReporter interface {
	SetServing(serving bool)
}

// Options зависимости Node
type Options struct {
	Topology *zone.Topology
	// Args аргументы процесса без имени программы; из них берётся индекс зоны
	Args []string
	// Executable собственный бинарь для запуска sub-zone
	Executable string
	Store      store.Store
	Session    Session
	// Bus необязательная шина событий; Node её не закрывает
	Bus        eventbus.EventBus
	Spawner    supervisor.Spawner
	Tickets    *handoff.Tickets
	ContentDir string
	Manifests  []content.Manifest
	Health     HealthReporter
	Registerer prometheus.Registerer
	Clock      func() time.Time
}

// Node процесс зоны: выбирает роль, поднимает сервер и контент,
// запускает sub-zone или следит за main zone, обслуживает переходы игроков.
type Node struct {
	topology   *zone.Topology
	state      *zone.RuntimeState
	loop       *scheduler.Loop
	anchors    *anchor.Table
	content    *content.Manager
	monitor    *heartbeat.Monitor
	supervisor *supervisor.Supervisor
	dispatcher *handoff.Dispatcher
	handler    *handoff.Handler
	session    Session
	store      store.Store
	bus        eventbus.EventBus
	health     HealthReporter
	metrics    *NodeMetrics
	clock      func() time.Time
	logger     *logging.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool

	terminated chan error
	termOnce   sync.Once
}

// New проверяет топологию, выбирает роль процесса по Args и связывает компоненты
func New(opts Options) (*Node, error) {
	if opts.Topology == nil {
		return nil, &zone.ConfigurationError{Field: "topology", Reason: "required"}
	}
	if opts.Store == nil {
		return nil, &zone.ConfigurationError{Field: "store", Reason: "required"}
	}
	if opts.Session == nil {
		return nil, &zone.ConfigurationError{Field: "session", Reason: "required"}
	}
	if err := opts.Topology.Validate(); err != nil {
		return nil, err
	}

	index, present, err := zone.ParseZoneIndex(opts.Args)
	if err != nil {
		return nil, err
	}
	state, err := zone.SelectRole(opts.Topology, index, present)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	n := &Node{
		topology:   opts.Topology,
		state:      state,
		loop:       scheduler.NewLoop(256),
		anchors:    anchor.NewTable(),
		session:    opts.Session,
		store:      opts.Store,
		bus:        opts.Bus,
		health:     opts.Health,
		metrics:    NewNodeMetrics(opts.Registerer),
		clock:      opts.Clock,
		logger:     logging.GetZoneLogger(),
		ctx:        context.Background(),
		terminated: make(chan error, 1),
	}

	n.content = content.NewManager(opts.ContentDir, n.anchors, n.loop.Post)
	for _, man := range opts.Manifests {
		n.content.Define(man)
	}

	n.monitor = heartbeat.NewMonitor(opts.Store, n.loop, opts.Topology, n.terminate,
		heartbeat.WithClock(opts.Clock),
		heartbeat.WithSaveHook(n.onHeartbeatSaved),
	)

	n.supervisor = supervisor.New(supervisor.Config{
		Topology:   opts.Topology,
		State:      state,
		Spawner:    opts.Spawner,
		Executable: opts.Executable,
		Args:       opts.Args,
		OnOutcome:  n.onSpawnOutcome,
	})

	n.dispatcher = handoff.NewDispatcher(handoff.DispatcherConfig{
		Topology: opts.Topology,
		State:    state,
		Players:  opts.Store,
		Anchors:  n.anchors,
		Tickets:  opts.Tickets,
		Sender:   opts.Session,
		Manifest: n.content.CurrentManifest,
		Publish:  n.publish,
		Clock:    opts.Clock,
	})

	n.handler = handoff.NewHandler(opts.Topology, opts.Session, n.content)
	n.handler.OnComplete = n.onHandoffComplete

	// на всё время жизни процесса
	n.content.OnLoaded(n.onContentLoaded)
	opts.Session.SetServerHandler(n)
	opts.Session.SetClientHandler(n)

	return n, nil
}

// Start поднимает сервер зоны на её порту и запрашивает загрузку контента.
// Main zone дополнительно сохраняет первый heartbeat и затем запускает sub-zone.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fmt.Errorf("orchestrator: node already started")
	}
	n.started = true
	n.ctx, n.cancel = context.WithCancel(ctx)
	runCtx := n.ctx
	n.mu.Unlock()

	n.loop.Start()

	def := n.state.Zone()
	port := n.state.ListenPort()
	n.logger.Info("🌍 Зона %q (%s) стартует на порту %d", def.Name, n.state.Role(), port)

	if err := n.session.StartServer(runCtx, port); err != nil {
		return fmt.Errorf("orchestrator: сервер зоны %q: %w", def.Name, err)
	}
	if err := n.content.Load(runCtx, def.Content()); err != nil {
		return fmt.Errorf("orchestrator: контент зоны %q: %w", def.Name, err)
	}

	if n.state.IsMain() && n.state.Active() {
		if err := n.monitor.StartMain(n.state.PlayersOnline); err != nil {
			return err
		}
		n.supervisor.SpawnSubZones(runCtx)
	}
	return nil
}

// onContentLoaded выполняется на владеющей горутине после каждой загрузки
func (n *Node) onContentLoaded(ev content.LoadEvent) {
	payload := eventbus.ContentLoadedPayload{Ref: ev.Ref, Anchors: ev.Anchors}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
		n.logger.Error("❌ Контент %q не загружен: %v", ev.Ref, ev.Err)
	} else {
		n.logger.Info("📦 Контент %q загружен, якорей: %d", ev.Ref, ev.Anchors)
		if n.health != nil {
			n.health.SetServing(true)
		}
		if n.state.IsSubZone() {
			n.monitor.ArmSubZone(n.state.Zone().TimeoutMultiplier)
		}
	}
	n.publish(eventbus.EventContentLoaded, payload)

	n.handler.OnContentLoaded(ev)
}

func (n *Node) onSpawnOutcome(o supervisor.Outcome) {
	n.metrics.SpawnAttempts.Inc()
	if o.OK() {
		n.publish(eventbus.EventZoneSpawned, eventbus.ZoneSpawnedPayload{
			Index: o.Index, Zone: o.Zone, PID: o.PID, Port: o.Port,
		})
		return
	}
	n.metrics.SpawnFailures.Inc()
	n.publish(eventbus.EventZoneSpawnFailed, eventbus.ZoneSpawnFailedPayload{
		Index: o.Index, Zone: o.Zone, Error: o.Err.Error(),
	})
}

func (n *Node) onHeartbeatSaved(_ int, err error) {
	if err != nil {
		n.metrics.HeartbeatFailures.Inc()
		return
	}
	n.metrics.HeartbeatSaves.Inc()
}

func (n *Node) onHandoffComplete(r handoff.Result) {
	payload := eventbus.HandoffPayload{
		Player: r.Player,
		From:   n.state.Zone().Name,
		Zone:   r.Zone,
		Anchor: r.Anchor,
		Port:   r.Port,
	}
	if r.Err != nil {
		payload.Error = r.Err.Error()
		n.publish(eventbus.EventHandoffFailed, payload)
		return
	}
	n.publish(eventbus.EventHandoffCompleted, payload)
}

// terminate вызывается монитором один раз при молчании main zone
func (n *Node) terminate(err error) {
	var stale *zone.StaleMainZoneTimeout
	if errors.As(err, &stale) {
		n.publish(eventbus.EventMainZoneLost, eventbus.MainZoneLostPayload{
			MainZone: stale.MainZone,
			LastSeen: stale.LastSeen,
			Elapsed:  stale.Elapsed,
			Timeout:  stale.Timeout,
		})
	}
	n.termOnce.Do(func() {
		n.terminated <- err
		close(n.terminated)
	})
}

// Terminated получает причину планового завершения процесса (молчание main zone)
func (n *Node) Terminated() <-chan error {
	return n.terminated
}

// ExitCode код выхода процесса для причины завершения
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case heartbeat.IsStale(err):
		return ExitStale
	default:
		return ExitError
	}
}

// publish отправляет событие на шину и считает переходы
func (n *Node) publish(eventType string, payload any) {
	switch eventType {
	case eventbus.EventHandoffRequested:
		n.metrics.Handoffs.WithLabelValues(HandoffRequested).Inc()
	case eventbus.EventHandoffCompleted:
		n.metrics.Handoffs.WithLabelValues(HandoffCompleted).Inc()
	case eventbus.EventHandoffFailed:
		n.metrics.Handoffs.WithLabelValues(HandoffFailed).Inc()
	}

	if n.bus == nil {
		return
	}
	ev, err := eventbus.NewEnvelope(n.state.Zone().Name, eventType, payload)
	if err != nil {
		n.logger.Warn("⚠️ Событие %s: %v", eventType, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := n.bus.Publish(ctx, ev); err != nil {
		n.logger.Warn("⚠️ Не удалось опубликовать %s: %v", eventType, err)
	}
}

// HandleLogin вход игрока на сервер зоны (горутина транспорта)
func (n *Node) HandleLogin(ctx context.Context, connID string, m *protocol.Login) *protocol.LoginResult {
	res := n.dispatcher.HandleLogin(ctx, connID, m)
	n.metrics.PlayersOnline.Set(float64(n.state.PlayersOnline()))
	return res
}

// HandleDisconnect соединение игрока закрыто
func (n *Node) HandleDisconnect(connID string) {
	n.dispatcher.HandleDisconnect(connID)
	n.metrics.PlayersOnline.Set(float64(n.state.PlayersOnline()))
}

// HandleSwitch директива перехода от сервера; обрабатывается на владеющей горутине
func (n *Node) HandleSwitch(m *protocol.SwitchDirective) {
	n.mu.Lock()
	ctx := n.ctx
	n.mu.Unlock()

	posted := n.loop.Post(func() {
		if err := n.handler.HandleSwitch(ctx, m); err != nil {
			if errors.Is(err, handoff.ErrServerSide) {
				n.logger.Debug("Директива перехода %s проигнорирована: процесс является сервером", m.PlayerName)
				return
			}
			n.logger.Warn("⚠️ Директива перехода %s в %q: %v", m.PlayerName, m.ZoneName, err)
		}
	})
	if !posted {
		n.logger.Warn("⚠️ Директива перехода %s получена после остановки", m.PlayerName)
	}
}

// HandleLoginResult ответ зоны на вход клиента
func (n *Node) HandleLoginResult(m *protocol.LoginResult) {
	if !m.OK {
		n.logger.Warn("⚠️ Вход отклонён: %s", m.Reason)
		return
	}
	n.logger.Info("✅ Вход выполнен, позиция %v", m.Position)
}

// Stop останавливает таймеры, сеть и хранилище. Повторный вызов безопасен.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	cancel := n.cancel
	n.mu.Unlock()

	if n.health != nil {
		n.health.SetServing(false)
	}
	if cancel != nil {
		cancel()
	}

	n.monitor.Stop()
	errSession := n.session.Close()
	n.loop.Stop()
	n.content.Wait()
	errStore := n.store.Close()

	n.logger.Info("🛑 Зона %q остановлена", n.state.Zone().Name)
	return errors.Join(errSession, errStore)
}

// Snapshot состояние процесса зоны
func (n *Node) Snapshot() zone.StateSnapshot { return n.state.Snapshot() }

// Topology топология зон
func (n *Node) Topology() *zone.Topology { return n.topology }

// State состояние процесса
func (n *Node) State() *zone.RuntimeState { return n.state }

// Children запущенные sub-zone с состоянием процессов
func (n *Node) Children() []supervisor.ChildStatus { return n.supervisor.Status() }

// Anchors якоря загруженного контента
func (n *Node) Anchors() []anchor.Entry { return n.anchors.All() }

// Sessions игроки зоны
func (n *Node) Sessions() []handoff.SessionInfo { return n.dispatcher.Sessions() }

func (n *Node) Handler() *handoff.Handler       { return n.handler }
func (n *Node) Content() *content.Manager       { return n.content }
func (n *Node) Monitor() *heartbeat.Monitor     { return n.monitor }
func (n *Node) Metrics() *NodeMetrics           { return n.metrics }
func (n *Node) Dispatcher() *handoff.Dispatcher { return n.dispatcher }

// Heartbeat последняя запись main zone и состояние таймеров
func (n *Node) Heartbeat(ctx context.Context) (api.HeartbeatView, error) {
	view := api.HeartbeatView{
		Key:     n.topology.HeartbeatKey(),
		Monitor: n.monitor.Status(),
	}
	hb, found, err := n.monitor.Last(ctx)
	if err != nil {
		return view, err
	}
	if found {
		view.Found = true
		view.Record = &hb
		view.Age = n.clock().Sub(hb.SavedAt).Round(time.Millisecond).String()
	}
	return view, nil
}

// Transfer переводит игрока в другую зону. Пустой connID: соединение ищется по имени.
func (n *Node) Transfer(ctx context.Context, connID, player, zoneName, anchorName string) error {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "Transfer")
	defer span.End()
	span.SetAttributes(
		attribute.String("player", player),
		attribute.String("zone.target", zoneName),
	)

	var err error
	if connID == "" {
		err = n.dispatcher.TransferPlayer(ctx, player, zoneName, anchorName)
	} else {
		err = n.dispatcher.Transfer(ctx, connID, player, zoneName, anchorName)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
