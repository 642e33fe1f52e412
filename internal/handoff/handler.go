package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/annel0/mmo-zones/internal/content"
	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/protocol"
	"github.com/annel0/mmo-zones/internal/zone"
)

// ErrServerSide директива пришла в процесс, который сам является сервером зоны
var ErrServerSide = errors.New("handoff: switch directive ignored on server session")

// ErrSuperseded ожидающий переход заменён более новой директивой
var ErrSuperseded = errors.New("handoff: switch superseded by newer directive")

// Session сетевая сессия, которой управляет переход
type Session interface {
	IsServer() bool
	StopClient() error
	Shutdown() error
	StartClient(ctx context.Context, port uint16) error
	TryLogin(player, ticket string) error
}

// ContentLoader асинхронная загрузка контента; завершение приходит в OnContentLoaded
type ContentLoader interface {
	Load(ctx context.Context, ref string) error
}

// State фаза перехода на стороне клиента
type State int

const (
	StateIdle State = iota
	StateDisconnecting
	StateLoading
	StateConnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDisconnecting:
		return "disconnecting"
	case StateLoading:
		return "loading"
	case StateConnecting:
		return "connecting"
	default:
		return "unknown"
	}
}

// Result итог перехода, передаётся в OnComplete
type Result struct {
	Player string
	Zone   string
	Anchor string
	Port   uint16
	Err    error
}

type pending struct {
	ctx     context.Context
	player  string
	ticket  string
	anchor  string
	target  zone.Definition
	port    uint16
	content string
}

// Handler клиентская машина состояний перехода между зонами.
// Вызывается с владеющей горутины процесса (scheduler.Loop).
type Handler struct {
	topology *zone.Topology
	session  Session
	loader   ContentLoader
	logger   *logging.Logger

	// OnComplete вызывается после попытки входа в новую зону или неудачной загрузки
	OnComplete func(Result)

	mu           sync.Mutex
	state        State
	autoConnect  bool
	pending      *pending
	outboundPort uint16
}

// NewHandler создаёт обработчик директив перехода
func NewHandler(topology *zone.Topology, session Session, loader ContentLoader) *Handler {
	return &Handler{
		topology: topology,
		session:  session,
		loader:   loader,
		logger:   logging.GetHandoffLogger(),
	}
}

// State текущая фаза
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// AutoConnect ждёт ли обработчик загрузки контента для подключения
func (h *Handler) AutoConnect() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.autoConnect
}

// OutboundPort порт последнего подключения к зоне
func (h *Handler) OutboundPort() uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outboundPort
}

// Target зона, переход в которую ещё не завершён
func (h *Handler) Target() (zone.Definition, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil {
		return zone.Definition{}, false
	}
	return h.pending.target, true
}

// HandleSwitch обрабатывает SwitchDirective: отключение, загрузка контента целевой
// зоны, подключение после загрузки. Неизвестная зона не вызывает побочных эффектов.
func (h *Handler) HandleSwitch(ctx context.Context, sd *protocol.SwitchDirective) error {
	if sd == nil {
		return fmt.Errorf("handoff: nil directive")
	}
	if h.session.IsServer() {
		h.logger.Debug("Директива перехода %s -> %s проигнорирована: сессия серверная", sd.PlayerName, sd.ZoneName)
		return ErrServerSide
	}

	target, port, err := h.topology.Resolve(sd.ZoneName)
	if err != nil {
		h.logger.Warn("⚠️ Директива перехода в неизвестную зону %q отклонена", sd.ZoneName)
		return err
	}

	h.mu.Lock()
	var superseded *pending
	// уже подключающийся переход завершится сам
	if h.pending != nil && h.autoConnect {
		superseded = h.pending
	}
	h.state = StateDisconnecting
	h.autoConnect = false
	h.pending = nil
	h.mu.Unlock()

	if superseded != nil {
		h.logger.Info("🔁 Переход в %s заменён переходом в %s", superseded.target.Name, target.Name)
		h.complete(superseded, ErrSuperseded)
	}

	if err := h.session.StopClient(); err != nil {
		h.logger.Warn("⚠️ StopClient: %v", err)
	}
	if err := h.session.Shutdown(); err != nil {
		h.logger.Warn("⚠️ Shutdown: %v", err)
	}

	p := &pending{
		ctx:     context.WithoutCancel(ctx),
		player:  sd.PlayerName,
		ticket:  sd.Ticket,
		anchor:  sd.Anchor,
		target:  target,
		port:    port,
		content: target.Content(),
	}

	h.mu.Lock()
	h.pending = p
	h.autoConnect = true
	h.state = StateLoading
	h.mu.Unlock()

	h.logger.Info("🚪 %s переходит в зону %s (порт %d), загрузка %q", p.player, target.Name, port, p.content)

	if err := h.loader.Load(ctx, p.content); err != nil {
		h.reset(p)
		return fmt.Errorf("handoff: загрузка контента %q: %w", p.content, err)
	}
	return nil
}

// OnContentLoaded сигнал загрузки контента. Действует только для ожидаемого
// контента и только один раз на переход.
func (h *Handler) OnContentLoaded(ev content.LoadEvent) {
	h.mu.Lock()
	p := h.pending
	if !h.autoConnect || p == nil || ev.Ref != p.content {
		h.mu.Unlock()
		return
	}
	h.autoConnect = false

	if ev.Err != nil {
		h.pending = nil
		h.state = StateIdle
		h.mu.Unlock()
		h.logger.Error("❌ Переход %s в %s прерван: %v", p.player, p.target.Name, ev.Err)
		h.complete(p, ev.Err)
		return
	}

	h.state = StateConnecting
	h.outboundPort = p.port
	h.mu.Unlock()

	err := h.session.StartClient(p.ctx, p.port)
	if err == nil {
		err = h.session.TryLogin(p.player, p.ticket)
	}

	h.mu.Lock()
	if h.pending == p {
		h.pending = nil
		h.state = StateIdle
	}
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("❌ Подключение %s к зоне %s: %v", p.player, p.target.Name, err)
	} else {
		h.logger.Info("✅ %s подключается к зоне %s на порту %d", p.player, p.target.Name, p.port)
	}
	h.complete(p, err)
}

func (h *Handler) reset(p *pending) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == p {
		h.pending = nil
		h.autoConnect = false
		h.state = StateIdle
	}
}

func (h *Handler) complete(p *pending, err error) {
	if h.OnComplete == nil {
		return
	}
	h.OnComplete(Result{
		Player: p.player,
		Zone:   p.target.Name,
		Anchor: p.anchor,
		Port:   p.port,
		Err:    err,
	})
}
