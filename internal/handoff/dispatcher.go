package handoff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annel0/mmo-zones/internal/anchor"
	"github.com/annel0/mmo-zones/internal/content"
	"github.com/annel0/mmo-zones/internal/eventbus"
	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/protocol"
	"github.com/annel0/mmo-zones/internal/store"
	"github.com/annel0/mmo-zones/internal/vec"
	"github.com/annel0/mmo-zones/internal/zone"
)

// ErrPlayerOffline игрок не подключён к этой зоне
var ErrPlayerOffline = errors.New("handoff: player is not connected")

// ErrConnMismatch соединение принадлежит другому игроку
var ErrConnMismatch = errors.New("handoff: connection belongs to another player")

// Sender серверная сторона сетевой сессии
type Sender interface {
	Send(connID string, msg protocol.Message) error
	Disconnect(connID string) error
}

// DispatcherConfig зависимости серверной стороны перехода
type DispatcherConfig struct {
	Topology *zone.Topology
	State    *zone.RuntimeState
	Players  store.PlayerStore
	Anchors  *anchor.Table
	Tickets  *Tickets
	Sender   Sender
	// Manifest манифест загруженного контента, даёт якорь появления по умолчанию
	Manifest func() content.Manifest
	// Publish необязательный вывод событий на шину
	Publish func(eventType string, payload any)
	Clock   func() time.Time
}

// SessionInfo подключённый игрок
type SessionInfo struct {
	ConnID   string    `json:"conn_id"`
	Player   string    `json:"player"`
	Anchor   string    `json:"anchor,omitempty"`
	Position vec.Vec3  `json:"position"`
	Since    time.Time `json:"since"`
}

// Dispatcher серверная сторона перехода: отправка директив, приём входа
// по билету, учёт игроков зоны. HandleLogin и HandleDisconnect вызываются
// с горутин транспорта.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *logging.Logger

	mu       sync.Mutex
	byConn   map[string]*SessionInfo
	byPlayer map[string]string
}

// NewDispatcher создаёт диспетчер переходов
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Manifest == nil {
		cfg.Manifest = func() content.Manifest { return content.Manifest{} }
	}
	if cfg.Anchors == nil {
		cfg.Anchors = anchor.NewTable()
	}
	return &Dispatcher{
		cfg:      cfg,
		logger:   logging.GetHandoffLogger(),
		byConn:   make(map[string]*SessionInfo),
		byPlayer: make(map[string]string),
	}
}

func (d *Dispatcher) currentZone() string {
	if d.cfg.State != nil {
		return d.cfg.State.Zone().Name
	}
	return d.cfg.Topology.Main.Name
}

// Transfer переводит игрока соединения connID в зону zoneName к якорю anchorName.
// Соединение должно принадлежать игроку. Запись игрока сохраняется до отправки директивы.
func (d *Dispatcher) Transfer(ctx context.Context, connID, player, zoneName, anchorName string) error {
	target, port, err := d.cfg.Topology.Resolve(zoneName)
	if err != nil {
		return err
	}
	if err := d.checkOwner(connID, player); err != nil {
		return err
	}

	from := d.currentZone()
	rec := store.PlayerRecord{
		Name:      player,
		Zone:      target.Name,
		Anchor:    anchorName,
		UpdatedAt: d.cfg.Clock(),
	}
	if err := d.cfg.Players.SavePlayer(ctx, rec); err != nil {
		return fmt.Errorf("handoff: сохранение игрока %s: %w", player, err)
	}

	ticket, err := d.cfg.Tickets.Issue(player, from, target.Name, anchorName)
	if err != nil {
		return fmt.Errorf("handoff: билет для %s: %w", player, err)
	}

	sd := &protocol.SwitchDirective{
		PlayerName: player,
		ZoneName:   target.Name,
		Ticket:     ticket,
		Anchor:     anchorName,
	}
	if err := d.cfg.Sender.Send(connID, sd); err != nil {
		d.publish(eventbus.EventHandoffFailed, eventbus.HandoffPayload{
			Player: player, From: from, Zone: target.Name, Anchor: anchorName, Port: port, Error: err.Error(),
		})
		return fmt.Errorf("handoff: отправка директивы %s: %w", player, err)
	}

	d.logger.Info("🚪 %s: %s -> %s (якорь %q, порт %d)", player, from, target.Name, anchorName, port)
	d.publish(eventbus.EventHandoffRequested, eventbus.HandoffPayload{
		Player: player, From: from, Zone: target.Name, Anchor: anchorName, Port: port,
	})
	return nil
}

// checkOwner билет выдаётся только соединению, на котором вошёл сам игрок
func (d *Dispatcher) checkOwner(connID, player string) error {
	d.mu.Lock()
	info, ok := d.byConn[connID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s (conn %s)", ErrPlayerOffline, player, connID)
	}
	if info.Player != player {
		return fmt.Errorf("%w: conn %s is %s, not %s", ErrConnMismatch, connID, info.Player, player)
	}
	return nil
}

// TransferPlayer как Transfer, соединение ищется по имени игрока
func (d *Dispatcher) TransferPlayer(ctx context.Context, player, zoneName, anchorName string) error {
	d.mu.Lock()
	connID, ok := d.byPlayer[player]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlayerOffline, player)
	}
	return d.Transfer(ctx, connID, player, zoneName, anchorName)
}

// HandleLogin проверяет билет и определяет точку появления игрока
func (d *Dispatcher) HandleLogin(ctx context.Context, connID string, m *protocol.Login) *protocol.LoginResult {
	current := d.currentZone()
	if m == nil || m.Player == "" {
		return &protocol.LoginResult{OK: false, Reason: "empty player name", Zone: current}
	}

	claims, err := d.cfg.Tickets.Verify(m.Ticket, m.Player, current)
	if err != nil {
		d.logger.Warn("🔒 Вход %s в %s отклонён: %v", m.Player, current, err)
		return &protocol.LoginResult{OK: false, Reason: "invalid transfer ticket", Zone: current}
	}

	if ghost := d.evict(m.Player, connID); ghost != "" {
		d.logger.Info("👻 %s вошёл повторно, старое соединение %s закрыто", m.Player, ghost)
		if err := d.cfg.Sender.Disconnect(ghost); err != nil {
			d.logger.Debug("Закрытие %s: %v", ghost, err)
		}
	}

	rec, found, err := d.cfg.Players.LoadPlayer(ctx, m.Player)
	if err != nil {
		d.logger.Warn("⚠️ Запись игрока %s не прочитана: %v", m.Player, err)
		found = false
	}
	if found && rec.Zone != current {
		found = false
	}

	anchorName := claims.Anchor
	if anchorName == "" && found {
		anchorName = rec.Anchor
	}
	anchorName, pos := d.spawnPoint(anchorName, rec, found)

	now := d.cfg.Clock()
	d.mu.Lock()
	d.byConn[connID] = &SessionInfo{ConnID: connID, Player: m.Player, Anchor: anchorName, Position: pos, Since: now}
	d.byPlayer[m.Player] = connID
	online := len(d.byConn)
	d.mu.Unlock()
	if d.cfg.State != nil {
		d.cfg.State.SetPlayersOnline(online)
	}

	saved := store.PlayerRecord{Name: m.Player, Zone: current, Anchor: anchorName, Position: pos, UpdatedAt: now}
	if err := d.cfg.Players.SavePlayer(ctx, saved); err != nil {
		d.logger.Warn("⚠️ Запись игрока %s не сохранена: %v", m.Player, err)
	}

	d.logger.Info("🎮 %s вошёл в зону %s у якоря %q %s (онлайн: %d)", m.Player, current, anchorName, pos, online)
	d.publish(eventbus.EventPlayerLoggedIn, eventbus.PlayerPayload{Player: m.Player, ConnID: connID, PlayersOnline: online})
	if claims.FromZone != "" {
		d.publish(eventbus.EventHandoffCompleted, eventbus.HandoffPayload{
			Player: m.Player, From: claims.FromZone, Zone: current, Anchor: anchorName, Port: d.listenPort(),
		})
	}

	return &protocol.LoginResult{OK: true, Zone: current, Anchor: anchorName, Position: pos}
}

// spawnPoint: якорь перехода, затем сохранённая позиция, затем якорь появления контента
func (d *Dispatcher) spawnPoint(anchorName string, rec store.PlayerRecord, found bool) (string, vec.Vec3) {
	if anchorName != "" {
		if pos, ok := d.cfg.Anchors.Position(anchorName); ok {
			return anchorName, pos
		}
		d.logger.Warn("⚠️ Якорь %q не найден в зоне %s", anchorName, d.currentZone())
	}
	if found && !rec.Position.IsZero() {
		return rec.Anchor, rec.Position
	}

	spawn := d.cfg.Manifest().SpawnAnchor()
	if pos, ok := d.cfg.Anchors.Position(spawn); ok {
		return spawn, pos
	}
	return "", vec.Vec3{}
}

func (d *Dispatcher) listenPort() uint16 {
	if d.cfg.State != nil {
		return d.cfg.State.ListenPort()
	}
	return 0
}

// evict снимает регистрацию другого соединения того же игрока
func (d *Dispatcher) evict(player, connID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, ok := d.byPlayer[player]
	if !ok || old == connID {
		return ""
	}
	delete(d.byConn, old)
	delete(d.byPlayer, player)
	return old
}

// HandleDisconnect снимает сессию соединения
func (d *Dispatcher) HandleDisconnect(connID string) {
	d.mu.Lock()
	info, ok := d.byConn[connID]
	if ok {
		delete(d.byConn, connID)
		if d.byPlayer[info.Player] == connID {
			delete(d.byPlayer, info.Player)
		}
	}
	online := len(d.byConn)
	d.mu.Unlock()

	if !ok {
		return
	}
	if d.cfg.State != nil {
		d.cfg.State.SetPlayersOnline(online)
	}
	d.logger.Info("👋 %s покинул зону (онлайн: %d)", info.Player, online)
	d.publish(eventbus.EventPlayerLoggedOut, eventbus.PlayerPayload{Player: info.Player, ConnID: connID, PlayersOnline: online})
}

// PlayersOnline число подключённых игроков
func (d *Dispatcher) PlayersOnline() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byConn)
}

// Sessions подключённые игроки по имени
func (d *Dispatcher) Sessions() []SessionInfo {
	d.mu.Lock()
	out := make([]SessionInfo, 0, len(d.byConn))
	for _, s := range d.byConn {
		out = append(out, *s)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Player < out[j].Player })
	return out
}

func (d *Dispatcher) publish(eventType string, payload any) {
	if d.cfg.Publish != nil {
		d.cfg.Publish(eventType, payload)
	}
}
