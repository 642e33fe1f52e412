package zone

import "sync"

// RuntimeState состояние зоны процесса. Один экземпляр на процесс,
// принадлежит orchestrator.Node и передаётся компонентам явно.
type RuntimeState struct {
	mu            sync.RWMutex
	role          Role
	zone          Definition
	listenPort    uint16
	active        bool
	playersOnline int
}

// StateSnapshot копия состояния для читателей (admin API, метрики)
type StateSnapshot struct {
	Role          string     `json:"role"`
	Zone          Definition `json:"zone"`
	ListenPort    uint16     `json:"listen_port"`
	Active        bool       `json:"active"`
	PlayersOnline int        `json:"players_online"`
}

func newRuntimeState(role Role, def Definition, port uint16, active bool) *RuntimeState {
	return &RuntimeState{
		role:       role,
		zone:       def,
		listenPort: port,
		active:     active,
	}
}

func (s *RuntimeState) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *RuntimeState) IsMain() bool { return s.Role() == RoleMain }

func (s *RuntimeState) IsSubZone() bool { return s.Role() == RoleSub }

func (s *RuntimeState) Zone() Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zone
}

func (s *RuntimeState) ListenPort() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenPort
}

func (s *RuntimeState) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive выключается при остановке процесса
func (s *RuntimeState) SetActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

func (s *RuntimeState) PlayersOnline() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playersOnline
}

// SetPlayersOnline обновляет счётчик игроков (сессии на сервере зоны)
func (s *RuntimeState) SetPlayersOnline(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	s.playersOnline = n
	s.mu.Unlock()
}

// Snapshot возвращает согласованную копию состояния
func (s *RuntimeState) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StateSnapshot{
		Role:          s.role.String(),
		Zone:          s.zone,
		ListenPort:    s.listenPort,
		Active:        s.active,
		PlayersOnline: s.playersOnline,
	}
}
