package eventbus

import "time"

// ZoneSpawnedPayload дочерний процесс sub-zone запущен
type ZoneSpawnedPayload struct {
	Index int    `json:"index"`
	Zone  string `json:"zone"`
	PID   int    `json:"pid"`
	Port  uint16 `json:"port"`
}

// ZoneSpawnFailedPayload запуск sub-zone не удался
type ZoneSpawnFailedPayload struct {
	Index int    `json:"index"`
	Zone  string `json:"zone"`
	Error string `json:"error"`
}

// ContentLoadedPayload завершена загрузка контента зоны
type ContentLoadedPayload struct {
	Ref     string `json:"ref"`
	Anchors int    `json:"anchors"`
	Error   string `json:"error,omitempty"`
}

// HandoffPayload переход игрока между зонами
type HandoffPayload struct {
	Player string `json:"player"`
	From   string `json:"from,omitempty"`
	Zone   string `json:"zone"`
	Anchor string `json:"anchor,omitempty"`
	Port   uint16 `json:"port,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PlayerPayload вход/выход игрока в зоне
type PlayerPayload struct {
	Player        string `json:"player"`
	ConnID        string `json:"conn_id"`
	PlayersOnline int    `json:"players_online"`
}

// MainZoneLostPayload sub-zone завершается из-за молчания main zone
type MainZoneLostPayload struct {
	MainZone string        `json:"main_zone"`
	LastSeen time.Time     `json:"last_seen,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Timeout  time.Duration `json:"timeout"`
}
