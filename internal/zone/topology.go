package zone

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultMainZoneName ключ heartbeat, если main zone не назван
const DefaultMainZoneName = "_mainZone"

// MainIndex индекс main zone (нет аргумента -zone)
const MainIndex = -1

// Definition статическое описание зоны
type Definition struct {
	Name string `json:"name"`
	// Index смещение порта: позиция в списке sub-zone, MainIndex для main zone
	Index             int     `json:"index"`
	ContentRef        string  `json:"content"`
	TimeoutMultiplier float64 `json:"timeout_multiplier"`
}

// IsMain проверяет, описывает ли определение main zone
func (d Definition) IsMain() bool {
	return d.Index == MainIndex
}

// Content ссылка на контент зоны; по умолчанию совпадает с именем
func (d Definition) Content() string {
	if d.ContentRef != "" {
		return d.ContentRef
	}
	return d.Name
}

// Topology main zone + N sub-zone. Только чтение после старта.
type Topology struct {
	Active       bool
	BasePort     uint16
	IntervalMain time.Duration
	Main         Definition
	SubZones     []Definition
}

// NewTopology проставляет индексы зон и проверяет топологию
func NewTopology(active bool, basePort uint16, intervalMain time.Duration, main Definition, subZones []Definition) (*Topology, error) {
	main.Index = MainIndex
	if main.Name == "" {
		main.Name = DefaultMainZoneName
	}

	subs := make([]Definition, len(subZones))
	for i, def := range subZones {
		def.Index = i
		subs[i] = def
	}

	t := &Topology{
		Active:       active,
		BasePort:     basePort,
		IntervalMain: intervalMain,
		Main:         main,
		SubZones:     subs,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate проверяет инварианты топологии: уникальные имена и порты
func (t *Topology) Validate() error {
	if t.IntervalMain <= 0 {
		return &ConfigurationError{Field: "interval_main", Reason: "must be positive"}
	}
	if t.BasePort == 0 {
		return &ConfigurationError{Field: "base_port", Reason: "must be set"}
	}
	if int(t.BasePort)+len(t.SubZones) > math.MaxUint16 {
		return &ConfigurationError{
			Field:  "base_port",
			Reason: fmt.Sprintf("%d sub-zones do not fit above port %d", len(t.SubZones), t.BasePort),
		}
	}

	seen := map[string]bool{t.Main.Name: true}
	for i, def := range t.SubZones {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return &ConfigurationError{Field: fmt.Sprintf("sub_zones[%d].name", i), Reason: "empty"}
		}
		if seen[name] {
			return &ConfigurationError{Field: fmt.Sprintf("sub_zones[%d].name", i), Reason: fmt.Sprintf("duplicate zone name %q", name)}
		}
		seen[name] = true
		if def.TimeoutMultiplier < 0 {
			return &ConfigurationError{Field: fmt.Sprintf("sub_zones[%d].timeout_multiplier", i), Reason: "must be >= 0"}
		}
		if def.Index != i {
			return &ConfigurationError{Field: fmt.Sprintf("sub_zones[%d].index", i), Reason: fmt.Sprintf("got %d", def.Index)}
		}
	}
	return nil
}

// MainPort порт main zone
func (t *Topology) MainPort() uint16 {
	return t.BasePort
}

// ListenPort порт sub-zone: BasePort + index + 1.
// Для MainIndex возвращает порт main zone.
func (t *Topology) ListenPort(index int) uint16 {
	return uint16(int(t.BasePort) + index + 1)
}

// PortOf порт зоны по её определению
func (t *Topology) PortOf(def Definition) uint16 {
	if def.IsMain() {
		return t.MainPort()
	}
	return t.ListenPort(def.Index)
}

// SubZone возвращает sub-zone по индексу
func (t *Topology) SubZone(index int) (Definition, bool) {
	if index < 0 || index >= len(t.SubZones) {
		return Definition{}, false
	}
	return t.SubZones[index], true
}

// Resolve ищет зону по точному имени: сначала sub-zone, затем main zone
func (t *Topology) Resolve(name string) (Definition, uint16, error) {
	for _, def := range t.SubZones {
		if def.Name == name {
			return def, t.ListenPort(def.Index), nil
		}
	}
	if name != "" && name == t.Main.Name {
		return t.Main, t.MainPort(), nil
	}
	return Definition{}, 0, &UnknownZoneError{Name: name}
}

// HeartbeatKey ключ записи heartbeat main zone во внешнем хранилище
func (t *Topology) HeartbeatKey() string {
	if t.Main.Name == "" {
		return DefaultMainZoneName
	}
	return t.Main.Name
}

// SubZoneTimeout интервал проверки sub-zone: IntervalMain * multiplier
func (t *Topology) SubZoneTimeout(def Definition) time.Duration {
	return time.Duration(float64(t.IntervalMain) * def.TimeoutMultiplier)
}
