package zone

import (
	"fmt"
	"strconv"
	"strings"
)

// Role роль процесса в топологии
type Role int

const (
	RoleMain Role = iota
	RoleSub
)

func (r Role) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleSub:
		return "sub"
	default:
		return "unknown"
	}
}

// ZoneArg имя аргумента индекса зоны
const ZoneArg = "zone"

// ParseZoneIndex ищет индекс зоны в аргументах процесса.
// Поддерживаются -zone N, --zone N, -zone=N, --zone=N и старая форма "zone N".
// Последнее вхождение побеждает.
func ParseZoneIndex(args []string) (index int, present bool, err error) {
	index = MainIndex
	for i := 0; i < len(args); i++ {
		value, consumed, ok := matchZoneArg(args, i)
		if !ok {
			continue
		}
		if value == "" {
			return MainIndex, false, &ConfigurationError{Field: ZoneArg, Reason: "missing value"}
		}
		n, convErr := strconv.Atoi(value)
		if convErr != nil {
			return MainIndex, false, &ConfigurationError{Field: ZoneArg, Reason: fmt.Sprintf("not an integer: %q", value)}
		}
		index, present = n, true
		i += consumed
	}
	return index, present, nil
}

// StripZoneArgs убирает аргументы индекса зоны: дочерний процесс получает
// исходные аргументы и ровно один -zone.
func StripZoneArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if _, consumed, ok := matchZoneArg(args, i); ok {
			i += consumed
			continue
		}
		out = append(out, args[i])
	}
	return out
}

// ZoneArgs аргументы, добавляемые дочернему процессу sub-zone
func ZoneArgs(index int) []string {
	return []string{"-" + ZoneArg, strconv.Itoa(index)}
}

// matchZoneArg возвращает значение аргумента и число дополнительно
// поглощённых элементов args.
func matchZoneArg(args []string, i int) (value string, consumed int, ok bool) {
	arg := args[i]
	name := strings.TrimLeft(arg, "-")
	dashes := len(arg) - len(name)
	if dashes > 2 {
		return "", 0, false
	}

	if dashes > 0 {
		if v, found := strings.CutPrefix(name, ZoneArg+"="); found {
			return v, 0, true
		}
	}
	if name != ZoneArg {
		return "", 0, false
	}
	if i+1 < len(args) {
		return args[i+1], 1, true
	}
	return "", 0, true
}

// SelectRole определяет роль процесса по индексу зоны.
// Индекс вне диапазона: ConfigurationError, без обращения к sub-zone.
func SelectRole(t *Topology, index int, present bool) (*RuntimeState, error) {
	if !present || !t.Active {
		return newRuntimeState(RoleMain, t.Main, t.MainPort(), t.Active), nil
	}

	def, ok := t.SubZone(index)
	if !ok {
		return nil, &ConfigurationError{
			Field:  ZoneArg,
			Reason: fmt.Sprintf("index %d out of range [0, %d)", index, len(t.SubZones)),
		}
	}
	return newRuntimeState(RoleSub, def, t.ListenPort(index), t.Active), nil
}
