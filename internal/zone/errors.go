package zone

import (
	"fmt"
	"time"
)

// ConfigurationError некорректная топология или индекс зоны.
// Фатальна на старте процесса.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("zone configuration: %s", e.Reason)
	}
	return fmt.Sprintf("zone configuration: %s: %s", e.Field, e.Reason)
}

// SpawnError дочерний процесс sub-zone не запустился.
// Не фатальна: остальные sub-zone запускаются дальше.
type SpawnError struct {
	Index int
	Zone  string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn sub-zone %d (%s): %v", e.Index, e.Zone, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// UnknownZoneError имя зоны из директивы не найдено в топологии
type UnknownZoneError struct {
	Name string
}

func (e *UnknownZoneError) Error() string {
	return fmt.Sprintf("unknown zone %q", e.Name)
}

// StaleMainZoneTimeout heartbeat main zone устарел: sub-zone завершает себя.
// Плановое завершение, не сбой.
type StaleMainZoneTimeout struct {
	MainZone string
	// LastSeen нулевое, если main zone ни разу не сохранял heartbeat
	LastSeen time.Time
	Elapsed  time.Duration
	Timeout  time.Duration
}

func (e *StaleMainZoneTimeout) Error() string {
	if e.LastSeen.IsZero() {
		return fmt.Sprintf("main zone %q has no heartbeat (timeout %s)", e.MainZone, e.Timeout)
	}
	return fmt.Sprintf("main zone %q silent for %s (timeout %s)", e.MainZone, e.Elapsed.Round(time.Millisecond), e.Timeout)
}
