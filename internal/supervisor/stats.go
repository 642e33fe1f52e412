package supervisor

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats наблюдаемые параметры процесса зоны
type ProcessStats struct {
	PID        int     `json:"pid"`
	Running    bool    `json:"running"`
	RSSMB      float64 `json:"rss_mb"`
	CPUPercent float64 `json:"cpu_percent"`
}

// ChildStatus результат запуска вместе с текущим состоянием процесса
type ChildStatus struct {
	Outcome
	Error string       `json:"error,omitempty"`
	Stats ProcessStats `json:"stats"`
}

// Status опрашивает ОС о каждом запущенном ребёнке. Только наблюдение.
func (s *Supervisor) Status() []ChildStatus {
	outcomes := s.Outcomes()
	result := make([]ChildStatus, 0, len(outcomes))
	for _, o := range outcomes {
		cs := ChildStatus{Outcome: o}
		if o.Err != nil {
			cs.Error = o.Err.Error()
		} else {
			cs.Stats = StatsFor(o.PID)
		}
		result = append(result, cs)
	}
	return result
}

// StatsFor возвращает RSS и CPU процесса. Для несуществующего PID Running=false.
func StatsFor(pid int) ProcessStats {
	st := ProcessStats{PID: pid}
	if pid <= 0 {
		return st
	}

	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return st
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return st
	}
	if running, err := proc.IsRunning(); err == nil {
		st.Running = running
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		st.RSSMB = float64(mem.RSS) / 1024 / 1024
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	return st
}

// SelfStats параметры текущего процесса
func SelfStats() ProcessStats {
	st := StatsFor(os.Getpid())
	if st.RSSMB == 0 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		st.RSSMB = float64(m.Sys) / 1024 / 1024
	}
	return st
}
