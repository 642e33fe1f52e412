package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/annel0/mmo-zones/internal/logging"
)

// Command описание запуска процесса sub-zone
type Command struct {
	Path  string
	Args  []string
	Index int
	Zone  string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// Spawner запускает процесс и возвращает его PID
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (pid int, err error)
}

// ExecSpawner запускает sub-zone как дочерний процесс ОС.
// Вывод ребёнка идёт в вывод родителя; завершение только логируется, перезапуска нет.
type ExecSpawner struct {
	Stdout io.Writer
	Stderr io.Writer
	// OnExit вызывается из фоновой горутины после завершения ребёнка
	OnExit func(cmd Command, pid int, err error)
}

// NewExecSpawner создаёт spawner с унаследованными stdout/stderr
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Spawn стартует процесс и не ждёт его завершения.
// Контекст не привязывается к жизни ребёнка: sub-zone завершается сам по heartbeat.
func (e *ExecSpawner) Spawn(ctx context.Context, c Command) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		logger := logging.GetSupervisorLogger()
		if err != nil {
			logger.Warn("⚰️ sub-zone %d (%s) pid=%d завершилась: %v", c.Index, c.Zone, pid, err)
		} else {
			logger.Info("⚰️ sub-zone %d (%s) pid=%d завершилась", c.Index, c.Zone, pid)
		}
		if e.OnExit != nil {
			e.OnExit(c, pid, err)
		}
	}()
	return pid, nil
}
