package scheduler

import (
	"sync"
	"time"

	"github.com/annel0/mmo-zones/internal/logging"
)

// Loop владеющая горутина процесса зоны: все колбэки (таймеры, завершение
// загрузки контента, директивы переключения) выполняются последовательно.
type Loop struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	handles map[uint64]*Handle
	nextID  uint64
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewLoop создаёт цикл с очередью заданного размера
func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	return &Loop{
		tasks:   make(chan func(), buffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		handles: make(map[uint64]*Handle),
	}
}

// Start запускает владеющую горутину
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		case <-l.quit:
			return
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("⏱️ Scheduler: паника в задаче: %v", r)
		}
	}()
	fn()
}

// Post ставит задачу в очередь. false, если цикл остановлен.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return false
	}

	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Every выполняет fn на владеющей горутине: первый раз через delay, далее
// каждые interval. При interval <= 0 возвращает уже отменённый Handle.
func (l *Loop) Every(delay, interval time.Duration, fn func()) *Handle {
	h := &Handle{stop: make(chan struct{})}
	if interval <= 0 {
		h.Cancel()
		return h
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		h.Cancel()
		return h
	}
	l.nextID++
	h.id = l.nextID
	h.loop = l
	l.handles[h.id] = h
	l.mu.Unlock()

	go l.repeat(h, delay, interval, fn)
	return h
}

func (l *Loop) repeat(h *Handle, delay, interval time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-h.stop:
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !l.postTick(h, fn) {
			return
		}
		select {
		case <-ticker.C:
		case <-h.stop:
			return
		}
	}
}

// postTick ставит тик в очередь, если Handle ещё не отменён
func (l *Loop) postTick(h *Handle, fn func()) bool {
	return l.Post(func() {
		if h.Cancelled() {
			return
		}
		fn()
	})
}

// Stop отменяет все повторяющиеся действия и останавливает цикл.
// Не ждёт завершения текущей задачи (может вызываться из неё же), для
// ожидания есть Done. Повторный вызов безопасен.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		handles := make([]*Handle, 0, len(l.handles))
		for _, h := range l.handles {
			handles = append(handles, h)
		}
		l.mu.Unlock()

		for _, h := range handles {
			h.Cancel()
		}
		close(l.quit)

		l.startOnce.Do(func() { close(l.done) })
	})
}

// Done закрывается, когда владеющая горутина завершилась
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Pending количество активных повторяющихся действий
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *Loop) forget(id uint64) {
	l.mu.Lock()
	delete(l.handles, id)
	l.mu.Unlock()
}

// Handle отмена повторяющегося действия
type Handle struct {
	id   uint64
	loop *Loop
	stop chan struct{}
	once sync.Once
}

// Cancel останавливает действие. Идемпотентен.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		close(h.stop)
		if h.loop != nil {
			h.loop.forget(h.id)
		}
	})
}

// Cancelled проверяет, отменено ли действие
func (h *Handle) Cancelled() bool {
	if h == nil {
		return true
	}
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}
