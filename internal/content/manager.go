package content

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/annel0/mmo-zones/internal/anchor"
	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/vec"
	"gopkg.in/yaml.v3"
)

// DefaultSpawnAnchor якорь появления, если переход не указал свой
const DefaultSpawnAnchor = "spawn"

// ErrManifestNotFound нет ни определения в памяти, ни файла манифеста
var ErrManifestNotFound = errors.New("content: manifest not found")

// AnchorSpec якорь портала в манифесте
type AnchorSpec struct {
	Name     string   `yaml:"name"`
	Position vec.Vec3 `yaml:"position"`
}

// Manifest описание контента зоны: якоря и точка появления по умолчанию
type Manifest struct {
	Ref           string       `yaml:"ref"`
	DefaultAnchor string       `yaml:"default_anchor"`
	Anchors       []AnchorSpec `yaml:"anchors"`
}

// SpawnAnchor имя якоря появления по умолчанию
func (m Manifest) SpawnAnchor() string {
	if m.DefaultAnchor != "" {
		return m.DefaultAnchor
	}
	return DefaultSpawnAnchor
}

// LoadEvent сигнал завершения загрузки контента
type LoadEvent struct {
	Ref     string
	Anchors int
	Err     error
}

// Listener получает LoadEvent на владеющей горутине
type Listener func(LoadEvent)

// Manager загружает контент зон и публикует их якоря.
//
// Чтение манифеста идёт в фоне, а регистрация якорей и уведомление
// слушателей выполняются через post (владеющий цикл процесса).
// Якоря нового контента зарегистрированы до вызова слушателей.
// Применяется только последний запрошенный Load: завершения более ранних
// загрузок отбрасываются, даже если пришли позже.
type Manager struct {
	dir     string
	anchors *anchor.Table
	post    func(func()) bool
	logger  *logging.Logger

	mu        sync.Mutex
	gen       uint64
	defined   map[string]Manifest
	current   string
	manifest  Manifest
	listeners []Listener
	wg        sync.WaitGroup
}

// NewManager создаёт менеджер. dir может быть пустым, тогда работают только Define.
func NewManager(dir string, anchors *anchor.Table, post func(func()) bool) *Manager {
	if post == nil {
		post = func(fn func()) bool { fn(); return true }
	}
	return &Manager{
		dir:     dir,
		anchors: anchors,
		post:    post,
		logger:  logging.GetComponentLogger("content"),
		defined: make(map[string]Manifest),
	}
}

// Define регистрирует манифест в памяти (имеет приоритет над файлом)
func (m *Manager) Define(man Manifest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defined[man.Ref] = man
}

// OnLoaded добавляет слушателя завершения загрузки на всё время жизни процесса
func (m *Manager) OnLoaded(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Current ссылка на загруженный контент
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentManifest манифест загруженного контента
func (m *Manager) CurrentManifest() Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifest
}

// Load асинхронно загружает контент ref. Ошибка чтения приходит слушателям
// в LoadEvent.Err; сам Load возвращает ошибку только для пустого ref.
func (m *Manager) Load(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("content: empty ref")
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		man, err := m.resolve(ctx, ref)
		if !m.post(func() { m.apply(gen, ref, man, err) }) {
			m.logger.Warn("⚠️ Загрузка %q завершилась после остановки цикла", ref)
		}
	}()
	return nil
}

// Wait ждёт завершения фоновых чтений манифестов
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) resolve(ctx context.Context, ref string) (Manifest, error) {
	if err := ctx.Err(); err != nil {
		return Manifest{}, err
	}

	m.mu.Lock()
	man, ok := m.defined[ref]
	m.mu.Unlock()
	if ok {
		return man, nil
	}

	if m.dir == "" {
		return Manifest{}, fmt.Errorf("%w: %s", ErrManifestNotFound, ref)
	}
	return ReadManifest(filepath.Join(m.dir, ref+".yaml"), ref)
}

// apply выполняется на владеющей горутине
func (m *Manager) apply(gen uint64, ref string, man Manifest, err error) {
	m.mu.Lock()
	latest := m.gen
	m.mu.Unlock()
	if gen != latest {
		m.logger.Debug("🔄 Загрузка %q (поколение %d) устарела, актуальное поколение %d", ref, gen, latest)
		return
	}

	ev := LoadEvent{Ref: ref, Err: err}

	if err == nil {
		m.mu.Lock()
		previous := m.current
		m.mu.Unlock()

		if previous != "" {
			m.anchors.UnregisterContent(previous)
		}
		m.anchors.UnregisterContent(ref)
		for _, a := range man.Anchors {
			m.anchors.RegisterFor(ref, a.Name, a.Position)
		}
		ev.Anchors = len(man.Anchors)

		m.mu.Lock()
		m.current = ref
		m.manifest = man
		m.mu.Unlock()

		m.logger.Info("📦 Контент %q загружен, якорей: %d", ref, ev.Anchors)
	} else {
		m.logger.Error("❌ Не удалось загрузить контент %q: %v", ref, err)
	}

	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// ReadManifest читает YAML-манифест контента
func ReadManifest(path, ref string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("content: чтение %s: %w", path, err)
	}

	var man Manifest
	if err := yaml.Unmarshal(data, &man); err != nil {
		return Manifest{}, fmt.Errorf("content: разбор %s: %w", path, err)
	}
	if man.Ref == "" {
		man.Ref = ref
	}
	for i, a := range man.Anchors {
		if strings.TrimSpace(a.Name) == "" {
			return Manifest{}, fmt.Errorf("content: %s: anchors[%d] без имени", path, i)
		}
	}
	return man, nil
}
