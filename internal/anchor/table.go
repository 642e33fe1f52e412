package anchor

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/annel0/mmo-zones/internal/vec"
)

// ErrAnchorNotFound якорь с таким именем не зарегистрирован
var ErrAnchorNotFound = errors.New("portal anchor not found")

// Entry именованная точка появления игрока в зоне
type Entry struct {
	Name     string   `json:"name"`
	Position vec.Vec3 `json:"position"`
	// Content контент (сцена), зарегистрировавший якорь; пусто для ручной регистрации
	Content string `json:"content,omitempty"`
}

// Table реестр якорей процесса.
// Имена могут повторяться: поиск возвращает первое совпадение в порядке регистрации.
type Table struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewTable создаёт пустую таблицу якорей
func NewTable() *Table {
	return &Table{}
}

// Register добавляет якорь без привязки к контенту
func (t *Table) Register(name string, pos vec.Vec3) {
	t.RegisterFor("", name, pos)
}

// RegisterFor добавляет якорь, принадлежащий контенту content
func (t *Table) RegisterFor(content, name string, pos vec.Vec3) {
	t.mu.Lock()
	t.entries = append(t.entries, Entry{Name: name, Position: pos, Content: content})
	t.mu.Unlock()
}

// Unregister удаляет все якоря с именем name и возвращает их количество
func (t *Table) Unregister(name string) int {
	return t.removeWhere(func(e Entry) bool { return e.Name == name })
}

// UnregisterContent удаляет все якоря, зарегистрированные контентом (выгрузка сцены)
func (t *Table) UnregisterContent(content string) int {
	if content == "" {
		return 0
	}
	return t.removeWhere(func(e Entry) bool { return e.Content == content })
}

func (t *Table) removeWhere(match func(Entry) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.entries[:0]
	removed := 0
	for _, e := range t.entries {
		if match(e) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	// обнуляем хвост, чтобы не держать ссылки на строки удалённых записей
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = Entry{}
	}
	t.entries = kept
	return removed
}

// CheckExists проверяет наличие якоря. Пустое имя всегда false.
func (t *Table) CheckExists(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, ok := t.find(name)
	return ok
}

// Position возвращает позицию первого якоря с именем name
func (t *Table) Position(name string) (vec.Vec3, bool) {
	e, ok := t.find(name)
	if !ok {
		return vec.Vec3{}, false
	}
	return e.Position, true
}

// Lookup как Position, но с ошибкой ErrAnchorNotFound
func (t *Table) Lookup(name string) (Entry, error) {
	e, ok := t.find(name)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrAnchorNotFound, name)
	}
	return e, nil
}

func (t *Table) find(name string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// All возвращает копию всех записей
func (t *Table) All() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len количество зарегистрированных якорей
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
