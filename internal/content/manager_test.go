package content

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/annel0/mmo-zones/internal/anchor"
	"github.com/annel0/mmo-zones/internal/scheduler"
	"github.com/annel0/mmo-zones/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const caveYAML = `
default_anchor: entrance
anchors:
  - name: entrance
    position: {x: 1, y: 2, z: 3}
  - name: spawn1
    position: {x: 10, y: 0, z: -4.5}
`

func newLoop(t *testing.T) *scheduler.Loop {
	t.Helper()
	loop := scheduler.NewLoop(16)
	loop.Start()
	t.Cleanup(loop.Stop)
	return loop
}

func waitEvent(t *testing.T, ch <-chan LoadEvent) LoadEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("нет LoadEvent")
		return LoadEvent{}
	}
}

func TestLoad_FromDirectoryRegistersAnchorsBeforeSignal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cave.yaml"), []byte(caveYAML), 0o644))

	table := anchor.NewTable()
	loop := newLoop(t)
	m := NewManager(dir, table, loop.Post)

	events := make(chan LoadEvent, 1)
	m.OnLoaded(func(ev LoadEvent) {
		// якоря уже доступны в момент сигнала
		pos, ok := table.Position("spawn1")
		assert.True(t, ok)
		assert.Equal(t, vec.New(10, 0, -4.5), pos)
		events <- ev
	})

	require.NoError(t, m.Load(context.Background(), "Cave"))
	ev := waitEvent(t, events)
	require.NoError(t, ev.Err)
	assert.Equal(t, "Cave", ev.Ref)
	assert.Equal(t, 2, ev.Anchors)
	assert.Equal(t, "Cave", m.Current())
	assert.Equal(t, "entrance", m.CurrentManifest().SpawnAnchor())
}

func TestLoad_ReplacesPreviousContentAnchors(t *testing.T) {
	table := anchor.NewTable()
	m := NewManager("", table, newLoop(t).Post)
	m.Define(Manifest{Ref: "Forest", Anchors: []AnchorSpec{{Name: "portal_cave", Position: vec.New(5, 5, 0)}}})
	m.Define(Manifest{Ref: "Cave", Anchors: []AnchorSpec{{Name: "spawn1", Position: vec.New(1, 1, 1)}}})

	events := make(chan LoadEvent, 4)
	m.OnLoaded(func(ev LoadEvent) { events <- ev })

	require.NoError(t, m.Load(context.Background(), "Forest"))
	waitEvent(t, events)
	assert.True(t, table.CheckExists("portal_cave"))

	require.NoError(t, m.Load(context.Background(), "Cave"))
	waitEvent(t, events)
	assert.False(t, table.CheckExists("portal_cave"), "якоря предыдущего контента сняты")
	assert.True(t, table.CheckExists("spawn1"))

	// повторная загрузка того же контента не дублирует якоря
	require.NoError(t, m.Load(context.Background(), "Cave"))
	waitEvent(t, events)
	assert.Equal(t, 1, table.Len())
}

func TestLoad_MissingManifestReportsError(t *testing.T) {
	table := anchor.NewTable()
	m := NewManager(t.TempDir(), table, newLoop(t).Post)
	m.Define(Manifest{Ref: "Forest", Anchors: []AnchorSpec{{Name: "a"}}})

	events := make(chan LoadEvent, 2)
	m.OnLoaded(func(ev LoadEvent) { events <- ev })

	require.NoError(t, m.Load(context.Background(), "Forest"))
	waitEvent(t, events)

	require.NoError(t, m.Load(context.Background(), "Nowhere"))
	ev := waitEvent(t, events)
	assert.ErrorIs(t, ev.Err, ErrManifestNotFound)
	assert.Equal(t, "Forest", m.Current(), "неудачная загрузка не меняет текущий контент")
	assert.True(t, table.CheckExists("a"))
}

func TestLoad_EmptyRef(t *testing.T) {
	m := NewManager("", anchor.NewTable(), nil)
	assert.Error(t, m.Load(context.Background(), " "))
}

func TestLoad_InlinePostWithoutLoop(t *testing.T) {
	table := anchor.NewTable()
	m := NewManager("", table, nil)
	m.Define(Manifest{Ref: "Hub", Anchors: []AnchorSpec{{Name: "spawn"}}})

	var got LoadEvent
	m.OnLoaded(func(ev LoadEvent) { got = ev })
	require.NoError(t, m.Load(context.Background(), "Hub"))
	m.Wait()

	assert.Equal(t, "Hub", got.Ref)
	pos, ok := table.Position("spawn")
	assert.True(t, ok, "якорь с нулевой позицией найден явно")
	assert.True(t, pos.IsZero())
}

func TestReadManifest_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")

	require.NoError(t, os.WriteFile(path, []byte("anchors: [{name: ''}]"), 0o644))
	_, err := ReadManifest(path, "bad")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("anchors: {{{"), 0o644))
	_, err = ReadManifest(path, "bad")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("anchors: []"), 0o644))
	man, err := ReadManifest(path, "bad")
	require.NoError(t, err)
	assert.Equal(t, "bad", man.Ref)
	assert.Equal(t, DefaultSpawnAnchor, man.SpawnAnchor())
}

func TestLoad_StaleCompletionDoesNotOverrideNewer(t *testing.T) {
	table := anchor.NewTable()

	var posted []func()
	post := func(fn func()) bool {
		posted = append(posted, fn)
		return true
	}
	m := NewManager("", table, post)
	m.Define(Manifest{Ref: "Forest", Anchors: []AnchorSpec{{Name: "portal_cave"}}})
	m.Define(Manifest{Ref: "Cave", Anchors: []AnchorSpec{{Name: "spawn1", Position: vec.New(1, 1, 1)}}})

	var events []LoadEvent
	m.OnLoaded(func(ev LoadEvent) { events = append(events, ev) })

	require.NoError(t, m.Load(context.Background(), "Forest"))
	m.Wait()
	require.NoError(t, m.Load(context.Background(), "Cave"))
	m.Wait()
	require.Len(t, posted, 2)

	// более ранняя загрузка завершается последней
	posted[1]()
	posted[0]()

	assert.Equal(t, "Cave", m.Current())
	assert.Equal(t, "Cave", m.CurrentManifest().Ref)
	assert.True(t, table.CheckExists("spawn1"))
	assert.False(t, table.CheckExists("portal_cave"), "якоря устаревшей загрузки не регистрируются")
	require.Len(t, events, 1)
	assert.Equal(t, "Cave", events[0].Ref)
}
