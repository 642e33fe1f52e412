package anchor

import (
	"errors"
	"sync"
	"testing"

	"github.com/annel0/mmo-zones/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_RegisterLookupUnregister(t *testing.T) {
	table := NewTable()

	table.Register("spawn1", vec.New(1, 2, 3))

	pos, ok := table.Position("spawn1")
	require.True(t, ok)
	assert.Equal(t, vec.New(1, 2, 3), pos)
	assert.True(t, table.CheckExists("spawn1"))

	assert.Equal(t, 1, table.Unregister("spawn1"))
	assert.False(t, table.CheckExists("spawn1"))
}

func TestTable_NotFoundIsExplicit(t *testing.T) {
	table := NewTable()
	table.Register("origin", vec.Zero)

	// нулевая позиция: валидный якорь, а не признак отсутствия
	pos, ok := table.Position("origin")
	assert.True(t, ok)
	assert.True(t, pos.IsZero())

	_, ok = table.Position("never")
	assert.False(t, ok)

	_, err := table.Lookup("never")
	assert.True(t, errors.Is(err, ErrAnchorNotFound))
}

func TestTable_DuplicatesFirstMatchWins(t *testing.T) {
	table := NewTable()
	table.Register("gate", vec.New(1, 0, 0))
	table.Register("gate", vec.New(2, 0, 0))
	table.Register("gate", vec.New(3, 0, 0))

	pos, _ := table.Position("gate")
	assert.Equal(t, vec.New(1, 0, 0), pos)

	// удаляются все дубликаты, включая соседние
	assert.Equal(t, 3, table.Unregister("gate"))
	assert.Equal(t, 0, table.Len())
}

func TestTable_BlankNameNeverExists(t *testing.T) {
	table := NewTable()
	table.Register("", vec.New(1, 1, 1))
	assert.False(t, table.CheckExists(""))
	assert.False(t, table.CheckExists("   "))
}

func TestTable_UnregisterContent(t *testing.T) {
	table := NewTable()
	table.RegisterFor("forest", "spawn", vec.New(1, 0, 0))
	table.RegisterFor("forest", "cave_gate", vec.New(5, 0, 0))
	table.RegisterFor("cave", "spawn", vec.New(9, 0, 0))
	table.Register("manual", vec.New(0, 1, 0))

	assert.Equal(t, 2, table.UnregisterContent("forest"))
	assert.Equal(t, 0, table.UnregisterContent(""), "пустой контент ничего не удаляет")

	pos, ok := table.Position("spawn")
	require.True(t, ok)
	assert.Equal(t, vec.New(9, 0, 0), pos, "остался якорь пещеры")
	assert.Len(t, table.All(), 2)
}

func TestTable_ConcurrentAccess(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			table.Register("a", vec.New(float64(i), 0, 0))
		}(i)
		go func() {
			defer wg.Done()
			table.CheckExists("a")
			table.All()
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, table.Len())
}
