package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/annel0/mmo-zones/internal/scheduler"
	"github.com/annel0/mmo-zones/internal/store"
	"github.com/annel0/mmo-zones/internal/zone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type terminateRecorder struct {
	mu    sync.Mutex
	calls []error
}

func (r *terminateRecorder) terminate(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, err)
}

func (r *terminateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type failingStore struct{}

func (failingStore) SaveZoneHeartbeat(context.Context, string, int) error {
	return errors.New("redis down")
}

func (failingStore) LoadZoneHeartbeat(context.Context, string) (store.Heartbeat, bool, error) {
	return store.Heartbeat{}, false, errors.New("redis down")
}

func newTopology(t *testing.T, interval time.Duration) *zone.Topology {
	t.Helper()
	topo, err := zone.NewTopology(true, 7777, interval,
		zone.Definition{Name: "Hub"},
		[]zone.Definition{{Name: "Forest", TimeoutMultiplier: 2}, {Name: "Cave"}},
	)
	require.NoError(t, err)
	return topo
}

func TestCheck_Boundaries(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	timeout := 20 * time.Second // IntervalMain=10s, multiplier=2

	cases := []struct {
		name  string
		age   time.Duration
		stale bool
	}{
		{"fresh", 5 * time.Second, false},
		{"exactly at timeout", 20 * time.Second, false},
		{"just past timeout", 21 * time.Second, true},
		{"long dead", 10 * time.Minute, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ms := store.NewMemoryStore()
			ms.Now = func() time.Time { return t0 }
			require.NoError(t, ms.SaveZoneHeartbeat(context.Background(), "Hub", 4))

			rec := &terminateRecorder{}
			loop := scheduler.NewLoop(4)
			defer loop.Stop()
			m := NewMonitor(ms, loop, newTopology(t, 10*time.Second), rec.terminate,
				WithClock(func() time.Time { return t0.Add(tc.age) }))

			err := m.Check(context.Background(), timeout)
			if tc.stale {
				var stale *zone.StaleMainZoneTimeout
				require.ErrorAs(t, err, &stale)
				assert.Equal(t, "Hub", stale.MainZone)
				assert.Equal(t, t0, stale.LastSeen)
				assert.Equal(t, tc.age, stale.Elapsed)
				assert.Equal(t, timeout, stale.Timeout)
				assert.Equal(t, 1, rec.count())
				assert.True(t, m.Status().Terminated)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, 0, rec.count())
			}
		})
	}
}

func TestCheck_MissingHeartbeatIsStale(t *testing.T) {
	rec := &terminateRecorder{}
	loop := scheduler.NewLoop(4)
	defer loop.Stop()
	m := NewMonitor(store.NewMemoryStore(), loop, newTopology(t, 10*time.Second), rec.terminate)

	err := m.Check(context.Background(), 20*time.Second)
	assert.True(t, IsStale(err))
	assert.Equal(t, 1, rec.count())
}

func TestCheck_StoreErrorIsNotFatal(t *testing.T) {
	rec := &terminateRecorder{}
	loop := scheduler.NewLoop(4)
	defer loop.Stop()
	m := NewMonitor(failingStore{}, loop, newTopology(t, 10*time.Second), rec.terminate)

	err := m.Check(context.Background(), 20*time.Second)
	require.Error(t, err)
	assert.False(t, IsStale(err))
	assert.Equal(t, 0, rec.count())
}

func TestCheck_TerminateCalledOnce(t *testing.T) {
	rec := &terminateRecorder{}
	loop := scheduler.NewLoop(4)
	defer loop.Stop()
	m := NewMonitor(store.NewMemoryStore(), loop, newTopology(t, 10*time.Second), rec.terminate)

	_ = m.Check(context.Background(), time.Second)
	_ = m.Check(context.Background(), time.Second)
	assert.Equal(t, 1, rec.count())
}

func TestStartMain_SavesImmediately(t *testing.T) {
	ms := store.NewMemoryStore()
	loop := scheduler.NewLoop(16)
	loop.Start()
	defer loop.Stop()

	m := NewMonitor(ms, loop, newTopology(t, time.Hour), nil)
	require.NoError(t, m.StartMain(func() int { return 3 }))
	require.NoError(t, m.StartMain(func() int { return 99 }), "повторный запуск не ошибка")
	defer m.Stop()

	_, found, err := ms.LoadZoneHeartbeat(context.Background(), "Hub")
	require.NoError(t, err)
	assert.True(t, found, "первое сохранение при t=0 до возврата StartMain")

	hb, _, err := m.Last(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, hb.PlayersOnline)
	assert.True(t, m.Status().MainRunning)
	assert.Equal(t, 1, loop.Pending())
}

func TestStartMain_RepeatsAndReportsFailures(t *testing.T) {
	loop := scheduler.NewLoop(16)
	loop.Start()
	defer loop.Stop()

	var saves, failures int32
	m := NewMonitor(failingStore{}, loop, newTopology(t, 10*time.Millisecond), nil,
		WithSaveHook(func(_ int, err error) {
			atomic.AddInt32(&saves, 1)
			if err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}))
	require.NoError(t, m.StartMain(nil))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&saves) >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, atomic.LoadInt32(&saves), atomic.LoadInt32(&failures))

	m.Stop()
	assert.False(t, m.Status().MainRunning)
}

func TestArmSubZone_DisabledWithZeroMultiplier(t *testing.T) {
	loop := scheduler.NewLoop(4)
	defer loop.Stop()
	rec := &terminateRecorder{}
	m := NewMonitor(store.NewMemoryStore(), loop, newTopology(t, 10*time.Second), rec.terminate)

	assert.False(t, m.ArmSubZone(0))
	assert.Equal(t, 0, loop.Pending())
	assert.False(t, m.Status().SubArmed)
}

func TestArmSubZone_Idempotent(t *testing.T) {
	loop := scheduler.NewLoop(4)
	loop.Start()
	defer loop.Stop()
	m := NewMonitor(store.NewMemoryStore(), loop, newTopology(t, 10*time.Second), nil)

	assert.True(t, m.ArmSubZone(2))
	assert.False(t, m.ArmSubZone(2), "повторная загрузка контента не добавляет таймер")
	assert.Equal(t, 1, loop.Pending())
	assert.Equal(t, 20*time.Second, m.Status().SubTimeout)

	m.Stop()
	m.Stop()
	assert.Equal(t, 0, loop.Pending())
}

func TestArmSubZone_TerminatesWhenMainSilent(t *testing.T) {
	loop := scheduler.NewLoop(16)
	loop.Start()
	defer loop.Stop()

	rec := &terminateRecorder{}
	m := NewMonitor(store.NewMemoryStore(), loop, newTopology(t, 10*time.Millisecond), rec.terminate)
	require.True(t, m.ArmSubZone(2))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, IsStale(rec.calls[0]))
	assert.False(t, m.Status().SubArmed, "после срабатывания таймер отменён")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.False(t, m.ArmSubZone(2), "после завершения повторно не включается")
}

func TestArmSubZone_KeepsRunningWhileMainAlive(t *testing.T) {
	loop := scheduler.NewLoop(16)
	loop.Start()
	defer loop.Stop()

	ms := store.NewMemoryStore()
	topo := newTopology(t, 10*time.Millisecond)
	rec := &terminateRecorder{}

	mainMonitor := NewMonitor(ms, loop, topo, nil)
	require.NoError(t, mainMonitor.StartMain(func() int { return 1 }))
	defer mainMonitor.Stop()

	subMonitor := NewMonitor(ms, loop, topo, rec.terminate)
	require.True(t, subMonitor.ArmSubZone(10))
	defer subMonitor.Stop()

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.False(t, subMonitor.Status().LastCheck.IsZero())
}
