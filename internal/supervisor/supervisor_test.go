package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/annel0/mmo-zones/internal/zone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpawner struct {
	mu       sync.Mutex
	commands []Command
	failZone string
	nextPID  int
}

func (f *fakeSpawner) Spawn(_ context.Context, c Command) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, c)
	if c.Zone == f.failZone {
		return 0, errors.New("exec format error")
	}
	f.nextPID++
	return 1000 + f.nextPID, nil
}

func testTopology(t *testing.T, active bool) *zone.Topology {
	t.Helper()
	topo, err := zone.NewTopology(active, 7777, 10*time.Second,
		zone.Definition{Name: "Hub"},
		[]zone.Definition{{Name: "Forest"}, {Name: "Cave"}, {Name: "Desert"}},
	)
	require.NoError(t, err)
	return topo
}

func newSupervisor(t *testing.T, topo *zone.Topology, args []string, sp Spawner) *Supervisor {
	t.Helper()
	index, present, err := zone.ParseZoneIndex(args)
	require.NoError(t, err)
	state, err := zone.SelectRole(topo, index, present)
	require.NoError(t, err)
	return New(Config{Topology: topo, State: state, Spawner: sp, Executable: "/opt/zoneserver", Args: args})
}

func TestSpawnSubZones_OnePerSubZone(t *testing.T) {
	sp := &fakeSpawner{}
	s := newSupervisor(t, testTopology(t, true), []string{"-config", "zones.yaml"}, sp)

	outcomes := s.SpawnSubZones(context.Background())
	require.Len(t, outcomes, 3)
	require.Len(t, sp.commands, 3)

	seen := map[int]bool{}
	for i, c := range sp.commands {
		assert.Equal(t, "/opt/zoneserver", c.Path)
		assert.Equal(t, []string{"-config", "zones.yaml", "-zone", itoa(i)}, c.Args)
		seen[c.Index] = true
	}
	assert.Len(t, seen, 3, "индексы различны")

	assert.Equal(t, uint16(7778), outcomes[0].Port)
	assert.Equal(t, uint16(7780), outcomes[2].Port)
	for _, o := range outcomes {
		assert.True(t, o.OK())
		assert.NotZero(t, o.PID)
	}
}

func TestSpawnSubZones_FailureDoesNotBlockSiblings(t *testing.T) {
	sp := &fakeSpawner{failZone: "Cave"}
	var reported []Outcome
	topo := testTopology(t, true)
	state, err := zone.SelectRole(topo, 0, false)
	require.NoError(t, err)
	s := New(Config{
		Topology: topo, State: state, Spawner: sp, Executable: "/opt/zoneserver",
		OnOutcome: func(o Outcome) { reported = append(reported, o) },
	})

	outcomes := s.SpawnSubZones(context.Background())
	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].OK())
	assert.False(t, outcomes[1].OK())
	assert.True(t, outcomes[2].OK(), "Desert запускается после ошибки Cave")

	errs := SpawnErrors(outcomes)
	require.Len(t, errs, 1)
	assert.Equal(t, 1, errs[0].Index)
	assert.Equal(t, "Cave", errs[0].Zone)
	assert.Len(t, reported, 3)
	assert.Len(t, s.Outcomes(), 3)
}

func TestSpawnSubZones_StripsInheritedZoneFlag(t *testing.T) {
	sp := &fakeSpawner{}
	topo := testTopology(t, true)
	state, err := zone.SelectRole(topo, 0, false)
	require.NoError(t, err)
	s := New(Config{Topology: topo, State: state, Spawner: sp, Executable: "x", Args: []string{"-v", "-zone=5", "--zone", "2"}})

	s.SpawnSubZones(context.Background())
	require.NotEmpty(t, sp.commands)
	assert.Equal(t, []string{"-v", "-zone", "0"}, sp.commands[0].Args)
}

func TestSpawnSubZones_NoopForSubZoneOrInactive(t *testing.T) {
	t.Run("sub-zone", func(t *testing.T) {
		sp := &fakeSpawner{}
		s := newSupervisor(t, testTopology(t, true), []string{"-zone", "1"}, sp)
		assert.Empty(t, s.SpawnSubZones(context.Background()))
		assert.Empty(t, sp.commands)
	})

	t.Run("inactive", func(t *testing.T) {
		sp := &fakeSpawner{}
		s := newSupervisor(t, testTopology(t, false), nil, sp)
		assert.Empty(t, s.SpawnSubZones(context.Background()))
		assert.Empty(t, sp.commands)
	})
}

func TestStatus_ReportsFailuresAndMissingProcesses(t *testing.T) {
	sp := &fakeSpawner{failZone: "Forest"}
	s := newSupervisor(t, testTopology(t, true), nil, sp)
	s.SpawnSubZones(context.Background())

	status := s.Status()
	require.Len(t, status, 3)
	assert.Contains(t, status[0].Error, "exec format error")
	assert.False(t, status[0].Stats.Running)
}

func TestStatsFor_Self(t *testing.T) {
	st := SelfStats()
	assert.Equal(t, os.Getpid(), st.PID)
	assert.True(t, st.Running)
	assert.Greater(t, st.RSSMB, 0.0)

	assert.False(t, StatsFor(0).Running)
}

func TestExecSpawner_StartsRealProcess(t *testing.T) {
	exited := make(chan error, 1)
	sp := &ExecSpawner{
		Stdout: io.Discard,
		Stderr: io.Discard,
		OnExit: func(_ Command, _ int, err error) { exited <- err },
	}

	// тестовый бинарь без подходящих тестов сразу завершается с кодом 0
	pid, err := sp.Spawn(context.Background(), Command{Path: os.Args[0], Args: []string{"-test.run=^$"}, Zone: "Forest"})
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	select {
	case err := <-exited:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("дочерний процесс не завершился")
	}
}

func TestExecSpawner_MissingBinary(t *testing.T) {
	sp := &ExecSpawner{Stdout: io.Discard, Stderr: io.Discard}
	_, err := sp.Spawn(context.Background(), Command{Path: "/nonexistent/zoneserver"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sp.Spawn(ctx, Command{Path: os.Args[0]})
	assert.ErrorIs(t, err, context.Canceled)
}

func itoa(i int) string {
	return string(rune('0' + i))
}
