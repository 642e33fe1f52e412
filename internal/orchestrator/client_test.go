package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/annel0/mmo-zones/internal/handoff"
	"github.com/annel0/mmo-zones/internal/protocol"
	"github.com/annel0/mmo-zones/internal/zone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *fakeSession, func() []handoff.Result) {
	t.Helper()
	session := newFakeSession()

	var mu sync.Mutex
	var results []handoff.Result
	client, err := NewClient(ClientOptions{
		Topology:  testTopology(t, time.Second),
		Session:   session,
		Manifests: testManifests(),
		OnResult: func(r handoff.Result) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, r)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Stop() })

	return client, session, func() []handoff.Result {
		mu.Lock()
		defer mu.Unlock()
		return append([]handoff.Result(nil), results...)
	}
}

func TestClient_JoinThenSwitch(t *testing.T) {
	client, session, results := newTestClient(t)

	require.NoError(t, client.Join(context.Background(), "Alice", "Cave", ""))
	require.Eventually(t, func() bool { return len(results()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, handoff.Result{Player: "Alice", Zone: "Cave", Port: 7001}, results()[0])
	assert.Contains(t, session.Calls(), "StartClient(7001)")
	assert.Len(t, client.Anchors(), 2)

	client.HandleSwitch(&protocol.SwitchDirective{PlayerName: "Alice", ZoneName: "Lake", Ticket: "t2"})
	require.Eventually(t, func() bool { return len(results()) == 2 }, 2*time.Second, 10*time.Millisecond)

	calls := session.Calls()
	assert.Equal(t, []string{
		"StopClient", "Shutdown", "StartClient(7001)", "TryLogin(Alice)",
		"StopClient", "Shutdown", "StartClient(7002)", "TryLogin(Alice)",
	}, calls)
	assert.Equal(t, handoff.StateIdle, client.State())
}

func TestClient_JoinUnknownZone(t *testing.T) {
	client, session, _ := newTestClient(t)

	var unknown *zone.UnknownZoneError
	assert.ErrorAs(t, client.Join(context.Background(), "Alice", "Nowhere", ""), &unknown)
	assert.Empty(t, session.Calls())
}

func TestClient_LoginResultCallback(t *testing.T) {
	got := make(chan *protocol.LoginResult, 1)
	client, err := NewClient(ClientOptions{
		Topology: testTopology(t, time.Second),
		Session:  newFakeSession(),
		OnLogin:  func(m *protocol.LoginResult) { got <- m },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Stop() })

	client.HandleLoginResult(&protocol.LoginResult{OK: false, Zone: "Cave", Reason: "invalid transfer ticket"})
	m := <-got
	assert.Equal(t, "invalid transfer ticket", m.Reason)
}

func TestClient_StopRejectsJoin(t *testing.T) {
	client, _, _ := newTestClient(t)
	require.NoError(t, client.Stop())

	assert.Error(t, client.Join(context.Background(), "Alice", "Cave", ""))
}
