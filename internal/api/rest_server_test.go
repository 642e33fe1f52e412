package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/annel0/mmo-zones/internal/anchor"
	"github.com/annel0/mmo-zones/internal/eventbus"
	"github.com/annel0/mmo-zones/internal/handoff"
	"github.com/annel0/mmo-zones/internal/store"
	"github.com/annel0/mmo-zones/internal/supervisor"
	"github.com/annel0/mmo-zones/internal/vec"
	"github.com/annel0/mmo-zones/internal/zone"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transferCall struct {
	connID, player, zone, anchor string
}

type fakeBackend struct {
	topo  *zone.Topology
	state *zone.RuntimeState

	mu        sync.Mutex
	transfers []transferCall
	hbErr     error
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	topo, err := zone.NewTopology(true, 7000, time.Second,
		zone.Definition{Name: "Forest"},
		[]zone.Definition{{Name: "Cave", TimeoutMultiplier: 3}},
	)
	require.NoError(t, err)
	state, err := zone.SelectRole(topo, 0, false)
	require.NoError(t, err)
	state.SetPlayersOnline(2)
	return &fakeBackend{topo: topo, state: state}
}

func (b *fakeBackend) Snapshot() zone.StateSnapshot { return b.state.Snapshot() }
func (b *fakeBackend) Topology() *zone.Topology     { return b.topo }

func (b *fakeBackend) Children() []supervisor.ChildStatus {
	return []supervisor.ChildStatus{{Outcome: supervisor.Outcome{Index: 0, Zone: "Cave", Port: 7001, PID: 4242}}}
}

func (b *fakeBackend) Anchors() []anchor.Entry {
	return []anchor.Entry{{Name: "spawn", Position: vec.New(1, 2, 3), Content: "Forest"}}
}

func (b *fakeBackend) Heartbeat(context.Context) (HeartbeatView, error) {
	if b.hbErr != nil {
		return HeartbeatView{}, b.hbErr
	}
	return HeartbeatView{Key: "Forest", Found: true, Record: &store.Heartbeat{Zone: "Forest", PlayersOnline: 2}}, nil
}

func (b *fakeBackend) Sessions() []handoff.SessionInfo {
	return []handoff.SessionInfo{{ConnID: "c1", Player: "Alice"}}
}

func (b *fakeBackend) Transfer(_ context.Context, connID, player, zoneName, anchorName string) error {
	if _, _, err := b.topo.Resolve(zoneName); err != nil {
		return err
	}
	if player == "Ghost" {
		return handoff.ErrPlayerOffline
	}
	if connID == "conn-bob" && player != "Bob" {
		return handoff.ErrConnMismatch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transfers = append(b.transfers, transferCall{connID, player, zoneName, anchorName})
	return nil
}

func newTestServer(t *testing.T, bus eventbus.EventBus) (*RestServer, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend(t)
	reg := prometheus.NewRegistry()
	srv := NewRestServer(Config{Backend: backend, Bus: bus, Registry: reg, Gatherer: reg})
	return srv, backend
}

func doRequest(t *testing.T, srv *RestServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRestServer_ReadEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doRequest(t, srv, http.MethodGet, "/zone", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var zoneResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &zoneResp))
	assert.Equal(t, "main", zoneResp["role"])
	assert.Equal(t, float64(2), zoneResp["players_online"])
	assert.NotEmpty(t, zoneResp["uptime"])

	rec = doRequest(t, srv, http.MethodGet, "/zones", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var zones ZonesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &zones))
	assert.Equal(t, uint16(7000), zones.BasePort)
	require.Len(t, zones.SubZones, 1)
	assert.Equal(t, "Cave", zones.SubZones[0].Name)
	require.Len(t, zones.Children, 1)
	assert.Equal(t, 4242, zones.Children[0].PID)

	rec = doRequest(t, srv, http.MethodGet, "/anchors", "")
	assert.Contains(t, rec.Body.String(), `"spawn"`)

	rec = doRequest(t, srv, http.MethodGet, "/heartbeat", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"found":true`)

	rec = doRequest(t, srv, http.MethodGet, "/players", "")
	assert.Contains(t, rec.Body.String(), `"Alice"`)
}

func TestRestServer_HeartbeatStoreDown(t *testing.T) {
	srv, backend := newTestServer(t, nil)
	backend.hbErr = assert.AnError

	rec := doRequest(t, srv, http.MethodGet, "/heartbeat", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRestServer_HealthInactive(t *testing.T) {
	srv, backend := newTestServer(t, nil)
	backend.state.SetActive(false)

	rec := doRequest(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRestServer_Transfer(t *testing.T) {
	srv, backend := newTestServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/players/Alice/transfer", `{"zone":"Cave","anchor":"entrance"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, backend.transfers, 1)
	assert.Equal(t, transferCall{"", "Alice", "Cave", "entrance"}, backend.transfers[0])

	rec = doRequest(t, srv, http.MethodPost, "/players/Alice/transfer", `{"zone":"Nowhere"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/players/Ghost/transfer", `{"zone":"Cave"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/players/Alice/transfer", `{"zone":"Cave","conn_id":"conn-bob"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Len(t, backend.transfers, 1)

	rec = doRequest(t, srv, http.MethodPost, "/players/Alice/transfer", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, backend.transfers, 1)
}

func TestRestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	doRequest(t, srv, http.MethodGet, "/health", "")

	rec := doRequest(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "zone_admin_http_request_duration_seconds")
}

func TestRestServer_EventStream(t *testing.T) {
	bus := eventbus.NewMemoryBus(16)
	t.Cleanup(func() { _ = bus.Close() })
	srv, _ := newTestServer(t, bus)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events?type=" + eventbus.EventHandoffCompleted
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	skipped, err := eventbus.NewEnvelope("Forest", eventbus.EventPlayerLoggedIn, eventbus.PlayerPayload{Player: "Bob"})
	require.NoError(t, err)
	wanted, err := eventbus.NewEnvelope("Forest", eventbus.EventHandoffCompleted, eventbus.HandoffPayload{Player: "Alice", Zone: "Cave"})
	require.NoError(t, err)

	// подписка создаётся после upgrade, публикуем до первого полученного события
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = bus.Publish(context.Background(), skipped)
				_ = bus.Publish(context.Background(), wanted)
			}
		}
	}()

	var got eventbus.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))

	assert.Equal(t, eventbus.EventHandoffCompleted, got.EventType)
	var payload eventbus.HandoffPayload
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "Alice", payload.Player)
}

func TestRestServer_EventStreamWithoutBus(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doRequest(t, srv, http.MethodGet, "/ws/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRestServer_StartStop(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	require.NoError(t, srv.Start())
	require.NotEmpty(t, srv.Addr())

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, srv.Stop(ctx))
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"A", "B"}, splitList("A, ,B"))
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "5с", formatUptime(5*time.Second))
	assert.Equal(t, "2м 3с", formatUptime(2*time.Minute+3*time.Second))
	assert.Equal(t, "1д 1ч 0м 0с", formatUptime(25*time.Hour))
}
