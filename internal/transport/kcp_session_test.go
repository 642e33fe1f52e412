package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/annel0/mmo-zones/internal/protocol"
	"github.com/annel0/mmo-zones/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverRecorder struct {
	mu          sync.Mutex
	logins      map[string]string
	disconnects []string
}

func (r *serverRecorder) HandleLogin(_ context.Context, connID string, m *protocol.Login) *protocol.LoginResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logins == nil {
		r.logins = make(map[string]string)
	}
	r.logins[m.Player] = connID
	return &protocol.LoginResult{OK: true, Zone: "Cave", Anchor: "spawn1", Position: vec.New(1, 2, 3)}
}

func (r *serverRecorder) HandleDisconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, connID)
}

func (r *serverRecorder) connOf(player string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logins[player]
}

type clientRecorder struct {
	results  chan *protocol.LoginResult
	switches chan *protocol.SwitchDirective
}

func newClientRecorder() *clientRecorder {
	return &clientRecorder{
		results:  make(chan *protocol.LoginResult, 4),
		switches: make(chan *protocol.SwitchDirective, 4),
	}
}

func (c *clientRecorder) HandleSwitch(m *protocol.SwitchDirective) {
	c.switches <- m
}

func (c *clientRecorder) HandleLoginResult(m *protocol.LoginResult) {
	c.results <- m
}

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := pc.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, pc.Close())
	return uint16(port)
}

func newPair(t *testing.T, cfg Config) (*KCPSession, *serverRecorder, *KCPSession, *clientRecorder, uint16) {
	t.Helper()
	server, err := NewKCPSession(cfg)
	require.NoError(t, err)
	srec := &serverRecorder{}
	server.SetServerHandler(srec)

	port := freeUDPPort(t)
	require.NoError(t, server.StartServer(context.Background(), port))
	t.Cleanup(func() { _ = server.Close() })

	client, err := NewKCPSession(cfg)
	require.NoError(t, err)
	crec := newClientRecorder()
	client.SetClientHandler(crec)
	t.Cleanup(func() { _ = client.Close() })

	return server, srec, client, crec, port
}

func TestKCPSession_LoginAndSwitch(t *testing.T) {
	server, srec, client, crec, port := newPair(t, Config{Host: "127.0.0.1"})

	assert.True(t, server.IsServer())
	assert.False(t, client.IsServer())
	assert.Equal(t, port, server.ListenPort())

	assert.ErrorIs(t, client.TryLogin("Alice", ""), ErrNotConnected)
	require.NoError(t, client.StartClient(context.Background(), port))
	require.NoError(t, client.TryLogin("Alice", "ticket"))

	select {
	case res := <-crec.results:
		assert.True(t, res.OK)
		assert.Equal(t, vec.New(1, 2, 3), res.Position)
	case <-time.After(5 * time.Second):
		t.Fatal("нет LoginResult")
	}

	connID := srec.connOf("Alice")
	require.NotEmpty(t, connID)
	assert.Equal(t, 1, server.Connections())

	require.NoError(t, server.Send(connID, &protocol.SwitchDirective{PlayerName: "Alice", ZoneName: "Forest"}))
	select {
	case sd := <-crec.switches:
		assert.Equal(t, "Forest", sd.ZoneName)
	case <-time.After(5 * time.Second):
		t.Fatal("нет SwitchDirective")
	}

	assert.ErrorIs(t, server.Send("missing", &protocol.Ping{}), ErrUnknownConn)
}

func TestKCPSession_EncryptedLink(t *testing.T) {
	_, _, client, crec, port := newPair(t, Config{Host: "127.0.0.1", Passphrase: "s3cret"})

	require.NoError(t, client.StartClient(context.Background(), port))
	require.NoError(t, client.TryLogin("Bob", ""))

	select {
	case res := <-crec.results:
		assert.True(t, res.OK)
	case <-time.After(5 * time.Second):
		t.Fatal("нет LoginResult по шифрованному каналу")
	}
}

func TestKCPSession_DisconnectEvictsClient(t *testing.T) {
	server, srec, client, crec, port := newPair(t, Config{Host: "127.0.0.1"})

	require.NoError(t, client.StartClient(context.Background(), port))
	require.NoError(t, client.TryLogin("Alice", ""))
	<-crec.results

	connID := srec.connOf("Alice")
	require.NoError(t, server.Disconnect(connID))

	select {
	case res := <-crec.results:
		assert.False(t, res.OK)
		assert.Equal(t, protocol.KickReplaced, res.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("клиент не получил Kick")
	}

	require.Eventually(t, func() bool {
		srec.mu.Lock()
		defer srec.mu.Unlock()
		return len(srec.disconnects) == 1 && srec.disconnects[0] == connID
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, client.ClientConnected())

	// поздние пакеты вытесненного клиента не становятся новым соединением
	assert.Never(t, func() bool { return server.Connections() > 0 }, 500*time.Millisecond, 20*time.Millisecond)
	assert.ErrorIs(t, server.Disconnect(connID), ErrUnknownConn)
}

func TestKCPSession_ReconnectAfterEviction(t *testing.T) {
	server, srec, client, crec, port := newPair(t, Config{Host: "127.0.0.1"})

	require.NoError(t, client.StartClient(context.Background(), port))
	require.NoError(t, client.TryLogin("Alice", ""))
	<-crec.results
	require.NoError(t, server.Disconnect(srec.connOf("Alice")))
	<-crec.results
	require.Eventually(t, func() bool { return !client.ClientConnected() }, 5*time.Second, 10*time.Millisecond)

	// новое соединение идёт с другого локального порта
	require.NoError(t, client.StartClient(context.Background(), port))
	require.NoError(t, client.TryLogin("Alice", ""))
	select {
	case res := <-crec.results:
		assert.True(t, res.OK)
	case <-time.After(5 * time.Second):
		t.Fatal("нет LoginResult после переподключения")
	}
	assert.Equal(t, 1, server.Connections())
}

func TestKCPSession_KeepAliveHoldsIdleConnection(t *testing.T) {
	server, _, client, crec, port := newPair(t, Config{Host: "127.0.0.1", IdleTimeout: 300 * time.Millisecond})

	require.NoError(t, client.StartClient(context.Background(), port))
	require.NoError(t, client.TryLogin("Alice", ""))
	<-crec.results

	time.Sleep(time.Second)
	assert.True(t, client.ClientConnected())
	assert.Equal(t, 1, server.Connections())

	require.NoError(t, server.Shutdown())
	require.Eventually(t, func() bool { return !client.ClientConnected() }, 5*time.Second, 20*time.Millisecond,
		"клиент замечает пропавший сервер по таймауту чтения")
}

func TestKCPSession_StopAndShutdownAreIdempotent(t *testing.T) {
	server, _, client, _, port := newPair(t, Config{Host: "127.0.0.1"})

	require.NoError(t, client.StartClient(context.Background(), port))
	assert.True(t, client.ClientConnected())
	assert.Error(t, client.StartClient(context.Background(), port), "второе клиентское соединение")

	require.NoError(t, client.StopClient())
	require.NoError(t, client.StopClient())
	assert.False(t, client.ClientConnected())

	require.NoError(t, server.Shutdown())
	require.NoError(t, server.Shutdown())
	assert.False(t, server.IsServer())
	assert.Equal(t, uint16(0), server.ListenPort())
}

func TestKCPSession_DoubleStartServer(t *testing.T) {
	server, _, _, _, port := newPair(t, Config{Host: "127.0.0.1"})
	assert.Error(t, server.StartServer(context.Background(), port+1))
}
