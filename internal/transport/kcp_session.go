package transport

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/protocol"
	"github.com/google/uuid"
	"github.com/xtaci/kcp-go/v5"
	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrNotConnected клиентское соединение не установлено
	ErrNotConnected = errors.New("transport: client not connected")
	// ErrUnknownConn нет серверного соединения с таким id
	ErrUnknownConn = errors.New("transport: unknown connection")
)

// Config параметры KCP сессии
type Config struct {
	// Host адрес зон для клиента и интерфейс прослушивания для сервера
	Host string `yaml:"host" env:"HOST"`
	// Passphrase общий секрет шифрования; пустой: без шифрования
	Passphrase string `yaml:"passphrase" env:"PASSPHRASE"`
	Salt       string `yaml:"salt" env:"SALT"`
	// CompressThreshold тела длиннее сжимаются zstd; 0: без сжатия
	CompressThreshold int           `yaml:"compress_threshold" env:"COMPRESS_THRESHOLD"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// DefaultConfig настройки по умолчанию
func DefaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		Salt:              "mmo-zones",
		CompressThreshold: protocol.DefaultCompressThreshold,
		IdleTimeout:       30 * time.Second,
	}
}

// ServerHandler обработчик входящих сообщений серверной стороны
type ServerHandler interface {
	HandleLogin(ctx context.Context, connID string, m *protocol.Login) *protocol.LoginResult
	HandleDisconnect(connID string)
}

// ClientHandler обработчик входящих сообщений клиентской стороны
type ClientHandler interface {
	HandleSwitch(m *protocol.SwitchDirective)
	HandleLoginResult(m *protocol.LoginResult)
}

type peer struct {
	id      string
	conn    *kcp.UDPSession
	writeMu sync.Mutex
	// done закрывается, когда clientLoop завершился
	done chan struct{}
}

// KCPSession сетевая сессия процесса: сервер зоны и/или клиент.
// Сервер слушает порт зоны; клиент держит одно исходящее соединение.
type KCPSession struct {
	cfg        Config
	serializer *protocol.MessageSerializer
	block      kcp.BlockCrypt
	logger     *logging.Logger

	mu            sync.Mutex
	listener      *kcp.Listener
	listenPort    uint16
	peers         map[string]*peer
	evicted       map[string]time.Time
	client        *peer
	serverHandler ServerHandler
	clientHandler ClientHandler
	wg            sync.WaitGroup
}

// NewKCPSession создаёт сессию
func NewKCPSession(cfg Config) (*KCPSession, error) {
	defaults := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = defaults.Host
	}
	if cfg.Salt == "" {
		cfg.Salt = defaults.Salt
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}

	serializer, err := protocol.NewMessageSerializer(cfg.CompressThreshold)
	if err != nil {
		return nil, err
	}

	var block kcp.BlockCrypt
	if cfg.Passphrase != "" {
		key := pbkdf2.Key([]byte(cfg.Passphrase), []byte(cfg.Salt), 4096, 32, sha1.New)
		block, err = kcp.NewAESBlockCrypt(key)
		if err != nil {
			serializer.Close()
			return nil, fmt.Errorf("transport: AES: %w", err)
		}
	}

	return &KCPSession{
		cfg:        cfg,
		serializer: serializer,
		block:      block,
		logger:     logging.GetTransportLogger(),
		peers:      make(map[string]*peer),
		evicted:    make(map[string]time.Time),
	}, nil
}

// SetServerHandler задаёт обработчик серверной стороны
func (s *KCPSession) SetServerHandler(h ServerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverHandler = h
}

// SetClientHandler задаёт обработчик клиентской стороны
func (s *KCPSession) SetClientHandler(h ClientHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientHandler = h
}

// tune настройки KCP для игрового трафика
func tune(conn *kcp.UDPSession) {
	conn.SetStreamMode(true)
	conn.SetWriteDelay(false)
	conn.SetNoDelay(1, 20, 2, 1) // Агрессивные настройки для игр
	conn.SetWindowSize(512, 512) // Увеличиваем окно для пропускной способности
	conn.SetMtu(1400)            // Стандартный MTU для интернета
}

// StartServer начинает принимать соединения на порту зоны
func (s *KCPSession) StartServer(ctx context.Context, port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("transport: сервер уже слушает порт %d", s.listenPort)
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(port))
	listener, err := kcp.ListenWithOptions(addr, s.block, 10, 3)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.listenPort = port

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)

	s.logger.Info("🛰️ KCP сервер зоны слушает %s", addr)
	return nil
}

// ListenPort порт сервера (0, если сервер не запущен)
func (s *KCPSession) ListenPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listenPort
}

func (s *KCPSession) acceptLoop(ctx context.Context, listener *kcp.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.AcceptKCP()
		if err != nil {
			// listener закрыт в Shutdown
			return
		}
		// вытесненный клиент ещё досылает пакеты, listener принимает их как новую сессию
		if s.isEvicted(conn.RemoteAddr().String()) {
			_ = conn.Close()
			continue
		}
		tune(conn)

		p := &peer{id: uuid.NewString(), conn: conn}
		s.mu.Lock()
		s.peers[p.id] = p
		s.mu.Unlock()

		s.logger.Debug("🔗 KCP клиент подключен: %s (%s)", p.id, conn.RemoteAddr())
		s.wg.Add(1)
		go s.serveConn(ctx, p)
	}
}

func (s *KCPSession) serveConn(ctx context.Context, p *peer) {
	defer s.wg.Done()
	defer s.dropPeer(p.id)

	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msg, err := s.serializer.ReadMessage(p.conn)
		if err != nil {
			s.logger.Debug("👋 KCP клиент отключен: %s (%v)", p.id, err)
			return
		}

		switch m := msg.(type) {
		case *protocol.Login:
			s.mu.Lock()
			h := s.serverHandler
			s.mu.Unlock()
			if h == nil {
				continue
			}
			if res := h.HandleLogin(ctx, p.id, m); res != nil {
				if err := s.write(p, res); err != nil {
					s.logger.Warn("⚠️ Не удалось отправить LoginResult %s: %v", p.id, err)
				}
			}
		case *protocol.Ping:
			_ = s.write(p, &protocol.Pong{Nonce: m.Nonce})
		default:
			s.logger.Debug("📨 Неожиданное сообщение %s от %s", msg.Type(), p.id)
		}
	}
}

func (s *KCPSession) isEvicted(addr string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for a, until := range s.evicted {
		if now.After(until) {
			delete(s.evicted, a)
		}
	}
	_, ok := s.evicted[addr]
	return ok
}

// dropPeer удаляет соединение и уведомляет обработчик один раз
func (s *KCPSession) dropPeer(id string) {
	s.mu.Lock()
	p, ok := s.peers[id]
	delete(s.peers, id)
	h := s.serverHandler
	s.mu.Unlock()

	if !ok {
		return
	}
	_ = p.conn.Close()
	if h != nil {
		h.HandleDisconnect(id)
	}
}

func (s *KCPSession) write(p *peer, msg protocol.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return s.serializer.WriteMessage(p.conn, msg)
}

// Send отправляет сообщение серверному соединению connID
func (s *KCPSession) Send(connID string, msg protocol.Message) error {
	s.mu.Lock()
	p, ok := s.peers[connID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConn, connID)
	}
	return s.write(p, msg)
}

// Disconnect вытесняет серверное соединение: клиент получает Kick, адрес
// клиента не принимается ещё IdleTimeout.
func (s *KCPSession) Disconnect(connID string) error {
	s.mu.Lock()
	p, ok := s.peers[connID]
	if ok {
		s.evicted[p.conn.RemoteAddr().String()] = time.Now().Add(s.cfg.IdleTimeout)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConn, connID)
	}

	if err := s.write(p, &protocol.Kick{Reason: protocol.KickReplaced}); err != nil {
		s.logger.Debug("Kick %s не отправлен: %v", connID, err)
	}
	// serveConn получит ошибку чтения и вызовет dropPeer
	return p.conn.Close()
}

// Connections число серверных соединений
func (s *KCPSession) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// IsServer сессия работает как сервер зоны
func (s *KCPSession) IsServer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// StartClient подключается к зоне на порту port
func (s *KCPSession) StartClient(ctx context.Context, port uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		return fmt.Errorf("transport: клиент уже подключен")
	}
	s.mu.Unlock()

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(port))
	conn, err := kcp.DialWithOptions(addr, s.block, 10, 3)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	tune(conn)

	p := &peer{id: addr, conn: conn, done: make(chan struct{})}
	s.mu.Lock()
	s.client = p
	s.mu.Unlock()

	s.wg.Add(2)
	go s.clientLoop(p)
	go s.keepAlive(p)

	s.logger.Info("🔌 Клиент подключается к %s", addr)
	return nil
}

func (s *KCPSession) clientLoop(p *peer) {
	defer s.wg.Done()
	defer close(p.done)
	for {
		// сервер отвечает Pong на Ping из keepAlive; тишина дольше IdleTimeout: связь потеряна
		_ = p.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msg, err := s.serializer.ReadMessage(p.conn)
		if err != nil {
			s.logger.Debug("🔌 Клиентское соединение %s закрыто: %v", p.id, err)
			s.dropClient(p)
			return
		}

		s.mu.Lock()
		h := s.clientHandler
		s.mu.Unlock()

		if kick, ok := msg.(*protocol.Kick); ok {
			s.logger.Warn("🚫 Сервер %s закрыл соединение: %s", p.id, kick.Reason)
			s.dropClient(p)
			if h != nil {
				h.HandleLoginResult(&protocol.LoginResult{OK: false, Reason: kick.Reason})
			}
			return
		}
		if h == nil {
			continue
		}

		switch m := msg.(type) {
		case *protocol.SwitchDirective:
			h.HandleSwitch(m)
		case *protocol.LoginResult:
			h.HandleLoginResult(m)
		}
	}
}

// dropClient снимает клиентское соединение p, если оно ещё текущее
func (s *KCPSession) dropClient(p *peer) {
	s.mu.Lock()
	if s.client == p {
		s.client = nil
	}
	s.mu.Unlock()
	_ = p.conn.Close()
}

// keepAlive шлёт Ping, пока жив clientLoop
func (s *KCPSession) keepAlive(p *peer) {
	defer s.wg.Done()
	interval := s.cfg.IdleTimeout / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var nonce uint64
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			nonce++
			if err := s.write(p, &protocol.Ping{Nonce: nonce}); err != nil {
				return
			}
		}
	}
}

// TryLogin отправляет Login по клиентскому соединению
func (s *KCPSession) TryLogin(player, ticket string) error {
	s.mu.Lock()
	p := s.client
	s.mu.Unlock()
	if p == nil {
		return ErrNotConnected
	}
	return s.write(p, &protocol.Login{Player: player, Ticket: ticket})
}

// ClientConnected есть ли клиентское соединение
func (s *KCPSession) ClientConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// StopClient закрывает клиентское соединение. Повторный вызов безопасен.
func (s *KCPSession) StopClient() error {
	s.mu.Lock()
	p := s.client
	s.client = nil
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	s.logger.Debug("🔌 Клиент отключается от %s", p.id)
	return p.conn.Close()
}

// Shutdown останавливает сервер и закрывает все его соединения. Повторный вызов безопасен.
func (s *KCPSession) Shutdown() error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
		s.logger.Info("🛑 KCP сервер остановлен")
	}
	for _, p := range peers {
		_ = p.conn.Close()
	}
	return err
}

// Close полностью останавливает сессию и ждёт фоновые горутины
func (s *KCPSession) Close() error {
	errClient := s.StopClient()
	errServer := s.Shutdown()
	s.wg.Wait()
	s.serializer.Close()
	return errors.Join(errClient, errServer)
}
