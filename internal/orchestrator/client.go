package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/annel0/mmo-zones/internal/anchor"
	"github.com/annel0/mmo-zones/internal/content"
	"github.com/annel0/mmo-zones/internal/handoff"
	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/protocol"
	"github.com/annel0/mmo-zones/internal/scheduler"
	"github.com/annel0/mmo-zones/internal/transport"
	"github.com/annel0/mmo-zones/internal/zone"
)

// ClientSession клиентская сторона сетевой сессии
type ClientSession interface {
	handoff.Session
	SetClientHandler(h transport.ClientHandler)
	Close() error
}

// ClientOptions зависимости Client
type ClientOptions struct {
	Topology   *zone.Topology
	Session    ClientSession
	ContentDir string
	Manifests  []content.Manifest
	// OnResult итог каждого перехода (в том числе первого входа)
	OnResult func(handoff.Result)
	// OnLogin ответ зоны на вход
	OnLogin func(*protocol.LoginResult)
}

// Client игрок: держит одно соединение с зоной и переходит между зонами по директивам
type Client struct {
	loop    *scheduler.Loop
	anchors *anchor.Table
	content *content.Manager
	handler *handoff.Handler
	session ClientSession
	onLogin func(*protocol.LoginResult)
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient создаёт клиента и запускает его владеющую горутину
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Topology == nil || opts.Session == nil {
		return nil, &zone.ConfigurationError{Field: "client", Reason: "topology and session are required"}
	}

	c := &Client{
		loop:    scheduler.NewLoop(64),
		anchors: anchor.NewTable(),
		session: opts.Session,
		onLogin: opts.OnLogin,
		logger:  logging.GetHandoffLogger(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.content = content.NewManager(opts.ContentDir, c.anchors, c.loop.Post)
	for _, man := range opts.Manifests {
		c.content.Define(man)
	}

	c.handler = handoff.NewHandler(opts.Topology, opts.Session, c.content)
	c.handler.OnComplete = opts.OnResult
	c.content.OnLoaded(c.handler.OnContentLoaded)
	opts.Session.SetClientHandler(c)

	c.loop.Start()
	return c, nil
}

// Join первый вход в зону проходит тот же путь, что и переход: загрузка контента, подключение, вход
func (c *Client) Join(ctx context.Context, player, zoneName, ticket string) error {
	errCh := make(chan error, 1)
	sd := &protocol.SwitchDirective{PlayerName: player, ZoneName: zoneName, Ticket: ticket}
	if !c.loop.Post(func() { errCh <- c.handler.HandleSwitch(c.ctx, sd) }) {
		return fmt.Errorf("orchestrator: client stopped")
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleSwitch директива перехода от текущей зоны
func (c *Client) HandleSwitch(m *protocol.SwitchDirective) {
	c.loop.Post(func() {
		if err := c.handler.HandleSwitch(c.ctx, m); err != nil {
			var unknown *zone.UnknownZoneError
			if errors.As(err, &unknown) {
				c.logger.Warn("⚠️ Директива в неизвестную зону %q проигнорирована", m.ZoneName)
				return
			}
			c.logger.Warn("⚠️ Переход %s в %q: %v", m.PlayerName, m.ZoneName, err)
		}
	})
}

// HandleLoginResult ответ зоны на вход
func (c *Client) HandleLoginResult(m *protocol.LoginResult) {
	if m.OK {
		c.logger.Info("🎮 В зоне %s у якоря %q %s", m.Zone, m.Anchor, m.Position)
	} else {
		c.logger.Warn("🔒 Вход в %s отклонён: %s", m.Zone, m.Reason)
	}
	if c.onLogin != nil {
		c.onLogin(m)
	}
}

// State фаза перехода
func (c *Client) State() handoff.State { return c.handler.State() }

// Anchors якоря загруженного контента
func (c *Client) Anchors() []anchor.Entry { return c.anchors.All() }

// Stop закрывает соединение и останавливает владеющую горутину
func (c *Client) Stop() error {
	c.cancel()
	c.loop.Stop()
	<-c.loop.Done()
	c.content.Wait()
	return c.session.Close()
}
