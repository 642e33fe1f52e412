package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/annel0/mmo-zones/internal/eventbus"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamBuffer  = 64
	writeTimeout  = 5 * time.Second
	pingInterval  = 20 * time.Second
	readDeadline  = 2 * pingInterval
	maxClientRead = 512
)

// handleEventStream транслирует события шины в websocket.
// ?type=A,B и ?source=Zone ограничивают поток.
func (rs *RestServer) handleEventStream(c *gin.Context) {
	if rs.bus == nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{Success: false, Message: "Шина событий не настроена"})
		return
	}

	conn, err := rs.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		rs.logger.Debug("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan *eventbus.Envelope, streamBuffer)
	sub, err := rs.bus.Subscribe(ctx, parseFilter(c), func(_ context.Context, ev *eventbus.Envelope) {
		select {
		case events <- ev:
		default:
			// медленный клиент, событие пропускается
		}
	})
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()), time.Now().Add(writeTimeout))
		return
	}
	defer sub.Unsubscribe()

	rs.logger.Info("📡 Подписчик событий подключён: %s", c.ClientIP())

	// читатель нужен для обработки close/pong от клиента
	go func() {
		defer cancel()
		conn.SetReadLimit(maxClientRead)
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readDeadline))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rs.logger.Info("📴 Подписчик событий отключён: %s", c.ClientIP())
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func parseFilter(c *gin.Context) eventbus.Filter {
	return eventbus.Filter{
		Types:   splitList(c.Query("type")),
		Sources: splitList(c.Query("source")),
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
