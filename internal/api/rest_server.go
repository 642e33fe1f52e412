package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/annel0/mmo-zones/internal/anchor"
	"github.com/annel0/mmo-zones/internal/eventbus"
	"github.com/annel0/mmo-zones/internal/handoff"
	"github.com/annel0/mmo-zones/internal/heartbeat"
	"github.com/annel0/mmo-zones/internal/logging"
	"github.com/annel0/mmo-zones/internal/middleware"
	"github.com/annel0/mmo-zones/internal/store"
	"github.com/annel0/mmo-zones/internal/supervisor"
	"github.com/annel0/mmo-zones/internal/zone"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// HeartbeatView последняя запись heartbeat main zone и состояние таймеров процесса
type HeartbeatView struct {
	Key     string           `json:"key"`
	Found   bool             `json:"found"`
	Record  *store.Heartbeat `json:"record,omitempty"`
	Age     string           `json:"age,omitempty"`
	Monitor heartbeat.Status `json:"monitor"`
}

// Backend данные и операции зоны, которые видит admin API
type Backend interface {
	Snapshot() zone.StateSnapshot
	Topology() *zone.Topology
	Children() []supervisor.ChildStatus
	Anchors() []anchor.Entry
	Heartbeat(ctx context.Context) (HeartbeatView, error)
	Sessions() []handoff.SessionInfo
	// Transfer переводит игрока; пустой connID: поиск соединения по имени
	Transfer(ctx context.Context, connID, player, zoneName, anchorName string) error
}

// RestServer admin API процесса зоны
type RestServer struct {
	router   *gin.Engine
	backend  Backend
	bus      eventbus.EventBus
	port     int
	upgrader websocket.Upgrader
	metrics  *ServerMetrics
	logger   *logging.Logger

	httpServer *http.Server
	listener   net.Listener
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Port    int               // порт для запуска сервера, 0: любой свободный
	Backend Backend           // состояние зоны
	Bus     eventbus.EventBus // источник /ws/events, может быть nil
	// Service пространство имён HTTP-метрик
	Service  string
	Registry prometheus.Registerer
	Gatherer prometheus.Gatherer
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) *RestServer {
	if config.Service == "" {
		config.Service = "zone_admin"
	}

	// Устанавливаем режим релиза для gin
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	otelRouter := otelgin.Middleware(config.Service)
	router.Use(otelRouter)

	loggerMw := middleware.NewRequestLogger()
	router.Use(loggerMw.Handler())

	promMw := middleware.NewPrometheusMiddleware(config.Service, config.Registry)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, config.Gatherer)

	server := &RestServer{
		router:  router,
		backend: config.Backend,
		bus:     config.Bus,
		port:    config.Port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: NewServerMetrics(),
		logger:  logging.GetComponentLogger("api"),
	}

	// Настраиваем маршруты
	server.setupRoutes()

	return server
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)
	rs.router.GET("/zone", rs.handleZone)
	rs.router.GET("/zones", rs.handleZones)
	rs.router.GET("/anchors", rs.handleAnchors)
	rs.router.GET("/heartbeat", rs.handleHeartbeat)
	rs.router.GET("/players", rs.handlePlayers)
	rs.router.POST("/players/:name/transfer", rs.handleTransfer)
	rs.router.GET("/ws/events", rs.handleEventStream)
}

// Handler http.Handler сервера (тесты, встраивание)
func (rs *RestServer) Handler() http.Handler {
	return rs.router
}

// Start открывает порт и обслуживает запросы в фоне
func (rs *RestServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rs.port))
	if err != nil {
		return fmt.Errorf("admin API: %w", err)
	}
	rs.listener = ln
	rs.httpServer = &http.Server{
		Handler:           rs.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := rs.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rs.logger.Error("❌ Admin API остановлен с ошибкой: %v", err)
		}
	}()
	rs.logger.Info("🌐 Admin API слушает %s", ln.Addr())
	return nil
}

// Addr адрес прослушивания после Start
func (rs *RestServer) Addr() string {
	if rs.listener == nil {
		return ""
	}
	return rs.listener.Addr().String()
}

// Stop останавливает сервер, дожидаясь активных запросов до истечения ctx
func (rs *RestServer) Stop(ctx context.Context) error {
	if rs.httpServer == nil {
		return nil
	}
	return rs.httpServer.Shutdown(ctx)
}
