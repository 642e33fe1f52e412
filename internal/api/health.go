package api

import (
	"fmt"
	"net"
	"sync"

	"github.com/annel0/mmo-zones/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService имя сервиса в gRPC health для процесса зоны
const HealthService = "mmo.zones.Zone"

// HealthServer gRPC health зоны: NOT_SERVING до загрузки контента
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// NewHealthServer создаёт сервер; статус NOT_SERVING
func NewHealthServer() *HealthServer {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	hs := &HealthServer{
		grpcServer: grpcServer,
		health:     healthServer,
		logger:     logging.GetComponentLogger("api"),
	}
	hs.SetServing(false)
	return hs
}

// SetServing переключает статус общего и зонового сервиса
func (hs *HealthServer) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	hs.health.SetServingStatus("", status)
	hs.health.SetServingStatus(HealthService, status)
}

// Start слушает TCP порт port и обслуживает запросы в фоне
func (hs *HealthServer) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("grpc health: %w", err)
	}
	return hs.Serve(ln)
}

// Serve обслуживает уже открытый listener в фоне
func (hs *HealthServer) Serve(ln net.Listener) error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.stopped {
		_ = ln.Close()
		return grpc.ErrServerStopped
	}
	hs.listener = ln

	go func() {
		if err := hs.grpcServer.Serve(ln); err != nil && err != grpc.ErrServerStopped {
			hs.logger.Warn("⚠️ gRPC health остановлен: %v", err)
		}
	}()
	hs.logger.Info("💓 gRPC health слушает %s", ln.Addr())
	return nil
}

// Addr адрес прослушивания
func (hs *HealthServer) Addr() string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.listener == nil {
		return ""
	}
	return hs.listener.Addr().String()
}

// Stop переводит статус в NOT_SERVING и останавливает сервер. Повторный вызов безопасен.
func (hs *HealthServer) Stop() {
	hs.mu.Lock()
	if hs.stopped {
		hs.mu.Unlock()
		return
	}
	hs.stopped = true
	hs.mu.Unlock()

	hs.health.Shutdown()
	hs.grpcServer.GracefulStop()
}
