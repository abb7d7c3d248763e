package api

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/annel0/geoworld/internal/logging"
	"github.com/annel0/geoworld/internal/session"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// WorldService: имя сервиса в grpc.health.v1 для состояния цикла тиков
const WorldService = "geoworld.World"

// HealthServer публикует grpc.health.v1 и отражает в нём состояние цикла тиков.
// Пустое имя сервиса и WorldService получают SERVING, пока цикл запущен.
type HealthServer struct {
	addr     string
	loop     *session.Loop
	interval time.Duration
	log      *logging.Logger

	health *health.Server
	grpc   *grpc.Server

	mu       sync.Mutex
	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHealthServer создаёт сервер; loop == nil означает «всегда SERVING»
func NewHealthServer(addr string, loop *session.Loop, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.GetAPILogger()
	}
	hs := &HealthServer{
		addr:     addr,
		loop:     loop,
		interval: time.Second,
		log:      logger,
		health:   health.NewServer(),
		grpc:     grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(hs.grpc, hs.health)
	reflection.Register(hs.grpc)
	return hs
}

// Refresh выставляет статус по текущему состоянию цикла
func (hs *HealthServer) Refresh() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if hs.loop != nil && !hs.loop.Running() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.health.SetServingStatus("", status)
	hs.health.SetServingStatus(WorldService, status)
	return status
}

// Start начинает принимать соединения
func (hs *HealthServer) Start() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hs.listener != nil {
		return errors.New("api: health server already started")
	}
	ln, err := net.Listen("tcp", hs.addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", hs.addr, err)
	}
	hs.listener = ln
	hs.stopCh = make(chan struct{})
	hs.Refresh()

	hs.wg.Add(2)
	go func() {
		defer hs.wg.Done()
		if err := hs.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			hs.log.Error("gRPC health сервер остановлен с ошибкой: %v", err)
		}
	}()
	go hs.watch(hs.stopCh)

	hs.log.Info("gRPC health запущен на %s", ln.Addr())
	return nil
}

func (hs *HealthServer) watch(stopCh <-chan struct{}) {
	defer hs.wg.Done()
	ticker := time.NewTicker(hs.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			hs.Refresh()
		}
	}
}

// Addr возвращает фактический адрес после Start
func (hs *HealthServer) Addr() string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.listener == nil {
		return hs.addr
	}
	return hs.listener.Addr().String()
}

// Stop переводит все сервисы в NOT_SERVING и останавливает сервер
func (hs *HealthServer) Stop() {
	hs.mu.Lock()
	if hs.listener == nil {
		hs.mu.Unlock()
		return
	}
	close(hs.stopCh)
	hs.listener = nil
	hs.mu.Unlock()

	hs.health.Shutdown()
	hs.grpc.GracefulStop()
	hs.wg.Wait()
}
