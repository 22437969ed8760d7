// Package scheduler собирает приложение планировщика продлений: цикл обходов,
// сервер метрик и gRPC health-check.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/magabrotheeeer/subscription-gate/internal/app/infra"
	"github.com/magabrotheeeer/subscription-gate/internal/cache"
	"github.com/magabrotheeeer/subscription-gate/internal/config"
	"github.com/magabrotheeeer/subscription-gate/internal/lib/sl"
	"github.com/magabrotheeeer/subscription-gate/internal/metrics"
	"github.com/magabrotheeeer/subscription-gate/internal/notifier"
	schedulerservice "github.com/magabrotheeeer/subscription-gate/internal/services/scheduler"
	"github.com/magabrotheeeer/subscription-gate/internal/storage/repository"
)

// ServiceName имя сервиса в gRPC health-check.
const ServiceName = "subscription.scheduler"

const shutdownTimeout = 15 * time.Second

// App представляет приложение планировщика.
type App struct {
	schedulerService *schedulerservice.Service
	db               *repository.Storage
	cache            *cache.Cache
	broker           *infra.Broker
	metricsServer    *http.Server
	health           *HealthServer
	healthAddress    string
	logger           *slog.Logger
}

// New создает новый экземпляр приложения планировщика.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.scheduler.New"

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := infra.WaitForDB(ctx, db, logger); err != nil {
		_ = db.DB.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		_ = db.DB.Close()
		return nil, fmt.Errorf("%s: cache not initialized: %w", op, err)
	}

	broker, err := infra.ConnectBroker(cfg.RabbitMQ)
	if err != nil {
		_ = db.DB.Close()
		_ = cacheRedis.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	schedulerService := schedulerservice.New(
		logger,
		db,
		infra.NewGateway(cfg.Gateway),
		notifier.NewQueue(broker.Ch),
		cacheRedis,
		metrics.NewBilling(registry),
		cfg.Scheduler,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &App{
		schedulerService: schedulerService,
		db:               db,
		cache:            cacheRedis,
		broker:           broker,
		metricsServer: &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		health:        NewHealthServer(logger),
		healthAddress: cfg.HealthAddress,
		logger:        logger,
	}, nil
}

// Run запускает планировщик и вспомогательные серверы до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.healthAddress)
	if err != nil {
		return fmt.Errorf("app.scheduler.Run: %w", err)
	}
	go a.health.Serve(lis)

	go func() {
		a.logger.Info("metrics server starting", slog.String("address", a.metricsServer.Addr))
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", sl.Err(err))
		}
	}()

	a.health.SetServing(true)
	runErr := a.schedulerService.Run(ctx)
	a.health.SetServing(false)

	a.logger.Info("shutting down scheduler service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("failed to stop metrics server", sl.Err(err))
	}
	a.health.Stop()

	if err := a.broker.Close(); err != nil {
		a.logger.Error("failed to close broker", sl.Err(err))
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Error("failed to close cache", sl.Err(err))
	}
	if err := a.db.DB.Close(); err != nil {
		a.logger.Error("failed to close database", sl.Err(err))
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// HealthServer gRPC-сервер со стандартным сервисом health.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewHealthServer создает сервер в состоянии NOT_SERVING.
func NewHealthServer(logger *slog.Logger) *HealthServer {
	srv := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{server: srv, health: h, logger: logger}
}

// SetServing переключает статус планировщика.
func (h *HealthServer) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ServiceName, status)
	h.health.SetServingStatus("", status)
}

// Serve блокируется, пока сервер не остановлен.
func (h *HealthServer) Serve(lis net.Listener) {
	h.logger.Info("health gRPC server listening", slog.String("address", lis.Addr().String()))
	if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		h.logger.Error("health gRPC server stopped", sl.Err(err))
	}
}

// Stop помечает все сервисы NOT_SERVING и останавливает сервер.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
