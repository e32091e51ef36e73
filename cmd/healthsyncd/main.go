package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/healthsync/internal/api/handler"
	"github.com/xela07ax/healthsync/internal/api/server"
	"github.com/xela07ax/healthsync/internal/bridge"
	"github.com/xela07ax/healthsync/internal/connectors"
	"github.com/xela07ax/healthsync/internal/dashboard"
	"github.com/xela07ax/healthsync/internal/gateway"
	"github.com/xela07ax/healthsync/internal/healthstore"
	"github.com/xela07ax/healthsync/internal/infra"
	"github.com/xela07ax/healthsync/internal/infra/auth"
	"github.com/xela07ax/healthsync/internal/repository"
	"github.com/xela07ax/healthsync/internal/repository/postgres"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("healthsyncd failed", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизни процесса: SIGINT/SIGTERM запускают graceful shutdown
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Health.Location()
	if err != nil {
		return err
	}

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infra.NewMetrics(reg)

	// 2. Инфраструктура и ресурсы
	var rdb *redis.Client
	if cfg.Health.Store == "postgres" || cfg.Bridge.Transport == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(appCtx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
	}

	// 3. Хранилище данных здоровья
	var (
		store    gateway.Store
		recorder handler.Recorder
	)
	switch cfg.Health.Store {
	case "postgres":
		samples, err := postgres.NewSampleRepo(cfg.Database)
		if err != nil {
			return err
		}
		defer samples.Close()

		initCtx, cancel := context.WithTimeout(appCtx, 5*time.Second)
		err = samples.EnsureSchema(initCtx)
		cancel()
		if err != nil {
			return err
		}

		writer := healthstore.NewWriter(samples, rdb, cfg.Ingest, logger, metrics)
		writer.Start()
		defer writer.Stop()

		pg := healthstore.NewStore(samples, writer, rdb, cfg.Health.AllowedScopes, logger)
		store, recorder = pg, pg
	default:
		mem := healthstore.NewMemoryStore()
		store, recorder = mem, mem
	}

	// 4. Core: шлюз -> репозиторий -> контроллер экрана
	gw := gateway.New(store,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithRequeryLimit(requeryLimit(cfg.Health.RequeryRate), cfg.Health.RequeryBurst),
		gateway.WithQueryTimeout(cfg.Health.QueryTimeout),
	)
	defer gw.Stop()

	steps := repository.NewStepRepository(gw)
	ctrl := dashboard.NewController(steps, dashboard.WithLogger(logger), dashboard.WithLocation(loc))
	defer ctrl.Close()

	// 5. Мост к парному устройству
	transport, closeTransport, err := newTransport(appCtx, cfg, rdb, steps, loc, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	br := bridge.New(transport, cfg.Bridge, bridge.WithLogger(logger), bridge.WithMetrics(metrics))
	defer br.Close()
	if err := br.Activate(appCtx); err != nil {
		return err
	}

	responder := bridge.NewResponder(br, steps,
		bridge.WithResponderLogger(logger),
		bridge.WithResponderLocation(loc),
		bridge.WithHeartbeat(cfg.Bridge.HeartbeatInterval),
	)

	// 6. HTTP API
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return fmt.Errorf("auth public key: %w", err)
		}
		validator = auth.NewValidator(pub, auth.WithIssuer(cfg.Auth.Issuer))
	} else {
		logger.Warn("auth public key is not configured, API is open")
	}

	api := server.NewAPIServer(logger, validator,
		handler.NewDashboardHandler(ctrl, logger),
		handler.NewSamplesHandler(recorder, logger),
		handler.NewMessagesHandler(br, responder, logger),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux}

	// 7. gRPC: стандартный health-сервис для оркестратора
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to listen gRPC: %w", err)
	}

	g, gctx := errgroup.WithContext(appCtx)

	g.Go(func() error {
		logger.Info("http api started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("metrics endpoint started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc health started", zap.Int("port", cfg.GRPC.Port))
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		if err := responder.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// 8. Graceful Shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("healthsyncd stopping...")
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		// Даем 5 секунд на завершение запросов
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", zap.Error(err))
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", zap.Error(err))
		}
		grpcSrv.GracefulStop()
		return nil
	})

	err = g.Wait()
	logger.Info("healthsyncd exited properly")
	return err
}

// requeryLimit: 0 в конфиге - без ограничения
func requeryLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// newTransport собирает транспорт моста. В режиме loopback второй конец обслуживает
// встроенный пир с собственным мостом и Responder - удобно для локального запуска.
func newTransport(
	ctx context.Context,
	cfg *infra.Config,
	rdb *redis.Client,
	steps bridge.StepsSource,
	loc *time.Location,
	logger *zap.Logger,
) (bridge.Transport, func(), error) {
	if cfg.Bridge.Transport == "redis" {
		t := connectors.NewRedisTransport(rdb, cfg.Bridge, logger)
		return t, func() { t.Close() }, nil
	}

	local, remote := connectors.NewLoopbackPair()
	peerLogger := logger.With(zap.String("device", cfg.Bridge.PeerID))

	peer := bridge.New(remote, cfg.Bridge, bridge.WithLogger(peerLogger))
	if err := peer.Activate(ctx); err != nil {
		return nil, nil, err
	}

	peerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		bridge.NewResponder(peer, steps,
			bridge.WithResponderLogger(peerLogger),
			bridge.WithResponderLocation(loc),
		).Run(peerCtx)
	}()

	return local, func() {
		cancel()
		peer.Close()
		<-done
	}, nil
}
