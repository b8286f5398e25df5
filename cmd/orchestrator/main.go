package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "go.uber.org/automaxprocs"

	"github.com/payrail/orchestrator/internal/config"
	"github.com/payrail/orchestrator/internal/definition"
	"github.com/payrail/orchestrator/internal/engine"
	"github.com/payrail/orchestrator/internal/events"
	"github.com/payrail/orchestrator/internal/handler"
	"github.com/payrail/orchestrator/internal/invoker"
	"github.com/payrail/orchestrator/internal/metrics"
	"github.com/payrail/orchestrator/internal/repository"
	"github.com/payrail/orchestrator/internal/scanner"
	"github.com/payrail/orchestrator/pkg/health"
	"github.com/payrail/orchestrator/pkg/logger"
	"github.com/payrail/orchestrator/pkg/redisx"
	"github.com/payrail/orchestrator/pkg/response"
	"github.com/payrail/orchestrator/pkg/snowflake"
	"github.com/payrail/orchestrator/pkg/tracing"
)

// redisHealthClient 适配 go-redis 的 Ping 返回值
type redisHealthClient struct {
	client *redisx.Client
}

func (c redisHealthClient) Ping(ctx context.Context) health.RedisPingCmd {
	return c.client.Ping(ctx)
}

func main() {
	cfg := config.Load()
	appLog := logger.New(cfg.ServiceName, os.Stdout)
	appLog.Infof("starting", map[string]interface{}{"service": cfg.ServiceName})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ids, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.Fatalf("Failed to init snowflake: %v", err)
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.JaegerEndpoint != "",
		SampleRate:  cfg.TraceSampling,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}

	healthCheck := health.New()

	// 状态存储
	var store repository.Store
	var db *sql.DB
	switch cfg.StoreBackend {
	case config.StorePostgres:
		db, err = sql.Open("postgres", cfg.DSN())
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			pingCancel()
			log.Fatalf("Failed to ping database: %v", err)
		}
		pingCancel()
		appLog.Info("connected to postgres")

		if _, err := db.ExecContext(context.Background(), repository.CreateTablesSQL); err != nil {
			log.Fatalf("Failed to ensure schema: %v", err)
		}

		store = repository.NewPostgresStore(db)
		healthCheck.Register(health.NewPostgresChecker(db))
	case config.StoreMemory:
		store, err = repository.NewMemoryStore()
		if err != nil {
			log.Fatalf("Failed to init memory store: %v", err)
		}
		appLog.Warn("using in-memory store, saga state will not survive restarts")
	}

	// Redis: 事件总线 + 扫描器选主锁
	redisClient, err := redisx.NewClient(&redisx.Config{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		PoolSize:     100,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	appLog.Info("connected to redis")
	healthCheck.Register(health.NewRedisChecker(redisHealthClient{client: redisClient}))

	publisher := events.NewRedisPublisher(
		redisx.NewStreamClient(redisClient), cfg.EventStream, cfg.TenantEventChannel, appLog)

	registry, err := definition.NewRegistry(definition.PaymentFlow(cfg.StepDefaults()))
	if err != nil {
		log.Fatalf("Failed to build definition registry: %v", err)
	}

	metricsCollector := metrics.NewDefault()
	httpInvoker := invoker.NewHTTPInvoker(cfg.OperationEndpoints(), cfg.InternalToken)
	eng := engine.New(store, registry, httpInvoker, publisher, metricsCollector, ids, appLog)

	// 超时恢复扫描
	var sweepLoop health.LoopMonitor
	hostname, _ := os.Hostname()
	lock := redisx.NewLock(redisClient.Client, cfg.ScannerLockKey,
		fmt.Sprintf("%s-%d", hostname, os.Getpid()), cfg.ScannerLockTTL)
	recoveryScanner := scanner.New(scanner.Config{
		Interval:  cfg.ScannerInterval,
		Grace:     cfg.ScannerGrace,
		BatchSize: cfg.ScannerBatchSize,
		LockTTL:   cfg.ScannerLockTTL,
	}, store, eng, lock, metricsCollector, &sweepLoop, appLog)
	if err := recoveryScanner.Start(); err != nil {
		log.Fatalf("Failed to start recovery scanner: %v", err)
	}
	healthCheck.Register(&health.LoopChecker{
		LoopName: "recovery-scanner",
		Monitor:  &sweepLoop,
		MaxAge:   3 * cfg.ScannerInterval,
	})

	// HTTP 服务
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthCheck.LiveHandler())
	mux.HandleFunc("/ready", healthCheck.ReadyHandler())
	mux.Handle("/metrics", metricsCollector.Handler())

	watcher := handler.NewEventWatcher(redisClient.Client, appLog)
	api := handler.New(eng, watcher, cfg.InternalToken, appLog)
	api.Routes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      tracing.HTTPMiddleware(response.RecoveryMiddleware(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		appLog.Infof("http server listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()
	healthCheck.SetReady(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	appLog.Info("shutting down")
	healthCheck.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	recoveryScanner.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("http shutdown incomplete")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("tracing shutdown incomplete")
	}
	appLog.Info("shutdown complete")
}
