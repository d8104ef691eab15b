package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"execbox/internal/common/cache"
	commonmw "execbox/internal/common/http/middleware"
	"execbox/internal/common/mq"
	"execbox/internal/coordinator"
	"execbox/internal/intake"
	"execbox/internal/intake/controller"
	"execbox/internal/pool"
	"execbox/internal/sandbox/engine"
	"execbox/internal/sandbox/observer"
	"execbox/internal/sandbox/profile"
	"execbox/internal/sandbox/runner"
	"execbox/internal/sandbox/workspace"
	"execbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/execbox.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "execbox stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	var redisCache *cache.RedisCache
	if appCfg.Redis.Enabled {
		var err error
		redisCache, err = cache.NewRedisCacheWithConfig(appCfg.Redis.toCacheConfig())
		if err != nil {
			return fmt.Errorf("init redis failed: %w", err)
		}
		defer func() {
			_ = redisCache.Close()
		}()
	}
	ledger := buildLedger(ctx, appCfg, redisCache)

	var queue *mq.KafkaQueue
	var err error
	if appCfg.kafkaEnabled() {
		queue, err = mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() {
			_ = queue.Close()
		}()
		pingCtx, cancel := context.WithTimeout(ctx, appCfg.Kafka.DialTimeout)
		if err := queue.Ping(pingCtx); err != nil {
			// Readers and the writer reconnect on their own.
			logger.Warn(ctx, "kafka broker unreachable at startup", zap.Error(err))
		}
		cancel()
	} else {
		logger.Warn(ctx, "kafka brokers not configured, queued intake disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observer.NewPrometheusRecorder(reg)

	languages, err := profile.NewRegistry(appCfg.Languages, appCfg.Sandbox.Profiles)
	if err != nil {
		return fmt.Errorf("init language table failed: %w", err)
	}
	if !appCfg.Sandbox.EnableCgroup {
		logger.Warn(ctx, "cgroups disabled, memory limits are best effort")
	}
	eng, err := engine.NewEngine(appCfg.Sandbox.toEngineConfig(), languages)
	if err != nil {
		return fmt.Errorf("init sandbox engine failed: %w", err)
	}
	provisioner, err := workspace.NewProvisioner(appCfg.Sandbox.toWorkspaceConfig())
	if err != nil {
		return fmt.Errorf("init workspace provisioner failed: %w", err)
	}
	invoker := runner.NewInvokerWithObserver(languages, eng, runner.Config{MountWorkspace: appCfg.Sandbox.MountWorkspace}, metrics)
	coord := coordinator.New(provisioner, invoker, appCfg.limitPolicy(), metrics)

	workers, err := pool.New(pool.Config{
		Size:      appCfg.Pool.Size,
		QueueSize: appCfg.Pool.QueueSize,
		Policy:    pool.Policy(appCfg.Pool.Policy),
	}, metrics)
	if err != nil {
		return fmt.Errorf("init worker pool failed: %w", err)
	}

	svcCfg := intake.Config{
		Languages: languages,
		Validation: intake.Validation{
			MaxSourceBytes: appCfg.Intake.MaxSourceBytes,
			MaxStdinBytes:  appCfg.Intake.MaxStdinBytes,
			MaxCases:       appCfg.Intake.MaxCases,
		},
		Executor: coord,
		Pool:     workers,
		Ledger:   ledger,
		Metrics:  metrics,
		JobTopic: appCfg.Intake.SubmitTopic,
		JobTTL:   appCfg.Intake.JobTTL,
		Retry:    appCfg.retryPolicy(),
	}
	if queue != nil {
		codec, err := intake.NewResultCodec(appCfg.Intake.CompressThreshold)
		if err != nil {
			return fmt.Errorf("init result codec failed: %w", err)
		}
		defer codec.Close()
		publisher, err := intake.NewKafkaPublisher(queue, appCfg.Intake.ResultTopic, codec)
		if err != nil {
			return fmt.Errorf("init result publisher failed: %w", err)
		}
		svcCfg.Publisher = publisher
		svcCfg.Producer = queue
	}
	svc, err := intake.NewService(svcCfg)
	if err != nil {
		return fmt.Errorf("init intake failed: %w", err)
	}

	if queue != nil {
		// Fetch only what the pool can hold.
		fetchLimiter := mq.NewTokenLimiter(appCfg.Pool.Size + appCfg.Pool.QueueSize)
		topics := mq.ParseWeightedTopics(appCfg.Intake.JobTopics)
		if err := queue.SubscribeWeighted(ctx, topics, svc.HandleMessage, appCfg.Kafka.subscribeOptions(), fetchLimiter); err != nil {
			return fmt.Errorf("subscribe kafka failed: %w", err)
		}
	}

	var limiter *commonmw.RateLimiter
	if redisCache != nil {
		limiter = commonmw.NewRateLimiter(redisCache, appCfg.Redis.ReadTimeout)
	}
	httpServer := buildHTTPServer(appCfg.Server, svc, limiter, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		logger.Info(ctx, "execbox http server started", zap.String("addr", appCfg.Server.Addr))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server stopped: %w", err)
		}
		return nil
	})
	if queue != nil {
		g.Go(func() error {
			if err := queue.Start(); err != nil {
				return fmt.Errorf("start kafka consumer failed: %w", err)
			}
			logger.Info(ctx, "execbox kafka consumer started", zap.String("topics", appCfg.Intake.JobTopics))
			<-gctx.Done()
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appCfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "http server shutdown failed", zap.Error(err))
		}
		// Stop waits for in-flight handlers, which wait for their jobs.
		if queue != nil {
			_ = queue.Stop()
		}
		if err := workers.Close(shutdownCtx); err != nil {
			logger.Warn(ctx, "worker pool did not drain in time", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// buildLedger returns the Redis ledger when redis is up, else an in-process one.
func buildLedger(ctx context.Context, appCfg *AppConfig, redisCache *cache.RedisCache) intake.JobLedger {
	if redisCache == nil {
		logger.Warn(ctx, "redis disabled, job ledger is process-local")
		return intake.NewMemoryLedger(appCfg.Intake.LedgerTTL)
	}
	return intake.NewRedisLedger(redisCache, appCfg.Intake.LedgerTTL)
}

func buildHTTPServer(cfg ServerConfig, svc controller.IntakeService, limiter *commonmw.RateLimiter, metrics http.Handler) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.CORSMiddleware(cfg.CORS))
	router.Use(commonmw.RequestLogger())

	h := controller.NewExecutionController(svc, cfg.MaxBodyBytes)
	if cfg.CORS.Enabled {
		h = h.WithOrigins(cfg.CORS.AllowedOrigins)
	}
	controller.Register(router, h, metrics, commonmw.RateLimitMiddleware(limiter, "intake", cfg.RateLimit))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
