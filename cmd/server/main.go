package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"trustlink-chat/internal/api"
	"trustlink-chat/internal/audit"
	"trustlink-chat/internal/auth"
	"trustlink-chat/internal/autoreply"
	"trustlink-chat/internal/backplane"
	"trustlink-chat/internal/config"
	"trustlink-chat/internal/incident"
	"trustlink-chat/internal/message"
	"trustlink-chat/internal/metrics"
	"trustlink-chat/internal/middleware"
	"trustlink-chat/internal/storage"
	"trustlink-chat/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	os.Exit(run(cfg, logger))
}

func run(cfg config.Config, logger *slog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Connect(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		return 1
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		return 1
	}
	if cfg.SeedDemo {
		if err := storage.SeedDemo(db, logger); err != nil {
			logger.Error("failed to seed demo data", "error", err)
			return 1
		}
	}

	checks := map[string]api.HealthCheck{
		"database": sqlDB.PingContext,
	}

	var bp backplane.Backplane
	switch cfg.Backplane {
	case config.BackplaneRedis:
		r, err := backplane.NewRedisFromURL(ctx, cfg.RedisURL, logger,
			backplane.WithSubscribeTimeout(cfg.RedisSubscribeTimeout),
			backplane.WithHealthCheckInterval(cfg.RedisHealthCheck))
		if err != nil {
			logger.Error("failed to configure redis backplane", "error", err)
			return 1
		}
		if err := r.Ping(ctx); err != nil {
			// Subscriptions retry in the background; local delivery works meanwhile.
			logger.Warn("redis backplane unreachable at startup", "error", err)
		}
		checks["backplane"] = r.Ping
		bp = r
	default:
		bp = backplane.NewBus()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	tokens := auth.NewTokenIssuer(cfg.AppSecret, cfg.TokenTTL)
	authService := auth.NewAuthService(db, tokens)
	incidents := incident.NewIncidentService(db)
	messages := message.NewMessageService(db)
	auditService := audit.NewAuditService(db)

	distributor := websocket.NewDistributor(websocket.NewRegistry(logger), bp, cfg.NodeID, logger, m)
	distributor.Start()

	policy, err := websocket.ParseSlowConsumerPolicy(cfg.SlowConsumerPolicy)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	frameLimiter := middleware.NewLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.InboundRate,
		BurstSize:         cfg.InboundBurst,
	})
	httpLimiter := middleware.NewLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.HTTPRate,
		BurstSize:         cfg.HTTPBurst,
	})

	deps := websocket.Deps{
		Auth:        authService,
		Incidents:   incidents,
		Messages:    messages,
		Audit:       auditService,
		Limiter:     frameLimiter,
		Distributor: distributor,
		Logger:      logger,
		Metrics:     m,
	}
	if cfg.AutoReply {
		deps.Classifier = autoreply.NewDefault()
	}
	sessions := websocket.NewHandler(deps, websocket.HandlerConfig{
		Client: websocket.ClientOptions{
			QueueSize:    cfg.SendQueueSize,
			Policy:       policy,
			WriteTimeout: cfg.WriteTimeout,
		},
		PersistTimeout: cfg.PersistTimeout,
		CheckOrigin:    api.OriginChecker(cfg.AllowedOrigins),
	})

	router := api.NewRouter(api.Deps{
		Auth:        authService,
		Incidents:   incidents,
		Messages:    messages,
		Audit:       auditService,
		Distributor: distributor,
		Sessions:    sessions,
		HTTPLimiter: httpLimiter,
		Metrics:     m,
		Gatherer:    reg,
		Logger:      logger,
		Checks:      checks,
	})
	srv := api.NewServer(cfg.Addr(), api.NewEngine(router))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		frameLimiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		httpLimiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Addr(), "backplane", cfg.Backplane)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			// One ordered operation: stop accepting, close sessions with 1001,
			// then release subscriptions and storage.
			"trustlink": func(ctx context.Context) error {
				logger.Info("shutting down")
				errs := []error{
					srv.Shutdown(ctx),
					sessions.Shutdown(ctx),
				}
				distributor.Close()
				errs = append(errs, bp.Close(), sqlDB.Close())
				cancel()
				return errors.Join(errs...)
			},
		},
	)

	// A listener failure ends the process without waiting for a signal.
	go func() {
		if err := g.Wait(); err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	exitCode := <-wait
	logger.Info("exited", "code", exitCode)
	return exitCode
}
