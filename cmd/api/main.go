package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/relaylabs/otp-relay/internal/breaker"
	"github.com/relaylabs/otp-relay/internal/config"
	"github.com/relaylabs/otp-relay/internal/handler"
	infraredis "github.com/relaylabs/otp-relay/internal/infra/redis"
	"github.com/relaylabs/otp-relay/internal/mailpool"
	"github.com/relaylabs/otp-relay/internal/notify"
	"github.com/relaylabs/otp-relay/internal/observability"
	"github.com/relaylabs/otp-relay/internal/otp"
	"github.com/relaylabs/otp-relay/internal/provider"
	"github.com/relaylabs/otp-relay/internal/ratelimit"
	"github.com/relaylabs/otp-relay/internal/retry"
	"github.com/relaylabs/otp-relay/internal/store"
	"github.com/relaylabs/otp-relay/internal/taskqueue"
	"github.com/relaylabs/otp-relay/internal/transport"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const memorySweepInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	kv, rdb, degraded := buildStore(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}
	if closer, ok := kv.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	metrics.SetDegradedStoreMode(degraded)

	limiter, err := ratelimit.New(kv, ratelimit.Config{
		Global:    ratelimit.Limit{Capacity: cfg.GlobalLimit, Window: cfg.GlobalWindow()},
		Recipient: ratelimit.Limit{Capacity: cfg.RecipientLimit, Window: cfg.RecipientWindow()},
	})
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	manager, err := otp.NewManager(kv, limiter, otp.Config{
		Length:      cfg.OTPLength,
		TTL:         cfg.OTPTTL(),
		MaxAttempts: cfg.OTPMaxAttempts,
	}, metrics, logger)
	if err != nil {
		logger.Fatal("otp manager initialization failed", zap.Error(err))
	}

	br, err := breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown(), logger)
	if err != nil {
		logger.Fatal("circuit breaker initialization failed", zap.Error(err))
	}

	dialer, err := mailpool.NewSMTPDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	if err != nil {
		logger.Fatal("smtp dialer initialization failed", zap.Error(err))
	}
	pool, err := mailpool.New(dialer, cfg.PoolSize, cfg.PoolMaxIdleAge(), cfg.PoolAcquireTimeout(), logger)
	if err != nil {
		logger.Fatal("mail pool initialization failed", zap.Error(err))
	}
	defer pool.Close()

	email, err := provider.NewSMTPSender(pool, cfg.SMTPFrom, cfg.SMTPFromName, cfg.SMTPSubject, logger)
	if err != nil {
		logger.Fatal("smtp sender initialization failed", zap.Error(err))
	}

	var sms provider.Sender
	if cfg.SMSGatewayURL != "" {
		sms, err = provider.NewSMSGatewaySender(cfg.SMSGatewayURL)
		if err != nil {
			logger.Fatal("sms gateway sender initialization failed", zap.Error(err))
		}
	} else {
		logger.Warn("sms gateway url not configured, sms channel disabled")
	}

	retryer, err := retry.NewExecutor(retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
		MaxDelay:    cfg.RetryMaxDelay(),
	}, logger)
	if err != nil {
		logger.Fatal("retry executor initialization failed", zap.Error(err))
	}

	deliverer, err := notify.NewDeliverer(br, retryer, limiter, email, sms, metrics, logger)
	if err != nil {
		logger.Fatal("deliverer initialization failed", zap.Error(err))
	}

	queue, err := taskqueue.New(taskqueue.Config{
		Capacity:        cfg.QueueCapacity,
		Workers:         cfg.WorkerConcurrency,
		TaskMaxLifetime: cfg.TaskMaxLifetime(),
		Retention:       cfg.TaskRetention(),
		RequeueDelay:    cfg.RequeueDelay(),
	}, deliverer.Deliver, logger, metrics)
	if err != nil {
		logger.Fatal("task queue initialization failed", zap.Error(err))
	}

	facade, err := notify.NewFacade(manager, queue, limiter, br, pool, metrics, logger, cfg.OTPTTL(), degraded)
	if err != nil {
		logger.Fatal("facade initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, rdb, degraded)
	if err := handler.RegisterNotifyRoutes(app, facade); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("delivery workers starting", zap.Int("workers", cfg.WorkerConcurrency))
		return queue.Start(groupCtx)
	})

	g.Go(func() error {
		logger.Info("otp-relay api started", zap.Int("port", cfg.APIPort), zap.Bool("degradedStore", degraded))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				metrics.SetQueueDepth(queue.Depth())
				metrics.SetPoolIdle(pool.IdleCount())
			}
		}
	})

	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown requested, draining")

		if err := app.ShutdownWithTimeout(cfg.ShutdownGrace()); err != nil {
			logger.Warn("http shutdown did not finish cleanly", zap.Error(err))
		}
		queue.Shutdown(cfg.ShutdownGrace())
		return nil
	})

	if err := g.Wait(); err != nil && !isShutdownErr(err) {
		logger.Fatal("service terminated", zap.Error(err))
	}
	logger.Info("otp-relay stopped")
}

// buildStore prefers redis when a URL is configured; a failed connection
// degrades to the process-local store instead of refusing to start. An empty
// URL is a deliberate choice of the in-memory store and is not degraded.
func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, *goredis.Client, bool) {
	if cfg.RedisURL == "" {
		logger.Info("redis url not configured, using in-memory store")
		return store.NewMemoryStore(memorySweepInterval), nil, false
	}

	rdb, err := infraredis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, falling back to in-memory store", zap.Error(err))
		return store.NewMemoryStore(memorySweepInterval), nil, true
	}

	redisStore, err := store.NewRedisStore(rdb)
	if err != nil {
		logger.Warn("redis store initialization failed, falling back to in-memory store", zap.Error(err))
		_ = rdb.Close()
		return store.NewMemoryStore(memorySweepInterval), nil, true
	}

	logger.Info("redis store connected")
	return redisStore, rdb, false
}

func isShutdownErr(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
