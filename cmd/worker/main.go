package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/cache"
	"github.com/remindly/remindly/internal/circuitbreaker"
	"github.com/remindly/remindly/internal/config"
	"github.com/remindly/remindly/internal/db"
	"github.com/remindly/remindly/internal/dispatch"
	"github.com/remindly/remindly/internal/history"
	"github.com/remindly/remindly/internal/metrics"
	"github.com/remindly/remindly/internal/netmon"
	"github.com/remindly/remindly/internal/observ"
	"github.com/remindly/remindly/internal/platform"
	"github.com/remindly/remindly/internal/protocol"
	"github.com/remindly/remindly/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, logLevel, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting remindly worker",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("cache_version", cfg.CacheVersion),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	queueRepo := queue.NewRepository(database, logger)
	historyRepo := history.NewRepository(database, logger)

	// Initialize Redis for the cache generations
	redisClient, err := cache.New(ctx, cache.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	cacheRouter := cache.NewRouter(redisClient, cache.RouterConfig{
		Origin:  cfg.OriginURL,
		Version: cfg.CacheVersion,
	}, logger)

	// Prime the shell and evict previous generations. Install tolerates
	// individual asset failures; activation is what commits the version.
	cacheRouter.Install(ctx, cfg.ShellManifest)
	if err := cacheRouter.Activate(ctx); err != nil {
		logger.Warn("failed to evict stale cache generations", zap.Error(err))
	}

	// Network status monitor
	monitor := netmon.New(netmon.Config{
		ProbeURL:      cfg.ProbeURL,
		ProbeInterval: time.Duration(cfg.ProbeIntervalMS) * time.Millisecond,
	}, true, logger)
	go monitor.Run(ctx, time.Duration(cfg.ProbeIntervalMS)*time.Millisecond)

	// Remote action endpoint, behind a circuit breaker so a dead
	// endpoint fails fast into the queue instead of stalling dispatch.
	poster := dispatch.NewHTTPPoster(dispatch.HTTPPosterConfig{
		Endpoint: cfg.ActionEndpoint,
		UserID:   cfg.ActionUserID,
	}, logger)
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("action-endpoint"), logger)
	protectedPoster := circuitbreaker.NewProtectedPoster(poster, breaker, logger)

	// The hub's handler needs the dispatcher and the hub itself, and
	// the dispatcher needs the hub for broadcasts, so both variables
	// are bound after construction.
	var (
		dispatcher *dispatch.Dispatcher
		hub        *protocol.Hub
	)

	hub = protocol.NewHub(func(ctx context.Context, env protocol.Envelope) *protocol.Envelope {
		switch env.Type {
		case protocol.TypeNotificationAction:
			var payload protocol.NotificationActionPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				logger.Warn("malformed action payload", zap.Error(err))
				return resultEnvelope(payload, fmt.Errorf("malformed payload"))
			}
			err := dispatcher.Dispatch(ctx, payload.Action, payload.TargetID, payload.Payload)
			return resultEnvelope(payload, err)

		case protocol.TypeNotificationClicked:
			var payload protocol.NotificationClickedPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				logger.Warn("malformed clicked payload", zap.Error(err))
				return nil
			}
			id, err := uuid.Parse(payload.ID)
			if err != nil {
				logger.Warn("clicked notice with bad record id", zap.String("id", payload.ID))
				return nil
			}
			if err := historyRepo.MarkStatus(ctx, id, db.StatusClicked); err != nil {
				logger.Warn("failed to mark notification clicked",
					zap.String("id", payload.ID),
					zap.Error(err),
				)
			}
			// Other open pages refresh off the same notice.
			hub.Broadcast(env)
			return nil

		case protocol.TypeProcessOfflineQueue:
			if _, err := dispatcher.ProcessQueue(ctx); err != nil {
				logger.Error("requested queue pass failed", zap.Error(err))
			}
			return nil

		case protocol.TypeSkipWaiting:
			if err := cacheRouter.Activate(ctx); err != nil {
				logger.Error("activation on skip-waiting failed", zap.Error(err))
			}
			return nil

		case protocol.TypeSetLogLevel:
			var payload protocol.SetLogLevelPayload
			if err := json.Unmarshal(env.Payload, &payload); err == nil {
				observ.SetLevel(logLevel, payload.Level)
			}
			return nil

		default:
			// Unknown types are dropped so newer pages can talk to
			// older workers.
			return nil
		}
	}, logger)
	defer hub.Close()

	dispatcher = dispatch.New(queueRepo, protectedPoster, monitor, hub, dispatch.Config{
		MaxRetries: 3,
	}, logger)

	// Flush the queue whenever connectivity returns.
	unsubscribe := monitor.Subscribe(func(online bool) {
		metrics.SetOnline(online)
		if online {
			go func() {
				if _, err := dispatcher.ProcessQueue(context.Background()); err != nil {
					logger.Error("recovery queue pass failed", zap.Error(err))
				}
			}()
		}
	})
	defer unsubscribe()

	// Platform signal consumer (push + background sync)
	if cfg.SQSQueueURL != "" {
		consumer, err := platform.NewConsumer(ctx, platform.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, historyRepo, hub, dispatcher, logger)
		if err != nil {
			logger.Warn("platform signal consumer unavailable", zap.Error(err))
		} else {
			go consumer.Run(ctx)
		}
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())
	r.Handle("/ws", hub)

	// Everything else flows through the caching proxy.
	r.Handle("/*", cacheRouter)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("worker listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("worker stopped gracefully")
	}

	return nil
}

func resultEnvelope(payload protocol.NotificationActionPayload, err error) *protocol.Envelope {
	result := protocol.ActionResultPayload{
		Action:   payload.Action,
		TargetID: payload.TargetID,
		Success:  err == nil,
	}
	if err != nil {
		result.Error = err.Error()
	}
	env, merr := protocol.NewEnvelope(protocol.TypeNotificationActionResult, result)
	if merr != nil {
		return nil
	}
	return &env
}
