package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/api"
	"github.com/remindly/remindly/internal/config"
	"github.com/remindly/remindly/internal/db"
	"github.com/remindly/remindly/internal/history"
	"github.com/remindly/remindly/internal/metrics"
	"github.com/remindly/remindly/internal/netmon"
	"github.com/remindly/remindly/internal/observ"
	"github.com/remindly/remindly/internal/protocol"
	"github.com/remindly/remindly/internal/queue"
	"github.com/remindly/remindly/internal/reconcile"
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
	logger, _, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting remindly client",
		zap.String("env", cfg.Env),
		zap.String("worker_url", cfg.WorkerURL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	queueRepo := queue.NewRepository(database, logger)
	historyRepo := history.NewRepository(database, logger)
	retention := history.NewEngine(historyRepo, logger)

	// Network status monitor
	monitor := netmon.New(netmon.Config{
		ProbeURL:      cfg.ProbeURL,
		ProbeInterval: time.Duration(cfg.ProbeIntervalMS) * time.Millisecond,
	}, true, logger)
	go monitor.Run(ctx, time.Duration(cfg.ProbeIntervalMS)*time.Millisecond)

	// Reconciliation loop, declared before the link handler so channel
	// events can nudge it.
	poller := newStatusPoller(cfg.OriginURL, logger)
	var loop *reconcile.Loop

	// Worker channel
	link := protocol.NewLink(protocol.LinkConfig{
		URL: wsURL(cfg.WorkerURL) + "/ws",
	}, func(ctx context.Context, env protocol.Envelope) *protocol.Envelope {
		switch env.Type {
		case protocol.TypeReady:
			logger.Info("worker channel ready")
		case protocol.TypeOfflineQueueProcessed:
			// Queued actions may have landed; refresh the view.
			loop.Refresh()
		case protocol.TypeNotificationReceived:
			logger.Info("notification received")
			loop.Refresh()
		case protocol.TypeNotificationClicked:
			loop.Refresh()
		}
		return nil
	}, logger)
	defer link.Close()

	readiness := reconcile.AllReady(
		reconcile.ReadinessFunc(func(ctx context.Context) bool { return monitor.IsOnline() }),
		reconcile.ReadinessFunc(func(ctx context.Context) bool { return link.Connected() }),
	)
	loop = reconcile.NewLoop(poller, readiness, logger)

	// The link handler touches the loop, so connect only once both exist.
	go link.Run(ctx)
	go loop.Run(ctx)

	// Automatic history retention. The engine gates itself on the
	// stored policy, so the sweep interval here just bounds staleness.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := retention.RunAutomaticCleanup(ctx); err != nil {
					logger.Error("automatic history cleanup failed", zap.Error(err))
				}
			}
		}
	}()

	// Diagnostics API
	handler := api.NewHandler(api.HandlerConfig{
		Queue:      queueRepo,
		Flusher:    &linkFlusher{link: link},
		History:    historyRepo,
		Cleaner:    retention,
		Channel:    link,
		Poll:       loop,
		Network:    monitor,
		MaxRetries: 3,
	}, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/queue", handler.ListQueue)
		r.Post("/queue/flush", handler.FlushQueue)
		r.Delete("/queue", handler.ClearQueue)

		r.Get("/history", handler.ListHistory)
		r.Delete("/history", handler.ClearHistory)
		r.Post("/history/cleanup", handler.RunCleanup)

		r.Get("/settings/cleanup", handler.GetCleanupSettings)
		r.Put("/settings/cleanup", handler.PutCleanupSettings)

		r.Get("/push-status", handler.PushStatus)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("client listening", zap.String("addr", srv.Addr))
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

		logger.Info("client stopped gracefully")
	}

	return nil
}

// statusPoller fetches fresh reminder status from the origin.
type statusPoller struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func newStatusPoller(originURL string, logger *zap.Logger) *statusPoller {
	return &statusPoller{
		url:    strings.TrimRight(originURL, "/") + "/api/reminders/status",
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (p *statusPoller) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	p.logger.Debug("reminder status refreshed")
	return nil
}

// linkFlusher forwards queue flush requests to the worker over the
// message channel.
type linkFlusher struct {
	link *protocol.Link
}

func (f *linkFlusher) RequestFlush(ctx context.Context) error {
	env, err := protocol.NewEnvelope(protocol.TypeProcessOfflineQueue, nil)
	if err != nil {
		return err
	}
	return f.link.Send(env)
}

// wsURL rewrites an http(s) base URL to its websocket scheme.
func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	return "ws://" + strings.TrimPrefix(base, "http://")
}
