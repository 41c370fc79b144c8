// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/histkeep/internal/api"
	"github.com/starford/histkeep/internal/hoststore"
	"github.com/starford/histkeep/internal/mcpserver"
	"github.com/starford/histkeep/internal/models"
	"github.com/starford/histkeep/internal/pipeline"
	"github.com/starford/histkeep/internal/scheduler"
	"github.com/starford/histkeep/internal/sse"
	"github.com/starford/histkeep/internal/storage"
	"github.com/starford/histkeep/internal/timer"
)

// backupRun tags scheduler events on the SSE stream.
const backupRun = "backup"

// Session holds the wired components over one host database.
type Session struct {
	config    *Config
	version   string
	logger    *slog.Logger
	host      *hoststore.Store
	broker    *sse.Broker
	timer     *timer.Cron
	pipeline  *pipeline.Service
	resolver  *storage.Resolver
	scheduler *scheduler.Scheduler
	service   *api.Service
}

// Open builds the application components without serving anything. The
// CLI uses it for one-shot commands; Run and ServeMCP build on it.
func Open(opts ...Option) (*Session, error) {
	app := &application{logOutput: os.Stdout, version: "dev"}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.Host.SQLitePath),
		slog.Int("providers", len(cfg.Transfer.Providers)),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if dir := filepath.Dir(cfg.Host.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create host dir: %w", err)
		}
	}

	db, err := hoststore.Open(cfg.Host.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("init host: %w", err)
	}

	s := &Session{
		config:  cfg,
		version: app.version,
		logger:  logger,
		host:    db,
		broker:  sse.NewBroker(cfg.Backup.ProgressThrottle),
		timer:   timer.New(logger),
	}

	var pipeOpts []pipeline.Option
	if cfg.Host.BookmarkTarget != "" {
		pipeOpts = append(pipeOpts, pipeline.WithBookmarkTarget(cfg.Host.BookmarkTarget))
	}
	s.pipeline = pipeline.NewService(db, db, logger, pipeOpts...)
	s.resolver = storage.NewResolver(cfg.Transfer.Providers, db)
	s.scheduler = scheduler.New(db, s.timer, s.pipeline, s.resolver, logger,
		scheduler.WithObserver(func(r *models.BackupRunResult) {
			s.broker.PublishRunCompleted(backupRun, r)
		}),
		scheduler.WithProgress(func(p pipeline.Progress) {
			s.broker.PublishProgress(sse.ProgressData{Run: backupRun, Phase: p.Phase, Percent: p.Percent, Message: p.Message})
		}),
	)
	s.service = api.NewService(s.pipeline, s.scheduler, s.resolver, db, s.broker)

	return s, nil
}

// Config returns the configuration the session was opened with.
func (s *Session) Config() *Config { return s.config }

// Service returns the service shared by the HTTP, MCP and CLI surfaces.
func (s *Session) Service() *api.Service { return s.service }

// Pipeline returns the import/export pipeline.
func (s *Session) Pipeline() *pipeline.Service { return s.pipeline }

// Close stops the timer and releases the host database.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.timer.Stop(ctx)
	s.broker.Close()
	return s.host.Close()
}

// watch drops catalogue entries whose files are removed from a local
// destination. Provider destinations are not watched.
func (s *Session) watch(ctx context.Context) error {
	settings, err := s.scheduler.Settings(ctx)
	if err != nil {
		return err
	}
	dest := settings.Destination
	if dest == "" {
		return nil
	}
	if _, isProvider := s.resolver.Provider(dest); isProvider {
		return nil
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	return storage.Watch(ctx, dest, s.logger, func(name string) {
		removed, err := s.scheduler.Forget(ctx, name)
		if err != nil {
			s.logger.Error("watcher: forget failed", slog.String("artifact", name), slog.String("error", err.Error()))
			return
		}
		if removed {
			s.broker.Publish(sse.Event{Type: sse.TypeArtifactRemoved, Data: map[string]string{"name": name}})
		}
	})
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	s, err := Open(opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	cfg := s.config
	logger := s.logger

	if err := s.scheduler.Restore(ctx); err != nil {
		logger.Warn("restoring backup schedule failed", slog.String("error", err.Error()))
	}

	apiRouter := api.NewRouter(s.service, cfg.Auth.AuthEnabled(), cfg.Auth.Token, s.broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := s.scheduler.Settings(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api; the SSE stream lives at /api/events.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	// Handle scheduled backups.
	g.Go(func() error {
		return s.scheduler.Run(gCtx)
	})

	// Watch the local backup destination.
	if cfg.Backup.Watch {
		g.Go(func() error {
			if err := s.watch(gCtx); err != nil {
				logger.Warn("destination watcher disabled", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")
		cancel()

		// Close the broker first so open SSE streams end and Shutdown can finish.
		s.broker.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// ServeMCP serves the MCP tools on stdio and keeps scheduled backups running
// until the client disconnects.
func ServeMCP(ctx context.Context, opts ...Option) error {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	s, err := Open(opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.scheduler.Restore(ctx); err != nil {
		s.logger.Warn("restoring backup schedule failed", slog.String("error", err.Error()))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return s.scheduler.Run(gCtx)
	})

	g.Go(func() error {
		defer cancel()
		s.logger.Info("MCP server starting on stdio", slog.String("version", s.version))
		if err := mcpserver.New(s.service, s.version).ServeStdio(); err != nil {
			return fmt.Errorf("MCP server error: %w", err)
		}
		return nil
	})

	return g.Wait()
}
