// Package internal wires the application together: configuration, logging,
// storage, caches and the HTTP server.
package internal

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"pagetrace/internal/analytics"
	"pagetrace/internal/config"
	"pagetrace/internal/ingest"
	"pagetrace/internal/logger"
	"pagetrace/internal/pkg/geoip"
	"pagetrace/internal/services"
	"pagetrace/internal/store"
)

const shutdownTimeout = 10 * time.Second

// App holds the assembled application.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.SQLStore
	Registry  *services.Registry
	Processor *ingest.Processor
	Stats     *analytics.Aggregator
	Fiber     *fiber.App
}

// NewApp assembles the application from the process environment.
func NewApp() (*App, error) {
	return NewAppWithConfig(config.GetConfig())
}

// NewAppWithConfig assembles the application with the provided configuration.
func NewAppWithConfig(cfg *config.Config) (*App, error) {
	log := logger.New(cfg)

	geoip.InitLogger(log)
	geoip.InitGeoDB()

	st, err := store.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := st.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	registry := services.NewRegistry(st, cfg, log)
	caches := ingest.NewCaches(cfg)
	processor := ingest.NewProcessor(st, caches, cfg, log)
	stats := analytics.NewAggregator(st, cfg, log)

	app := &App{
		Config:    cfg,
		Logger:    log,
		Store:     st,
		Registry:  registry,
		Processor: processor,
		Stats:     stats,
	}
	app.Fiber = newFiberApp(cfg, log)
	MountRoutes(app)
	return app, nil
}

func newFiberApp(cfg *config.Config, log *slog.Logger) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: !cfg.IsDevelopment(),
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if fiberErr, ok := err.(*fiber.Error); ok {
				code = fiberErr.Code
			}
			if code >= fiber.StatusInternalServerError {
				log.Error("Unhandled request error",
					slog.String("path", c.Path()),
					slog.Any("error", err))
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM, then shuts
// down with a bounded grace period.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.Config.GetPort()
		a.Logger.Info("Starting server",
			slog.String("addr", addr),
			slog.String("env", a.Config.Environment))
		errCh <- a.Fiber.Listen(addr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case sig := <-stop:
		a.Logger.Info("Shutting down", slog.String("signal", sig.String()))
		return a.Shutdown()
	}
}

// Shutdown drains in-flight requests and closes the store.
func (a *App) Shutdown() error {
	if err := a.Fiber.ShutdownWithTimeout(shutdownTimeout); err != nil {
		a.Logger.Error("Server shutdown failed", slog.Any("error", err))
	}
	a.Processor.Close()
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	a.Logger.Info("Shutdown complete")
	return nil
}
