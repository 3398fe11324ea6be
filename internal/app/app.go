package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tickstats/internal/bench"
	"tickstats/internal/config"
	"tickstats/internal/dataset"
	"tickstats/internal/errors"
	"tickstats/internal/infrastructure"
	"tickstats/internal/loader"
	customMiddleware "tickstats/internal/middleware"
	"tickstats/internal/services"
	"tickstats/internal/stats"
	handlers "tickstats/internal/transport/http"
)

const (
	VERSION = "1.2.0"
	AppName = "tickstats"
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Store         *dataset.Store
	LoaderClient  *loader.Client
	Engine        stats.Engine
	Parallel      *stats.Parallel
	Cache         *stats.Cache
	HealthMonitor *services.HealthMonitor
	StatsService  *services.StatsService
	Harness       *bench.Harness
	Metrics       *infrastructure.Metrics
	Logger        *slog.Logger
}

// NewApplication creates a new application instance with dependency injection
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", VERSION),
		slog.String("engine", cfg.Engine.Strategy))

	app := &Application{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices initializes all application services
func (a *Application) initializeServices() error {
	a.Metrics = infrastructure.NewMetrics(prometheus.DefaultRegisterer)
	a.Store = dataset.NewStore()

	a.LoaderClient = loader.NewClient(loader.Options{
		BaseURL:       a.Config.Loader.BaseURL,
		Timeout:       a.Config.Loader.Timeout,
		FetchAttempts: a.Config.Loader.FetchAttempts,
		FetchDelay:    a.Config.Loader.FetchDelay,
	}, a.Logger)

	// Both engines are always constructed: the harness compares them and
	// the configured one serves queries. The parallel pool is started
	// once and reused for every query until shutdown.
	sequential := stats.NewSequential()
	a.Parallel = stats.NewParallel(a.Config.Engine.Workers, a.Logger)
	a.Parallel.Start()

	switch a.Config.Engine.Strategy {
	case "sequential":
		a.Engine = sequential
	default:
		a.Engine = a.Parallel
	}

	a.Cache = stats.NewCache(a.Config.Engine.CacheEnabled)
	a.HealthMonitor = services.NewHealthMonitor(a.Logger)

	a.StatsService = services.NewStatsService(
		a.Store,
		a.LoaderClient,
		a.Engine,
		a.Cache,
		a.HealthMonitor,
		a.Metrics,
		a.Logger,
	)

	a.Harness = bench.NewHarness(sequential, a.Parallel, a.Logger)

	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	errorHandler := errors.NewErrorHandler(a.Logger, false)
	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.SecurityHeaders)
		r.Use(customMiddleware.Compress(5))
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout, a.Logger))

		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
				AllowedOrigins: a.Config.Security.AllowedOrigins,
				ExposedHeaders: []string{"X-Request-ID"},
				Logger:         a.Logger,
			}))
		}

		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		healthHandler := handlers.NewHealthHandler(a.StatsService, a.Logger)
		r.Get("/health", healthHandler.HealthCheck)

		statsHandler := handlers.NewStatsHandler(a.StatsService, a.Harness, a.Logger, errorHandler)
		r.Mount("/stats", statsHandler.Routes())
	})

	// Prometheus exposition outside the main middleware group
	r.Handle("/metrics", promhttp.Handler())

	a.Router = r
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start starts the application
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.String("version", VERSION),
		slog.Int("port", a.Config.Server.Port),
		slog.String("loader", a.LoaderClient.BaseURL()),
		slog.String("engine", a.Engine.Name()))

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	// Fetch the initial dataset in the background so startup is not
	// blocked by a slow or absent loader. Failures leave the service in
	// a degraded health state; a later /stats/reload recovers.
	if a.Config.Loader.ReloadOnStart {
		go func() {
			if _, err := a.StatsService.Reload(ctx); err != nil {
				a.Logger.WarnContext(ctx, "initial dataset load failed",
					slog.String("error", err.Error()))
			}
		}()
	}

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)))

	return nil
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if err := a.Parallel.Stop(a.Config.Engine.PoolStopTimeout); err != nil {
		a.Logger.ErrorContext(ctx, "Failed to stop worker pool gracefully",
			slog.String("error", err.Error()))
	}

	if err := infrastructure.CloseLogFile(); err != nil {
		a.Logger.ErrorContext(ctx, "Failed to close log file", slog.String("error", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return nil
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "Received interrupt signal")
	case <-ctx.Done():
	}

	// Use a fresh context for shutdown; the run context may already be
	// cancelled.
	return a.Stop(context.Background())
}
