package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"

	"reqflow/backend/internal/api"
	"reqflow/backend/internal/auth"
	"reqflow/backend/internal/capability"
	"reqflow/backend/internal/config"
	"reqflow/backend/internal/events"
	"reqflow/backend/internal/logging"
	"reqflow/backend/internal/mcp"
	"reqflow/backend/internal/repository"
	"reqflow/backend/internal/tls"
	"reqflow/backend/internal/workflow"
	"reqflow/backend/pkg/models"
)

func main() {
	ctx := context.Background()

	logger := logging.NewLogger()

	envFile := flag.String("env", "", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		log.Fatalf("Configuration loading failed: %v", err)
	}
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"sidecar_url", cfg.Sidecar.URL,
		"auth_issuer", cfg.Auth.Issuer,
		"config_file", viper.ConfigFileUsed(),
	)

	logger.Info("Starting Requirements Workflow Service")

	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		log.Fatalf("Database initialization failed: %v", err)
	}
	defer dbPool.Close()

	logger.Info("Database connected")

	runStore := repository.NewPostgresRunStore(dbPool)

	// Workflow engine
	hub := events.NewHub(cfg.Workflow.ReplayBufferSize, cfg.Workflow.TeardownGrace)
	meter := otel.Meter("reqflow/backend/workflow")
	delegator := workflow.NewDelegator(hub, logger, meter)
	caps := capability.NewHTTPClientWith(cfg.Sidecar.URL, auth.SidecarHTTPClient(ctx, cfg))
	orch := workflow.NewOrchestrator(hub, delegator, caps, runStore, logger, optionsFrom(cfg))

	logger.Info("Workflow engine initialized")

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ProblemHandler(logger)

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("reqflow-backend"))

	authz, err := auth.New(ctx, cfg, runStore, logger)
	if err != nil {
		logger.Error("failed to initialize auth", "error", err)
		log.Fatalf("auth initialization failed: %v", err)
	}

	apiServer := api.NewServer(orch, runStore, logger)
	e.GET("/health", echo.WrapHandler(http.HandlerFunc(apiServer.HandleHealth)))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, apiServer)

	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(orch)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("MCP protocol handlers mounted")

	addr := ":8080"
	if cfg.TLS.Enable {
		addr = ":8443"
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
				logger.Error("TLS enabled but cert/key file not provided")
				serverErrors <- server.ListenAndServe()
				return
			}
			if len(cfg.TLS.Hostnames) > 0 {
				if err := tls.EnsureDevCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames); err != nil {
					logger.Error("failed to provision self-signed cert", "error", err)
				}
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}

// optionsFrom overlays the server config onto the built-in workflow defaults.
func optionsFrom(cfg *config.Config) workflow.Options {
	opts := workflow.DefaultOptions()
	wf := cfg.Workflow

	if len(wf.MaxConcurrentPerPhase) > 0 {
		for name, n := range wf.MaxConcurrentPerPhase {
			if n > 0 {
				opts.MaxConcurrentPerPhase[models.Phase(name)] = n
			}
		}
	}
	if wf.PerItemTimeout > 0 {
		opts.PerItemTimeout = wf.PerItemTimeout
	}
	if wf.MaxAttempts > 0 {
		opts.MaxAttempts = wf.MaxAttempts
	}
	if wf.RetryDelay > 0 {
		opts.RetryDelay = wf.RetryDelay
	}
	if wf.ClarificationTimeout > 0 {
		opts.ClarificationTimeout = wf.ClarificationTimeout
	}
	if wf.PassThreshold > 0 {
		opts.PassThreshold = wf.PassThreshold
	}
	if wf.SearchTopK > 0 {
		opts.SearchTopK = wf.SearchTopK
	}
	return opts
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
