package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirka-internal/vps-agent/api/internal/api/handlers"
	"github.com/sirka-internal/vps-agent/api/internal/api/middleware"
	"github.com/sirka-internal/vps-agent/api/internal/api/router"
	deliveryhttp "github.com/sirka-internal/vps-agent/api/internal/delivery/http"
	agentgrpc "github.com/sirka-internal/vps-agent/api/internal/grpc"
	"github.com/sirka-internal/vps-agent/api/internal/workers"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent daemon",
	Long: `Runs the HTTP API for deploys and restarts, the deployment event stream,
the gRPC health socket and the periodic site monitor until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// --- 1. Core Telemetry ---
	logger := newLogger(os.Stdout, cfg.LogLevel, true)
	slog.SetDefault(logger)
	logger.Info("🚀 Booting Sirka agent...", slog.String("version", version), slog.String("env", cfg.Environment))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 2. Runtime & Deploy Pipeline ---
	a, err := newAgent(ctx, cfg, logger)
	if err != nil {
		logger.Error("FATAL: agent wiring failed", slog.Any("error", err))
		return err
	}
	defer a.Close()

	verifier, tokenCache, err := buildVerifier(cfg, logger)
	if err != nil {
		return err
	}

	// --- 3. Background Workers ---
	grpcServer := agentgrpc.New(cfg.GRPCSocket, logger)

	var evicter workers.TokenEvicter
	if tokenCache != nil {
		evicter = tokenCache
	}
	monitor := workers.NewSiteMonitor(a.backend, a.manager, grpcServer.Health(), evicter, logger, cfg.MonitorInterval)
	go monitor.Start(ctx)

	go func() {
		if err := grpcServer.Serve(ctx); err != nil {
			// 🛡️ The HTTP API stays up; health is still visible over /health.
			logger.Error("gRPC health socket unavailable", slog.Any("error", err))
		}
	}()

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx)

	// --- 4. HTTP Gateway ---
	mux := router.NewRouter(router.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		DeployHandler:  handlers.NewDeploymentHandler(a.service, a.hub, logger),
		WSHandler:      handlers.NewWebSocketHandler(a.hub, logger),
		HealthHandler:  deliveryhttp.NewHealthHandler(a.kind, monitor),
		AuthMiddleware: middleware.NewAuthMiddleware(verifier, logger),
		RateLimiter:    limiter,
		SigningSecret:  cfg.SigningSecret,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Deploys run synchronously and may include a slow artifact download.
		WriteTimeout: cfg.FetchTimeout + 2*time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("🌐 Sirka agent API active", slog.String("port", cfg.Port), slog.String("runtime", string(a.kind)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// --- 5. Graceful Exit ---
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("CRITICAL: Server crashed", slog.Any("error", err))
			return err
		}
	}

	logger.Info("🛑 Shutting down...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ERROR: Forced shutdown", slog.Any("error", err))
	}
	logger.Info("✅ Sirka agent stopped. Served sites keep running.")
	return nil
}
