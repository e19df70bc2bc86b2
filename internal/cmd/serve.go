package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostage/internal/observability"
	"github.com/3leaps/gostage/internal/server"
	"github.com/3leaps/gostage/internal/server/handlers"
	"github.com/3leaps/gostage/internal/server/middleware"
	"github.com/3leaps/gostage/pkg/planrun"
	"github.com/3leaps/gostage/pkg/planstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the planning service",
	Long: `Run gostage as an HTTP planning service.

Endpoints:
  POST /v1/plan         plan a submitted manifest (YAML or JSON)
  GET  /v1/runs/{id}    fetch a recorded run (requires state)
  GET  /health          aggregate health
  GET  /health/live     liveness probe
  GET  /health/ready    readiness probe
  GET  /version         build information`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := appConfig
	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	logger := observability.CLILogger
	middleware.PanicLogger = logger

	var store *planstore.Store
	if cfg.State.Enabled() {
		var err error
		store, err = planstore.Open(ctx, planstore.Config{
			Path:      cfg.State.Path,
			URL:       cfg.State.URL,
			AuthToken: cfg.State.AuthToken,
		})
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open plan store", err)
		}
		defer func() { _ = store.Close() }()
	}

	if cfg.Health.Enabled {
		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		var idc identityHealthChecker
		if id := GetAppIdentity(); id != nil {
			idc = identityHealthChecker{binaryName: id.BinaryName, envPrefix: id.EnvPrefix, configName: id.ConfigName}
		}
		hm.RegisterChecker("identity", idc)
		hm.RegisterChecker("signals", signalHealthChecker{ctx: ctx})
		if store != nil {
			hm.RegisterChecker("state", storeHealthChecker{store: store})
		}
	}

	plan := &handlers.PlanHandler{
		Settings:     func() planrun.Settings { return cfg.PlanSettings() },
		Reader:       docReader,
		Store:        store,
		DocumentRoot: cfg.Server.DocumentRoot,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
	}

	srv := server.New(host, port,
		server.WithPlanHandler(plan),
		server.WithLogger(logger),
		server.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Planning service listening",
			zap.String("addr", srv.Addr()),
			zap.Bool("state", store != nil))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down planning service")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(foundry.ExitSignalInt, "Shutdown failed", err)
	}
	return nil
}

// identityHealthChecker verifies the app identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(_ context.Context) error {
	if c.binaryName == "" {
		return errors.New("app identity: missing binary name")
	}
	if c.envPrefix == "" {
		return errors.New("app identity: missing env prefix")
	}
	if c.configName == "" {
		return errors.New("app identity: missing config name")
	}
	return nil
}

// signalHealthChecker fails once shutdown has been requested.
type signalHealthChecker struct {
	ctx context.Context
}

func (c signalHealthChecker) CheckHealth(_ context.Context) error {
	if c.ctx == nil {
		return nil
	}
	if err := c.ctx.Err(); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

type storeHealthChecker struct {
	store *planstore.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("plan store not initialized")
	}
	return c.store.Ping(ctx)
}
