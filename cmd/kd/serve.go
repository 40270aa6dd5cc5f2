// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/propagation"

	"github.com/kdrestaurant/kd/internal/auth"
	"github.com/kdrestaurant/kd/internal/auth/postgres"
	"github.com/kdrestaurant/kd/internal/config"
	"github.com/kdrestaurant/kd/internal/httpapi"
	"github.com/kdrestaurant/kd/internal/logging"
	"github.com/kdrestaurant/kd/internal/mail"
	"github.com/kdrestaurant/kd/internal/observability"
	"github.com/kdrestaurant/kd/internal/store"
	"github.com/kdrestaurant/kd/pkg/errutil"
)

const (
	serviceName      = "kd"
	readinessTimeout = 2 * time.Second
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Start the HTTP API together with the metrics and health server, the
background email dispatcher and the expired reset code janitor.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}
}

// services holds the auth services built over one database.
type services struct {
	accounts *auth.Service
	recovery *auth.ResetService
}

// newServices wires the repositories, hasher, token issuer and mailer into
// the auth services.
func newServices(cfg *config.Config, db postgres.DB, logger *slog.Logger, opts ...auth.Option) (*services, error) {
	hasher, err := auth.NewPasswordHasher(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenIssuer(cfg.JWT.TokenConfig())
	if err != nil {
		return nil, err
	}

	var mailer auth.Mailer
	if cfg.SMTPEnabled() {
		sender, err := mail.NewSMTPSender(cfg.SMTP)
		if err != nil {
			return nil, err
		}
		mailer = sender
	} else {
		logger.Warn("smtp.host not set, emails are written to the log")
		mailer = mail.NewLogSender(logger)
	}

	opts = append([]auth.Option{auth.WithLogger(logger)}, opts...)
	users := postgres.NewUserRepository(db)

	accounts, err := auth.NewService(users, hasher, tokens, mailer, opts...)
	if err != nil {
		return nil, err
	}
	recovery, err := auth.NewResetService(
		users,
		postgres.NewPasswordResetRepository(db),
		postgres.NewTransactor(db),
		hasher,
		mailer,
		opts...,
	)
	if err != nil {
		return nil, err
	}
	return &services{accounts: accounts, recovery: recovery}, nil
}

// runServeWithDeps starts the server with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.DatabaseFactory == nil {
		deps.DatabaseFactory = func(ctx context.Context, cfg store.PoolConfig) (Database, error) {
			return store.Connect(ctx, cfg)
		}
	}
	if deps.MigratorFactory == nil {
		deps.MigratorFactory = func(url string) (AutoMigrator, error) {
			return store.NewMigrator(url)
		}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readiness observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer {
			return observability.NewServer(addr, readiness, logger)
		}
	}
	if deps.APIServerFactory == nil {
		deps.APIServerFactory = func(addr string, handler http.Handler, logger *slog.Logger) APIServer {
			return httpapi.NewServer(addr, handler, logger)
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.SetDefault(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Writer:  deps.LogWriter,
	})
	if logging.ParseLevel(cfg.Log.Level) > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info("starting kd",
		"http_addr", cfg.HTTP.Addr,
		"metrics_addr", cfg.MetricsAddr,
		"smtp_enabled", cfg.SMTPEnabled(),
	)

	if cfg.Database.AutoMigrate {
		if err := runAutoMigration(cfg.DatabaseURL, deps.MigratorFactory, logger); err != nil {
			return err
		}
	}

	db, err := deps.DatabaseFactory(ctx, store.PoolConfig{
		URL:            cfg.DatabaseURL,
		MaxConns:       cfg.Database.MaxConns,
		ConnectRetries: cfg.Database.ConnectRetries,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("connected to database")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher := mail.NewDispatcher(mail.DispatcherConfig{
		Concurrency: cfg.Email.Concurrency,
		QueueSize:   cfg.Email.QueueSize,
		Timeout:     cfg.Email.Timeout,
	}, logger)

	svc, err := newServices(cfg, db, logger, auth.WithDispatcher(dispatcher))
	if err != nil {
		return err
	}

	var (
		obsServer   ObservabilityServer
		httpMetrics *observability.HTTPMetrics
	)
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, store.ReadinessCheck(db, readinessTimeout), logger)
		auth.RegisterMetrics(obsServer.Registry())
		mail.RegisterMetrics(obsServer.Registry())
		httpMetrics = obsServer.HTTPMetrics()

		obsErrCh, err := obsServer.Start()
		if err != nil {
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability", logger)
	}

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Accounts:    svc.accounts,
		Recovery:    svc.recovery,
		Logger:      logger,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Metrics:     httpMetrics,
		Propagator:  propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	})

	apiServer := deps.APIServerFactory(cfg.HTTP.Addr, router, logger)
	apiErrCh, err := apiServer.Start()
	if err != nil {
		stopObservability(obsServer, logger)
		return err
	}
	go monitorServerErrors(ctx, cancel, apiErrCh, "api", logger)

	if cfg.Reset.CleanupInterval > 0 {
		go runResetJanitor(ctx, svc.recovery, cfg.Reset.CleanupInterval, cfg.Reset.Retention, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("kd started")
	logger.Info("kd ready", "http_addr", apiServer.Addr())

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}
	cancel()

	shutdownTimeout := cfg.HTTP.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		errutil.LogError(logger, "error stopping api server", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		errutil.LogError(logger, "error draining email dispatcher", err)
	}
	stopObservability(obsServer, logger)

	logger.Info("shutdown complete")
	return nil
}

// runAutoMigration applies pending migrations before the pool opens.
func runAutoMigration(databaseURL string, factory func(string) (AutoMigrator, error), logger *slog.Logger) error {
	migrator, err := factory(databaseURL)
	if err != nil {
		return oops.Code("AUTO_MIGRATION_FAILED").With("operation", "create migrator").Wrap(err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			errutil.LogError(logger, "error closing migrator", closeErr)
		}
	}()

	if err := migrator.Up(); err != nil {
		return oops.Code("AUTO_MIGRATION_FAILED").With("operation", "apply migrations").Wrap(err)
	}
	logger.Info("database migrations applied")
	return nil
}

func stopObservability(srv ObservabilityServer, logger *slog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		errutil.LogError(logger, "error stopping observability server", err)
	}
}

// expiredPurger deletes reset codes that expired long enough ago.
type expiredPurger interface {
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// runResetJanitor purges expired reset codes every interval until ctx is
// done.
func runResetJanitor(ctx context.Context, purger expiredPurger, interval, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.PurgeExpired(ctx, retention)
			if err != nil {
				errutil.Log(ctx, logger, slog.LevelWarn, "expired reset cleanup failed", err)
				continue
			}
			if n > 0 {
				logger.InfoContext(ctx, "purged expired reset codes", "count", n)
			}
		}
	}
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
