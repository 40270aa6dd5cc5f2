// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kdrestaurant/kd/internal/auth/postgres"
	"github.com/kdrestaurant/kd/internal/observability"
	"github.com/kdrestaurant/kd/internal/store"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// DatabaseFactory opens the connection pool.
	// Default: store.Connect
	DatabaseFactory func(ctx context.Context, cfg store.PoolConfig) (Database, error)

	// MigratorFactory creates the migrator used when auto-migrate is on.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (AutoMigrator, error)

	// ObservabilityServerFactory creates the metrics and health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readiness observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer

	// APIServerFactory creates the public API server.
	// Default: httpapi.NewServer
	APIServerFactory func(addr string, handler http.Handler, logger *slog.Logger) APIServer

	// LogWriter receives log output.
	// Default: os.Stderr
	LogWriter io.Writer
}

// Database is the subset of *pgxpool.Pool used by serve.
type Database interface {
	postgres.DB
	store.Pinger
	Close()
}

// AutoMigrator wraps the methods used from store.Migrator at startup.
type AutoMigrator interface {
	Up() error
	Close() error
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Registry() *prometheus.Registry
	HTTPMetrics() *observability.HTTPMetrics
}

// APIServer interface wraps the methods used from httpapi.Server.
type APIServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}
