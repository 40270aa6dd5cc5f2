// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

// Package storetest starts a migrated PostgreSQL container for integration
// tests.
package storetest

import (
	"context"
	"time"

	"github.com/samber/oops"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kdrestaurant/kd/internal/store"
)

// Database is a running PostgreSQL container.
type Database struct {
	URL       string
	container *postgres.PostgresContainer
}

// Start runs a postgres container. When migrate is true the embedded schema
// is applied before returning.
func Start(ctx context.Context, migrate bool) (*Database, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("kd_test"),
		postgres.WithUsername("kd"),
		postgres.WithPassword("kd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, oops.Code("TEST_DB_START_FAILED").Wrap(err)
	}
	db := &Database{container: container}

	db.URL, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		db.Terminate(ctx)
		return nil, oops.Code("TEST_DB_START_FAILED").With("operation", "connection string").Wrap(err)
	}

	if migrate {
		if err := db.Migrate(); err != nil {
			db.Terminate(ctx)
			return nil, err
		}
	}
	return db, nil
}

// Migrate applies all embedded migrations.
func (d *Database) Migrate() error {
	migrator, err := store.NewMigrator(d.URL)
	if err != nil {
		return err
	}
	defer migrator.Close() //nolint:errcheck // test helper
	return migrator.Up()
}

// Terminate stops the container.
func (d *Database) Terminate(ctx context.Context) {
	_ = d.container.Terminate(ctx) //nolint:errcheck // best-effort cleanup
}
