// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdrestaurant/kd/internal/config"
	"github.com/kdrestaurant/kd/internal/observability"
	"github.com/kdrestaurant/kd/internal/store"
	"github.com/kdrestaurant/kd/pkg/errutil"
)

// mockDatabase implements Database over a pgxmock pool.
type mockDatabase struct {
	pgxmock.PgxPoolIface
	closed atomic.Bool
}

func (m *mockDatabase) Close() {
	m.closed.Store(true)
}

func newMockDatabase(t *testing.T) *mockDatabase {
	t.Helper()
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &mockDatabase{PgxPoolIface: pool}
}

// mockMigrator implements AutoMigrator and SchemaMigrator for testing.
type mockMigrator struct {
	upErr       error
	upCalled    bool
	closeCalled bool
	downCalled  bool
	steps       []int
	forced      []int
	status      store.Status
}

func (m *mockMigrator) Up() error {
	m.upCalled = true
	return m.upErr
}

func (m *mockMigrator) Down() error {
	m.downCalled = true
	return nil
}

func (m *mockMigrator) Steps(n int) error {
	m.steps = append(m.steps, n)
	return nil
}

func (m *mockMigrator) Force(version int) error {
	m.forced = append(m.forced, version)
	return nil
}

func (m *mockMigrator) Status() (store.Status, error) {
	return m.status, nil
}

func (m *mockMigrator) Close() error {
	m.closeCalled = true
	return nil
}

// mockObservabilityServer implements ObservabilityServer for testing.
type mockObservabilityServer struct {
	registry *prometheus.Registry
	metrics  *observability.HTTPMetrics
	startErr error
	started  atomic.Bool
	stopped  atomic.Bool
}

func newMockObservabilityServer() *mockObservabilityServer {
	reg := prometheus.NewRegistry()
	return &mockObservabilityServer{registry: reg, metrics: observability.NewHTTPMetrics(reg)}
}

func (m *mockObservabilityServer) Start() (<-chan error, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.started.Store(true)
	return make(chan error, 1), nil
}

func (m *mockObservabilityServer) Stop(context.Context) error {
	m.stopped.Store(true)
	return nil
}

func (m *mockObservabilityServer) Addr() string { return "127.0.0.1:9100" }

func (m *mockObservabilityServer) Registry() *prometheus.Registry { return m.registry }

func (m *mockObservabilityServer) HTTPMetrics() *observability.HTTPMetrics { return m.metrics }

// mockAPIServer implements APIServer for testing.
type mockAPIServer struct {
	handler  http.Handler
	errCh    chan error
	startErr error
	onStart  func(h http.Handler)
	started  atomic.Bool
	stopped  atomic.Bool
}

func (m *mockAPIServer) Start() (<-chan error, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.started.Store(true)
	if m.onStart != nil {
		m.onStart(m.handler)
	}
	if m.errCh == nil {
		m.errCh = make(chan error, 1)
	}
	return m.errCh, nil
}

func (m *mockAPIServer) Stop(context.Context) error {
	m.stopped.Store(true)
	return nil
}

func (m *mockAPIServer) Addr() string { return "127.0.0.1:8080" }

type serveFixture struct {
	db       *mockDatabase
	migrator *mockMigrator
	obs      *mockObservabilityServer
	api      *mockAPIServer
	logs     *syncBuffer
	out      *bytes.Buffer
	deps     *ServeDeps
	cmd      *cobra.Command

	dbOpened  atomic.Bool
	obsMade   atomic.Bool
	migratorN atomic.Int32
}

func newServeFixture(t *testing.T) *serveFixture {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	f := &serveFixture{
		db:       newMockDatabase(t),
		migrator: &mockMigrator{},
		obs:      newMockObservabilityServer(),
		api:      &mockAPIServer{},
		logs:     &syncBuffer{},
		out:      &bytes.Buffer{},
		cmd:      &cobra.Command{Use: "serve"},
	}
	f.cmd.SetOut(f.out)
	f.deps = &ServeDeps{
		DatabaseFactory: func(_ context.Context, _ store.PoolConfig) (Database, error) {
			f.dbOpened.Store(true)
			return f.db, nil
		},
		MigratorFactory: func(string) (AutoMigrator, error) {
			f.migratorN.Add(1)
			return f.migrator, nil
		},
		ObservabilityServerFactory: func(string, observability.ReadinessChecker, *slog.Logger) ObservabilityServer {
			f.obsMade.Store(true)
			return f.obs
		},
		APIServerFactory: func(_ string, h http.Handler, _ *slog.Logger) APIServer {
			f.api.handler = h
			return f.api
		},
		LogWriter: f.logs,
	}
	return f
}

func testServeConfig() *config.Config {
	return &config.Config{
		DatabaseURL: "postgres://kd:kd@localhost/kd",
		Database:    config.DatabaseConfig{MaxConns: 4, AutoMigrate: true},
		HTTP: config.HTTPConfig{
			Addr:            "127.0.0.1:0",
			CORSOrigins:     []string{"http://localhost:3000"},
			ShutdownTimeout: time.Second,
		},
		MetricsAddr:   "127.0.0.1:0",
		Log:           config.LogConfig{Format: "json", Level: "info"},
		JWT:           config.JWTConfig{Secret: "0123456789abcdef0123456789abcdef", Issuer: "kd", Audience: "kd-client", TTL: time.Hour},
		HashAlgorithm: "argon2id",
		Email:         config.EmailConfig{Concurrency: 1, Timeout: time.Second},
	}
}

// cancelledContext returns a context that is already done so
// runServeWithDeps shuts down as soon as it is ready.
func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestRunServeWithDeps_HappyPath(t *testing.T) {
	f := newServeFixture(t)
	cfg := testServeConfig()

	var status int
	f.api.onStart = func(h http.Handler) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/forgot-password", strings.NewReader(`{"email":"not-an-email"}`))
		req.Header.Set("Content-Type", "application/json")
		h.ServeHTTP(rec, req)
		status = rec.Code
	}

	err := runServeWithDeps(cancelledContext(), cfg, f.cmd, f.deps)
	require.NoError(t, err)

	assert.True(t, f.migrator.upCalled, "migrations run at startup")
	assert.True(t, f.migrator.closeCalled)
	assert.True(t, f.obs.started.Load())
	assert.True(t, f.obs.stopped.Load())
	assert.True(t, f.api.started.Load())
	assert.True(t, f.api.stopped.Load())
	assert.True(t, f.db.closed.Load(), "pool closed on shutdown")
	assert.Contains(t, f.out.String(), "kd started")

	assert.Equal(t, http.StatusBadRequest, status)

	families, err := f.obs.registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "kd_auth_operations_total")
	assert.Contains(t, names, "kd_http_requests_total")

	logs := f.logs.String()
	assert.Contains(t, logs, `"msg":"kd ready"`)
	assert.Contains(t, logs, `"service":"kd"`)
	assert.Contains(t, logs, "emails are written to the log")
	assert.Contains(t, logs, `"msg":"shutdown complete"`)
}

func TestRunServeWithDeps_ValidationError(t *testing.T) {
	f := newServeFixture(t)
	cfg := testServeConfig()
	cfg.JWT.Secret = "short"

	err := runServeWithDeps(context.Background(), cfg, f.cmd, f.deps)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
	assert.False(t, f.dbOpened.Load())
	assert.Zero(t, f.migratorN.Load())
}

func TestRunServeWithDeps_AutoMigrateDisabled(t *testing.T) {
	f := newServeFixture(t)
	cfg := testServeConfig()
	cfg.Database.AutoMigrate = false

	require.NoError(t, runServeWithDeps(cancelledContext(), cfg, f.cmd, f.deps))
	assert.Zero(t, f.migratorN.Load())
	assert.True(t, f.api.started.Load())
}

func TestRunServeWithDeps_MigrationFailure(t *testing.T) {
	f := newServeFixture(t)
	f.migrator.upErr = errors.New("relation already exists")

	err := runServeWithDeps(cancelledContext(), testServeConfig(), f.cmd, f.deps)
	errutil.AssertErrorCode(t, err, "AUTO_MIGRATION_FAILED")
	assert.True(t, f.migrator.closeCalled)
	assert.False(t, f.dbOpened.Load(), "pool is not opened after a failed migration")
}

func TestRunServeWithDeps_DatabaseError(t *testing.T) {
	f := newServeFixture(t)
	f.deps.DatabaseFactory = func(context.Context, store.PoolConfig) (Database, error) {
		return nil, errors.New("connection refused")
	}

	err := runServeWithDeps(cancelledContext(), testServeConfig(), f.cmd, f.deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, f.api.started.Load())
}

func TestRunServeWithDeps_ObservabilityStartError(t *testing.T) {
	f := newServeFixture(t)
	f.obs.startErr = errors.New("address in use")

	err := runServeWithDeps(cancelledContext(), testServeConfig(), f.cmd, f.deps)
	require.Error(t, err)
	assert.False(t, f.api.started.Load())
	assert.True(t, f.db.closed.Load())
}

func TestRunServeWithDeps_APIStartErrorStopsObservability(t *testing.T) {
	f := newServeFixture(t)
	f.api.startErr = errors.New("address in use")

	err := runServeWithDeps(cancelledContext(), testServeConfig(), f.cmd, f.deps)
	require.Error(t, err)
	assert.True(t, f.obs.started.Load())
	assert.True(t, f.obs.stopped.Load())
}

func TestRunServeWithDeps_MetricsDisabled(t *testing.T) {
	f := newServeFixture(t)
	cfg := testServeConfig()
	cfg.MetricsAddr = ""

	require.NoError(t, runServeWithDeps(cancelledContext(), cfg, f.cmd, f.deps))
	assert.False(t, f.obsMade.Load())
	assert.True(t, f.api.stopped.Load())
}

func TestRunServeWithDeps_ServerErrorTriggersShutdown(t *testing.T) {
	f := newServeFixture(t)
	f.api.errCh = make(chan error, 1)
	f.api.errCh <- errors.New("serve failed")

	done := make(chan error, 1)
	go func() {
		done <- runServeWithDeps(context.Background(), testServeConfig(), f.cmd, f.deps)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runServeWithDeps did not shut down after a server error")
	}
	assert.True(t, f.api.stopped.Load())
	assert.Contains(t, f.logs.String(), "server error, triggering shutdown")
}

func TestRunAutoMigration(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("success", func(t *testing.T) {
		m := &mockMigrator{}
		err := runAutoMigration("postgres://kd@localhost/kd", func(string) (AutoMigrator, error) { return m, nil }, logger)
		require.NoError(t, err)
		assert.True(t, m.upCalled)
		assert.True(t, m.closeCalled)
	})

	t.Run("factory error", func(t *testing.T) {
		err := runAutoMigration("bad", func(string) (AutoMigrator, error) {
			return nil, errors.New("bad url")
		}, logger)
		errutil.AssertErrorCode(t, err, "AUTO_MIGRATION_FAILED")
		errutil.AssertErrorContext(t, err, "operation", "create migrator")
	})

	t.Run("up error still closes", func(t *testing.T) {
		m := &mockMigrator{upErr: errors.New("boom")}
		err := runAutoMigration("postgres://kd@localhost/kd", func(string) (AutoMigrator, error) { return m, nil }, logger)
		errutil.AssertErrorCode(t, err, "AUTO_MIGRATION_FAILED")
		assert.True(t, m.closeCalled)
	})
}

// fakePurger counts PurgeExpired calls.
type fakePurger struct {
	mu        sync.Mutex
	calls     int
	retention time.Duration
	err       error
}

func (p *fakePurger) PurgeExpired(_ context.Context, retention time.Duration) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.retention = retention
	if p.err != nil {
		return 0, p.err
	}
	return 2, nil
}

func (p *fakePurger) snapshot() (int, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, p.retention
}

func TestRunResetJanitor(t *testing.T) {
	purger := &fakePurger{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runResetJanitor(ctx, purger, 5*time.Millisecond, 24*time.Hour, slog.New(slog.DiscardHandler))
		close(done)
	}()

	assert.Eventually(t, func() bool {
		calls, _ := purger.snapshot()
		return calls >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancellation")
	}

	_, retention := purger.snapshot()
	assert.Equal(t, 24*time.Hour, retention)
}

func TestRunResetJanitor_LogsFailures(t *testing.T) {
	purger := &fakePurger{err: errors.New("database unavailable")}
	var buf syncBuffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runResetJanitor(ctx, purger, 5*time.Millisecond, time.Hour, logger)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "expired reset cleanup failed")
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMonitorServerErrors(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("error cancels context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh := make(chan error, 1)
		errCh <- errors.New("listener closed")

		monitorServerErrors(ctx, cancel, errCh, "api", logger)
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("nil error does not cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh := make(chan error, 1)
		errCh <- nil

		monitorServerErrors(ctx, cancel, errCh, "api", logger)
		assert.NoError(t, ctx.Err())
	})

	t.Run("closed channel does not cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh := make(chan error)
		close(errCh)

		monitorServerErrors(ctx, cancel, errCh, "api", logger)
		assert.NoError(t, ctx.Err())
	})

	t.Run("returns when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		done := make(chan struct{})
		go func() {
			monitorServerErrors(ctx, cancel, make(chan error), "api", logger)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("monitorServerErrors did not return")
		}
	})
}
