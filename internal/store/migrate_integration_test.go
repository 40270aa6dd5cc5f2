// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/kdrestaurant/kd/internal/store"
	"github.com/kdrestaurant/kd/internal/store/storetest"
)

var _ = Describe("Schema migrations", Ordered, func() {
	var (
		ctx      context.Context
		db       *storetest.Database
		migrator *store.Migrator
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		db, err = storetest.Start(ctx, false)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { db.Terminate(ctx) })

		migrator, err = store.NewMigrator(db.URL)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = migrator.Close() })
	})

	It("starts empty with everything pending", func() {
		st, err := migrator.Status()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Version).To(BeZero())
		Expect(st.Applied).To(BeEmpty())
		Expect(st.Pending).To(HaveLen(2))
	})

	It("applies every migration", func() {
		Expect(migrator.Up()).To(Succeed())
		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(2)))
		Expect(dirty).To(BeFalse())
	})

	It("enforces email uniqueness", func() {
		pool, err := pgxpool.New(ctx, db.URL)
		Expect(err).NotTo(HaveOccurred())
		defer pool.Close()

		insert := `INSERT INTO users (id, email, password_hash, full_name) VALUES ($1, 'a@x.com', 'h', 'Ann')`
		_, err = pool.Exec(ctx, insert, "01J00000000000000000000001")
		Expect(err).NotTo(HaveOccurred())
		_, err = pool.Exec(ctx, insert, "01J00000000000000000000002")
		Expect(err).To(MatchError(ContainSubstring("users_email_key")))
	})

	It("steps down and back up", func() {
		Expect(migrator.Steps(-1)).To(Succeed())
		version, _, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(1)))

		Expect(migrator.Steps(1)).To(Succeed())
		version, _, err = migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(2)))
	})

	It("rolls everything back and forces a version", func() {
		Expect(migrator.Down()).To(Succeed())
		version, _, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(BeZero())

		Expect(migrator.Up()).To(Succeed())
		Expect(migrator.Force(1)).To(Succeed())
		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(1)))
		Expect(dirty).To(BeFalse())
	})
})

var _ = Describe("Connect", func() {
	It("pings a live database and reports ready", func(ctx SpecContext) {
		db, err := storetest.Start(ctx, false)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { db.Terminate(context.Background()) })

		pool, err := store.Connect(ctx, store.PoolConfig{URL: db.URL, MaxConns: 4, ConnectRetries: 3})
		Expect(err).NotTo(HaveOccurred())
		defer pool.Close()

		Expect(store.ReadinessCheck(pool, time.Second)()).To(BeTrue())
	}, SpecTimeout(2*time.Minute))

	It("gives up on an unreachable database", func(ctx SpecContext) {
		_, err := store.Connect(ctx, store.PoolConfig{
			URL:            "postgres://kd:kd@127.0.0.1:1/kd?connect_timeout=1",
			ConnectRetries: 1,
			RetryBase:      10 * time.Millisecond,
		})
		Expect(err).To(HaveOccurred())
	}, SpecTimeout(30*time.Second))
})
