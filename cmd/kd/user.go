// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package main

import (
	"context"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/kdrestaurant/kd/internal/auth"
	"github.com/kdrestaurant/kd/internal/logging"
	"github.com/kdrestaurant/kd/internal/store"
)

// userPromoter grants the Admin role by email.
type userPromoter interface {
	PromoteUserByEmail(ctx context.Context, email string) (auth.UserView, error)
}

// promoterFactory opens whatever promote needs and returns a cleanup func.
type promoterFactory func(cmd *cobra.Command, opts *rootOptions) (userPromoter, func(), error)

// NewUserCmd creates the user command group.
func NewUserCmd(opts *rootOptions) *cobra.Command {
	return newUserCmd(opts, databasePromoter)
}

func newUserCmd(opts *rootOptions, factory promoterFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Administer user accounts",
	}

	var (
		email   string
		timeout time.Duration
	)
	promote := &cobra.Command{
		Use:   "promote",
		Short: "Grant the Admin role to an existing user",
		Long: `Grant the Admin role to the user registered with --email. Registration
never grants Admin, so the first administrator is created this way.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := auth.ValidateEmail(email); err != nil {
				return err
			}

			promoter, cleanup, err := factory(cmd, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			view, err := promoter.PromoteUserByEmail(ctx, email)
			if err != nil {
				return oops.With("email", email).Wrap(err)
			}
			cmd.Printf("%s (%s) is now %s\n", view.Email, view.ID, view.Role)
			return nil
		},
	}
	promote.Flags().StringVar(&email, "email", "", "email of the user to promote")
	promote.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "timeout for the operation")
	_ = promote.MarkFlagRequired("email")
	cmd.AddCommand(promote)

	return cmd
}

// databasePromoter builds the account service over a fresh pool.
func databasePromoter(cmd *cobra.Command, opts *rootOptions) (userPromoter, func(), error) {
	cfg, err := opts.load(cmd)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := logging.Setup(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  "text",
		Level:   cfg.Log.Level,
		Writer:  cmd.ErrOrStderr(),
	})

	pool, err := store.Connect(cmd.Context(), store.PoolConfig{
		URL:            cfg.DatabaseURL,
		MaxConns:       2,
		ConnectRetries: cfg.Database.ConnectRetries,
	})
	if err != nil {
		return nil, nil, err
	}

	svc, err := newServices(cfg, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return svc.accounts, pool.Close, nil
}
