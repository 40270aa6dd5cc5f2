// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/kdrestaurant/kd/internal/config"
	"github.com/kdrestaurant/kd/internal/xdg"
)

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configFile string
}

// load reads the configuration for cmd from its flags, the config file and
// the environment. Without --config, $XDG_CONFIG_HOME/kd/config.yaml is
// used when present.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	path, err := xdg.FindConfigFile(o.configFile)
	if err != nil {
		return nil, err
	}
	return config.Load(cmd.Flags(), path)
}

// NewRootCmd creates the root command for the kd CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "kd",
		Short: "K&D Restaurant API server",
		Long: `kd runs the K&D Restaurant account service: registration with email
verification, login with bearer tokens, and password recovery by emailed
one-time codes.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file path (default $XDG_CONFIG_HOME/kd/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd(opts))
	cmd.AddCommand(NewMigrateCmd(opts))
	cmd.AddCommand(NewUserCmd(opts))

	return cmd
}
