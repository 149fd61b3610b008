// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/config"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/api"
	"github.com/AleutianAI/coreswitch/pkg/ux"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	apiAddr    string
	output     string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "coreswitch",
		Short:         "Switch proxy engine profiles and manage the privileged engine service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ux.InitMode(opts.output)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.coreswitch/coreswitch.yaml)")
	root.PersistentFlags().StringVar(&opts.apiAddr, "api", "", "control API address (default from config)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "", "output mode: styled, plain, machine")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "request timeout")

	root.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newProfileCmd(opts),
		newServiceCmd(opts),
		newReapplyCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig() (string, config.AppConfig, error) {
	path := o.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return "", config.AppConfig{}, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	return path, cfg, err
}

// client resolves the API address from --api or the config file.
func (o *rootOptions) client() (*api.Client, error) {
	addr := o.apiAddr
	if addr == "" {
		_, cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.API.Listen
	}
	return api.NewClient(addr, o.timeout), nil
}

func (o *rootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func newReapplyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reapply",
		Short: "Push the current profile to the engine again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if err := c.Reapply(ctx); err != nil {
				return err
			}
			ux.Success("engine configuration reapplied")
			return nil
		},
	}
}
