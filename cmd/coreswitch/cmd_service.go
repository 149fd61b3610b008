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
	"errors"
	"net/http"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/api"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/service"
	"github.com/AleutianAI/coreswitch/pkg/ux"
	"github.com/spf13/cobra"
)

func newServiceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Inspect or reinstall the privileged engine service",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Probe the service and show its version drift",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.client()
				if err != nil {
					return err
				}
				ctx, cancel := opts.context(cmd)
				defer cancel()
				st, err := c.ServiceStatus(ctx)
				if err != nil {
					return err
				}
				ux.Title("engine service")
				printService(st)
				return nil
			},
		},
		newReinstallCmd(opts, false),
		newReinstallCmd(opts, true),
	)
	return cmd
}

func newReinstallCmd(opts *rootOptions, force bool) *cobra.Command {
	var yes bool
	use, short := "reinstall", "Reinstall the service when its version drifted"
	if force {
		use, short = "force-reinstall", "Reinstall the service now, ignoring the cooldown"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := ux.Confirm("Reinstall the engine service?",
					"This asks for administrator rights and restarts the engine.")
				if err != nil {
					return err
				}
				if !ok {
					ux.Warning("cancelled")
					return nil
				}
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			var st service.Status
			err = ux.Spin("reinstalling the engine service", func() error {
				var err error
				st, err = c.Reinstall(ctx, force)
				return err
			})
			if err != nil {
				return reinstallError(err)
			}
			ux.Success("service reinstalled")
			printService(st)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func reinstallError(err error) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests {
		ux.Warning("a reinstall ran recently; use force-reinstall to override")
		return &exitError{msg: apiErr.Message}
	}
	return err
}
