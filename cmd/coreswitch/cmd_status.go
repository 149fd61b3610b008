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
	"fmt"
	"strconv"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/api"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/service"
	"github.com/AleutianAI/coreswitch/pkg/ux"
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active profile, switch sequence and service health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := c.Status(ctx)
			if err != nil {
				return fmt.Errorf("controller not reachable: %w", err)
			}
			printStatus(st)
			return nil
		},
	}
}

func printStatus(st api.StatusResponse) {
	ux.Title("coreswitch")
	current := st.Current
	if current == "" {
		current = "(none)"
	}
	ux.KeyValue("current", current)
	ux.KeyValue("profiles", strconv.Itoa(st.Profiles))
	ux.KeyValue("sequence", strconv.FormatUint(st.Sequence, 10))
	if st.Processing != "" {
		ux.KeyValue("switching to", st.Processing)
	}
	if st.Service != nil {
		printService(*st.Service)
	}
}

func printService(s service.Status) {
	avail := "unavailable"
	if s.Available {
		avail = "available"
	}
	ux.KeyValue("service", avail)
	if s.Version != "" {
		ux.KeyValue("service version", s.Version)
	}
	ux.KeyValue("required version", s.RequiredVersion)
	ux.KeyValue("drift", s.Drift)
	ux.KeyValue("engine running", strconv.FormatBool(s.CoreRunning))
	ux.KeyValue("installs", strconv.FormatUint(uint64(s.State.InstallCount), 10))
	if s.State.PreferSidecar {
		ux.KeyValue("fallback", "sidecar")
	}
	if !s.CanReinstall && !s.NextReinstall.IsZero() {
		ux.KeyValue("next reinstall", s.NextReinstall.Local().Format(time.RFC3339))
	}
	if s.Error != "" {
		ux.Warning(s.Error)
	}
}
