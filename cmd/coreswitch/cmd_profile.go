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
	"os"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/api"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/profiles"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/switcher"
	"github.com/AleutianAI/coreswitch/pkg/ux"
	"github.com/spf13/cobra"
)

type optionFlags struct {
	interval     uint64
	withProxy    bool
	selfProxy    bool
	updateAlways bool
	userAgent    string
	timeoutSecs  int
}

func (f *optionFlags) register(cmd *cobra.Command) {
	cmd.Flags().Uint64Var(&f.interval, "interval", 0, "auto-refresh interval in minutes (0 keeps the current value)")
	cmd.Flags().BoolVar(&f.withProxy, "with-proxy", false, "download through the system proxy")
	cmd.Flags().BoolVar(&f.selfProxy, "self-proxy", false, "download through the running engine")
	cmd.Flags().BoolVar(&f.updateAlways, "update-always", false, "refresh every time the controller starts")
	cmd.Flags().StringVar(&f.userAgent, "user-agent", "", "user agent for downloads")
	cmd.Flags().IntVar(&f.timeoutSecs, "fetch-timeout", 0, "download timeout in seconds")
}

// option returns only what was set on the command line.
func (f *optionFlags) option(cmd *cobra.Command) *profiles.Option {
	var o profiles.Option
	set := false
	if cmd.Flags().Changed("interval") {
		o.UpdateInterval, set = f.interval, true
	}
	if cmd.Flags().Changed("with-proxy") {
		v := f.withProxy
		o.WithProxy, set = &v, true
	}
	if cmd.Flags().Changed("self-proxy") {
		v := f.selfProxy
		o.SelfProxy, set = &v, true
	}
	if cmd.Flags().Changed("update-always") {
		v := f.updateAlways
		o.UpdateAlways, set = &v, true
	}
	if f.userAgent != "" {
		o.UserAgent, set = f.userAgent, true
	}
	if f.timeoutSecs > 0 {
		o.TimeoutSeconds, set = f.timeoutSecs, true
	}
	if !set {
		return nil
	}
	return &o
}

func newProfileCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "profile",
		Aliases: []string{"profiles", "p"},
		Short:   "List, switch and edit profiles",
	}
	cmd.AddCommand(
		newProfileListCmd(opts),
		newProfileSwitchCmd(opts),
		newProfileCreateCmd(opts),
		newProfileImportCmd(opts),
		newProfileUpdateCmd(opts),
		newProfileDeleteCmd(opts),
		newProfileReorderCmd(opts),
		newProfileEditCmd(opts),
		newProfileShowCmd(opts),
	)
	return cmd
}

func newProfileListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List profiles; the active one is marked",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := c.Profiles(ctx)
			if err != nil {
				return err
			}
			printProfiles(st)
			return nil
		},
	}
}

func printProfiles(st profiles.State) {
	if len(st.Items) == 0 {
		ux.Warning("no profiles; import one with: coreswitch profile import <url>")
		return
	}
	rows := make([]ux.Row, 0, len(st.Items))
	for _, it := range st.Items {
		row := ux.Row{Fields: []string{it.UID, string(it.Type), it.Name, updatedAt(it.Updated), intervalOf(it)}}
		if it.UID == st.Current {
			row.Icon = ux.IconActive
		}
		rows = append(rows, row)
	}
	ux.Table([]string{"UID", "TYPE", "NAME", "UPDATED", "INTERVAL"}, rows)
}

func updatedAt(unix int64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(unix, 0).Format("2006-01-02 15:04")
}

func intervalOf(it profiles.Item) string {
	if it.Option == nil || it.Option.UpdateInterval == 0 {
		return "-"
	}
	return (time.Duration(it.Option.UpdateInterval) * time.Minute).String()
}

func reportSwitch(res switcher.Result, err error, target string) error {
	if err == nil {
		ux.Success(fmt.Sprintf("switched to %s", target))
		return nil
	}
	switch res.Outcome {
	case switcher.OutcomeAbandoned:
		ux.Warning(fmt.Sprintf("switch to %s was superseded by a newer request", target))
		return &exitError{msg: "superseded"}
	case "":
		return err
	default:
		ux.ErrorBox("Switch failed", fmt.Sprintf("%s: %s", res.Outcome, res.Reason))
		return &exitError{msg: string(res.Outcome)}
	}
}

func newProfileSwitchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <uid>",
		Short: "Make a profile active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			res, err := c.Switch(ctx, args[0])
			return reportSwitch(res, err, args[0])
		},
	}
}

func newProfileCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		name, desc, file, kind string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a local profile from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				content = data
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			resp, err := c.Create(ctx, api.CreateRequest{
				Type:    profiles.ItemType(kind),
				Name:    name,
				Desc:    desc,
				Content: string(content),
			})
			if err != nil {
				return err
			}
			ux.Success(fmt.Sprintf("created %s (%s)", resp.Item.UID, resp.Item.Name))
			return switchOutcome(resp)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "desc", "", "description")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML document to copy in")
	cmd.Flags().StringVar(&kind, "type", "local", "local, merge or script")
	return cmd
}

func switchOutcome(resp api.ItemResponse) error {
	if resp.Switch == nil {
		return nil
	}
	if resp.Switch.Applied {
		ux.Success(fmt.Sprintf("%s is now active", resp.Item.UID))
		return nil
	}
	ux.Warning(fmt.Sprintf("%s was added but not activated: %s %s", resp.Item.UID, resp.Switch.Outcome, resp.Switch.Reason))
	return nil
}

func newProfileImportCmd(opts *rootOptions) *cobra.Command {
	var of optionFlags
	cmd := &cobra.Command{
		Use:   "import <url>",
		Short: "Subscribe to a remote profile and activate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			var resp api.ItemResponse
			err = ux.Spin("downloading "+args[0], func() error {
				var err error
				resp, err = c.Import(ctx, args[0], of.option(cmd))
				return err
			})
			if err != nil {
				return err
			}
			ux.Success(fmt.Sprintf("imported %s (%s)", resp.Item.UID, resp.Item.Name))
			return switchOutcome(resp)
		},
	}
	of.register(cmd)
	return cmd
}

func newProfileUpdateCmd(opts *rootOptions) *cobra.Command {
	var of optionFlags
	cmd := &cobra.Command{
		Use:   "update <uid>",
		Short: "Download a remote profile again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			var item profiles.Item
			err = ux.Spin("updating "+args[0], func() error {
				var err error
				item, err = c.Update(ctx, args[0], of.option(cmd))
				return err
			})
			if err != nil {
				return err
			}
			ux.Success(fmt.Sprintf("updated %s at %s", item.UID, updatedAt(item.Updated)))
			return nil
		},
	}
	of.register(cmd)
	return cmd
}

func newProfileDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <uid>",
		Aliases: []string{"rm"},
		Short:   "Delete a profile and its document",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if err := c.Delete(ctx, args[0]); err != nil {
				return err
			}
			ux.Success(fmt.Sprintf("deleted %s", args[0]))
			return nil
		},
	}
}

func newProfileReorderCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <uid> <over-uid>",
		Short: "Move a profile to the position of another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if err := c.Reorder(ctx, args[0], args[1]); err != nil {
				return err
			}
			ux.Success(fmt.Sprintf("moved %s to the position of %s", args[0], args[1]))
			return nil
		},
	}
}

func newProfileEditCmd(opts *rootOptions) *cobra.Command {
	var (
		name, desc, url string
		of              optionFlags
	)
	cmd := &cobra.Command{
		Use:   "edit <uid>",
		Short: "Change a profile's name, description, url or options",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			patch := profiles.Item{Name: name, Desc: desc, URL: url, Option: of.option(cmd)}
			if patch.Option != nil {
				// Options are replaced as a whole; start from the stored ones.
				st, err := c.Profiles(ctx)
				if err != nil {
					return err
				}
				if it, ok := st.Item(args[0]); ok {
					patch.Option = profiles.MergeOptions(it.Option, patch.Option)
				}
				if cmd.Flags().Changed("interval") {
					patch.Option.UpdateInterval = of.interval
				}
			}
			item, err := c.PatchItem(ctx, args[0], patch)
			if err != nil {
				return err
			}
			ux.Success(fmt.Sprintf("updated %s", item.UID))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "desc", "", "description")
	cmd.Flags().StringVar(&url, "url", "", "subscription url")
	of.register(cmd)
	return cmd
}

func newProfileShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <uid>",
		Short: "Print a profile's document and next refresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			next, err := c.NextUpdate(ctx, args[0])
			if err != nil {
				return err
			}
			data, err := c.Content(ctx, args[0])
			if err != nil {
				return err
			}
			if next.Scheduled && next.At != nil {
				ux.KeyValue("next update", next.At.Local().Format(time.RFC3339))
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
