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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/config"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/api"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/ipc"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/kernel"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/notify"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/proc"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/profiles"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/service"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/storage"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/switcher"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/telemetry"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/util"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/watch"
	"github.com/AleutianAI/coreswitch/pkg/logging"
	"github.com/AleutianAI/coreswitch/pkg/ux"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		noWatch   bool
		noStartup bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller: profile store, engine lifecycle and control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				p, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = p
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path, serveFlags{addr: opts.apiAddr, watch: !noWatch, startup: !noStartup})
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reapply when the active document changes on disk")
	cmd.Flags().BoolVar(&noStartup, "no-startup-update", false, "skip refreshing update-always profiles at start")
	return cmd
}

type serveFlags struct {
	addr    string
	watch   bool
	startup bool
}

func runServe(ctx context.Context, path string, flags serveFlags) error {
	doc, err := config.OpenDocument(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := doc.Latest()
	timeouts := cfg.TimeoutConfig()

	level, ok := logging.ParseLevel(cfg.Logging.Level)
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "coreswitch",
		JSON:    cfg.Logging.JSON || ux.CurrentMode() == ux.ModeMachine,
	})
	defer logger.Close()
	if !ok && cfg.Logging.Level != "" {
		logger.Warn("unknown log level, using info", "level", cfg.Logging.Level)
	}
	logger.Info("starting", "version", version, "config", path, "mode", cfg.Core.Mode)

	cleanups := &shutdownSteps{timeout: timeouts.Shutdown, logger: logger}
	defer func() {
		_ = cleanups.run()
		logger.Info("stopped")
	}()

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	cleanups.add("telemetry", shutdownTelemetry)

	scfg := storage.DefaultConfig(cfg.Profiles.DBDir)
	scfg.Logger = logger
	db, err := storage.Open(scfg)
	if err != nil {
		return fmt.Errorf("open profile database: %w", err)
	}
	cleanups.add("database", func(context.Context) error { return db.Close() })

	store, err := profiles.OpenStore(ctx, profiles.NewBadgerPersister(db), logger)
	if err != nil {
		return err
	}
	docs, err := profiles.NewDocuments(cfg.Profiles.Dir)
	if err != nil {
		return err
	}
	fetcher, err := profiles.NewFetcher(profiles.FetcherConfig{
		UserAgent:   cfg.Profiles.UserAgent,
		EngineProxy: cfg.Profiles.EngineProxy,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	procs := proc.NewDefaultManager()
	ipcClient := ipc.NewClient(ipc.NewSocketTransport(cfg.Service.SocketPath), timeouts.IPC, logger)
	enginePath := filepath.Join(cfg.Core.BinDir, cfg.Core.Type)
	if runtime.GOOS == "windows" {
		enginePath += ".exe"
	}
	mgr := service.NewManager(service.ManagerConfig{
		Client:    ipcClient,
		Doc:       doc,
		Installer: service.NewScriptInstaller(cfg.Service.InstallerDir, cfg.Service.Elevator, procs, logger),
		Core: service.CoreParams{
			CoreType:  cfg.Core.Type,
			BinPath:   enginePath,
			ConfigDir: cfg.Core.WorkDir,
			LogFile:   cfg.Core.LogFile,
		},
		RequiredVersion: cfg.Service.RequiredVersion,
		InstallTimeout:  timeouts.Install,
		Logger:          logger,
	})

	sidecarLog := filepath.Join(filepath.Dir(cfg.Core.LogFile), "sidecar.log")
	runner := &kernel.ModeRunner{
		Service: kernel.ServiceRunner{Service: mgr},
		Sidecar: kernel.NewSidecarRunner(procs, enginePath, cfg.Core.WorkDir, sidecarLog, logger),
		UseSidecar: func() bool {
			return doc.Latest().Core.Mode == config.ModeSidecar || mgr.PreferSidecar()
		},
	}
	updater := kernel.NewUpdater(kernel.UpdaterConfig{
		WorkDir:   cfg.Core.WorkDir,
		BinPath:   enginePath,
		Overrides: cfg.Core.Overrides,
		Docs:      docs,
		Validator: kernel.NewValidator(timeouts.FileRead, timeouts.Parse, logger),
		Procs:     procs,
		Runner:    runner,
		Logger:    logger,
	})
	cleanups.add("engine", updater.Stop)

	hub := notify.NewHub(logger)
	sinks := notify.Multi{notify.LogSink{Logger: logger.Component("notify")}, hub}
	if cfg.Notify.Desktop {
		sinks = append(sinks, notify.NewDesktop(logger))
	}

	// The scheduler refreshes through the coordinator, which needs the
	// scheduler; the closure reads coord once both exist.
	var coord *switcher.Coordinator
	timers := profiles.NewScheduler(func(ctx context.Context, uid string) error {
		return coord.UpdateProfile(ctx, uid, nil)
	}, time.Minute, logger)

	tasks := switcher.NewTaskSet(switcher.DefaultTaskLimit, logger)
	coord = switcher.New(switcher.Config{
		Store:         store,
		Docs:          docs,
		Kernel:        updater,
		Fetcher:       fetcher,
		Timers:        timers,
		Notify:        sinks,
		Tasks:         tasks,
		LockWait:      timeouts.LockWait,
		KernelTimeout: timeouts.KernelUpdate,
		AutoRefresh:   true,
		Logger:        logger,
	})
	cleanups.add("coordinator", coord.Close)
	cleanups.add("timers", timers.Stop)

	addr := flags.addr
	if addr == "" {
		addr = cfg.API.Listen
	}
	srv := api.New(api.Config{
		Addr:     addr,
		Switcher: coord,
		Service:  mgr,
		Hub:      hub,
		Logger:   logger,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start api: %w", err)
	}
	cleanups.add("api", srv.Shutdown)
	logger.Info("control api listening", "addr", srv.Addr())

	if flags.watch {
		w, err := watch.New(watch.Config{
			Dir: docs.Dir(),
			CurrentFile: func() string {
				if it, ok := store.Latest().CurrentItem(); ok {
					return it.File
				}
				return ""
			},
			Reapply:  coord.Reapply,
			OwnWrite: docs.OwnWrite,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("watch profiles: %w", err)
		}
		cleanups.add("watcher", w.Stop)
	}

	coord.StartTimers()
	bootCtx, cancel := context.WithTimeout(ctx, timeouts.KernelUpdate)
	if err := coord.Reapply(bootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("initial engine start failed", "error", err)
	}
	cancel()

	if flags.startup {
		util.SafeGoWithContext(ctx, func() {
			n, err := coord.UpdateOnStartup(ctx)
			if err != nil {
				logger.Warn("startup refresh incomplete", "refreshed", n, "error", err)
				return
			}
			logger.Info("startup refresh done", "refreshed", n)
		}, func(r util.SafeGoResult) {
			logger.Error("startup refresh panicked", "panic", r.PanicValue)
		})
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
