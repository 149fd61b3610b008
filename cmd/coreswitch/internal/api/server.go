// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the local control API of the controller and
// provides the client the CLI uses to talk to it.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/notify"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/service"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/switcher"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/telemetry"
	"github.com/AleutianAI/coreswitch/pkg/logging"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// DefaultAddr is the loopback address the API listens on.
const DefaultAddr = "127.0.0.1:9097"

// ServiceControl is the part of the lifecycle manager the API exposes.
type ServiceControl interface {
	Status(ctx context.Context) service.Status
	Reinstall(ctx context.Context) error
	ForceReinstall(ctx context.Context) error
}

// Config configures a Server.
type Config struct {
	Addr     string
	Switcher *switcher.Coordinator

	// Service and Hub are optional; their routes answer 503 or are not
	// registered when nil.
	Service ServiceControl
	Hub     *notify.Hub

	Logger *logging.Logger
}

// Server is the control API.
type Server struct {
	addr   string
	sw     *switcher.Coordinator
	svc    ServiceControl
	hub    *notify.Hub
	logger *logging.Logger

	router *gin.Engine
	srv    *http.Server
	ln     net.Listener
}

// New builds the router.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:   cfg.Addr,
		sw:     cfg.Switcher,
		svc:    cfg.Service,
		hub:    cfg.Hub,
		logger: logging.OrDiscard(cfg.Logger).Component("api"),
	}
	if s.addr == "" {
		s.addr = DefaultAddr
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("coreswitch-api"))
	s.router.Use(s.requestLog())
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.POST("/kernel/reapply", s.handleReapply)
		if s.hub != nil {
			v1.GET("/events", gin.WrapF(s.hub.ServeWS))
		}

		p := v1.Group("/profiles")
		{
			p.GET("", s.handleListProfiles)
			p.PATCH("", s.handlePatchProfiles)
			p.POST("", s.handleCreateProfile)
			p.POST("/switch", s.handleSwitch)
			p.POST("/import", s.handleImport)
			p.POST("/reorder", s.handleReorder)
			p.PATCH("/:uid", s.handlePatchItem)
			p.DELETE("/:uid", s.handleDelete)
			p.POST("/:uid/update", s.handleUpdate)
			p.GET("/:uid/content", s.handleContent)
			p.GET("/:uid/next-update", s.handleNextUpdate)
		}

		svc := v1.Group("/service")
		{
			svc.GET("/status", s.handleServiceStatus)
			svc.POST("/reinstall", s.handleReinstall)
			svc.POST("/force-reinstall", s.handleForceReinstall)
		}
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", "error", err)
		}
	}()
	s.logger.Info("control api listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
