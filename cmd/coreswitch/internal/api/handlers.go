// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/profiles"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/service"
	"github.com/AleutianAI/coreswitch/cmd/coreswitch/internal/switcher"
	"github.com/gin-gonic/gin"
)

// SwitchRequest selects the active profile.
type SwitchRequest struct {
	UID string `json:"uid" binding:"required"`
}

// CreateRequest adds a profile. Remote profiles need URL; the others take
// their document from Content.
type CreateRequest struct {
	Type    profiles.ItemType `json:"type" binding:"omitempty,oneof=remote local merge script"`
	Name    string            `json:"name"`
	Desc    string            `json:"desc"`
	URL     string            `json:"url" binding:"required_if=Type remote,omitempty,url"`
	Content string            `json:"content"`
	Option  *profiles.Option  `json:"option"`
}

// ImportRequest subscribes to a remote profile.
type ImportRequest struct {
	URL    string           `json:"url" binding:"required,url"`
	Option *profiles.Option `json:"option"`
}

// UpdateRequest refreshes a remote profile.
type UpdateRequest struct {
	Option *profiles.Option `json:"option"`
}

// ReorderRequest moves Active to the position of Over.
type ReorderRequest struct {
	Active string `json:"active" binding:"required"`
	Over   string `json:"over" binding:"required"`
}

// ItemResponse pairs a created or imported item with the switch it caused.
type ItemResponse struct {
	Item   profiles.Item    `json:"item"`
	Switch *switcher.Result `json:"switch,omitempty"`
}

// StatusResponse summarizes the controller.
type StatusResponse struct {
	Current    string          `json:"current,omitempty"`
	Profiles   int             `json:"profiles"`
	Sequence   uint64          `json:"sequence"`
	Processing string          `json:"processing,omitempty"`
	Service    *service.Status `json:"service,omitempty"`
}

// NextUpdateResponse is the next scheduled refresh of a profile.
type NextUpdateResponse struct {
	UID       string     `json:"uid"`
	Scheduled bool       `json:"scheduled"`
	At        *time.Time `json:"at,omitempty"`
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, profiles.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, profiles.ErrInvalidDocument), errors.Is(err, profiles.ErrDuplicateUID):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrServiceUnavailable), errors.Is(err, switcher.ErrNoFetcher):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrInstallFailed), errors.Is(err, switcher.ErrKernelRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func resultStatus(r switcher.Result) int {
	switch r.Outcome {
	case switcher.OutcomeCommitted:
		return http.StatusOK
	case switcher.OutcomeAbandoned:
		return http.StatusConflict
	case switcher.OutcomeInvalid, switcher.OutcomeRejected:
		return http.StatusUnprocessableEntity
	case switcher.OutcomeTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.sw.Profiles(c.Request.Context())
	resp := StatusResponse{
		Current:  st.Current,
		Profiles: len(st.Items),
		Sequence: s.sw.Sequence(),
	}
	if uid, ok := s.sw.Processing(); ok {
		resp.Processing = uid
	}
	if s.svc != nil {
		svc := s.svc.Status(c.Request.Context())
		resp.Service = &svc
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReapply(c *gin.Context) {
	if err := s.sw.Reapply(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, s.sw.Profiles(c.Request.Context()))
}

func (s *Server) handlePatchProfiles(c *gin.Context) {
	var patch profiles.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := s.sw.PatchProfiles(c.Request.Context(), patch)
	c.JSON(resultStatus(res), res)
}

func (s *Server) handleSwitch(c *gin.Context) {
	var req SwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := s.sw.SwitchTo(c.Request.Context(), req.UID)
	c.JSON(resultStatus(res), res)
}

func (s *Server) handleCreateProfile(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	item := profiles.Item{Type: req.Type, Name: req.Name, Desc: req.Desc, URL: req.URL, Option: req.Option}
	created, res, err := s.sw.Create(c.Request.Context(), item, []byte(req.Content))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, itemResponse(created, res))
}

func (s *Server) handleImport(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	item, res, err := s.sw.Import(c.Request.Context(), req.URL, req.Option)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, itemResponse(item, res))
}

func itemResponse(item profiles.Item, res switcher.Result) ItemResponse {
	out := ItemResponse{Item: item}
	if res.Sequence != 0 {
		out.Switch = &res
	}
	return out
}

func (s *Server) handleUpdate(c *gin.Context) {
	var req UpdateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	uid := c.Param("uid")
	if err := s.sw.UpdateProfile(c.Request.Context(), uid, req.Option); err != nil {
		fail(c, err)
		return
	}
	item, _ := s.sw.Store().Latest().Item(uid)
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleDelete(c *gin.Context) {
	removed, err := s.sw.Delete(c.Request.Context(), c.Param("uid"))
	if err != nil && removed.UID == "" {
		fail(c, err)
		return
	}
	if err != nil {
		// The item is gone; only the engine reapply failed.
		c.JSON(http.StatusOK, gin.H{"removed": removed, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) handleReorder(c *gin.Context) {
	var req ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sw.Reorder(c.Request.Context(), req.Active, req.Over); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePatchItem(c *gin.Context) {
	var patch profiles.Item
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	item, err := s.sw.PatchItem(c.Request.Context(), c.Param("uid"), patch)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleContent(c *gin.Context) {
	data, err := s.sw.ReadProfile(c.Param("uid"))
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/yaml; charset=utf-8", data)
}

func (s *Server) handleNextUpdate(c *gin.Context) {
	uid := c.Param("uid")
	resp := NextUpdateResponse{UID: uid}
	if at, ok := s.sw.NextUpdateTime(uid); ok {
		resp.Scheduled = true
		resp.At = &at
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) serviceOr503(c *gin.Context) bool {
	if s.svc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service management disabled"})
		return false
	}
	return true
}

func (s *Server) handleServiceStatus(c *gin.Context) {
	if !s.serviceOr503(c) {
		return
	}
	c.JSON(http.StatusOK, s.svc.Status(c.Request.Context()))
}

func (s *Server) handleReinstall(c *gin.Context) {
	if !s.serviceOr503(c) {
		return
	}
	if err := s.svc.Reinstall(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Status(c.Request.Context()))
}

func (s *Server) handleForceReinstall(c *gin.Context) {
	if !s.serviceOr503(c) {
		return
	}
	if err := s.svc.ForceReinstall(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Status(c.Request.Context()))
}
