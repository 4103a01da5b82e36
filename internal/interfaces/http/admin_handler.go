package http

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hermes-inc/hermes/internal/application/control"
)

func (r *Router) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := r.deps.JWT.Validate(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set("admin_username", claims.Username)
		c.Next()
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (r *Router) handleAdminLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	user, err := r.deps.Users.Load(c.Request.Context(), req.Username)
	if err != nil {
		r.respondError(c, err)
		return
	}
	if !r.deps.Users.CheckPassword(user, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := r.deps.JWT.Generate(user.Username)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "bearer"})
}

type createUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
	Email    string `json:"email" binding:"omitempty,email"`
}

func (r *Router) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and a password of at least 8 characters are required"})
		return
	}

	user, err := r.deps.Users.Create(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		r.respondError(c, err)
		return
	}

	if req.Email != "" && r.deps.Email != nil && r.deps.Email.Enabled() {
		body := fmt.Sprintf("An operator account %q was created for you by %s.",
			user.Username, c.GetString("admin_username"))
		if err := r.deps.Email.Send(req.Email, "Mediator operator account created", body); err != nil {
			r.log.Warnw("welcome email failed", "to", req.Email, "error", err)
		}
	}
	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username})
}

func (r *Router) handleGetSetting(c *gin.Context) {
	value, err := r.deps.Service.Registry.GetSetting(c.Request.Context(), c.Param("name"))
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "value": value})
}

type setSettingRequest struct {
	Name  string `json:"name" binding:"required"`
	Value any    `json:"value"`
}

// handleSetSetting writes a setting and broadcasts a reload so every
// node picks it up.
func (r *Router) handleSetSetting(c *gin.Context) {
	var req setSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	if err := r.deps.Service.Registry.SetSetting(c.Request.Context(), req.Name, req.Value); err != nil {
		r.respondError(c, err)
		return
	}
	if r.deps.Control != nil {
		if err := r.deps.Control.Broadcast(c.Request.Context(), control.EventReload); err != nil {
			r.log.Warnw("settings reload broadcast failed", "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"name": req.Name, "value": req.Value})
}

func (r *Router) handleListPairwises(c *gin.Context) {
	filters := map[string]string{
		"their_did":   c.Query("their_did"),
		"their_label": c.Query("their_label"),
		"my_did":      c.Query("my_did"),
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	ctx := c.Request.Context()
	total, err := r.deps.Service.Pairwises.Count(ctx, filters)
	if err != nil {
		r.respondError(c, err)
		return
	}
	items, err := r.deps.Service.Pairwises.List(ctx, filters, (page-1)*pageSize, pageSize)
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"page":      page,
		"page_size": pageSize,
		"items":     items,
	})
}

type dumpBackupRequest struct {
	Description string         `json:"description" binding:"required"`
	Binary      string         `json:"binary" binding:"required"`
	Context     map[string]any `json:"context"`
}

func (r *Router) handleDumpBackup(c *gin.Context) {
	var req dumpBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "description and binary are required"})
		return
	}
	binary, err := base64.StdEncoding.DecodeString(req.Binary)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "binary must be base64"})
		return
	}

	if err := r.deps.Backups.Dump(c.Request.Context(), req.Description, binary, req.Context); err != nil {
		r.respondError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (r *Router) handleListKV(c *gin.Context) {
	r.deps.KV.SelectDB(c.Param("namespace"))
	items, err := r.deps.KV.Items(c.Request.Context())
	if err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"namespace": c.Param("namespace"), "items": items})
}

type setKVRequest struct {
	Namespace string `json:"namespace" binding:"required"`
	Key       string `json:"key" binding:"required"`
	Value     any    `json:"value"`
}

func (r *Router) handleSetKV(c *gin.Context) {
	var req setKVRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "namespace and key are required"})
		return
	}

	r.deps.KV.SelectDB(req.Namespace)
	if err := r.deps.KV.Set(c.Request.Context(), req.Key, req.Value); err != nil {
		r.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"namespace": req.Namespace, "key": req.Key})
}

func (r *Router) handleDeleteKV(c *gin.Context) {
	r.deps.KV.SelectDB(c.Param("namespace"))
	if err := r.deps.KV.Delete(c.Request.Context(), c.Param("key")); err != nil {
		r.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleLoadBackup(c *gin.Context) {
	backup, err := r.deps.Backups.Load(c.Request.Context(), c.Param("description"))
	if err != nil {
		r.respondError(c, err)
		return
	}
	if backup == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown backup"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"description": backup.Description,
		"binary":      base64.StdEncoding.EncodeToString(backup.Binary),
		"context":     backup.Context,
	})
}
