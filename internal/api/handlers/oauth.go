package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateway/internal/auth/kiro"
)

type startFlowRequest struct {
	Method   string `json:"method"`
	Provider string `json:"provider"`
}

// StartOAuth serves POST /auth/kiro/start. Method "social" opens the PKCE
// redirect flow (provider "google" or "github"); "device_code" opens the
// AWS Builder ID device flow. Starting a flow cancels any previous one.
func (h *Handler) StartOAuth(c *gin.Context) {
	var req startFlowRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	var (
		info *kiro.StartInfo
		err  error
	)
	switch req.Method {
	case "", "social":
		provider := req.Provider
		if provider == "" {
			provider = "google"
		}
		info, err = h.Flows.StartSocial(c.Request.Context(), provider)
	case "device_code":
		info, err = h.Flows.StartDeviceCode(c.Request.Context())
	default:
		errorJSON(c, http.StatusBadRequest, "invalid_request", "method must be \"social\" or \"device_code\"")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusBadGateway, "oauth_start_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, info)
}

// OAuthStatus serves GET /auth/kiro/status.
func (h *Handler) OAuthStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Flows.Status())
}

type waitFlowRequest struct {
	Name string `json:"name"`
}

// WaitOAuth serves POST /auth/kiro/wait: blocks until the in-flight login
// completes, stores the resulting account, and adds it to the pool.
func (h *Handler) WaitOAuth(c *gin.Context) {
	var req waitFlowRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	result, err := h.Flows.Wait(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, kiro.ErrNoAuthInProgress):
			errorJSON(c, http.StatusConflict, "no_auth_in_progress", "no login flow is in progress")
		case errors.Is(err, kiro.ErrAuthTimeout), errors.Is(err, kiro.ErrDeviceCodeExpired):
			errorJSON(c, http.StatusRequestTimeout, "auth_timeout", err.Error())
		case errors.Is(err, kiro.ErrAccessDenied):
			errorJSON(c, http.StatusForbidden, "access_denied", "the login was denied")
		default:
			errorJSON(c, http.StatusBadGateway, "oauth_failed", err.Error())
		}
		return
	}

	name := req.Name
	if name == "" {
		name = result.AuthMethod + "-" + time.Now().Format("20060102-150405")
	}
	inserted, err := h.Store.Insert(c.Request.Context(), result.Record(name))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if err := h.Pool.Load(c.Request.Context()); err != nil {
		log.Warnf("reload pool after login: %v", err)
	}
	log.Infof("stored %s account %q (id %d)", inserted.AuthMethod, inserted.Name, inserted.ID)
	c.JSON(http.StatusCreated, gin.H{"account": inserted.Summarize(time.Now())})
}

// CancelOAuth serves POST /auth/kiro/cancel.
func (h *Handler) CancelOAuth(c *gin.Context) {
	h.Flows.Cancel()
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
