// Package handlers implements the gateway's HTTP endpoints: the
// OpenAI-compatible chat surface, account management, and the interactive
// Kiro login flows.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/KiroGateway/internal/api/middleware"
	"github.com/router-for-me/KiroGateway/internal/auth/kiro"
	"github.com/router-for-me/KiroGateway/internal/config"
	"github.com/router-for-me/KiroGateway/internal/pool"
	"github.com/router-for-me/KiroGateway/internal/runtime/executor"
	"github.com/router-for-me/KiroGateway/internal/store"
)

// Handler bundles the services the endpoints operate on. Config is read
// through a getter so hot reloads take effect without restarting.
type Handler struct {
	Cfg      func() *config.Config
	Store    store.Store
	Pool     *pool.Pool
	Manager  *kiro.Manager
	Flows    *kiro.FlowManager
	Resolver *middleware.Resolver
	Client   *executor.Client

	startedAt time.Time
}

// New builds the handler set.
func New(cfg func() *config.Config, st store.Store, p *pool.Pool, m *kiro.Manager, flows *kiro.FlowManager, r *middleware.Resolver, client *executor.Client) *Handler {
	return &Handler{
		Cfg:       cfg,
		Store:     st,
		Pool:      p,
		Manager:   m,
		Flows:     flows,
		Resolver:  r,
		Client:    client,
		startedAt: time.Now(),
	}
}

// Root reports the service banner.
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "Kiro OpenAI Gateway",
		"status":  "ok",
	})
}

// Health reports liveness plus a summary of the credential state.
func (h *Handler) Health(c *gin.Context) {
	cfg := h.Cfg()
	body := gin.H{
		"status":    "healthy",
		"auth_mode": cfg.AuthMode,
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"accounts":  h.Pool.Size(),
	}
	if h.Manager != nil && h.Manager.HasCredential() {
		body["single_credential"] = true
	}
	c.JSON(http.StatusOK, body)
}

// Models lists the model ids the gateway accepts, OpenAI list shape.
func (h *Handler) Models(c *gin.Context) {
	models := h.Cfg().Models()
	data := make([]gin.H, 0, len(models))
	for _, id := range models {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"owned_by": "kiro",
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}

func errorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    "api_error",
			"code":    code,
		},
	})
}

// authErrorJSON reports credential failures under the authentication error
// taxonomy, matching the API-key middleware.
func authErrorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    "authentication_error",
			"code":    code,
		},
	})
}
