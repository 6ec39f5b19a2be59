package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateway/internal/account"
	"github.com/router-for-me/KiroGateway/internal/store"
)

// ListAccounts serves GET /admin/accounts.
func (h *Handler) ListAccounts(c *gin.Context) {
	records, err := h.Store.List(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	now := time.Now()
	summaries := make([]account.Summary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, rec.Summarize(now))
	}
	total, err := h.Store.TotalRequestCount(c.Request.Context())
	if err != nil {
		log.Warnf("total request count: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts":       summaries,
		"total_requests": total,
		"pool_size":      h.Pool.Size(),
	})
}

type createAccountRequest struct {
	Name         string `json:"name"`
	AuthMethod   string `json:"auth_method"`
	Provider     string `json:"provider"`
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
	ProfileArn   string `json:"profile_arn"`
	Region       string `json:"region"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// CreateAccount serves POST /admin/accounts: registers a credential
// obtained elsewhere and validates it with a refresh round-trip.
func (h *Handler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.RefreshToken == "" {
		errorJSON(c, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	rec := &account.Record{
		Name:         req.Name,
		AuthMethod:   req.AuthMethod,
		Provider:     req.Provider,
		RefreshToken: req.RefreshToken,
		AccessToken:  req.AccessToken,
		ProfileArn:   req.ProfileArn,
		Region:       req.Region,
		IsActive:     true,
	}
	if rec.AuthMethod == "" {
		rec.AuthMethod = account.AuthMethodSocial
	}
	if req.ClientID != "" {
		rec.ExtraData = map[string]string{
			"clientId":     req.ClientID,
			"clientSecret": req.ClientSecret,
		}
	}

	inserted, err := h.Store.Insert(c.Request.Context(), rec)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if err := h.Pool.Load(c.Request.Context()); err != nil {
		log.Warnf("reload pool after insert: %v", err)
	}
	// Prove the refresh token works; a failure leaves the account stored
	// but reported.
	if err := h.Pool.RefreshOne(c.Request.Context(), inserted.ID); err != nil {
		log.Warnf("initial refresh for account %d failed: %v", inserted.ID, err)
		c.JSON(http.StatusCreated, gin.H{
			"account": inserted.Summarize(time.Now()),
			"warning": "initial token refresh failed: " + err.Error(),
		})
		return
	}
	if rec, ok := h.Pool.Get(inserted.ID); ok {
		inserted = rec
	}
	c.JSON(http.StatusCreated, gin.H{"account": inserted.Summarize(time.Now())})
}

func accountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", "account id must be an integer")
		return 0, false
	}
	return id, true
}

type patchAccountRequest struct {
	Name     *string `json:"name"`
	IsActive *bool   `json:"is_active"`
}

// PatchAccount serves PATCH /admin/accounts/:id.
func (h *Handler) PatchAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	var req patchAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	err := h.Store.Update(c.Request.Context(), id, store.Patch{Name: req.Name, IsActive: req.IsActive})
	if errors.Is(err, store.ErrNotFound) {
		errorJSON(c, http.StatusNotFound, "not_found", "no such account")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if err := h.Pool.Load(c.Request.Context()); err != nil {
		log.Warnf("reload pool after patch: %v", err)
	}
	rec, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": rec.Summarize(time.Now())})
}

// DeleteAccount serves DELETE /admin/accounts/:id.
func (h *Handler) DeleteAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	err := h.Store.Delete(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		errorJSON(c, http.StatusNotFound, "not_found", "no such account")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	h.Pool.Remove(id)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// RefreshAccount serves POST /admin/accounts/:id/refresh.
func (h *Handler) RefreshAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if err := h.Pool.RefreshOne(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			errorJSON(c, http.StatusNotFound, "not_found", "no such account in the pool")
			return
		}
		errorJSON(c, http.StatusBadGateway, "refresh_failed", err.Error())
		return
	}
	rec, ok := h.Pool.Get(id)
	if !ok {
		stored, err := h.Store.Get(c.Request.Context(), id)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		rec = stored
	}
	c.JSON(http.StatusOK, gin.H{"account": rec.Summarize(time.Now())})
}

// RefreshAllAccounts serves POST /admin/accounts/refresh-all, forcing a
// refresh of every pooled account regardless of remaining lifetime.
func (h *Handler) RefreshAllAccounts(c *gin.Context) {
	refreshed := h.Pool.RefreshExpiring(c.Request.Context(), true)
	c.JSON(http.StatusOK, gin.H{
		"refreshed": refreshed,
		"pool_size": h.Pool.Size(),
	})
}
