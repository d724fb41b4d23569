package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voicefly/credits-service/config/database"
	"github.com/voicefly/credits-service/ledger"
	"github.com/voicefly/credits-service/models"
	"github.com/voicefly/credits-service/utils"
)

type Handler struct {
	service       *ledger.Service
	store         *models.LedgerStore
	db            *database.DB
	logger        *slog.Logger
	webhookSecret string
	upgradeURL    string
	purchaseURL   string
}

type HandlerConfig struct {
	Service       *ledger.Service
	Store         *models.LedgerStore
	DB            *database.DB
	Logger        *slog.Logger
	WebhookSecret string
	UpgradeURL    string
	PurchaseURL   string
}

func NewHandler(config HandlerConfig) *Handler {
	return &Handler{
		service:       config.Service,
		store:         config.Store,
		db:            config.DB,
		logger:        config.Logger,
		webhookSecret: config.WebhookSecret,
		upgradeURL:    config.UpgradeURL,
		purchaseURL:   config.PurchaseURL,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)

	v1 := router.Group("/v1")
	{
		v1.POST("/tenants/:tenant_id/balance", h.provisionBalance)
		v1.GET("/tenants/:tenant_id/balance", h.getBalance)
		v1.GET("/tenants/:tenant_id/usage", h.listUsage)
		v1.POST("/tenants/:tenant_id/credits/check", h.checkCredits)
		v1.POST("/tenants/:tenant_id/credits/deduct", h.deductCredits)
		v1.POST("/campaigns/estimate", h.estimateCampaign)
		v1.POST("/internal/rollover", h.rollover)
		v1.POST("/webhooks/stripe", h.stripeWebhook)
	}
}

func (h *Handler) health(c *gin.Context) {
	pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(pingCtx); err != nil {
		h.logger.Error("health check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": "credits-service",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "credits-service",
	})
}

type balanceResponse struct {
	TenantID             string     `json:"tenant_id"`
	Provisioned          bool       `json:"provisioned"`
	Tier                 string     `json:"tier,omitempty"`
	MonthlyCredits       int        `json:"monthly_credits"`
	PurchasedCredits     int        `json:"purchased_credits"`
	CreditsUsedThisMonth int        `json:"credits_used_this_month"`
	TotalCredits         int        `json:"total_credits"`
	CreditsResetDate     *time.Time `json:"credits_reset_date,omitempty"`
}

func renderBalance(tenantID string, balance *models.CreditBalance) balanceResponse {
	if balance == nil {
		// An unprovisioned tenant reads as a zero balance, not an error.
		return balanceResponse{TenantID: tenantID}
	}

	return balanceResponse{
		TenantID:             balance.TenantID,
		Provisioned:          true,
		Tier:                 balance.Tier,
		MonthlyCredits:       balance.MonthlyCredits,
		PurchasedCredits:     balance.PurchasedCredits,
		CreditsUsedThisMonth: balance.CreditsUsedThisMonth,
		TotalCredits:         balance.TotalCredits(),
		CreditsResetDate:     &balance.CreditsResetDate,
	}
}

type provisionRequest struct {
	Tier string `json:"tier" binding:"required"`
}

func (h *Handler) provisionBalance(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	var request provisionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	result := h.service.Provision(tenantID, request.Tier)
	if result.Failure() {
		h.renderFailure(c, result)
		return
	}

	c.JSON(http.StatusCreated, renderBalance(tenantID, result.Value()))
}

func (h *Handler) getBalance(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	result := h.service.GetBalance(tenantID)
	if result.Failure() {
		h.renderFailure(c, result)
		return
	}

	c.JSON(http.StatusOK, renderBalance(tenantID, result.Value()))
}

func (h *Handler) listUsage(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a non negative integer"})
		return
	}

	result := h.store.FetchUsageRecords(tenantID, limit)
	if result.Failure() {
		h.renderFailure(c, result)
		return
	}

	c.JSON(http.StatusOK, gin.H{"usage_records": result.Value()})
}

type checkRequest struct {
	Feature string `json:"feature"`
	Amount  int    `json:"amount"`
}

func (h *Handler) checkCredits(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	var request checkRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	required := request.Amount
	if required == 0 {
		costResult := h.service.Costs().CostFor(request.Feature)
		if costResult.Failure() {
			h.renderFailure(c, costResult)
			return
		}
		required = costResult.Value()
	}

	result := h.service.HasCredits(tenantID, required)
	if result.Failure() {
		h.renderFailure(c, result)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed":  result.Value(),
		"required": required,
		"feature":  request.Feature,
	})
}

type deductRequest struct {
	Feature  string        `json:"feature" binding:"required"`
	Amount   int           `json:"amount"`
	Metadata utils.JSONMap `json:"metadata"`
}

func (h *Handler) deductCredits(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	var request deductRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	result := h.service.Deduct(c.Request.Context(), ledger.DeductRequest{
		TenantID: tenantID,
		Feature:  request.Feature,
		Amount:   request.Amount,
		Metadata: request.Metadata,
	})
	if result.Failure() {
		h.renderFailure(c, result)
		return
	}

	deduction := result.Value()
	if !deduction.Applied {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":        deduction.Reason,
			"required":     deduction.Required,
			"available":    deduction.Available,
			"feature":      request.Feature,
			"upgrade_url":  h.upgradeURL,
			"purchase_url": h.purchaseURL,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":      renderBalance(tenantID, deduction.Balance),
		"usage_record": deduction.Record,
	})
}

type estimateRequest struct {
	Channel        string `json:"channel" binding:"required"`
	RecipientCount int    `json:"recipient_count"`
}

func (h *Handler) estimateCampaign(c *gin.Context) {
	var request estimateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	result := ledger.CampaignCost(request.RecipientCount, request.Channel)
	if result.Failure() {
		h.renderFailure(c, result)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"channel":         request.Channel,
		"recipient_count": request.RecipientCount,
		"credits":         result.Value(),
	})
}

type rolloverRequest struct {
	TenantID string `json:"tenant_id"`
}

// rollover is invoked by the scheduler. With a tenant id it resets one
// balance, without it sweeps everything due.
func (h *Handler) rollover(c *gin.Context) {
	var request rolloverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}

	if request.TenantID != "" {
		result := h.service.RolloverTenant(request.TenantID)
		if result.Failure() {
			h.renderFailure(c, result)
			return
		}

		rolled := 0
		if result.Value() {
			rolled = 1
		}
		c.JSON(http.StatusOK, gin.H{"rolled": rolled})
		return
	}

	rolled, err := h.service.SweepRollovers()
	if err != nil {
		h.logger.Error("error while sweeping rollovers", slog.String("error", err.Error()))
		utils.CaptureError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "rolled": rolled})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rolled": rolled})
}

// renderFailure translates a failed result into an HTTP response. Business
// codes map to client errors, everything else is an opaque 500.
func (h *Handler) renderFailure(c *gin.Context, result utils.AnyResult) {
	switch result.ErrorCode() {
	case models.ErrorCodeInvalidAmount,
		models.ErrorCodeUnknownFeature,
		models.ErrorCodeUnknownChannel,
		models.ErrorCodeUnknownTier:
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   result.ErrorCode(),
			"message": result.ErrorMessage(),
		})
	case models.ErrorCodeBalanceNotFound:
		c.JSON(http.StatusNotFound, gin.H{
			"error":   result.ErrorCode(),
			"message": result.ErrorMessage(),
		})
	default:
		h.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", result.ErrorMsg()),
		)
		if result.IsCapturable() {
			utils.CaptureErrorResult(result)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
