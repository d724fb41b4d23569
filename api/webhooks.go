package api

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/voicefly/credits-service/models"
	"github.com/voicefly/credits-service/utils"
)

const maxWebhookBodyBytes = int64(65536)

// stripeWebhook applies confirmed checkout sessions as credit purchases. The
// session id is the idempotency key, so Stripe retries and replays are safe.
func (h *Handler) stripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "invalid_request", "message": "request body too large"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Error("webhook signature verification failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	if event.Type != "checkout.session.completed" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	var session stripe.CheckoutSession
	if err := session.UnmarshalJSON(event.Data.Raw); err != nil {
		h.logger.Error("error while unmarshalling checkout session", slog.String("error", err.Error()))
		utils.CaptureError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	tenantID := session.Metadata["tenant_id"]
	credits, convErr := strconv.Atoi(session.Metadata["credits"])
	if tenantID == "" || convErr != nil || credits <= 0 {
		// A session without our metadata was not created by this service.
		h.logger.Warn("checkout session without credit metadata",
			slog.String("session_id", session.ID))
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	result := h.service.ApplyPurchase(c.Request.Context(), models.PurchaseParams{
		TenantID:  tenantID,
		PaymentID: session.ID,
		Provider:  "stripe",
		Credits:   credits,
	})

	if result.Failure() {
		if result.ErrorCode() == models.ErrorCodeBalanceNotFound {
			// Answering an error here would only trigger a retry storm for a
			// tenant that will never exist. Acknowledge and flag it.
			h.logger.Error("purchase for unprovisioned tenant",
				slog.String("tenant_id", tenantID),
				slog.String("session_id", session.ID))
			utils.CaptureErrorResultWithExtra(result, "session_id", session.ID)
			c.JSON(http.StatusOK, gin.H{"status": "unprovisioned_tenant"})
			return
		}

		h.renderFailure(c, result)
		return
	}

	if result.Value().Duplicate {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "applied",
		"balance": renderBalance(tenantID, result.Value().Balance),
	})
}
