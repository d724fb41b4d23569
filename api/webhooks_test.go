package api

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

func checkoutSessionPayload(tenantID, credits string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"api_version": %q,
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_a1b2c3",
				"metadata": {"tenant_id": %q, "credits": %q}
			}
		}
	}`, stripe.APIVersion, tenantID, credits))
}

func signedWebhookRequest(payload []byte) *http.Request {
	now := time.Now()
	signature := webhook.ComputeSignature(now, payload, testWebhookSecret)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature",
		fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(signature)))

	return req
}

func TestStripeWebhook(t *testing.T) {
	t.Run("should apply a completed checkout session", func(t *testing.T) {
		fixture := setupAPI(t)
		defer fixture.cleanup()

		fixture.mock.ExpectBegin()
		fixture.mock.ExpectExec(`INSERT INTO "payment_events" .*ON CONFLICT \("payment_id"\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		fixture.mock.ExpectExec(`UPDATE "credit_balances" SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		fixture.mock.ExpectCommit()
		fixture.mock.ExpectQuery(`SELECT \* FROM "credit_balances" WHERE tenant_id = \$1`).
			WithArgs("tenant_123", 1).
			WillReturnRows(balanceRow(50, 520, 30, time.Now().AddDate(0, 0, 10)))

		recorder := httptest.NewRecorder()
		fixture.router.ServeHTTP(recorder, signedWebhookRequest(checkoutSessionPayload("tenant_123", "500")))

		assert.Equal(t, http.StatusOK, recorder.Code)
		body := decodeBody(t, recorder)
		assert.Equal(t, "applied", body["status"])
		assert.Equal(t, []string{"credit-balance/1/tenant_123"}, fixture.cache.ExpiredKeys)
	})

	t.Run("should acknowledge a replayed session without touching the balance", func(t *testing.T) {
		fixture := setupAPI(t)
		defer fixture.cleanup()

		fixture.mock.ExpectBegin()
		fixture.mock.ExpectExec(`INSERT INTO "payment_events" .*ON CONFLICT \("payment_id"\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		fixture.mock.ExpectCommit()
		fixture.mock.ExpectQuery(`SELECT \* FROM "credit_balances" WHERE tenant_id = \$1`).
			WithArgs("tenant_123", 1).
			WillReturnRows(balanceRow(50, 520, 30, time.Now().AddDate(0, 0, 10)))

		recorder := httptest.NewRecorder()
		fixture.router.ServeHTTP(recorder, signedWebhookRequest(checkoutSessionPayload("tenant_123", "500")))

		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.Equal(t, "duplicate", decodeBody(t, recorder)["status"])
		assert.Empty(t, fixture.cache.ExpiredKeys)
	})

	t.Run("should acknowledge an unprovisioned tenant instead of triggering retries", func(t *testing.T) {
		fixture := setupAPI(t)
		defer fixture.cleanup()

		fixture.mock.ExpectBegin()
		fixture.mock.ExpectExec(`INSERT INTO "payment_events" .*ON CONFLICT \("payment_id"\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		fixture.mock.ExpectExec(`UPDATE "credit_balances" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		fixture.mock.ExpectRollback()

		recorder := httptest.NewRecorder()
		fixture.router.ServeHTTP(recorder, signedWebhookRequest(checkoutSessionPayload("tenant_ghost", "500")))

		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.Equal(t, "unprovisioned_tenant", decodeBody(t, recorder)["status"])
	})

	t.Run("should ignore sessions without credit metadata", func(t *testing.T) {
		fixture := setupAPI(t)
		defer fixture.cleanup()

		recorder := httptest.NewRecorder()
		fixture.router.ServeHTTP(recorder, signedWebhookRequest(checkoutSessionPayload("", "")))

		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.Equal(t, "ignored", decodeBody(t, recorder)["status"])
	})

	t.Run("should ignore event types it does not handle", func(t *testing.T) {
		fixture := setupAPI(t)
		defer fixture.cleanup()

		payload := []byte(fmt.Sprintf(`{"id": "evt_2", "api_version": %q, "type": "invoice.paid", "data": {"object": {}}}`, stripe.APIVersion))

		recorder := httptest.NewRecorder()
		fixture.router.ServeHTTP(recorder, signedWebhookRequest(payload))

		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.Equal(t, "ignored", decodeBody(t, recorder)["status"])
	})

	t.Run("should reject a bad signature", func(t *testing.T) {
		fixture := setupAPI(t)
		defer fixture.cleanup()

		payload := checkoutSessionPayload("tenant_123", "500")
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", "t=123,v1=deadbeef")

		recorder := httptest.NewRecorder()
		fixture.router.ServeHTTP(recorder, req)

		assert.Equal(t, http.StatusBadRequest, recorder.Code)
		assert.Equal(t, "invalid_signature", decodeBody(t, recorder)["error"])
	})
}

func TestParseTierDefaults(t *testing.T) {
	t.Run("should fall back to compiled-in defaults", func(t *testing.T) {
		defaults, err := parseTierDefaults("")

		assert.NoError(t, err)
		assert.Equal(t, 2000, defaults.MonthlyFor("professional"))
	})

	t.Run("should parse overrides", func(t *testing.T) {
		defaults, err := parseTierDefaults("starter:100, professional:750")

		assert.NoError(t, err)
		assert.Equal(t, 100, defaults.MonthlyFor("starter"))
		assert.Equal(t, 750, defaults.MonthlyFor("professional"))
	})

	t.Run("should refuse malformed pairs", func(t *testing.T) {
		_, err := parseTierDefaults("starter=100")

		assert.Error(t, err)
	})
}

func TestParseDeductionOrder(t *testing.T) {
	t.Run("should default to monthly first", func(t *testing.T) {
		order, err := parseDeductionOrder("")

		assert.NoError(t, err)
		assert.Equal(t, "monthly_first", string(order))
	})

	t.Run("should refuse an unknown order", func(t *testing.T) {
		_, err := parseDeductionOrder("alphabetical")

		assert.Error(t, err)
	})
}
