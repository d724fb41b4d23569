package ledger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicefly/credits-service/tests"
)

func setupProducerService() (*ProducerService, *tests.MockMessageProducer, *tests.MockMessageProducer, *tests.MockMessageProducer) {
	usage := &tests.MockMessageProducer{}
	alerts := &tests.MockMessageProducer{}
	deadLetter := &tests.MockMessageProducer{}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	return NewProducerService(usage, alerts, deadLetter, logger), usage, alerts, deadLetter
}

func TestProduceUsageEvent(t *testing.T) {
	t.Run("should key the message by tenant and feature", func(t *testing.T) {
		service, usage, _, deadLetter := setupProducerService()

		service.ProduceUsageEvent(context.Background(), &UsageEvent{
			TenantID:       "tenant_123",
			Feature:        "sms_send",
			AmountDeducted: 2,
			BalanceAfter:   98,
			RecordID:       "rec_1",
			Timestamp:      time.Now(),
		})

		assert.Equal(t, 1, usage.ExecutionCount)
		assert.Equal(t, []byte("tenant_123-sms_send"), usage.Key)
		assert.Zero(t, deadLetter.ExecutionCount)

		var event UsageEvent
		require.NoError(t, json.Unmarshal(usage.Value, &event))
		assert.Equal(t, 98, event.BalanceAfter)
	})

	t.Run("should divert to the dead letter topic when the push fails", func(t *testing.T) {
		service, usage, _, deadLetter := setupProducerService()
		usage.ShouldFail = true

		service.ProduceUsageEvent(context.Background(), &UsageEvent{
			TenantID: "tenant_123",
			Feature:  "sms_send",
		})

		require.Equal(t, 1, deadLetter.ExecutionCount)

		var failed FailedPublication
		require.NoError(t, json.Unmarshal(deadLetter.Value, &failed))
		assert.Equal(t, "usage", failed.Kind)
		assert.Contains(t, failed.ErrorMessage, "mocked_topic")
	})
}

func TestProduceLowBalanceAlert(t *testing.T) {
	t.Run("should key the alert by tenant", func(t *testing.T) {
		service, _, alerts, _ := setupProducerService()

		service.ProduceLowBalanceAlert(context.Background(), &LowBalanceAlert{
			TenantID:  "tenant_123",
			Balance:   8,
			Threshold: 10,
			Timestamp: time.Now(),
		})

		assert.Equal(t, 1, alerts.ExecutionCount)
		assert.Equal(t, []byte("tenant_123"), alerts.Key)
	})
}
