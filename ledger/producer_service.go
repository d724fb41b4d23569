package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicefly/credits-service/config/kafka"
	"github.com/voicefly/credits-service/utils"
)

// UsageEvent is published for every successful deduction so analytics and
// dashboards can follow consumption without reading the ledger tables.
type UsageEvent struct {
	TenantID       string    `json:"tenant_id"`
	Feature        string    `json:"feature"`
	AmountDeducted int       `json:"amount_deducted"`
	BalanceAfter   int       `json:"balance_after"`
	RecordID       string    `json:"record_id"`
	Timestamp      time.Time `json:"timestamp"`
}

type LowBalanceAlert struct {
	TenantID  string    `json:"tenant_id"`
	Balance   int       `json:"balance"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

type FailedPublication struct {
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	ErrorMessage string          `json:"error_message"`
	FailedAt     time.Time       `json:"failed_at"`
}

type ProducerService struct {
	usageProducer      kafka.MessageProducer
	alertProducer      kafka.MessageProducer
	deadLetterProducer kafka.MessageProducer
	logger             *slog.Logger
}

func NewProducerService(usageProducer, alertProducer, deadLetterProducer kafka.MessageProducer, logger *slog.Logger) *ProducerService {
	return &ProducerService{
		usageProducer:      usageProducer,
		alertProducer:      alertProducer,
		deadLetterProducer: deadLetterProducer,
		logger:             logger,
	}
}

func (ps *ProducerService) ProduceUsageEvent(ctx context.Context, event *UsageEvent) {
	msgKey := fmt.Sprintf("%s-%s", event.TenantID, event.Feature)

	err := ps.produceMessage(ctx, event, "usage", msgKey, ps.usageProducer)
	if err != nil {
		ps.logger.Error("error while marshaling usage event")
		utils.CaptureError(err)
	}
}

func (ps *ProducerService) ProduceLowBalanceAlert(ctx context.Context, alert *LowBalanceAlert) {
	err := ps.produceMessage(ctx, alert, "low_balance", alert.TenantID, ps.alertProducer)
	if err != nil {
		ps.logger.Error("error while marshaling low balance alert")
		utils.CaptureError(err)
	}
}

func (ps *ProducerService) ProduceToDeadLetterQueue(ctx context.Context, kind string, payload []byte, errResult utils.AnyResult) {
	failed := FailedPublication{
		Kind:         kind,
		Payload:      payload,
		ErrorMessage: errResult.ErrorMsg(),
		FailedAt:     time.Now(),
	}

	failedJson, err := json.Marshal(failed)
	if err != nil {
		ps.logger.Error("error while marshaling failed publication")
		utils.CaptureError(err)
		return
	}

	pushed := ps.deadLetterProducer.Produce(ctx, &kafka.ProducerMessage{
		Value: failedJson,
	})

	if !pushed {
		ps.logger.Error("error while pushing to dead letter topic", slog.String("topic", ps.deadLetterProducer.GetTopic()))
		utils.CaptureErrorResultWithExtra(errResult, "kind", kind)
	}
}

func (ps *ProducerService) produceMessage(ctx context.Context, payload any, kind string, msgKey string, producer kafka.MessageProducer) error {
	payloadJson, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	pushed := producer.Produce(ctx, &kafka.ProducerMessage{
		Key:   []byte(msgKey),
		Value: payloadJson,
	})

	if !pushed {
		ps.ProduceToDeadLetterQueue(ctx, kind, payloadJson,
			utils.FailedBoolResult(fmt.Errorf("Failed to push to %s topic", producer.GetTopic())))
	}

	return nil
}
