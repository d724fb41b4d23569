package tests

import (
	"context"

	"github.com/voicefly/credits-service/config/kafka"
)

type MockMessageProducer struct {
	Key            []byte
	Value          []byte
	ExecutionCount int
	ShouldFail     bool
}

func (mp *MockMessageProducer) Produce(ctx context.Context, msg *kafka.ProducerMessage) bool {
	mp.Key = msg.Key
	mp.Value = msg.Value
	mp.ExecutionCount++

	return !mp.ShouldFail
}

func (mp *MockMessageProducer) GetTopic() string {
	return "mocked_topic"
}
