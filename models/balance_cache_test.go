package models

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voicefly/credits-service/tests"
)

func TestBalanceCacheExpire(t *testing.T) {
	t.Run("should expire the versioned tenant key", func(t *testing.T) {
		mockStore := &tests.MockCacheStore{}
		var cacher Cacher = mockStore
		cache := NewBalanceCache(&cacher)

		result := cache.Expire("tenant_123")

		assert.True(t, result.Success())
		assert.Equal(t, []string{"credit-balance/1/tenant_123"}, mockStore.ExpiredKeys)
	})
}
