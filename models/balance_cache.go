package models

import (
	"strings"

	"github.com/voicefly/credits-service/utils"
)

const CACHE_KEY_VERSION = "1"

// BalanceCache invalidates the dashboard-facing balance cache entry for a
// tenant whenever the ledger mutates its row.
type BalanceCache struct {
	CacheStore Cacher
}

func NewBalanceCache(cacheStore *Cacher) *BalanceCache {
	return &BalanceCache{
		CacheStore: *cacheStore,
	}
}

func (cache *BalanceCache) Expire(tenantID string) utils.Result[bool] {
	keyParts := []string{
		"credit-balance",
		CACHE_KEY_VERSION,
		tenantID,
	}

	cacheKey := strings.Join(keyParts, "/")

	return cache.CacheStore.ExpireKey(cacheKey)
}
