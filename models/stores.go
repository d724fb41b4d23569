package models

import (
	"context"
	"time"

	"github.com/voicefly/credits-service/config/redis"
	"github.com/voicefly/credits-service/utils"
)

type Cacher interface {
	ExpireKey(key string) utils.Result[bool]
	Close() error
}

type CacheStore struct {
	context context.Context
	db      *redis.RedisDB
}

func NewCacheStore(ctx context.Context, redis *redis.RedisDB) *CacheStore {
	return &CacheStore{
		context: ctx,
		db:      redis,
	}
}

func (store *CacheStore) ExpireKey(key string) utils.Result[bool] {
	result := store.db.Client.Del(store.context, key)
	if err := result.Err(); err != nil {
		return utils.FailedBoolResult(err)
	}

	return utils.SuccessResult(result.Val() > 0)
}

func (store *CacheStore) Close() error {
	return store.db.Client.Close()
}

type Flagger interface {
	Flag(value string) error
}

// FlagStore marks tenants in a redis set for downstream pipelines, e.g.
// tenants whose balance dropped below the alert threshold.
type FlagStore struct {
	name    string
	context context.Context
	db      *redis.RedisDB
}

func NewFlagStore(ctx context.Context, redis *redis.RedisDB, name string) *FlagStore {
	return &FlagStore{
		name:    name,
		context: ctx,
		db:      redis,
	}
}

func (store *FlagStore) Flag(value string) error {
	result := store.db.Client.SAdd(store.context, store.name, value)
	if err := result.Err(); err != nil {
		return err
	}

	return nil
}

func (store *FlagStore) Close() error {
	return store.db.Client.Close()
}

type Guard interface {
	Claim(key string) utils.Result[bool]
	Release(key string) utils.Result[bool]
}

// ReplayGuard is a redis fast path in front of the payment_events dedupe
// table: SET NX claims a payment id for the TTL window, so an obvious
// webhook replay is rejected without a database round trip. The table stays
// the source of truth once the TTL expires.
type ReplayGuard struct {
	context context.Context
	db      *redis.RedisDB
	ttl     time.Duration
}

func NewReplayGuard(ctx context.Context, redis *redis.RedisDB, ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{
		context: ctx,
		db:      redis,
		ttl:     ttl,
	}
}

func (guard *ReplayGuard) Claim(key string) utils.Result[bool] {
	result := guard.db.Client.SetNX(guard.context, "payment-event/"+key, 1, guard.ttl)
	if err := result.Err(); err != nil {
		return utils.FailedBoolResult(err)
	}

	return utils.SuccessResult(result.Val())
}

// Release frees a claimed payment id so a retry can claim it again. Called
// when the claim turned out premature, i.e. the purchase did not commit.
func (guard *ReplayGuard) Release(key string) utils.Result[bool] {
	result := guard.db.Client.Del(guard.context, "payment-event/"+key)
	if err := result.Err(); err != nil {
		return utils.FailedBoolResult(err)
	}

	return utils.SuccessResult(result.Val() > 0)
}
