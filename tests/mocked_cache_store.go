package tests

import (
	"github.com/voicefly/credits-service/utils"
)

type MockCacheStore struct {
	ExpiredKeys    []string
	ExecutionCount int
	ReturnedError  error
}

func (mcs *MockCacheStore) ExpireKey(key string) utils.Result[bool] {
	mcs.ExpiredKeys = append(mcs.ExpiredKeys, key)
	mcs.ExecutionCount++

	if mcs.ReturnedError != nil {
		return utils.FailedBoolResult(mcs.ReturnedError)
	}

	return utils.SuccessResult(true)
}

func (mcs *MockCacheStore) Close() error {
	return nil
}
