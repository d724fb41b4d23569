package tests

import (
	"github.com/voicefly/credits-service/utils"
)

type MockReplayGuard struct {
	ClaimedKeys    []string
	ReleasedKeys   []string
	ExecutionCount int
	Rejected       bool
	ReturnedError  error

	held map[string]bool
}

func (mrg *MockReplayGuard) Claim(key string) utils.Result[bool] {
	mrg.ClaimedKeys = append(mrg.ClaimedKeys, key)
	mrg.ExecutionCount++

	if mrg.ReturnedError != nil {
		return utils.FailedBoolResult(mrg.ReturnedError)
	}

	if mrg.Rejected {
		return utils.SuccessResult(false)
	}

	if mrg.held == nil {
		mrg.held = map[string]bool{}
	}
	if mrg.held[key] {
		return utils.SuccessResult(false)
	}
	mrg.held[key] = true

	return utils.SuccessResult(true)
}

func (mrg *MockReplayGuard) Release(key string) utils.Result[bool] {
	mrg.ReleasedKeys = append(mrg.ReleasedKeys, key)

	if mrg.ReturnedError != nil {
		return utils.FailedBoolResult(mrg.ReturnedError)
	}

	released := mrg.held[key]
	delete(mrg.held, key)

	return utils.SuccessResult(released)
}
