package ledger

import (
	"fmt"
	"sync"

	"github.com/voicefly/credits-service/models"
	"github.com/voicefly/credits-service/utils"
)

// Compiled-in feature costs, overridable through the feature_costs table.
var defaultFeatureCosts = map[string]int{
	"voice_call_inbound":   10,
	"voice_call_outbound":  12,
	"sms_send":             2,
	"email_send":           1,
	"appointment_reminder": 2,
	"lead_enrichment":      5,
	"deep_research":        25,
}

type CampaignRate struct {
	UnitSize int
	Credits  int
}

// Campaign sends are billed per batch of recipients: partial batches are
// always rounded up so a campaign is never under-charged.
var campaignRates = map[string]CampaignRate{
	"email": {UnitSize: 100, Credits: 15},
	"sms":   {UnitSize: 1, Credits: 2},
	"voice": {UnitSize: 1, Credits: 10},
}

func CampaignCost(recipientCount int, channel string) utils.Result[int] {
	rate, ok := campaignRates[channel]
	if !ok {
		return utils.BusinessFailure[int](
			fmt.Errorf("unknown campaign channel %q", channel),
			models.ErrorCodeUnknownChannel,
			fmt.Sprintf("unknown campaign channel %q", channel),
		)
	}

	if recipientCount < 0 {
		return utils.BusinessFailure[int](
			fmt.Errorf("recipient count must not be negative, got %d", recipientCount),
			models.ErrorCodeInvalidAmount,
			"recipient count must not be negative",
		)
	}

	batches := (recipientCount + rate.UnitSize - 1) / rate.UnitSize
	return utils.SuccessResult(batches * rate.Credits)
}

// CostTable resolves a feature name to its credit cost. It starts from the
// compiled-in defaults and can be refreshed from the store.
type CostTable struct {
	mu    sync.RWMutex
	costs map[string]int
}

func NewCostTable() *CostTable {
	costs := make(map[string]int, len(defaultFeatureCosts))
	for feature, credits := range defaultFeatureCosts {
		costs[feature] = credits
	}

	return &CostTable{costs: costs}
}

func (ct *CostTable) CostFor(feature string) utils.Result[int] {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	credits, ok := ct.costs[feature]
	if !ok {
		return utils.BusinessFailure[int](
			fmt.Errorf("unknown feature %q", feature),
			models.ErrorCodeUnknownFeature,
			fmt.Sprintf("no credit cost registered for feature %q", feature),
		)
	}

	return utils.SuccessResult(credits)
}

// LoadOverrides applies the feature_costs rows on top of the defaults and
// returns how many overrides were loaded.
func (ct *CostTable) LoadOverrides(store *models.LedgerStore) utils.Result[int] {
	costsResult := store.FetchFeatureCosts()
	if costsResult.Failure() {
		return utils.FailedResult[int](costsResult.Error())
	}

	overrides := costsResult.Value()

	ct.mu.Lock()
	defer ct.mu.Unlock()
	for _, override := range overrides {
		ct.costs[override.Feature] = override.Credits
	}

	return utils.SuccessResult(len(overrides))
}
