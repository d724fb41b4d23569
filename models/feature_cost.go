package models

import (
	"time"

	"github.com/voicefly/credits-service/utils"
)

// FeatureCost overrides the compiled-in cost of a metered feature. The table
// is small and read at boot plus on periodic refresh.
type FeatureCost struct {
	Feature   string    `gorm:"primaryKey" json:"feature"`
	Credits   int       `json:"credits"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (store *LedgerStore) FetchFeatureCosts() utils.Result[[]FeatureCost] {
	var costs []FeatureCost

	result := store.db.Connection.
		Table("feature_costs").
		Find(&costs)

	if result.Error != nil {
		return utils.FailedResult[[]FeatureCost](result.Error)
	}

	return utils.SuccessResult(costs)
}
