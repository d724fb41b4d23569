package models

import (
	"time"

	"github.com/voicefly/credits-service/utils"
)

// UsageRecord is the append-only trail of successful deductions. Rows are
// written inside the deduction transaction and never updated or deleted.
type UsageRecord struct {
	ID             string        `gorm:"primaryKey" json:"id"`
	TenantID       string        `gorm:"index" json:"tenant_id"`
	Feature        string        `json:"feature"`
	AmountDeducted int           `json:"amount_deducted"`
	Metadata       utils.JSONMap `gorm:"type:jsonb" json:"metadata"`
	CreatedAt      time.Time     `json:"created_at"`
}

func (store *LedgerStore) FetchUsageRecords(tenantID string, limit int) utils.Result[[]UsageRecord] {
	if limit <= 0 {
		limit = 50
	}

	var records []UsageRecord
	result := store.db.Connection.
		Table("usage_records").
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records)

	if result.Error != nil {
		return utils.FailedResult[[]UsageRecord](result.Error)
	}

	return utils.SuccessResult(records)
}
