package ledger

import (
	"log/slog"
	"time"

	"github.com/voicefly/credits-service/models"
	"github.com/voicefly/credits-service/utils"
)

// SweepRollovers resets every balance whose reset date has lapsed. Each
// tenant is rolled in its own transaction, so one failing row does not stall
// the sweep: failures are captured and the sweep moves on. Returns how many
// balances were actually reset.
func (service *Service) SweepRollovers() (int, error) {
	now := time.Now().UTC()
	rolled := 0

	scanned, err := service.store.StreamRolloverDue(now, func(row models.RolloverDueRow) error {
		rolledResult := service.store.RolloverBalance(row.TenantID, service.tierDefaults, now)
		if rolledResult.Failure() {
			service.logger.Error("error while rolling over balance",
				slog.String("tenant_id", row.TenantID))
			utils.CaptureError(rolledResult.Error())
			return nil
		}

		if rolledResult.Value() {
			rolled++
			service.expireBalance(row.TenantID)
		}

		return nil
	})

	if err != nil {
		return rolled, err
	}

	service.logger.Info("rollover sweep completed",
		slog.Int("scanned", scanned),
		slog.Int("rolled", rolled))

	return rolled, nil
}
