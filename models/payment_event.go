package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/voicefly/credits-service/utils"
)

// PaymentEvent records every payment confirmation that has been applied to a
// balance. The unique payment_id column is the idempotency key that makes
// webhook retries safe.
type PaymentEvent struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	PaymentID string    `gorm:"uniqueIndex" json:"payment_id"`
	Provider  string    `json:"provider"`
	TenantID  string    `gorm:"index" json:"tenant_id"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}

type PurchaseParams struct {
	TenantID  string
	PaymentID string
	Provider  string
	Credits   int
	Now       time.Time
}

type PurchaseOutcome struct {
	Duplicate bool
	Balance   *CreditBalance
}

// ApplyPurchase credits a top-up exactly once per payment id. A replayed
// confirmation inserts nothing and leaves the balance untouched.
func (store *LedgerStore) ApplyPurchase(params PurchaseParams) utils.Result[*PurchaseOutcome] {
	if params.Credits <= 0 {
		return utils.BusinessFailure[*PurchaseOutcome](
			gorm.ErrInvalidValue,
			ErrorCodeInvalidAmount,
			"purchased credits must be a positive integer",
		)
	}

	if params.Now.IsZero() {
		params.Now = time.Now().UTC()
	}

	outcome := PurchaseOutcome{}

	err := store.db.Connection.Transaction(func(tx *gorm.DB) error {
		event := PaymentEvent{
			ID:        uuid.NewString(),
			PaymentID: params.PaymentID,
			Provider:  params.Provider,
			TenantID:  params.TenantID,
			Credits:   params.Credits,
			CreatedAt: params.Now,
		}

		result := tx.
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "payment_id"}},
				DoNothing: true,
			}).
			Create(&event)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			outcome.Duplicate = true
			return nil
		}

		result = tx.
			Table("credit_balances").
			Where("tenant_id = ?", params.TenantID).
			Updates(map[string]interface{}{
				"purchased_credits": gorm.Expr("purchased_credits + ?", params.Credits),
				"updated_at":        params.Now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		return nil
	})

	if err != nil {
		if err.Error() == ERROR_NOT_FOUND {
			return utils.BusinessFailure[*PurchaseOutcome](
				err,
				ErrorCodeBalanceNotFound,
				"no credit balance provisioned for tenant",
			)
		}
		return utils.FailedResult[*PurchaseOutcome](err)
	}

	balanceResult := store.FetchCreditBalance(params.TenantID)
	if balanceResult.Failure() {
		return utils.FailedResult[*PurchaseOutcome](balanceResult.Error())
	}
	outcome.Balance = balanceResult.Value()

	return utils.SuccessResult(&outcome)
}
