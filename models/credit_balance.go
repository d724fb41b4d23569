package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/voicefly/credits-service/utils"
)

// DeductionOrder picks which pool a deduction draws down first. Monthly
// credits expire at rollover while purchased ones never do, so monthly-first
// is the default.
type DeductionOrder string

const (
	DeductMonthlyFirst   DeductionOrder = "monthly_first"
	DeductPurchasedFirst DeductionOrder = "purchased_first"
)

type CreditBalance struct {
	ID                   string    `gorm:"primaryKey" json:"id"`
	TenantID             string    `gorm:"uniqueIndex" json:"tenant_id"`
	Tier                 string    `json:"tier"`
	MonthlyCredits       int       `json:"monthly_credits"`
	PurchasedCredits     int       `json:"purchased_credits"`
	CreditsUsedThisMonth int       `json:"credits_used_this_month"`
	CreditsResetDate     time.Time `json:"credits_reset_date"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TierDefaults maps a subscription tier to its monthly credit allotment.
type TierDefaults map[string]int

func (td TierDefaults) MonthlyFor(tier string) int {
	if credits, ok := td[tier]; ok {
		return credits
	}
	return 0
}

type InsufficientCreditsError struct {
	Required  int
	Available int
	Balance   *CreditBalance
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (b *CreditBalance) TotalCredits() int {
	return b.MonthlyCredits + b.PurchasedCredits - b.CreditsUsedThisMonth
}

func (b *CreditBalance) ResetDue(now time.Time) bool {
	return !b.CreditsResetDate.After(now)
}

// NextResetDate advances a reset date by whole calendar months until it is in
// the future, so a late sweep catches up without granting extra periods.
func NextResetDate(from time.Time, now time.Time) time.Time {
	next := from.AddDate(0, 1, 0)
	for !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}
	return next
}

func (b *CreditBalance) applyRollover(monthlyDefault int, now time.Time) {
	b.CreditsUsedThisMonth = 0
	b.MonthlyCredits = monthlyDefault
	b.CreditsResetDate = NextResetDate(b.CreditsResetDate, now)
}

// consume draws amount from the balance pools. The caller must have checked
// sufficiency: amount <= TotalCredits().
func (b *CreditBalance) consume(amount int, order DeductionOrder) {
	remainingMonthly := b.MonthlyCredits - b.CreditsUsedThisMonth
	if remainingMonthly < 0 {
		remainingMonthly = 0
	}

	if order == DeductPurchasedFirst {
		fromPurchased := amount
		if fromPurchased > b.PurchasedCredits {
			fromPurchased = b.PurchasedCredits
		}
		b.PurchasedCredits -= fromPurchased
		b.CreditsUsedThisMonth += amount - fromPurchased
		return
	}

	fromMonthly := amount
	if fromMonthly > remainingMonthly {
		fromMonthly = remainingMonthly
	}
	b.CreditsUsedThisMonth += fromMonthly
	b.PurchasedCredits -= amount - fromMonthly
}

func (store *LedgerStore) FetchCreditBalance(tenantID string) utils.Result[*CreditBalance] {
	var balance CreditBalance

	result := store.db.Connection.
		Table("credit_balances").
		Where("tenant_id = ?", tenantID).
		Limit(1).
		Find(&balance)

	if result.Error != nil {
		return utils.FailedResult[*CreditBalance](result.Error)
	}
	if balance.ID == "" {
		return failedBalanceResult(gorm.ErrRecordNotFound)
	}

	return utils.SuccessResult(&balance)
}

// CreateCreditBalance provisions a tenant at onboarding. Provisioning twice
// is a no-op: the existing row is returned untouched.
func (store *LedgerStore) CreateCreditBalance(tenantID string, tier string, monthlyCredits int, now time.Time) utils.Result[*CreditBalance] {
	balance := CreditBalance{
		ID:                   uuid.NewString(),
		TenantID:             tenantID,
		Tier:                 tier,
		MonthlyCredits:       monthlyCredits,
		PurchasedCredits:     0,
		CreditsUsedThisMonth: 0,
		CreditsResetDate:     NextResetDate(now, now),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	result := store.db.Connection.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoNothing: true,
		}).
		Create(&balance)

	if result.Error != nil {
		return utils.FailedResult[*CreditBalance](result.Error)
	}

	if result.RowsAffected == 0 {
		return store.FetchCreditBalance(tenantID)
	}

	return utils.SuccessResult(&balance)
}

type DeductionParams struct {
	TenantID     string
	Amount       int
	Feature      string
	Metadata     utils.JSONMap
	Order        DeductionOrder
	TierDefaults TierDefaults
	Now          time.Time
}

type DeductionOutcome struct {
	Balance *CreditBalance
	Record  *UsageRecord
}

// DeductCredits re-checks sufficiency and decrements in one transaction,
// holding a row lock on the tenant balance so two concurrent deductions
// cannot both pass a stale check. The usage record is written inside the
// same transaction: either both land or neither does.
func (store *LedgerStore) DeductCredits(params DeductionParams) utils.Result[*DeductionOutcome] {
	if params.Amount <= 0 {
		return utils.BusinessFailure[*DeductionOutcome](
			fmt.Errorf("deduction amount must be positive, got %d", params.Amount),
			ErrorCodeInvalidAmount,
			"deduction amount must be a positive integer",
		)
	}

	if params.Order == "" {
		params.Order = DeductMonthlyFirst
	}
	if params.Now.IsZero() {
		params.Now = time.Now().UTC()
	}

	var balance CreditBalance
	var record UsageRecord

	err := store.db.Connection.Transaction(func(tx *gorm.DB) error {
		result := tx.
			Table("credit_balances").
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ?", params.TenantID).
			Limit(1).
			Find(&balance)

		if result.Error != nil {
			return result.Error
		}
		if balance.ID == "" {
			return gorm.ErrRecordNotFound
		}

		// A lapsed reset date is refreshed in the same transaction so the
		// sufficiency check runs against the new period.
		if balance.ResetDue(params.Now) {
			balance.applyRollover(params.TierDefaults.MonthlyFor(balance.Tier), params.Now)
		}

		if balance.TotalCredits() < params.Amount {
			return &InsufficientCreditsError{
				Required:  params.Amount,
				Available: balance.TotalCredits(),
				Balance:   &balance,
			}
		}

		balance.consume(params.Amount, params.Order)
		balance.UpdatedAt = params.Now

		result = tx.
			Table("credit_balances").
			Where("id = ?", balance.ID).
			Updates(map[string]interface{}{
				"monthly_credits":         balance.MonthlyCredits,
				"purchased_credits":       balance.PurchasedCredits,
				"credits_used_this_month": balance.CreditsUsedThisMonth,
				"credits_reset_date":      balance.CreditsResetDate,
				"updated_at":              balance.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}

		record = UsageRecord{
			ID:             uuid.NewString(),
			TenantID:       params.TenantID,
			Feature:        params.Feature,
			AmountDeducted: params.Amount,
			Metadata:       params.Metadata,
			CreatedAt:      params.Now,
		}

		return tx.Table("usage_records").Create(&record).Error
	})

	if err != nil {
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			return utils.BusinessFailure[*DeductionOutcome](
				err,
				ErrorCodeInsufficientCredits,
				insufficient.Error(),
			)
		}
		if err.Error() == ERROR_NOT_FOUND {
			return utils.BusinessFailure[*DeductionOutcome](
				err,
				ErrorCodeBalanceNotFound,
				"no credit balance provisioned for tenant",
			)
		}
		return utils.FailedResult[*DeductionOutcome](err)
	}

	return utils.SuccessResult(&DeductionOutcome{Balance: &balance, Record: &record})
}

// RolloverBalance resets a tenant's monthly usage counter when its reset
// date has lapsed. The date guard in the WHERE clause makes the operation
// idempotent: a second run in the same period touches no row.
func (store *LedgerStore) RolloverBalance(tenantID string, defaults TierDefaults, now time.Time) utils.Result[bool] {
	rolled := false

	err := store.db.Connection.Transaction(func(tx *gorm.DB) error {
		var balance CreditBalance

		result := tx.
			Table("credit_balances").
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND credits_reset_date <= ?", tenantID, now).
			Limit(1).
			Find(&balance)

		if result.Error != nil {
			return result.Error
		}
		if balance.ID == "" {
			// Not due, or not provisioned. Nothing to reset either way.
			return nil
		}

		balance.applyRollover(defaults.MonthlyFor(balance.Tier), now)

		result = tx.
			Table("credit_balances").
			Where("id = ?", balance.ID).
			Updates(map[string]interface{}{
				"monthly_credits":         balance.MonthlyCredits,
				"credits_used_this_month": 0,
				"credits_reset_date":      balance.CreditsResetDate,
				"updated_at":              now,
			})
		if result.Error != nil {
			return result.Error
		}

		rolled = result.RowsAffected > 0
		return nil
	})

	if err != nil {
		return utils.FailedBoolResult(err)
	}

	return utils.SuccessResult(rolled)
}

type RolloverDueRow struct {
	TenantID string
}

// StreamRolloverDue streams the tenant ids whose reset date has lapsed, for
// the scheduled sweep.
func (store *LedgerStore) StreamRolloverDue(now time.Time, callback func(RolloverDueRow) error) (int, error) {
	return StreamRows[RolloverDueRow](store.db.Connection, StreamQueryConfig{
		TableName:      "credit_balances",
		SelectFields:   []string{"tenant_id"},
		WhereCondition: "credits_reset_date <= ?",
		WhereArgs:      []interface{}{now},
	}, callback)
}

func failedBalanceResult(err error) utils.Result[*CreditBalance] {
	result := utils.FailedResult[*CreditBalance](err)

	if err.Error() == gorm.ErrRecordNotFound.Error() {
		result = result.
			AddErrorDetails(ErrorCodeBalanceNotFound, "no credit balance provisioned for tenant").
			NonCapturable().
			NonRetryable()
	}

	return result
}
