package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tracer "github.com/voicefly/credits-service/config"
	"github.com/voicefly/credits-service/models"
	"github.com/voicefly/credits-service/utils"
)

// DefaultTierDefaults is the compiled-in monthly allotment per subscription
// tier, overridable through configuration.
var DefaultTierDefaults = models.TierDefaults{
	"starter":      500,
	"professional": 2000,
	"enterprise":   10000,
}

// Service orchestrates the credit ledger: sufficiency checks, deductions,
// purchase top-ups and rollovers, plus the side effects a mutation triggers
// (usage events, cache invalidation, low balance flags).
type Service struct {
	store               *models.LedgerStore
	costs               *CostTable
	producers           *ProducerService
	balanceCache        *models.BalanceCache
	flagStore           models.Flagger
	replayGuard         models.Guard
	tierDefaults        models.TierDefaults
	order               models.DeductionOrder
	lowBalanceThreshold int
	logger              *slog.Logger
}

type ServiceConfig struct {
	Store               *models.LedgerStore
	Costs               *CostTable
	Producers           *ProducerService
	BalanceCache        *models.BalanceCache
	FlagStore           models.Flagger
	ReplayGuard         models.Guard
	TierDefaults        models.TierDefaults
	Order               models.DeductionOrder
	LowBalanceThreshold int
	Logger              *slog.Logger
}

func NewService(config ServiceConfig) *Service {
	if config.Order == "" {
		config.Order = models.DeductMonthlyFirst
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Service{
		store:               config.Store,
		costs:               config.Costs,
		producers:           config.Producers,
		balanceCache:        config.BalanceCache,
		flagStore:           config.FlagStore,
		replayGuard:         config.ReplayGuard,
		tierDefaults:        config.TierDefaults,
		order:               config.Order,
		lowBalanceThreshold: config.LowBalanceThreshold,
		logger:              config.Logger,
	}
}

func (service *Service) Costs() *CostTable {
	return service.costs
}

// HasCredits is advisory: it never mutates the balance and a tenant with no
// balance row is denied rather than trusted. The authoritative check happens
// again inside Deduct.
func (service *Service) HasCredits(tenantID string, required int) utils.Result[bool] {
	if required < 0 {
		return utils.BusinessFailure[bool](
			fmt.Errorf("required amount must not be negative, got %d", required),
			models.ErrorCodeInvalidAmount,
			"required amount must not be negative",
		)
	}

	balanceResult := service.store.FetchCreditBalance(tenantID)
	if balanceResult.Failure() {
		if balanceResult.ErrorCode() == models.ErrorCodeBalanceNotFound {
			return utils.SuccessResult(false)
		}
		return utils.FailedBoolResult(balanceResult.Error())
	}

	return utils.SuccessResult(service.effectiveTotal(balanceResult.Value(), time.Now().UTC()) >= required)
}

// effectiveTotal is what the tenant could spend right now: a lapsed reset
// date counts as the refreshed allotment even before the sweep ran.
func (service *Service) effectiveTotal(balance *models.CreditBalance, now time.Time) int {
	if balance.ResetDue(now) {
		return service.tierDefaults.MonthlyFor(balance.Tier) + balance.PurchasedCredits
	}
	return balance.TotalCredits()
}

// GetBalance returns nil for an unprovisioned tenant, which the transport
// layer renders as a zero balance. Absence of a row is not a fault.
func (service *Service) GetBalance(tenantID string) utils.Result[*models.CreditBalance] {
	balanceResult := service.store.FetchCreditBalance(tenantID)
	if balanceResult.Failure() {
		if balanceResult.ErrorCode() == models.ErrorCodeBalanceNotFound {
			return utils.SuccessResult[*models.CreditBalance](nil)
		}
		return balanceResult
	}

	return balanceResult
}

func (service *Service) Provision(tenantID string, tier string) utils.Result[*models.CreditBalance] {
	monthly, ok := service.tierDefaults[tier]
	if !ok {
		return utils.BusinessFailure[*models.CreditBalance](
			fmt.Errorf("unknown tier %q", tier),
			models.ErrorCodeUnknownTier,
			fmt.Sprintf("no monthly allotment configured for tier %q", tier),
		)
	}

	return service.store.CreateCreditBalance(tenantID, tier, monthly, time.Now().UTC())
}

type DeductRequest struct {
	TenantID string
	Feature  string
	Amount   int
	Metadata utils.JSONMap
}

// DeductionResult reports a deduction attempt. An insufficient or missing
// balance is an expected outcome, not an error: Applied is false and Reason
// carries the code.
type DeductionResult struct {
	Applied   bool
	Reason    string
	Required  int
	Available int
	Balance   *models.CreditBalance
	Record    *models.UsageRecord
}

// Deduct resolves the feature cost when no explicit amount is given, then
// runs the atomic check-and-decrement. On success it publishes the usage
// event and invalidates the cached balance.
func (service *Service) Deduct(ctx context.Context, request DeductRequest) utils.Result[*DeductionResult] {
	span := tracer.GetTracerSpan(ctx, "credits", "Ledger.Deduct")
	defer span.End()

	amount := request.Amount
	if amount == 0 {
		costResult := service.costs.CostFor(request.Feature)
		if costResult.Failure() {
			return utils.FailedResult[*DeductionResult](costResult.Error()).
				AddErrorDetails(costResult.ErrorCode(), costResult.ErrorMessage()).
				NonCapturable().
				NonRetryable()
		}
		amount = costResult.Value()
	}

	now := time.Now().UTC()
	outcomeResult := service.store.DeductCredits(models.DeductionParams{
		TenantID:     request.TenantID,
		Amount:       amount,
		Feature:      request.Feature,
		Metadata:     request.Metadata,
		Order:        service.order,
		TierDefaults: service.tierDefaults,
		Now:          now,
	})

	if outcomeResult.Failure() {
		switch outcomeResult.ErrorCode() {
		case models.ErrorCodeInsufficientCredits:
			var insufficient *models.InsufficientCreditsError
			if errors.As(outcomeResult.Error(), &insufficient) {
				return utils.SuccessResult(&DeductionResult{
					Applied:   false,
					Reason:    models.ErrorCodeInsufficientCredits,
					Required:  insufficient.Required,
					Available: insufficient.Available,
					Balance:   insufficient.Balance,
				})
			}
			return utils.FailedResult[*DeductionResult](outcomeResult.Error())
		case models.ErrorCodeBalanceNotFound:
			return utils.SuccessResult(&DeductionResult{
				Applied:  false,
				Reason:   models.ErrorCodeBalanceNotFound,
				Required: amount,
			})
		default:
			failed := utils.FailedResult[*DeductionResult](outcomeResult.Error())
			if details := outcomeResult.ErrorDetails(); details != nil {
				failed = failed.AddErrorDetails(details.Code, details.Message)
			}
			failed.Retryable = outcomeResult.IsRetryable()
			failed.Capture = outcomeResult.IsCapturable()
			return failed
		}
	}

	outcome := outcomeResult.Value()
	service.afterDeduction(ctx, outcome, now)

	return utils.SuccessResult(&DeductionResult{
		Applied: true,
		Balance: outcome.Balance,
		Record:  outcome.Record,
	})
}

func (service *Service) afterDeduction(ctx context.Context, outcome *models.DeductionOutcome, now time.Time) {
	balance := outcome.Balance
	record := outcome.Record

	service.producers.ProduceUsageEvent(ctx, &UsageEvent{
		TenantID:       balance.TenantID,
		Feature:        record.Feature,
		AmountDeducted: record.AmountDeducted,
		BalanceAfter:   balance.TotalCredits(),
		RecordID:       record.ID,
		Timestamp:      now,
	})

	service.expireBalance(balance.TenantID)

	if service.lowBalanceThreshold > 0 && balance.TotalCredits() <= service.lowBalanceThreshold {
		if err := service.flagStore.Flag(balance.TenantID); err != nil {
			service.logger.Error("error while flagging low balance tenant",
				slog.String("tenant_id", balance.TenantID))
			utils.CaptureError(err)
		}

		service.producers.ProduceLowBalanceAlert(ctx, &LowBalanceAlert{
			TenantID:  balance.TenantID,
			Balance:   balance.TotalCredits(),
			Threshold: service.lowBalanceThreshold,
			Timestamp: now,
		})
	}
}

type PurchaseResult struct {
	Duplicate bool
	Balance   *models.CreditBalance
}

// ApplyPurchase applies a confirmed payment exactly once. The redis replay
// guard short-circuits obvious webhook replays; a guard failure is logged
// and ignored because the payment_events table is the source of truth.
func (service *Service) ApplyPurchase(ctx context.Context, params models.PurchaseParams) utils.Result[*PurchaseResult] {
	claimed := false

	claimResult := service.replayGuard.Claim(params.PaymentID)
	if claimResult.Failure() {
		service.logger.Error("error while claiming payment id, falling through to the store",
			slog.String("payment_id", params.PaymentID))
		utils.CaptureError(claimResult.Error())
	} else if !claimResult.Value() {
		return utils.SuccessResult(&PurchaseResult{Duplicate: true})
	} else {
		claimed = true
	}

	outcomeResult := service.store.ApplyPurchase(params)
	if outcomeResult.Failure() {
		// The claim was premature: nothing committed, so the provider's
		// retry must not be swallowed as a duplicate.
		if claimed {
			releaseResult := service.replayGuard.Release(params.PaymentID)
			if releaseResult.Failure() {
				service.logger.Error("error while releasing payment id claim",
					slog.String("payment_id", params.PaymentID))
				utils.CaptureError(releaseResult.Error())
			}
		}

		return utils.FailedResult[*PurchaseResult](outcomeResult.Error()).
			AddErrorDetails(outcomeResult.ErrorCode(), outcomeResult.ErrorMessage())
	}

	outcome := outcomeResult.Value()
	if !outcome.Duplicate {
		service.expireBalance(params.TenantID)
	}

	return utils.SuccessResult(&PurchaseResult{
		Duplicate: outcome.Duplicate,
		Balance:   outcome.Balance,
	})
}

// RolloverTenant resets one tenant's monthly pool if its reset date lapsed.
func (service *Service) RolloverTenant(tenantID string) utils.Result[bool] {
	rolledResult := service.store.RolloverBalance(tenantID, service.tierDefaults, time.Now().UTC())
	if rolledResult.Failure() {
		return rolledResult
	}

	if rolledResult.Value() {
		service.expireBalance(tenantID)
	}

	return rolledResult
}

func (service *Service) expireBalance(tenantID string) {
	expireResult := service.balanceCache.Expire(tenantID)
	if expireResult.Failure() {
		service.logger.Error("error while expiring cached balance",
			slog.String("tenant_id", tenantID))
		utils.CaptureError(expireResult.Error())
	}
}
