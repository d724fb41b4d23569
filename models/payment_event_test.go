package models

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPurchase(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	params := PurchaseParams{
		TenantID:  "tenant_123",
		PaymentID: "cs_test_a1b2c3",
		Provider:  "stripe",
		Credits:   500,
		Now:       now,
	}

	t.Run("should credit the purchased pool exactly once", func(t *testing.T) {
		store, mock, cleanup := setupLedgerStore(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "payment_events" .*ON CONFLICT \("payment_id"\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE "credit_balances" SET`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectQuery(`SELECT \* FROM "credit_balances" WHERE tenant_id = \$1`).
			WithArgs("tenant_123", 1).
			WillReturnRows(balanceRow(mock, 50, 520, 30, now.AddDate(0, 0, 10)))

		result := store.ApplyPurchase(params)

		require.True(t, result.Success(), result.ErrorMsg())
		outcome := result.Value()
		assert.False(t, outcome.Duplicate)
		assert.Equal(t, 520, outcome.Balance.PurchasedCredits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should ignore a replayed payment confirmation", func(t *testing.T) {
		store, mock, cleanup := setupLedgerStore(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "payment_events" .*ON CONFLICT \("payment_id"\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectQuery(`SELECT \* FROM "credit_balances" WHERE tenant_id = \$1`).
			WithArgs("tenant_123", 1).
			WillReturnRows(balanceRow(mock, 50, 520, 30, now.AddDate(0, 0, 10)))

		result := store.ApplyPurchase(params)

		require.True(t, result.Success(), result.ErrorMsg())
		outcome := result.Value()
		assert.True(t, outcome.Duplicate)
		assert.Equal(t, 520, outcome.Balance.PurchasedCredits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should fail when the tenant has no balance row", func(t *testing.T) {
		store, mock, cleanup := setupLedgerStore(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "payment_events" .*ON CONFLICT \("payment_id"\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE "credit_balances" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		result := store.ApplyPurchase(params)

		assert.True(t, result.Failure())
		assert.Equal(t, ErrorCodeBalanceNotFound, result.ErrorCode())
		assert.False(t, result.IsCapturable())
	})

	t.Run("should reject non positive credit amounts", func(t *testing.T) {
		store, _, cleanup := setupLedgerStore(t)
		defer cleanup()

		result := store.ApplyPurchase(PurchaseParams{TenantID: "tenant_123", PaymentID: "cs_x", Credits: 0})

		assert.True(t, result.Failure())
		assert.Equal(t, ErrorCodeInvalidAmount, result.ErrorCode())
	})

	t.Run("should propagate storage errors", func(t *testing.T) {
		store, mock, cleanup := setupLedgerStore(t)
		defer cleanup()

		dbError := errors.New("insert failed")
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "payment_events"`).
			WillReturnError(dbError)
		mock.ExpectRollback()

		result := store.ApplyPurchase(params)

		assert.True(t, result.Failure())
		assert.Equal(t, dbError, result.Error())
		assert.True(t, result.IsRetryable())
	})
}
