package models

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/voicefly/credits-service/tests"
)

func setupLedgerStore(t *testing.T) (*LedgerStore, sqlmock.Sqlmock, func()) {
	db, mock, cleanup := tests.SetupMockStore(t)
	return NewLedgerStore(db), mock, cleanup
}

var balanceColumns = []string{
	"id", "tenant_id", "tier", "monthly_credits", "purchased_credits",
	"credits_used_this_month", "credits_reset_date", "created_at", "updated_at",
}

func balanceRow(mock sqlmock.Sqlmock, monthly, purchased, used int, resetDate time.Time) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(balanceColumns).
		AddRow("bal_123", "tenant_123", "professional", monthly, purchased, used, resetDate, now, now)
}
