package models

import (
	"github.com/voicefly/credits-service/config/database"
)

const ERROR_NOT_FOUND string = "record not found"

const (
	ErrorCodeInsufficientCredits = "insufficient_credits"
	ErrorCodeBalanceNotFound     = "balance_not_found"
	ErrorCodeInvalidAmount       = "invalid_amount"
	ErrorCodeUnknownChannel      = "unknown_channel"
	ErrorCodeUnknownFeature      = "unknown_feature"
	ErrorCodeUnknownTier         = "unknown_tier"
)

// LedgerStore wraps the relational store backing credit balances, usage
// records and payment events. A store instance is injected into services
// rather than shared through package globals.
type LedgerStore struct {
	db *database.DB
}

func NewLedgerStore(db *database.DB) *LedgerStore {
	return &LedgerStore{
		db: db,
	}
}
