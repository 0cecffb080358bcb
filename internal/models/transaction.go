package models

import "time"

type EntryKind string

const (
	EntryBet      EntryKind = "BET"
	EntryWin      EntryKind = "WIN"
	EntryLoss     EntryKind = "LOSS"
	EntryRefund   EntryKind = "REFUND"
	EntryRollback EntryKind = "ROLLBACK"
	EntryDeposit  EntryKind = "DEPOSIT"
)

// LedgerEntry records one applied mutation. Delta moves the spendable
// balance, LockDelta moves stake held by open rounds.
type LedgerEntry struct {
	IdempotencyKey string    `json:"idempotency_key"`
	WalletKey      string    `json:"wallet_key"`
	Delta          int64     `json:"delta"`
	LockDelta      int64     `json:"lock_delta"`
	BalanceBefore  int64     `json:"balance_before"`
	BalanceAfter   int64     `json:"balance_after"`
	LockedAfter    int64     `json:"locked_after"`
	Kind           EntryKind `json:"kind"`
	Reference      string    `json:"reference,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// SamePayload reports whether other describes the same mutation, ignoring
// the balances the store computed.
func (e *LedgerEntry) SamePayload(other *LedgerEntry) bool {
	return e.WalletKey == other.WalletKey &&
		e.Delta == other.Delta &&
		e.LockDelta == other.LockDelta &&
		e.Kind == other.Kind
}
