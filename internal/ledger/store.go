package ledger

import (
	"context"

	"fairplay-backend/internal/models"
)

// DefaultEntryHistory is how many entry ids each wallet index keeps.
const DefaultEntryHistory = 500

// Mutation is one balance change. Stores apply it atomically together with
// its idempotency record.
type Mutation struct {
	WalletKey      string
	OwnerID        string
	Currency       string
	IdempotencyKey string
	Delta          int64
	LockDelta      int64
	Kind           models.EntryKind
	Reference      string
	// Create opens the wallet with zero balances if it does not exist.
	Create bool
}

func (m Mutation) entry() models.LedgerEntry {
	return models.LedgerEntry{
		IdempotencyKey: m.IdempotencyKey,
		WalletKey:      m.WalletKey,
		Delta:          m.Delta,
		LockDelta:      m.LockDelta,
		Kind:           m.Kind,
		Reference:      m.Reference,
	}
}

// Store is the atomic unit behind the ledger. Apply performs, as one step:
// the idempotency lookup, the wallet existence check, the non-negativity
// check on balance and locked balance, and the write of wallet, entry and
// per-wallet index. replayed is true when the key had already been applied
// with the same payload.
type Store interface {
	Apply(ctx context.Context, m Mutation) (entry models.LedgerEntry, replayed bool, err error)
	Wallet(ctx context.Context, walletKey string) (models.Wallet, error)
	Entry(ctx context.Context, idempotencyKey string) (models.LedgerEntry, error)
	// Entries lists the most recent entries of a wallet, newest first.
	Entries(ctx context.Context, walletKey string, limit int) ([]models.LedgerEntry, error)
	Close() error
}
