// Package ledger keeps per-owner, per-currency balances in integer minor
// units. Every mutation carries an idempotency key and is applied atomically
// by a Store.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"fairplay-backend/internal/models"
)

func BetKey(owner, idemKey string) string     { return "bet:" + owner + ":" + idemKey }
func CloseKey(sessionID string) string        { return "close:" + sessionID }
func RollbackKey(originalKey string) string   { return "rollback:" + originalKey }
func ProviderKey(transactionID string) string { return "ext:" + transactionID }
func OpenKey(walletKey string) string         { return "open:" + walletKey }

// MaxAmount bounds every amount and resulting balance. The Redis store
// encodes numbers with 14 significant digits, so anything larger would lose
// precision there.
const MaxAmount int64 = 1e14 - 1

type Config struct {
	DefaultCurrency string
	StartingBalance int64
}

type Ledger struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

func New(store Store, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, cfg: cfg, logger: logger.With("component", "ledger")}
}

func (l *Ledger) DefaultCurrency() string { return l.cfg.DefaultCurrency }

func (l *Ledger) currency(c string) string {
	if c == "" {
		return l.cfg.DefaultCurrency
	}
	return c
}

// Open creates the wallet with the configured starting balance. Calling it
// again is a no-op replay.
func (l *Ledger) Open(ctx context.Context, owner, currency string) (models.Wallet, error) {
	if owner == "" {
		return models.Wallet{}, models.NewError(models.CodeInvalidInput, "owner is required")
	}
	currency = l.currency(currency)
	key := models.WalletKey(owner, currency)

	_, replayed, err := l.store.Apply(ctx, Mutation{
		WalletKey:      key,
		OwnerID:        owner,
		Currency:       currency,
		IdempotencyKey: OpenKey(key),
		Delta:          l.cfg.StartingBalance,
		Kind:           models.EntryDeposit,
		Reference:      "open",
		Create:         true,
	})
	if err != nil {
		return models.Wallet{}, err
	}
	if !replayed {
		l.logger.Info("wallet opened", "wallet", key, "balance", l.cfg.StartingBalance)
	}
	return l.store.Wallet(ctx, key)
}

// Bet moves amount from the spendable balance into the locked balance.
func (l *Ledger) Bet(ctx context.Context, owner, currency string, amount int64, key, ref string) (models.LedgerEntry, error) {
	if !validAmount(amount) {
		return models.LedgerEntry{}, invalidAmount(amount)
	}
	return l.apply(ctx, owner, currency, key, -amount, amount, models.EntryBet, ref)
}

// Win releases the stake from the lock and credits payout.
func (l *Ledger) Win(ctx context.Context, owner, currency string, stake, payout int64, key, ref string) (models.LedgerEntry, error) {
	if !validAmount(stake) {
		return models.LedgerEntry{}, invalidAmount(stake)
	}
	if !validAmount(payout) {
		return models.LedgerEntry{}, invalidAmount(payout)
	}
	return l.apply(ctx, owner, currency, key, payout, -stake, models.EntryWin, ref)
}

// Lose releases the stake from the lock without crediting anything.
func (l *Ledger) Lose(ctx context.Context, owner, currency string, stake int64, key, ref string) (models.LedgerEntry, error) {
	if !validAmount(stake) {
		return models.LedgerEntry{}, invalidAmount(stake)
	}
	return l.apply(ctx, owner, currency, key, 0, -stake, models.EntryLoss, ref)
}

// Refund returns the locked stake to the spendable balance.
func (l *Ledger) Refund(ctx context.Context, owner, currency string, stake int64, key, ref string) (models.LedgerEntry, error) {
	if !validAmount(stake) {
		return models.LedgerEntry{}, invalidAmount(stake)
	}
	return l.apply(ctx, owner, currency, key, stake, -stake, models.EntryRefund, ref)
}

// Rollback applies the exact inverse of the entry recorded under
// originalKey. The reversal has its own key so it can be retried.
func (l *Ledger) Rollback(ctx context.Context, originalKey, ref string) (models.LedgerEntry, error) {
	orig, err := l.store.Entry(ctx, originalKey)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if orig.Kind == models.EntryRollback || orig.Kind == models.EntryDeposit {
		return models.LedgerEntry{}, models.NewError(models.CodeInvalidInput,
			fmt.Sprintf("%s entries cannot be rolled back", orig.Kind))
	}

	w, err := l.store.Wallet(ctx, orig.WalletKey)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	entry, replayed, err := l.store.Apply(ctx, Mutation{
		WalletKey:      orig.WalletKey,
		OwnerID:        w.OwnerID,
		Currency:       w.Currency,
		IdempotencyKey: RollbackKey(originalKey),
		Delta:          -orig.Delta,
		LockDelta:      -orig.LockDelta,
		Kind:           models.EntryRollback,
		Reference:      ref,
	})
	if err != nil {
		return models.LedgerEntry{}, err
	}
	if !replayed {
		l.logger.Info("entry rolled back", "original", originalKey, "wallet", orig.WalletKey, "delta", entry.Delta)
	}
	return entry, nil
}

// ProviderDebit takes amount from the spendable balance on behalf of an
// external game provider. Nothing is locked.
func (l *Ledger) ProviderDebit(ctx context.Context, owner, currency string, amount int64, txID, ref string) (models.LedgerEntry, error) {
	if !validAmount(amount) {
		return models.LedgerEntry{}, invalidAmount(amount)
	}
	if txID == "" {
		return models.LedgerEntry{}, models.NewError(models.CodeInvalidInput, "transaction id is required")
	}
	return l.apply(ctx, owner, currency, ProviderKey(txID), -amount, 0, models.EntryBet, ref)
}

func (l *Ledger) ProviderCredit(ctx context.Context, owner, currency string, amount int64, txID, ref string) (models.LedgerEntry, error) {
	if !validAmount(amount) {
		return models.LedgerEntry{}, invalidAmount(amount)
	}
	if txID == "" {
		return models.LedgerEntry{}, models.NewError(models.CodeInvalidInput, "transaction id is required")
	}
	return l.apply(ctx, owner, currency, ProviderKey(txID), amount, 0, models.EntryWin, ref)
}

func (l *Ledger) Balance(ctx context.Context, owner, currency string) (models.Wallet, error) {
	return l.store.Wallet(ctx, models.WalletKey(owner, l.currency(currency)))
}

func (l *Ledger) Entry(ctx context.Context, key string) (models.LedgerEntry, error) {
	return l.store.Entry(ctx, key)
}

func (l *Ledger) Entries(ctx context.Context, owner, currency string, limit int) ([]models.LedgerEntry, error) {
	return l.store.Entries(ctx, models.WalletKey(owner, l.currency(currency)), limit)
}

func (l *Ledger) apply(ctx context.Context, owner, currency, key string, delta, lockDelta int64, kind models.EntryKind, ref string) (models.LedgerEntry, error) {
	if owner == "" || key == "" {
		return models.LedgerEntry{}, models.NewError(models.CodeInvalidInput, "owner and idempotency key are required")
	}
	if abs(delta) > MaxAmount || abs(lockDelta) > MaxAmount {
		return models.LedgerEntry{}, models.NewError(models.CodeInvalidAmount, fmt.Sprintf("amount exceeds %d", MaxAmount))
	}
	currency = l.currency(currency)
	walletKey := models.WalletKey(owner, currency)

	entry, replayed, err := l.store.Apply(ctx, Mutation{
		WalletKey:      walletKey,
		OwnerID:        owner,
		Currency:       currency,
		IdempotencyKey: key,
		Delta:          delta,
		LockDelta:      lockDelta,
		Kind:           kind,
		Reference:      ref,
	})
	if err != nil {
		if models.IsRetryable(err) {
			l.logger.Error("ledger store unavailable", "wallet", walletKey, "key", key, "error", err)
		}
		return models.LedgerEntry{}, err
	}
	if replayed {
		l.logger.Debug("idempotent replay", "wallet", walletKey, "key", key, "kind", kind)
	}
	return entry, nil
}

func validAmount(amount int64) bool { return amount > 0 && amount <= MaxAmount }

func invalidAmount(amount int64) error {
	return models.NewError(models.CodeInvalidAmount, fmt.Sprintf("amount must be in [1, %d], got %d", MaxAmount, amount))
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
