// Package rounds runs game rounds on top of the ledger and the seed vault:
// multi-step sessions, single-call instant plays and the shared crash room.
package rounds

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fairplay-backend/internal/models"
)

// Ledger is the subset of the wallet ledger rounds settle through.
type Ledger interface {
	Bet(ctx context.Context, owner, currency string, amount int64, key, ref string) (models.LedgerEntry, error)
	Win(ctx context.Context, owner, currency string, stake, payout int64, key, ref string) (models.LedgerEntry, error)
	Lose(ctx context.Context, owner, currency string, stake int64, key, ref string) (models.LedgerEntry, error)
	Refund(ctx context.Context, owner, currency string, stake int64, key, ref string) (models.LedgerEntry, error)
	Rollback(ctx context.Context, originalKey, ref string) (models.LedgerEntry, error)
	Entry(ctx context.Context, key string) (models.LedgerEntry, error)
}

// Archive stores finished rounds for history and replayed requests.
type Archive interface {
	Record(ctx context.Context, res models.RoundResult, idemKey string) error
	ByIdempotencyKey(ctx context.Context, owner, key string) (models.RoundResult, bool, error)
	RevealSeed(ctx context.Context, owner, hash, serverSeed string) error
}

// Publisher is how the crash room announces state changes.
type Publisher interface {
	Publish(room, eventType string, data, state any) error
}

type Clock func() time.Time

// settle retries an idempotent ledger call while the store reports itself
// unavailable.
func settle(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = maxElapsed

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !models.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}
