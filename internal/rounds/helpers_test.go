package rounds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/games"
	"fairplay-backend/internal/history"
	"fairplay-backend/internal/ledger"
	"fairplay-backend/internal/models"
)

const startingBalance = 1000

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// counterSeeds returns a seed source yielding prefix-1, prefix-2, ...
func counterSeeds(prefix string) func() (string, error) {
	var mu sync.Mutex
	n := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n), nil
	}
}

type env struct {
	ledger   *ledger.Ledger
	archive  *history.Store
	registry *games.Registry
	vault    *fairness.Vault
	manager  *Manager
	clock    *fakeClock
}

func newEnv(t *testing.T, owners ...string) *env {
	t.Helper()
	store, err := ledger.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	l := ledger.New(store, ledger.Config{DefaultCurrency: "USD", StartingBalance: startingBalance}, nil)

	archive, err := history.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	reg, err := games.NewRegistry(games.DefaultTuning())
	require.NoError(t, err)

	vault := fairness.NewVault(fairness.WithSeedSource(counterSeeds("server"), func() (string, error) { return "player-seed", nil }))
	clock := newFakeClock()
	m := NewManager(reg, vault, l, archive, Config{Currency: "USD", MaxStake: 500, SettleRetry: 50 * time.Millisecond}, nil)
	m.SetClock(clock.Now)

	for _, owner := range owners {
		_, err := l.Open(context.Background(), owner, "")
		require.NoError(t, err)
	}
	return &env{ledger: l, archive: archive, registry: reg, vault: vault, manager: m, clock: clock}
}

func (e *env) wallet(t *testing.T, owner string) models.Wallet {
	t.Helper()
	w, err := e.ledger.Balance(context.Background(), owner, "")
	require.NoError(t, err)
	return w
}

func safeCells(cells int, mines []int) []int {
	isMine := make(map[int]bool, len(mines))
	for _, m := range mines {
		isMine[m] = true
	}
	var out []int
	for c := 0; c < cells; c++ {
		if !isMine[c] {
			out = append(out, c)
		}
	}
	return out
}

// secretFor recovers the counter seed behind a published commitment.
func secretFor(t *testing.T, hash string) string {
	t.Helper()
	for i := 1; i <= 64; i++ {
		seed := fmt.Sprintf("server-%d", i)
		if fairness.HashServerSeed(seed) == hash {
			return seed
		}
	}
	t.Fatalf("no counter seed matches %s", hash)
	return ""
}

func minesFor(t *testing.T, e *env, r StartReceipt, p games.Params) []int {
	t.Helper()
	g, err := e.registry.Get(models.GameModeMines)
	require.NoError(t, err)
	seeds := fairness.SeedPair{ServerSeed: secretFor(t, r.ServerSeedHash), ClientSeed: r.ClientSeed, Nonce: r.Nonce}
	out, err := g.Resolve(seeds, p)
	require.NoError(t, err)
	return out.Mines
}

// flakyLedger fails closes of the chosen kinds as if the store were down.
type flakyLedger struct {
	Ledger
	mu   sync.Mutex
	down map[models.EntryKind]bool
}

func (f *flakyLedger) fail(kinds ...models.EntryKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = make(map[models.EntryKind]bool)
	for _, k := range kinds {
		f.down[k] = true
	}
}

func (f *flakyLedger) heal() { f.fail() }

func (f *flakyLedger) broken(kind models.EntryKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[kind] {
		return models.WrapError(models.CodeStoreUnavailable, "ledger store", errors.New("connection refused"))
	}
	return nil
}

func (f *flakyLedger) Win(ctx context.Context, owner, currency string, stake, payout int64, key, ref string) (models.LedgerEntry, error) {
	if err := f.broken(models.EntryWin); err != nil {
		return models.LedgerEntry{}, err
	}
	return f.Ledger.Win(ctx, owner, currency, stake, payout, key, ref)
}

func (f *flakyLedger) Lose(ctx context.Context, owner, currency string, stake int64, key, ref string) (models.LedgerEntry, error) {
	if err := f.broken(models.EntryLoss); err != nil {
		return models.LedgerEntry{}, err
	}
	return f.Ledger.Lose(ctx, owner, currency, stake, key, ref)
}

func (f *flakyLedger) Refund(ctx context.Context, owner, currency string, stake int64, key, ref string) (models.LedgerEntry, error) {
	if err := f.broken(models.EntryRefund); err != nil {
		return models.LedgerEntry{}, err
	}
	return f.Ledger.Refund(ctx, owner, currency, stake, key, ref)
}
