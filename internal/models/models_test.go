package models_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairplay-backend/internal/models"
)

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("start: %w", models.NewError(models.CodeInsufficientFunds, "alice:USD"))

	assert.ErrorIs(t, err, models.ErrInsufficientFunds)
	assert.NotErrorIs(t, err, models.ErrUserNotFound)
	assert.Equal(t, models.CodeInsufficientFunds, models.CodeOf(err))
	assert.Equal(t, models.Code(""), models.CodeOf(errors.New("plain")))
	assert.Equal(t, "INSUFFICIENT_FUNDS: alice:USD", models.NewError(models.CodeInsufficientFunds, "alice:USD").Error())

	cause := errors.New("connection refused")
	wrapped := models.WrapError(models.CodeStoreUnavailable, "ledger", cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.True(t, models.IsRetryable(wrapped))
	assert.False(t, models.IsRetryable(models.ErrDuplicateTx))
	assert.False(t, models.IsRetryable(cause))
}

func TestParseGameMode(t *testing.T) {
	for _, s := range []string{"mines", "crash", "limbo", "dice", "slots"} {
		m, err := models.ParseGameMode(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(m))
	}
	_, err := models.ParseGameMode("roulette")
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	assert.True(t, models.GameModeMines.Sequential())
	assert.False(t, models.GameModeMines.Instant())
	assert.False(t, models.GameModeCrash.Instant())
	assert.True(t, models.GameModeDice.Instant())
}

func TestCalculatePayout(t *testing.T) {
	cases := []struct {
		stake int64
		mult  string
		want  int64
	}{
		{100, "1.98", 198},
		{333, "1.5", 499},
		{1, "0.99", 0},
		{100, "0", 0},
		{0, "2", 0},
		{250, "1000000", 250_000_000},
	}
	for _, tc := range cases {
		got := models.CalculatePayout(tc.stake, decimal.RequireFromString(tc.mult))
		assert.Equal(t, tc.want, got, "%d x %s", tc.stake, tc.mult)
	}
}

func TestValidateStake(t *testing.T) {
	assert.NoError(t, models.ValidateStake(10, 1, 0))
	assert.NoError(t, models.ValidateStake(500, 1, 500))
	assert.ErrorIs(t, models.ValidateStake(0, 1, 0), models.ErrInvalidAmount)
	assert.ErrorIs(t, models.ValidateStake(-5, 1, 0), models.ErrInvalidAmount)
	assert.ErrorIs(t, models.ValidateStake(5, 10, 0), models.ErrInvalidAmount)
	assert.ErrorIs(t, models.ValidateStake(501, 1, 500), models.ErrInvalidAmount)
}

func TestWalletHelpers(t *testing.T) {
	w := models.Wallet{Balance: 700, LockedBalance: 300}
	assert.Equal(t, int64(1000), w.Total())
	assert.Equal(t, "alice:USD", models.WalletKey("alice", "USD"))
	assert.Equal(t, "10.50 USD", models.FormatAmount(1050, "USD"))
	assert.Equal(t, "-0.05 EUR", models.FormatAmount(-5, "EUR"))
}

func TestSamePayload(t *testing.T) {
	a := models.LedgerEntry{WalletKey: "alice:USD", Delta: -100, LockDelta: 100, Kind: models.EntryBet, BalanceAfter: 900}
	b := a
	b.BalanceAfter = 400
	b.Reference = "other"
	assert.True(t, a.SamePayload(&b))

	b.Delta = -101
	assert.False(t, a.SamePayload(&b))
}

func TestSessionStateTerminal(t *testing.T) {
	assert.False(t, models.StateActive.Terminal())
	for _, s := range []models.SessionState{models.StateLost, models.StateCashedOut, models.StateExpired} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestGeneratedIDs(t *testing.T) {
	seed, err := models.GenerateClientSeed()
	require.NoError(t, err)
	assert.Len(t, seed, 32)
	other, err := models.GenerateClientSeed()
	require.NoError(t, err)
	assert.NotEqual(t, seed, other)
	assert.NotEqual(t, models.GenerateSessionID(), models.GenerateSessionID())
}
