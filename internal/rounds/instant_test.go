package rounds

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairplay-backend/internal/games"
	"fairplay-backend/internal/models"
)

func diceRequest(key string) PlayRequest {
	return PlayRequest{
		Mode:           models.GameModeDice,
		Stake:          100,
		Params:         games.Params{Target: decimal.NewFromInt(50)},
		IdempotencyKey: key,
	}
}

func TestPlaySettlesInOneCall(t *testing.T) {
	e := newEnv(t, "alice")
	ctx := context.Background()

	res, err := e.manager.Play(ctx, "alice", diceRequest("p1"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, roundID("alice", "p1"), res.Result.RoundID)
	assert.Empty(t, res.Result.Seed.ServerSeed)

	w := e.wallet(t, "alice")
	assert.Equal(t, int64(startingBalance-100)+res.Result.Payout, w.Balance)
	assert.Equal(t, int64(0), w.LockedBalance)

	if res.Result.Payout > 0 {
		assert.True(t, res.Result.Multiplier.Equal(decimal.RequireFromString("1.98")))
	} else {
		assert.True(t, res.Result.Multiplier.IsZero())
	}
}

func TestPlayReplaysByKey(t *testing.T) {
	e := newEnv(t, "alice")
	ctx := context.Background()

	first, err := e.manager.Play(ctx, "alice", diceRequest("p1"))
	require.NoError(t, err)
	balance := e.wallet(t, "alice").Balance

	again, err := e.manager.Play(ctx, "alice", diceRequest("p1"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Result.RoundID, again.Result.RoundID)
	assert.Equal(t, first.Result.Payout, again.Result.Payout)
	assert.Equal(t, first.Result.Nonce, again.Result.Nonce)
	assert.Equal(t, balance, e.wallet(t, "alice").Balance)

	next, err := e.manager.Play(ctx, "alice", diceRequest("p2"))
	require.NoError(t, err)
	assert.Equal(t, first.Result.Nonce+1, next.Result.Nonce)
}

func TestPlayRejects(t *testing.T) {
	e := newEnv(t, "alice")
	ctx := context.Background()

	_, err := e.manager.Play(ctx, "alice", PlayRequest{Mode: models.GameModeMines, Stake: 10, IdempotencyKey: "x"})
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	req := diceRequest("")
	_, err = e.manager.Play(ctx, "alice", req)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	req = diceRequest("bad-target")
	req.Params.Target = decimal.RequireFromString("99.5")
	_, err = e.manager.Play(ctx, "alice", req)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	_, err = e.manager.Play(ctx, "nobody", diceRequest("n"))
	assert.True(t, errors.Is(err, models.ErrUserNotFound))

	assert.Equal(t, int64(startingBalance), e.wallet(t, "alice").Balance)
}

func TestPlayEveryInstantMode(t *testing.T) {
	e := newEnv(t, "alice")
	ctx := context.Background()

	reqs := []PlayRequest{
		{Mode: models.GameModeLimbo, Stake: 10, Params: games.Params{Target: decimal.RequireFromString("1.5")}},
		{Mode: models.GameModeDice, Stake: 10, Params: games.Params{Target: decimal.NewFromInt(30), Over: true}},
		{Mode: models.GameModeSlots, Stake: 10},
	}
	for i, req := range reqs {
		req.IdempotencyKey = fmt.Sprintf("mode-%d", i)
		res, err := e.manager.Play(ctx, "alice", req)
		require.NoError(t, err, req.Mode)
		assert.Equal(t, req.Mode, res.Result.Mode)
		assert.Equal(t, models.CalculatePayout(10, res.Result.Multiplier), res.Result.Payout)
	}
	assert.Equal(t, int64(0), e.wallet(t, "alice").LockedBalance)
}

func TestRotationRevealsArchivedPlays(t *testing.T) {
	e := newEnv(t, "alice")
	ctx := context.Background()

	played, err := e.manager.Play(ctx, "alice", diceRequest("p1"))
	require.NoError(t, err)

	revealed, next, err := e.manager.RotateSeed(ctx, "alice", models.GameModeDice, "new-client")
	require.NoError(t, err)
	assert.Equal(t, played.Result.Seed.ServerSeedHash, revealed.ServerSeedHash)
	assert.NotEmpty(t, revealed.ServerSeed)
	assert.Equal(t, "new-client", next.ClientSeed)

	archived, ok, err := e.archive.ByIdempotencyKey(ctx, "alice", "play:p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, revealed.ServerSeed, archived.Seed.ServerSeed)

	verified, err := e.registry.Verify(games.VerifyRequest{
		Mode:           models.GameModeDice,
		ServerSeed:     archived.Seed.ServerSeed,
		ServerSeedHash: archived.Seed.ServerSeedHash,
		ClientSeed:     archived.Seed.ClientSeed,
		Nonce:          archived.Nonce,
		Params:         diceRequest("").Params,
		Stake:          100,
	})
	require.NoError(t, err)
	assert.Equal(t, played.Result.Payout, verified.Payout)
}

func TestFailedPlayCloseIsParkedAndRetried(t *testing.T) {
	e := newEnv(t, "alice")
	ctx := context.Background()
	flaky := &flakyLedger{Ledger: e.ledger}
	e.manager.ledger = flaky

	flaky.fail(models.EntryWin, models.EntryLoss)
	_, err := e.manager.Play(ctx, "alice", diceRequest("p1"))
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))
	assert.Len(t, e.manager.unsettledPlays, 1)
	assert.Equal(t, int64(100), e.wallet(t, "alice").LockedBalance)

	// the retry closes the parked result rather than rolling again
	parked := e.manager.unsettledPlays[roundID("alice", "p1")].res
	flaky.heal()
	res, err := e.manager.Play(ctx, "alice", diceRequest("p1"))
	require.NoError(t, err)
	assert.Equal(t, parked.Nonce, res.Result.Nonce)
	assert.Equal(t, parked.Payout, res.Result.Payout)
	assert.Empty(t, e.manager.unsettledPlays)

	w := e.wallet(t, "alice")
	assert.Equal(t, int64(startingBalance-100)+parked.Payout, w.Balance)
	assert.Equal(t, int64(0), w.LockedBalance)

	again, err := e.manager.Play(ctx, "alice", diceRequest("p1"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, parked.Nonce, again.Result.Nonce)
}

func TestRecoverSettlesParkedPlays(t *testing.T) {
	e := newEnv(t, "alice")
	ctx := context.Background()
	flaky := &flakyLedger{Ledger: e.ledger}
	e.manager.ledger = flaky

	flaky.fail(models.EntryWin, models.EntryLoss)
	_, err := e.manager.Play(ctx, "alice", diceRequest("p1"))
	require.Error(t, err)

	e.manager.Recover(ctx, time.Hour)
	assert.Len(t, e.manager.unsettledPlays, 1)

	flaky.heal()
	e.manager.Recover(ctx, time.Hour)
	assert.Empty(t, e.manager.unsettledPlays)
	assert.Equal(t, int64(0), e.wallet(t, "alice").LockedBalance)

	archived, ok, err := e.archive.ByIdempotencyKey(ctx, "alice", "play:p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, roundID("alice", "p1"), archived.RoundID)
}
