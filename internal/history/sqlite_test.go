package history

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairplay-backend/internal/models"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func result(id, owner string, at time.Time) models.RoundResult {
	return models.RoundResult{
		RoundID:    id,
		OwnerID:    owner,
		Mode:       models.GameModeDice,
		Seed:       models.SeedPair{ServerSeedHash: "hash-" + owner, ClientSeed: "client", Nonce: 3},
		Nonce:      3,
		Outcome:    map[string]string{"point": "42.17"},
		Multiplier: decimal.RequireFromString("1.98"),
		Stake:      100,
		Payout:     198,
		CreatedAt:  at,
	}
}

func TestRecordAndGet(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_123).UTC()

	require.NoError(t, s.Record(ctx, result("r1", "alice", at), "k1"))
	require.NoError(t, s.Record(ctx, result("r1", "alice", at), "k1"))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, uint64(3), got.Nonce)
	assert.Equal(t, "1.98", got.Multiplier.String())
	assert.Equal(t, int64(198), got.Payout)
	assert.Equal(t, at, got.CreatedAt)
	assert.JSONEq(t, `{"point":"42.17"}`, string(got.Outcome.(json.RawMessage)))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestByIdempotencyKey(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, result("r1", "alice", time.Now()), "play-1"))
	require.NoError(t, s.Record(ctx, result("r2", "alice", time.Now()), ""))
	require.NoError(t, s.Record(ctx, result("r3", "alice", time.Now()), ""))

	got, ok, err := s.ByIdempotencyKey(ctx, "alice", "play-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", got.RoundID)

	_, ok, err = s.ByIdempotencyKey(ctx, "bob", "play-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListByOwnerNewestFirst(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(ctx, result(fmt.Sprintf("r%d", i), "alice", base.Add(time.Duration(i)*time.Second)), ""))
	}
	require.NoError(t, s.Record(ctx, result("other", "bob", base), ""))

	list, err := s.ListByOwner(ctx, "alice", 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "r4", list[0].RoundID)
	assert.Equal(t, "r2", list[2].RoundID)
}

func TestRevealSeed(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, result("r1", "alice", time.Now()), ""))

	require.NoError(t, s.RevealSeed(ctx, "alice", "hash-alice", "the-seed"))
	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "the-seed", got.Seed.ServerSeed)
}
