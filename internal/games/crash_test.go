package games

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairplay-backend/internal/models"
)

func TestCrashPoint(t *testing.T) {
	assert.Equal(t, "1", CrashPoint(0, 0.01, 0, 1000).String())
	assert.Equal(t, "2.47", CrashPoint(0.6, 0.01, 0, 1000).String())
	assert.Equal(t, "2.47", CrashPoint(0.6, 0.01, 0.01, 1000).String())
	assert.Equal(t, "1", CrashPoint(0.005, 0.01, 0.01, 1000).String())
	assert.Equal(t, "100", CrashPoint(0.9999999999, 0.01, 0, 100).String())
}

func TestCrashPointNeverBelowOne(t *testing.T) {
	one := decimal.NewFromInt(1)
	for i := 0; i < 10_000; i++ {
		p := CrashPoint(simSeeds(i).Stream().Float(), 0.01, 0.01, 1000)
		assert.False(t, p.LessThan(one))
		assert.False(t, p.GreaterThan(decimal.NewFromInt(1000)))
	}
}

func TestCrashReturnToPlayer(t *testing.T) {
	const rounds = 300_000
	target := decimal.NewFromInt(2)

	for _, instant := range []float64{0, 0.01} {
		g := NewCrash(0.01, instant, DefaultMaxMultiplier)
		p := Params{Target: target}

		var returned float64
		for i := 0; i < rounds; i++ {
			out, err := g.Resolve(simSeeds(i), p)
			require.NoError(t, err)
			returned += g.Multiplier(p, out, Progress{}).InexactFloat64()
		}
		assert.InDelta(t, 0.99, returned/rounds, 0.015, "instant=%v", instant)
	}
}

func TestCrashCashoutWinsOnlyBelowPoint(t *testing.T) {
	g := NewCrash(0.01, 0, DefaultMaxMultiplier)
	out := Outcome{Mode: models.GameModeCrash, Point: decimal.RequireFromString("2.50")}

	at := func(s string) Progress { return Progress{CashoutAt: decimal.RequireFromString(s)} }
	assert.Equal(t, "2.5", g.Multiplier(Params{}, out, at("2.50")).String())
	assert.Equal(t, "1.3", g.Multiplier(Params{}, out, at("1.30")).String())
	assert.True(t, g.Multiplier(Params{}, out, at("2.51")).IsZero())
	assert.True(t, g.Multiplier(Params{}, out, Progress{}).IsZero())
}

func TestLimbo(t *testing.T) {
	g := NewLimbo(0.01, 1000)

	assert.ErrorIs(t, g.Validate(Params{Target: decimal.NewFromInt(1)}), models.ErrInvalidInput)
	assert.ErrorIs(t, g.Validate(Params{Target: decimal.RequireFromString("2.005")}), models.ErrInvalidInput)
	assert.ErrorIs(t, g.Validate(Params{Target: decimal.NewFromInt(1001)}), models.ErrInvalidInput)
	require.NoError(t, g.Validate(Params{Target: decimal.RequireFromString("1.01")}))

	p := Params{Target: decimal.NewFromInt(2)}
	const rounds = 200_000
	var returned float64
	for i := 0; i < rounds; i++ {
		out, err := g.Resolve(simSeeds(i), p)
		require.NoError(t, err)
		returned += g.Multiplier(p, out, Progress{}).InexactFloat64()
	}
	assert.InDelta(t, 0.99, returned/rounds, 0.015)
}
