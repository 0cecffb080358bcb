package games

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairplay-backend/internal/models"
)

func TestDiceValidate(t *testing.T) {
	g := NewDice(0.01)
	d := decimal.RequireFromString

	assert.NoError(t, g.Validate(Params{Target: d("50")}))
	assert.NoError(t, g.Validate(Params{Target: d("98")}))
	assert.NoError(t, g.Validate(Params{Target: d("99.98"), Over: true}))
	assert.NoError(t, g.Validate(Params{Target: d("1.99"), Over: true}))

	for _, p := range []Params{
		{Target: d("0")},
		{Target: d("98.01")},
		{Target: d("1.98"), Over: true},
		{Target: d("99.99"), Over: true},
		{Target: d("50.005")},
	} {
		assert.ErrorIs(t, g.Validate(p), models.ErrInvalidInput, "%+v", p)
	}
}

func TestDicePayoutMultiplier(t *testing.T) {
	g := NewDice(0.01)
	assert.Equal(t, "1.98", g.PayoutMultiplier(Params{Target: decimal.NewFromInt(50)}).String())
	assert.Equal(t, "1.9803", g.PayoutMultiplier(Params{Target: decimal.NewFromInt(50), Over: true}).String())
}

func TestDiceRollBoundaries(t *testing.T) {
	g := NewDice(0.01)
	under := Params{Target: decimal.NewFromInt(50)}
	over := Params{Target: decimal.NewFromInt(50), Over: true}
	at := Outcome{Mode: models.GameModeDice, Point: decimal.NewFromInt(50)}

	assert.True(t, g.Multiplier(under, at, Progress{}).IsZero())
	assert.True(t, g.Multiplier(over, at, Progress{}).IsZero())

	low := Outcome{Mode: models.GameModeDice, Point: decimal.RequireFromString("49.99")}
	assert.True(t, g.Multiplier(under, low, Progress{}).IsPositive())
}

func TestDiceReturnToPlayer(t *testing.T) {
	const rounds = 200_000
	g := NewDice(0.01)
	p := Params{Target: decimal.NewFromInt(25), Over: true}
	top := decimal.RequireFromString("99.99")

	var returned float64
	for i := 0; i < rounds; i++ {
		out, err := g.Resolve(simSeeds(i), p)
		require.NoError(t, err)
		require.False(t, out.Point.IsNegative() || out.Point.GreaterThan(top))
		returned += g.Multiplier(p, out, Progress{}).InexactFloat64()
	}
	assert.InDelta(t, 0.99, returned/rounds, 0.015)
}
