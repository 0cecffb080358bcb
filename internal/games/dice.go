package games

import (
	"github.com/shopspring/decimal"

	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/models"
)

const diceOutcomes = 10000 // rolls 0.00 .. 99.99

var (
	diceTop       = decimal.New(diceOutcomes-1, -2)
	diceMinChance = decimal.New(1, -2)
	diceMaxChance = decimal.NewFromInt(98)
	hundred       = decimal.NewFromInt(100)
)

type Dice struct {
	houseEdge float64
}

func NewDice(houseEdge float64) *Dice {
	return &Dice{houseEdge: houseEdge}
}

func (g *Dice) Mode() models.GameMode { return models.GameModeDice }

// WinChance is the percentage of rolls that win: below target, or above it
// when Over is set.
func (g *Dice) WinChance(p Params) decimal.Decimal {
	if p.Over {
		return diceTop.Sub(p.Target)
	}
	return p.Target
}

func (g *Dice) Validate(p Params) error {
	if !p.Target.Mod(twoPlaceStep).IsZero() {
		return invalid("target must have at most two decimals")
	}
	chance := g.WinChance(p)
	if chance.LessThan(diceMinChance) || chance.GreaterThan(diceMaxChance) {
		return invalid("win chance must be within [%s, %s], got %s", diceMinChance, diceMaxChance, chance)
	}
	return nil
}

func (g *Dice) Resolve(seeds fairness.SeedPair, p Params) (Outcome, error) {
	if err := g.Validate(p); err != nil {
		return Outcome{}, err
	}
	roll, err := seeds.Stream().UniformInt(diceOutcomes)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Mode: models.GameModeDice, Point: decimal.New(int64(roll), -2)}, nil
}

func (g *Dice) Multiplier(p Params, o Outcome, _ Progress) decimal.Decimal {
	won := o.Point.LessThan(p.Target)
	if p.Over {
		won = o.Point.GreaterThan(p.Target)
	}
	if !won {
		return decimal.Zero
	}
	return g.PayoutMultiplier(p)
}

// PayoutMultiplier is (1-edge)*100/chance truncated to four decimals.
func (g *Dice) PayoutMultiplier(p Params) decimal.Decimal {
	chance := g.WinChance(p)
	if chance.Sign() <= 0 {
		return decimal.Zero
	}
	m := returnFactor(g.houseEdge)
	m.Mul(m, hundred.Rat())
	m.Quo(m, chance.Rat())
	return truncate(m)
}
