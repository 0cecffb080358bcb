package games

import (
	"math"

	"github.com/shopspring/decimal"

	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/models"
)

var (
	minPoint     = decimal.NewFromInt(1)
	minTarget    = decimal.RequireFromString("1.01")
	twoPlaceStep = decimal.New(1, -2)
)

// CrashPoint maps one uniform draw u in [0,1) to a multiplier with
// P(point >= x) = (1-edge)/x for x >= 1.01. Draws below instantProb land on
// 1.00; the rest of the interval is rescaled and fed through the inverse CDF
// with the edge reduced so the overall return stays 1-edge.
func CrashPoint(u, houseEdge, instantProb, maxMultiplier float64) decimal.Decimal {
	if u < instantProb {
		return minPoint
	}
	u = (u - instantProb) / (1 - instantProb)
	ret := (1 - houseEdge) / (1 - instantProb)

	hundredths := math.Floor(100 * ret / (1 - u))
	if hundredths < 100 {
		return minPoint
	}
	if hundredths > maxMultiplier*100 {
		hundredths = math.Floor(maxMultiplier * 100)
	}
	return decimal.New(int64(hundredths), -2)
}

// Crash is the shared-room ascending multiplier game.
type Crash struct {
	houseEdge   float64
	instantProb float64
	max         float64
}

func NewCrash(houseEdge, instantProb, max float64) *Crash {
	return &Crash{houseEdge: houseEdge, instantProb: instantProb, max: max}
}

func (g *Crash) Mode() models.GameMode { return models.GameModeCrash }

// Validate checks an optional auto-cashout target.
func (g *Crash) Validate(p Params) error {
	if p.Target.IsZero() {
		return nil
	}
	return validateTarget(p.Target, g.max)
}

func (g *Crash) Resolve(seeds fairness.SeedPair, p Params) (Outcome, error) {
	point := CrashPoint(seeds.Stream().Float(), g.houseEdge, g.instantProb, g.max)
	return Outcome{Mode: models.GameModeCrash, Point: point}, nil
}

// Multiplier pays the cash-out point when it was reached before the crash.
func (g *Crash) Multiplier(p Params, o Outcome, pr Progress) decimal.Decimal {
	at := pr.CashoutAt
	if at.IsZero() {
		at = p.Target
	}
	if at.LessThan(minTarget) || at.GreaterThan(o.Point) {
		return decimal.Zero
	}
	return at.Truncate(2)
}

// Limbo resolves the crash distribution instantly against a chosen target.
type Limbo struct {
	houseEdge float64
	max       float64
}

func NewLimbo(houseEdge, max float64) *Limbo {
	return &Limbo{houseEdge: houseEdge, max: max}
}

func (g *Limbo) Mode() models.GameMode { return models.GameModeLimbo }

func (g *Limbo) Validate(p Params) error {
	return validateTarget(p.Target, g.max)
}

func (g *Limbo) Resolve(seeds fairness.SeedPair, p Params) (Outcome, error) {
	if err := g.Validate(p); err != nil {
		return Outcome{}, err
	}
	point := CrashPoint(seeds.Stream().Float(), g.houseEdge, 0, g.max)
	return Outcome{Mode: models.GameModeLimbo, Point: point}, nil
}

func (g *Limbo) Multiplier(p Params, o Outcome, _ Progress) decimal.Decimal {
	if o.Point.LessThan(p.Target) {
		return decimal.Zero
	}
	return p.Target
}

func validateTarget(target decimal.Decimal, max float64) error {
	if target.LessThan(minTarget) {
		return invalid("target must be at least %s", minTarget)
	}
	if target.GreaterThan(decimal.NewFromFloat(max)) {
		return invalid("target must not exceed %v", max)
	}
	if !target.Mod(twoPlaceStep).IsZero() {
		return invalid("target must have at most two decimals")
	}
	return nil
}
