// Package games holds the closed set of game modes. Each mode turns a seed
// pair into a raw outcome and prices that outcome as a multiplier.
package games

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/models"
)

// MultiplierPlaces is the precision multipliers are truncated to.
const MultiplierPlaces = 4

// Params are the player's choices for a round. Each mode reads only the
// fields it understands.
type Params struct {
	Cells  int             `json:"cells,omitempty"`
	Mines  int             `json:"mines,omitempty"`
	Target decimal.Decimal `json:"target"`
	Over   bool            `json:"over,omitempty"`
}

// Outcome is the raw, seed-determined result of a round.
type Outcome struct {
	Mode   models.GameMode `json:"mode"`
	Mines  []int           `json:"mines,omitempty"`
	Point  decimal.Decimal `json:"point"`
	Grid   [][]string      `json:"grid,omitempty"`
	Wins   []SlotWin       `json:"wins,omitempty"`
	RawWin decimal.Decimal `json:"raw_win"`
}

// Progress is what the player did with an outcome before settlement.
type Progress struct {
	Reveals   []int           `json:"reveals,omitempty"`
	CashoutAt decimal.Decimal `json:"cashout_at"`
}

type Game interface {
	Mode() models.GameMode
	// Validate rejects bad parameters before any hash is drawn.
	Validate(p Params) error
	Resolve(seeds fairness.SeedPair, p Params) (Outcome, error)
	Multiplier(p Params, o Outcome, pr Progress) decimal.Decimal
}

type Registry struct {
	games  map[models.GameMode]Game
	tuning Tuning
}

func NewRegistry(t Tuning) (*Registry, error) {
	t = t.withDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}

	slots, err := NewSlots(t.Slots, t.HouseEdge(models.GameModeSlots))
	if err != nil {
		return nil, err
	}

	r := &Registry{games: make(map[models.GameMode]Game), tuning: t}
	for _, g := range []Game{
		NewMines(t.HouseEdge(models.GameModeMines)),
		NewCrash(t.HouseEdge(models.GameModeCrash), t.Crash.InstantCrashProbability, t.Crash.MaxMultiplier),
		NewLimbo(t.HouseEdge(models.GameModeLimbo), t.Crash.MaxMultiplier),
		NewDice(t.HouseEdge(models.GameModeDice)),
		slots,
	} {
		r.games[g.Mode()] = g
	}
	return r, nil
}

func (r *Registry) Get(mode models.GameMode) (Game, error) {
	g, ok := r.games[mode]
	if !ok {
		return nil, models.NewError(models.CodeInvalidInput, fmt.Sprintf("unknown game mode: %s", mode))
	}
	return g, nil
}

func (r *Registry) Tuning() Tuning { return r.tuning }

// truncate floors a non-negative rational to MultiplierPlaces decimals.
func truncate(r *big.Rat) decimal.Decimal {
	if r.Sign() <= 0 {
		return decimal.Zero
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(MultiplierPlaces), nil)
	num := new(big.Int).Mul(r.Num(), scale)
	q := new(big.Int).Quo(num, r.Denom())
	return decimal.NewFromBigInt(q, -MultiplierPlaces)
}

func returnFactor(houseEdge float64) *big.Rat {
	edge := decimal.NewFromFloat(houseEdge).Rat()
	return new(big.Rat).Sub(big.NewRat(1, 1), edge)
}

func invalid(format string, args ...any) error {
	return models.NewError(models.CodeInvalidInput, fmt.Sprintf(format, args...))
}
