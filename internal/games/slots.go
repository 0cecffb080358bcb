package games

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/models"
)

type SlotWin struct {
	Row        int             `json:"row,omitempty"`
	Symbol     string          `json:"symbol"`
	Count      int             `json:"count"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Scatter    bool            `json:"scatter,omitempty"`
}

// Slots lays out a rows x cols grid from a weighted symbol table. Every row
// is a payline paying left-to-right runs; scatter symbols pay by count
// anywhere on the grid. The aggregate is multiplied by one scale factor.
type Slots struct {
	rows, cols  int
	symbols     []SlotSymbol
	cumulative  []uint32
	total       uint32
	scatterPays map[int]float64
	scale       decimal.Decimal
}

func NewSlots(t SlotsTuning, houseEdge float64) (*Slots, error) {
	if t.Rows < 1 || t.Cols < 3 {
		return nil, fmt.Errorf("slots grid must be at least 1x3, got %dx%d", t.Rows, t.Cols)
	}
	if len(t.Symbols) == 0 {
		return nil, fmt.Errorf("slots need at least one symbol")
	}

	s := &Slots{
		rows:        t.Rows,
		cols:        t.Cols,
		symbols:     t.Symbols,
		cumulative:  make([]uint32, len(t.Symbols)),
		scatterPays: t.ScatterPays,
	}
	var total uint64
	for i, sym := range t.Symbols {
		if sym.Weight == 0 {
			return nil, fmt.Errorf("symbol %q has zero weight", sym.Name)
		}
		total += uint64(sym.Weight)
		if total > math.MaxUint32 {
			return nil, fmt.Errorf("symbol weights overflow")
		}
		s.cumulative[i] = uint32(total)
	}
	s.total = uint32(total)

	switch {
	case t.Scale > 0:
		s.scale = decimal.NewFromFloat(t.Scale)
	case t.TargetRTP > 0:
		raw := s.ExpectedRawReturn()
		if raw <= 0 {
			return nil, fmt.Errorf("slots paytable never pays")
		}
		s.scale = decimal.NewFromFloat(t.TargetRTP / raw).Truncate(8)
	default:
		// no explicit target: price the table at 1-edge
		s.scale = decimal.NewFromFloat((1 - houseEdge) / s.ExpectedRawReturn()).Truncate(8)
	}
	return s, nil
}

func (g *Slots) Mode() models.GameMode { return models.GameModeSlots }

func (g *Slots) Scale() decimal.Decimal { return g.scale }

func (g *Slots) Validate(Params) error { return nil }

// symbolAt binary-searches the cumulative index for the first bucket above x.
func (g *Slots) symbolAt(x uint32) int {
	return sort.Search(len(g.cumulative), func(i int) bool { return g.cumulative[i] > x })
}

func (g *Slots) Resolve(seeds fairness.SeedPair, _ Params) (Outcome, error) {
	stream := seeds.Stream()
	idx := make([][]int, g.rows)
	grid := make([][]string, g.rows)
	for r := 0; r < g.rows; r++ {
		idx[r] = make([]int, g.cols)
		grid[r] = make([]string, g.cols)
		for c := 0; c < g.cols; c++ {
			x, err := stream.UniformInt(g.total)
			if err != nil {
				return Outcome{}, err
			}
			idx[r][c] = g.symbolAt(x)
			grid[r][c] = g.symbols[idx[r][c]].Name
		}
	}

	wins, raw := g.evaluate(idx)
	return Outcome{Mode: models.GameModeSlots, Grid: grid, Wins: wins, RawWin: raw}, nil
}

func (g *Slots) evaluate(idx [][]int) ([]SlotWin, decimal.Decimal) {
	var wins []SlotWin
	raw := decimal.Zero

	scatters := 0
	for r, row := range idx {
		for _, i := range row {
			if g.symbols[i].Scatter {
				scatters++
			}
		}

		first := g.symbols[row[0]]
		if first.Scatter {
			continue
		}
		run := 1
		for run < len(row) && row[run] == row[0] {
			run++
		}
		if pay, ok := first.Pays[run]; ok && pay > 0 {
			m := decimal.NewFromFloat(pay)
			wins = append(wins, SlotWin{Row: r, Symbol: first.Name, Count: run, Multiplier: m})
			raw = raw.Add(m)
		}
	}

	if pay := g.scatterPay(scatters); pay > 0 {
		m := decimal.NewFromFloat(pay)
		wins = append(wins, SlotWin{Symbol: g.scatterName(), Count: scatters, Multiplier: m, Scatter: true})
		raw = raw.Add(m)
	}
	return wins, raw
}

// scatterPay uses the highest configured count not above n.
func (g *Slots) scatterPay(n int) float64 {
	best, bestCount := 0.0, 0
	for count, pay := range g.scatterPays {
		if count <= n && count > bestCount {
			best, bestCount = pay, count
		}
	}
	return best
}

func (g *Slots) scatterName() string {
	for _, s := range g.symbols {
		if s.Scatter {
			return s.Name
		}
	}
	return ""
}

// Multiplier applies the scale once, to the summed win.
func (g *Slots) Multiplier(_ Params, o Outcome, _ Progress) decimal.Decimal {
	if o.RawWin.Sign() <= 0 {
		return decimal.Zero
	}
	return o.RawWin.Mul(g.scale).Truncate(MultiplierPlaces)
}

// ExpectedRawReturn is the exact expected aggregate win per unit stake
// before scaling.
func (g *Slots) ExpectedRawReturn() float64 {
	total := float64(g.total)
	var line float64
	var scatterP float64
	for _, sym := range g.symbols {
		p := float64(sym.Weight) / total
		if sym.Scatter {
			scatterP += p
			continue
		}
		for run := 1; run <= g.cols; run++ {
			pay := sym.Pays[run]
			if pay == 0 {
				continue
			}
			prob := math.Pow(p, float64(run))
			if run < g.cols {
				prob *= 1 - p
			}
			line += pay * prob
		}
	}

	cells := g.rows * g.cols
	var scatter float64
	for n := 0; n <= cells; n++ {
		pay := g.scatterPay(n)
		if pay == 0 {
			continue
		}
		scatter += pay * binomial(cells, n) * math.Pow(scatterP, float64(n)) * math.Pow(1-scatterP, float64(cells-n))
	}
	return float64(g.rows)*line + scatter
}

func binomial(n, k int) float64 {
	r := 1.0
	for i := 1; i <= k; i++ {
		r = r * float64(n-k+i) / float64(i)
	}
	return r
}
