package games

import (
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/models"
)

const (
	DefaultMinesCells = 25
	MaxMinesCells     = 100
)

type Mines struct {
	houseEdge float64
}

func NewMines(houseEdge float64) *Mines {
	return &Mines{houseEdge: houseEdge}
}

func (g *Mines) Mode() models.GameMode { return models.GameModeMines }

// Normalize fills the default grid size.
func (g *Mines) Normalize(p Params) Params {
	if p.Cells == 0 {
		p.Cells = DefaultMinesCells
	}
	return p
}

func (g *Mines) Validate(p Params) error {
	p = g.Normalize(p)
	if p.Cells < 2 || p.Cells > MaxMinesCells {
		return invalid("cells must be in [2, %d], got %d", MaxMinesCells, p.Cells)
	}
	if p.Mines < 1 || p.Mines >= p.Cells {
		return invalid("mines must be in [1, %d], got %d", p.Cells-1, p.Mines)
	}
	return nil
}

func (g *Mines) Resolve(seeds fairness.SeedPair, p Params) (Outcome, error) {
	p = g.Normalize(p)
	if err := g.Validate(p); err != nil {
		return Outcome{}, err
	}
	mines, err := SampleWithoutReplacement(seeds.Stream(), p.Cells, p.Mines)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Mode: models.GameModeMines, Mines: mines}, nil
}

// Multiplier is zero once any reveal hits a mine.
func (g *Mines) Multiplier(p Params, o Outcome, pr Progress) decimal.Decimal {
	p = g.Normalize(p)
	hit := make(map[int]bool, len(o.Mines))
	for _, m := range o.Mines {
		hit[m] = true
	}
	for _, r := range pr.Reveals {
		if hit[r] {
			return decimal.Zero
		}
	}
	return MinesMultiplier(p.Cells, p.Mines, len(pr.Reveals), g.houseEdge)
}

// ValidateReveals rejects out-of-range and repeated cells.
func (g *Mines) ValidateReveals(p Params, reveals []int) error {
	p = g.Normalize(p)
	seen := make(map[int]bool, len(reveals))
	for _, c := range reveals {
		if c < 0 || c >= p.Cells {
			return invalid("cell %d out of range [0, %d)", c, p.Cells)
		}
		if seen[c] {
			return invalid("cell %d already revealed", c)
		}
		seen[c] = true
	}
	return nil
}

// SampleWithoutReplacement draws k distinct indices from [0, n) by picking
// from the shrinking set of remaining indices. The result is sorted.
func SampleWithoutReplacement(s *fairness.Stream, n, k int) ([]int, error) {
	if k < 0 || k > n {
		return nil, invalid("cannot draw %d of %d", k, n)
	}
	remaining := make([]int, n)
	for i := range remaining {
		remaining[i] = i
	}
	out := make([]int, 0, k)
	for len(out) < k {
		j, err := s.UniformInt(uint32(len(remaining)))
		if err != nil {
			return nil, err
		}
		out = append(out, remaining[j])
		last := len(remaining) - 1
		remaining[j] = remaining[last]
		remaining = remaining[:last]
	}
	sort.Ints(out)
	return out, nil
}

// MinesMultiplier prices r safe reveals on an n-cell grid with k mines:
// (1-edge) / P(r safe reveals), truncated to four decimals.
func MinesMultiplier(n, k, r int, houseEdge float64) decimal.Decimal {
	safe := n - k
	if r > safe || r < 0 || k < 0 || n <= 0 {
		return decimal.Zero
	}
	m := returnFactor(houseEdge)
	for i := 0; i < r; i++ {
		m.Mul(m, big.NewRat(int64(n-i), int64(safe-i)))
	}
	return truncate(m)
}
