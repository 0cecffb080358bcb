package games

import (
	"github.com/shopspring/decimal"

	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/models"
)

// Simulation summarises many rounds of one mode played with fixed params.
type Simulation struct {
	Mode          models.GameMode `json:"mode"`
	Rounds        int             `json:"rounds"`
	Wins          int             `json:"wins"`
	TotalStake    int64           `json:"total_stake"`
	TotalPayout   int64           `json:"total_payout"`
	RTP           float64         `json:"rtp"`
	MaxMultiplier decimal.Decimal `json:"max_multiplier"`
}

// Simulate plays rounds nonces of mode on serverSeed and reports the
// realised return to player. Results are reproducible for a given seed.
func (r *Registry) Simulate(mode models.GameMode, p Params, pr Progress, rounds int, stake int64, serverSeed, clientSeed string) (Simulation, error) {
	g, err := r.Get(mode)
	if err != nil {
		return Simulation{}, err
	}
	if m, ok := g.(*Mines); ok {
		p = m.Normalize(p)
		if err := m.ValidateReveals(p, pr.Reveals); err != nil {
			return Simulation{}, err
		}
	}
	if err := g.Validate(p); err != nil {
		return Simulation{}, err
	}
	if rounds <= 0 {
		return Simulation{}, invalid("rounds must be positive, got %d", rounds)
	}
	if stake <= 0 {
		stake = 100
	}

	sim := Simulation{Mode: mode, Rounds: rounds, MaxMultiplier: decimal.Zero}
	for nonce := 0; nonce < rounds; nonce++ {
		out, err := g.Resolve(fairness.SeedPair{ServerSeed: serverSeed, ClientSeed: clientSeed, Nonce: uint64(nonce)}, p)
		if err != nil {
			return Simulation{}, err
		}
		mult := g.Multiplier(p, out, pr)
		payout := models.CalculatePayout(stake, mult)

		sim.TotalStake += stake
		sim.TotalPayout += payout
		if payout > 0 {
			sim.Wins++
		}
		if mult.GreaterThan(sim.MaxMultiplier) {
			sim.MaxMultiplier = mult
		}
	}
	sim.RTP = float64(sim.TotalPayout) / float64(sim.TotalStake)
	return sim, nil
}
