package games

import (
	"strings"
	"time"

	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/models"
)

// VerifyRequest carries everything a player needs to replay a finished round
// from revealed material.
type VerifyRequest struct {
	Mode           models.GameMode `json:"mode"`
	ServerSeed     string          `json:"server_seed"`
	ServerSeedHash string          `json:"server_seed_hash,omitempty"`
	ClientSeed     string          `json:"client_seed"`
	Nonce          uint64          `json:"nonce"`
	Params         Params          `json:"params"`
	Stake          int64           `json:"stake,omitempty"`
	Progress       Progress        `json:"progress"`
}

// Verify recomputes a round outcome and its payout. It has no side effects.
func (r *Registry) Verify(req VerifyRequest) (models.RoundResult, error) {
	if req.ServerSeed == "" {
		return models.RoundResult{}, invalid("server seed is required")
	}
	if req.ServerSeedHash != "" && !fairness.VerifyCommitment(req.ServerSeed, strings.ToLower(req.ServerSeedHash)) {
		return models.RoundResult{}, models.NewError(models.CodeVerificationFailed, "server seed does not match commitment")
	}

	g, err := r.Get(req.Mode)
	if err != nil {
		return models.RoundResult{}, err
	}
	if err := g.Validate(req.Params); err != nil {
		return models.RoundResult{}, err
	}

	seeds := fairness.SeedPair{ServerSeed: req.ServerSeed, ClientSeed: req.ClientSeed, Nonce: req.Nonce}
	out, err := g.Resolve(seeds, req.Params)
	if err != nil {
		return models.RoundResult{}, err
	}
	if m, ok := g.(*Mines); ok {
		if err := m.ValidateReveals(req.Params, req.Progress.Reveals); err != nil {
			return models.RoundResult{}, err
		}
	}

	mult := g.Multiplier(req.Params, out, req.Progress)
	return models.RoundResult{
		Mode: req.Mode,
		Seed: models.SeedPair{
			ServerSeed:     req.ServerSeed,
			ServerSeedHash: seeds.Hash(),
			ClientSeed:     req.ClientSeed,
			Nonce:          req.Nonce,
		},
		Nonce:      req.Nonce,
		Outcome:    out,
		Multiplier: mult,
		Stake:      req.Stake,
		Payout:     models.CalculatePayout(req.Stake, mult),
		CreatedAt:  time.Now().UTC(),
	}, nil
}
