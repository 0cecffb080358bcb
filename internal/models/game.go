package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SessionState string

const (
	StateActive    SessionState = "ACTIVE"
	StateLost      SessionState = "LOST"
	StateCashedOut SessionState = "CASHED_OUT"
	StateExpired   SessionState = "EXPIRED"
)

func (s SessionState) Terminal() bool {
	return s == StateLost || s == StateCashedOut || s == StateExpired
}

// SeedPair is the public or revealed view of a committed seed.
// ServerSeed stays empty until the pair is retired.
type SeedPair struct {
	ServerSeed     string `json:"server_seed,omitempty"`
	ServerSeedHash string `json:"server_seed_hash"`
	ClientSeed     string `json:"client_seed"`
	Nonce          uint64 `json:"nonce"`
}

// RoundSession is the private, single-writer record of a sequential-reveal round.
type RoundSession struct {
	ID                    string          `json:"id"`
	OwnerID               string          `json:"owner_id"`
	Mode                  GameMode        `json:"mode"`
	State                 SessionState    `json:"state"`
	Stake                 int64           `json:"stake"`
	Currency              string          `json:"currency"`
	AccumulatedMultiplier decimal.Decimal `json:"accumulated_multiplier"`
	RevealedSteps         []int           `json:"revealed_steps"`
	Seed                  SeedPair        `json:"seed"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	EndedAt               time.Time       `json:"ended_at,omitempty"`
}

// RoundResult is the immutable record used for replay verification.
type RoundResult struct {
	RoundID    string          `json:"round_id"`
	OwnerID    string          `json:"owner_id,omitempty"`
	Mode       GameMode        `json:"mode"`
	Seed       SeedPair        `json:"seed"`
	Nonce      uint64          `json:"nonce"`
	Outcome    any             `json:"outcome"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Stake      int64           `json:"stake"`
	Payout     int64           `json:"payout"`
	CreatedAt  time.Time       `json:"created_at"`
}
