package rounds

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fairplay-backend/internal/games"
	"fairplay-backend/internal/ledger"
	"fairplay-backend/internal/models"
)

var roundNamespace = uuid.MustParse("6f1c1f0e-5d0b-4a53-9b8e-3f6f1d8c2a10")

type PlayRequest struct {
	Mode           models.GameMode `json:"mode"`
	Stake          int64           `json:"stake"`
	Currency       string          `json:"currency,omitempty"`
	Params         games.Params    `json:"params"`
	IdempotencyKey string          `json:"-"`
}

type PlayResult struct {
	Result   models.RoundResult `json:"result"`
	Replayed bool               `json:"replayed"`
}

// unsettledPlay is a resolved play whose closing ledger entry failed. It is
// closed later under the same key, never resolved again.
type unsettledPlay struct {
	res        models.RoundResult
	currency   string
	archiveKey string
	flight     string
}

// roundID derives a stable id from the owner and idempotency key so every
// retry of one play closes under the same ledger key.
func roundID(owner, idemKey string) string {
	return uuid.NewSHA1(roundNamespace, []byte(owner+"|"+idemKey)).String()
}

// Play resolves and settles an instant game in one call. A key that was
// already played returns the archived result without playing again.
func (m *Manager) Play(ctx context.Context, owner string, req PlayRequest) (PlayResult, error) {
	if !req.Mode.Instant() {
		return PlayResult{}, models.NewError(models.CodeInvalidInput, fmt.Sprintf("%s is not an instant game", req.Mode))
	}
	if req.IdempotencyKey == "" {
		return PlayResult{}, models.NewError(models.CodeInvalidInput, "idempotency key is required")
	}
	g, err := m.registry.Get(req.Mode)
	if err != nil {
		return PlayResult{}, err
	}
	if err := g.Validate(req.Params); err != nil {
		return PlayResult{}, err
	}
	if err := models.ValidateStake(req.Stake, m.cfg.MinStake, m.cfg.MaxStake); err != nil {
		return PlayResult{}, err
	}
	currency := m.currency(req.Currency)
	archiveKey := "play:" + req.IdempotencyKey

	if m.archive != nil {
		prev, ok, err := m.archive.ByIdempotencyKey(ctx, owner, archiveKey)
		if err != nil {
			return PlayResult{}, models.WrapError(models.CodeStoreUnavailable, "history", err)
		}
		if ok {
			return PlayResult{Result: prev, Replayed: true}, nil
		}
	}

	flight := owner + "|" + req.IdempotencyKey
	m.mu.Lock()
	if m.inflight[flight] {
		m.mu.Unlock()
		return PlayResult{}, models.NewError(models.CodeActiveSessionExists, "a play with this key is in progress")
	}
	m.inflight[flight] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, flight)
		m.mu.Unlock()
	}()

	rid := roundID(owner, req.IdempotencyKey)
	m.mu.Lock()
	parked := m.unsettledPlays[rid]
	m.mu.Unlock()
	if parked != nil {
		if err := m.closePlay(ctx, parked); err != nil {
			return PlayResult{}, err
		}
		return PlayResult{Result: parked.res}, nil
	}

	if _, err := m.vault.Current(owner, req.Mode); err != nil {
		return PlayResult{}, err
	}
	if _, err := m.ledger.Bet(ctx, owner, currency, req.Stake, ledger.BetKey(owner, req.IdempotencyKey), rid); err != nil {
		return PlayResult{}, err
	}

	secret, pub, err := m.vault.Next(owner, req.Mode)
	var out games.Outcome
	if err == nil {
		out, err = g.Resolve(secret, req.Params)
	}
	if err != nil {
		m.logger.Error("failed to resolve play, refunding", "round", rid, "owner", owner, "error", err)
		if rerr := settle(ctx, m.cfg.SettleRetry, func() error {
			_, err := m.ledger.Refund(ctx, owner, currency, req.Stake, ledger.CloseKey(rid), rid)
			return err
		}); rerr != nil {
			m.logger.Error("refund after failed play", "round", rid, "error", rerr)
		}
		return PlayResult{}, err
	}

	mult := g.Multiplier(req.Params, out, games.Progress{})
	payout := models.CalculatePayout(req.Stake, mult)
	p := &unsettledPlay{
		res: models.RoundResult{
			RoundID:    rid,
			OwnerID:    owner,
			Mode:       req.Mode,
			Seed:       pub,
			Nonce:      secret.Nonce,
			Outcome:    out,
			Multiplier: mult,
			Stake:      req.Stake,
			Payout:     payout,
			CreatedAt:  m.now().UTC(),
		},
		currency:   currency,
		archiveKey: archiveKey,
		flight:     flight,
	}
	if err := m.closePlay(ctx, p); err != nil {
		return PlayResult{}, err
	}

	m.logger.Debug("instant play", "round", rid, "owner", owner, "mode", req.Mode, "stake", req.Stake, "payout", payout)
	return PlayResult{Result: p.res}, nil
}

// closePlay writes the win or loss of a resolved play and archives it. A
// close that fails while the store is unavailable stays parked for a retry.
func (m *Manager) closePlay(ctx context.Context, p *unsettledPlay) error {
	res := p.res
	key := ledger.CloseKey(res.RoundID)
	err := settle(ctx, m.cfg.SettleRetry, func() error {
		var err error
		if res.Payout > 0 {
			_, err = m.ledger.Win(ctx, res.OwnerID, p.currency, res.Stake, res.Payout, key, res.RoundID)
		} else {
			_, err = m.ledger.Lose(ctx, res.OwnerID, p.currency, res.Stake, key, res.RoundID)
		}
		return err
	})

	m.mu.Lock()
	if err != nil && (models.IsRetryable(err) || errors.Is(err, ctx.Err())) {
		m.unsettledPlays[res.RoundID] = p
	} else {
		delete(m.unsettledPlays, res.RoundID)
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("failed to settle play", "round", res.RoundID, "owner", res.OwnerID, "payout", res.Payout, "error", err)
		return err
	}

	if m.archive != nil {
		if err := m.archive.Record(ctx, res, p.archiveKey); err != nil {
			m.logger.Error("failed to archive play", "round", res.RoundID, "error", err)
		}
	}
	return nil
}

// retryPlays closes parked plays that no request is currently retrying.
func (m *Manager) retryPlays(ctx context.Context) {
	m.mu.Lock()
	var due []*unsettledPlay
	for _, p := range m.unsettledPlays {
		if !m.inflight[p.flight] {
			m.inflight[p.flight] = true
			due = append(due, p)
		}
	}
	m.mu.Unlock()

	for _, p := range due {
		if err := m.closePlay(ctx, p); err == nil {
			m.logger.Info("parked play settled", "round", p.res.RoundID, "owner", p.res.OwnerID)
		}
		m.mu.Lock()
		delete(m.inflight, p.flight)
		m.mu.Unlock()
	}
}
