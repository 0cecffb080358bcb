package rounds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/games"
	"fairplay-backend/internal/ledger"
	"fairplay-backend/internal/models"
)

const (
	DefaultRetention   = 10 * time.Minute
	defaultSettleRetry = 3 * time.Second
)

type Config struct {
	Currency  string
	MinStake  int64
	MaxStake  int64
	Retention time.Duration
	// SettleRetry bounds how long a close is retried while the ledger store
	// is unavailable.
	SettleRetry time.Duration
}

type StartRequest struct {
	Mode           models.GameMode `json:"mode"`
	Stake          int64           `json:"stake"`
	Currency       string          `json:"currency,omitempty"`
	Params         games.Params    `json:"params"`
	IdempotencyKey string          `json:"-"`
}

type StartReceipt struct {
	SessionID      string          `json:"session_id"`
	Mode           models.GameMode `json:"mode"`
	Stake          int64           `json:"stake"`
	ServerSeedHash string          `json:"server_seed_hash"`
	ClientSeed     string          `json:"client_seed"`
	Nonce          uint64          `json:"nonce"`
}

// StepResult is returned by Advance and Settle. Mines, Result and the
// revealed server seed in Session.Seed are only set once the session ends.
type StepResult struct {
	Session models.RoundSession `json:"session"`
	Mines   []int               `json:"mines,omitempty"`
	Payout  int64               `json:"payout"`
	Result  *models.RoundResult `json:"result,omitempty"`
}

type slotKey struct {
	owner string
	mode  models.GameMode
}

type session struct {
	mu      sync.Mutex
	rec     models.RoundSession
	params  games.Params
	outcome games.Outcome
	secret  fairness.SeedPair
	idemKey string
	receipt StartReceipt
	// unsettled marks a terminal session whose closing ledger entry has not
	// been written yet.
	unsettled bool
	closeKind models.EntryKind
	payout    int64
}

// Manager owns multi-step sessions and instant plays. The manager mutex
// only guards the maps; each session is serialized by its own mutex, and a
// session mutex is always taken before the manager mutex.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	slots    map[slotKey]string
	byIdem   map[string]string
	inflight map[string]bool
	// unsettledPlays holds instant plays whose close failed, by round id.
	unsettledPlays map[string]*unsettledPlay

	registry *games.Registry
	vault    *fairness.Vault
	ledger   Ledger
	archive  Archive
	cfg      Config
	now      Clock
	logger   *slog.Logger
}

func NewManager(registry *games.Registry, vault *fairness.Vault, l Ledger, archive Archive, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.MinStake <= 0 {
		cfg.MinStake = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SettleRetry <= 0 {
		cfg.SettleRetry = defaultSettleRetry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*session),
		slots:    make(map[slotKey]string),
		byIdem:   make(map[string]string),
		inflight: make(map[string]bool),
		registry: registry,
		vault:    vault,
		ledger:   l,
		archive:  archive,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With("component", "rounds"),

		unsettledPlays: make(map[string]*unsettledPlay),
	}
}

// SetClock replaces the wall clock, for tests.
func (m *Manager) SetClock(c Clock) { m.now = c }

func (m *Manager) currency(c string) string {
	if c == "" {
		return m.cfg.Currency
	}
	return c
}

// Start opens a sequential-reveal session: validate, reserve the owner's
// slot for the mode, debit the stake, then draw seeds and resolve.
func (m *Manager) Start(ctx context.Context, owner string, req StartRequest) (StartReceipt, error) {
	if !req.Mode.Sequential() {
		return StartReceipt{}, models.NewError(models.CodeInvalidInput, fmt.Sprintf("%s is not a multi-step game", req.Mode))
	}
	if req.IdempotencyKey == "" {
		return StartReceipt{}, models.NewError(models.CodeInvalidInput, "idempotency key is required")
	}
	g, err := m.registry.Get(req.Mode)
	if err != nil {
		return StartReceipt{}, err
	}
	if mines, ok := g.(*games.Mines); ok {
		req.Params = mines.Normalize(req.Params)
	}
	if err := g.Validate(req.Params); err != nil {
		return StartReceipt{}, err
	}
	if err := models.ValidateStake(req.Stake, m.cfg.MinStake, m.cfg.MaxStake); err != nil {
		return StartReceipt{}, err
	}
	currency := m.currency(req.Currency)

	sid := models.GenerateSessionID()
	slot := slotKey{owner, req.Mode}
	idem := owner + "|" + req.IdempotencyKey

	m.mu.Lock()
	if existing, ok := m.byIdem[idem]; ok {
		s := m.sessions[existing]
		m.mu.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.receipt, nil
	}
	if _, taken := m.slots[slot]; taken {
		m.mu.Unlock()
		return StartReceipt{}, models.NewError(models.CodeActiveSessionExists, fmt.Sprintf("%s already has an open %s round", owner, req.Mode))
	}
	m.slots[slot] = sid
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		if m.slots[slot] == sid {
			delete(m.slots, slot)
		}
		m.mu.Unlock()
	}

	// the commitment exists before any money moves
	if _, err := m.vault.Current(owner, req.Mode); err != nil {
		release()
		return StartReceipt{}, err
	}
	entry, err := m.ledger.Bet(ctx, owner, currency, req.Stake, ledger.BetKey(owner, req.IdempotencyKey), sid)
	if err != nil {
		release()
		return StartReceipt{}, err
	}
	if entry.Reference != sid {
		// An earlier attempt debited under this key. If that round was never
		// closed it is adopted; otherwise the key is spent.
		if _, err := m.ledger.Entry(ctx, ledger.CloseKey(entry.Reference)); !errors.Is(err, models.ErrEntryNotFound) {
			release()
			if err != nil {
				return StartReceipt{}, err
			}
			return StartReceipt{}, models.NewError(models.CodeDuplicateTx, "idempotency key already used")
		}
		m.mu.Lock()
		if m.slots[slot] == sid {
			m.slots[slot] = entry.Reference
		}
		m.mu.Unlock()
		sid = entry.Reference
	}

	secret, pub, err := m.vault.Next(owner, req.Mode)
	var outcome games.Outcome
	if err == nil {
		outcome, err = g.Resolve(secret, req.Params)
	}
	if err != nil {
		m.logger.Error("failed to resolve round, refunding", "session", sid, "owner", owner, "error", err)
		if rerr := settle(ctx, m.cfg.SettleRetry, func() error {
			_, err := m.ledger.Refund(ctx, owner, currency, req.Stake, ledger.CloseKey(sid), sid)
			return err
		}); rerr != nil {
			m.logger.Error("refund after failed start", "session", sid, "error", rerr)
		}
		release()
		return StartReceipt{}, err
	}

	now := m.now().UTC()
	s := &session{
		rec: models.RoundSession{
			ID:                    sid,
			OwnerID:               owner,
			Mode:                  req.Mode,
			State:                 models.StateActive,
			Stake:                 req.Stake,
			Currency:              currency,
			AccumulatedMultiplier: decimal.Zero,
			RevealedSteps:         []int{},
			Seed:                  pub,
			CreatedAt:             now,
			UpdatedAt:             now,
		},
		params:  req.Params,
		outcome: outcome,
		secret:  secret,
		idemKey: req.IdempotencyKey,
		receipt: StartReceipt{
			SessionID:      sid,
			Mode:           req.Mode,
			Stake:          req.Stake,
			ServerSeedHash: pub.ServerSeedHash,
			ClientSeed:     pub.ClientSeed,
			Nonce:          pub.Nonce,
		},
	}

	m.mu.Lock()
	m.sessions[sid] = s
	m.byIdem[idem] = sid
	m.mu.Unlock()

	m.logger.Info("session started", "session", sid, "owner", owner, "mode", req.Mode, "stake", req.Stake, "nonce", pub.Nonce)
	return s.receipt, nil
}

// Advance reveals one cell. Rejected requests leave the session untouched.
func (m *Manager) Advance(ctx context.Context, owner, sid string, cell int) (StepResult, error) {
	s, err := m.lookup(owner, sid)
	if err != nil {
		return StepResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkOpen(s, owner); err != nil {
		return StepResult{}, err
	}
	if cell < 0 || cell >= s.params.Cells {
		return StepResult{}, models.NewError(models.CodeInvalidInput, fmt.Sprintf("cell %d out of range [0, %d)", cell, s.params.Cells))
	}
	for _, c := range s.rec.RevealedSteps {
		if c == cell {
			return StepResult{}, models.NewError(models.CodeInvalidInput, fmt.Sprintf("cell %d already revealed", cell))
		}
	}

	g, err := m.registry.Get(s.rec.Mode)
	if err != nil {
		return StepResult{}, err
	}
	reveals := append(append([]int{}, s.rec.RevealedSteps...), cell)
	mult := g.Multiplier(s.params, s.outcome, games.Progress{Reveals: reveals})

	if mult.IsZero() {
		s.rec.RevealedSteps = reveals
		s.rec.AccumulatedMultiplier = decimal.Zero
		m.finish(ctx, s, models.StateLost, models.EntryLoss, 0)
		return m.result(s), nil
	}
	if len(reveals) == s.params.Cells-s.params.Mines {
		// the last safe cell only counts once its payout is credited
		if err := m.cashOut(ctx, s, reveals, mult); err != nil {
			return StepResult{}, err
		}
		return m.result(s), nil
	}

	s.rec.RevealedSteps = reveals
	s.rec.AccumulatedMultiplier = mult
	s.rec.UpdatedAt = m.now().UTC()
	return StepResult{Session: s.rec}, nil
}

// Settle cashes out an active session at its current multiplier.
func (m *Manager) Settle(ctx context.Context, owner, sid string) (StepResult, error) {
	s, err := m.lookup(owner, sid)
	if err != nil {
		return StepResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkOpen(s, owner); err != nil {
		return StepResult{}, err
	}
	if len(s.rec.RevealedSteps) == 0 {
		return StepResult{}, models.NewError(models.CodeNothingToSettle, "reveal at least one cell first")
	}
	if err := m.cashOut(ctx, s, s.rec.RevealedSteps, s.rec.AccumulatedMultiplier); err != nil {
		return StepResult{}, err
	}
	return m.result(s), nil
}

// cashOut credits the win at mult first and only then records reveals and
// closes the session, so a failed credit leaves the session exactly as it
// was for another attempt.
func (m *Manager) cashOut(ctx context.Context, s *session, reveals []int, mult decimal.Decimal) error {
	payout := models.CalculatePayout(s.rec.Stake, mult)
	err := settle(ctx, m.cfg.SettleRetry, func() error {
		_, err := m.ledger.Win(ctx, s.rec.OwnerID, s.rec.Currency, s.rec.Stake, payout, ledger.CloseKey(s.rec.ID), s.rec.ID)
		return err
	})
	if errors.Is(err, models.ErrDuplicateTx) {
		// closed elsewhere, most likely refunded by recovery
		m.finish(ctx, s, models.StateExpired, "", 0)
		return models.NewError(models.CodeAlreadyTerminal, "session was closed before settlement")
	}
	if err != nil {
		return err
	}
	s.rec.RevealedSteps = reveals
	s.rec.AccumulatedMultiplier = mult
	m.finish(ctx, s, models.StateCashedOut, "", payout)
	return nil
}

// finish moves s to a terminal state, reveals its seed, archives the result
// and frees the owner's slot. A non-empty closeKind is written to the ledger
// here; the caller has already written it otherwise.
func (m *Manager) finish(ctx context.Context, s *session, state models.SessionState, closeKind models.EntryKind, payout int64) {
	now := m.now().UTC()
	s.rec.State = state
	s.rec.UpdatedAt = now
	s.rec.EndedAt = now
	s.payout = payout

	if closeKind != "" {
		s.closeKind = closeKind
		if err := m.writeClose(ctx, s); err != nil {
			s.unsettled = true
			m.logger.Error("failed to close session in ledger, will retry", "session", s.rec.ID, "kind", closeKind, "error", err)
		}
	}

	if _, err := m.vault.RetireIf(s.rec.OwnerID, s.rec.Mode, s.rec.Seed.ServerSeedHash); err != nil {
		m.logger.Error("failed to rotate seed", "session", s.rec.ID, "error", err)
	}
	s.rec.Seed.ServerSeed = s.secret.ServerSeed

	if m.archive != nil {
		res := m.roundResult(s)
		if err := m.archive.Record(ctx, res, "session:"+s.idemKey); err != nil {
			m.logger.Error("failed to archive session", "session", s.rec.ID, "error", err)
		}
		if err := m.archive.RevealSeed(ctx, s.rec.OwnerID, s.rec.Seed.ServerSeedHash, s.secret.ServerSeed); err != nil {
			m.logger.Error("failed to reveal archived seed", "session", s.rec.ID, "error", err)
		}
	}

	m.mu.Lock()
	slot := slotKey{s.rec.OwnerID, s.rec.Mode}
	if m.slots[slot] == s.rec.ID {
		delete(m.slots, slot)
	}
	m.mu.Unlock()

	m.logger.Info("session closed", "session", s.rec.ID, "owner", s.rec.OwnerID, "state", state, "payout", payout)
}

func (m *Manager) writeClose(ctx context.Context, s *session) error {
	err := settle(ctx, m.cfg.SettleRetry, func() error {
		var err error
		switch s.closeKind {
		case models.EntryLoss:
			_, err = m.ledger.Lose(ctx, s.rec.OwnerID, s.rec.Currency, s.rec.Stake, ledger.CloseKey(s.rec.ID), s.rec.ID)
		case models.EntryRefund:
			_, err = m.ledger.Refund(ctx, s.rec.OwnerID, s.rec.Currency, s.rec.Stake, ledger.CloseKey(s.rec.ID), s.rec.ID)
		default:
			err = fmt.Errorf("unexpected close kind %s", s.closeKind)
		}
		return err
	})
	if err == nil {
		s.unsettled = false
	}
	return err
}

func (m *Manager) roundResult(s *session) models.RoundResult {
	return models.RoundResult{
		RoundID:    s.rec.ID,
		OwnerID:    s.rec.OwnerID,
		Mode:       s.rec.Mode,
		Seed:       s.rec.Seed,
		Nonce:      s.rec.Seed.Nonce,
		Outcome:    s.outcome,
		Multiplier: s.rec.AccumulatedMultiplier,
		Stake:      s.rec.Stake,
		Payout:     s.payout,
		CreatedAt:  s.rec.EndedAt,
	}
}

func (m *Manager) result(s *session) StepResult {
	res := m.roundResult(s)
	return StepResult{
		Session: s.rec,
		Mines:   s.outcome.Mines,
		Payout:  s.payout,
		Result:  &res,
	}
}

func (m *Manager) lookup(owner, sid string) (*session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sid]
	m.mu.Unlock()
	if !ok {
		return nil, models.NewError(models.CodeSessionNotFound, sid)
	}
	return s, nil
}

func checkOpen(s *session, owner string) error {
	if s.rec.OwnerID != owner {
		return models.NewError(models.CodeNotOwner, s.rec.ID)
	}
	if s.rec.State.Terminal() {
		return models.NewError(models.CodeAlreadyTerminal, fmt.Sprintf("session is %s", s.rec.State))
	}
	return nil
}

// Get returns the caller's view of a session.
func (m *Manager) Get(owner, sid string) (models.RoundSession, error) {
	s, err := m.lookup(owner, sid)
	if err != nil {
		return models.RoundSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.OwnerID != owner {
		return models.RoundSession{}, models.NewError(models.CodeNotOwner, sid)
	}
	return s.rec, nil
}

// Active lists the owner's open sessions, oldest first.
func (m *Manager) Active(owner string) []models.RoundSession {
	out := []models.RoundSession{}
	for _, s := range m.snapshot() {
		s.mu.Lock()
		if s.rec.OwnerID == owner && !s.rec.State.Terminal() {
			out = append(out, s.rec)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RotateSeed reveals the owner's server seed for mode and commits a new one.
// It is refused while a session is still playing on the current seed.
func (m *Manager) RotateSeed(ctx context.Context, owner string, mode models.GameMode, clientSeed string) (revealed, next models.SeedPair, err error) {
	m.mu.Lock()
	_, busy := m.slots[slotKey{owner, mode}]
	m.mu.Unlock()
	if busy {
		return models.SeedPair{}, models.SeedPair{}, models.NewError(models.CodeActiveSessionExists, "finish the open round before rotating seeds")
	}

	revealed, next, err = m.vault.Rotate(owner, mode, clientSeed)
	if err != nil {
		return models.SeedPair{}, models.SeedPair{}, err
	}
	if m.archive != nil {
		if err := m.archive.RevealSeed(ctx, owner, revealed.ServerSeedHash, revealed.ServerSeed); err != nil {
			m.logger.Error("failed to reveal archived seed", "owner", owner, "mode", mode, "error", err)
		}
	}
	m.logger.Info("seed rotated", "owner", owner, "mode", mode, "revealed_hash", revealed.ServerSeedHash)
	return revealed, next, nil
}

// Recover expires sessions idle for longer than maxAge and refunds their
// stake under the same close key a settlement would use, so at most one of
// the two ever lands. It also retries session and play closes that failed
// earlier and prunes terminal sessions past the retention window. It
// returns the number of sessions expired.
func (m *Manager) Recover(ctx context.Context, maxAge time.Duration) int {
	now := m.now().UTC()
	expired := 0

	for _, s := range m.snapshot() {
		s.mu.Lock()
		switch {
		case !s.rec.State.Terminal() && now.Sub(s.rec.UpdatedAt) >= maxAge:
			m.logger.Warn("expiring stale session", "session", s.rec.ID, "owner", s.rec.OwnerID, "idle", now.Sub(s.rec.UpdatedAt))
			m.finish(ctx, s, models.StateExpired, models.EntryRefund, 0)
			expired++
		case s.unsettled:
			if err := m.writeClose(ctx, s); err != nil {
				if errors.Is(err, models.ErrDuplicateTx) {
					s.unsettled = false
				}
				m.logger.Error("retrying session close failed", "session", s.rec.ID, "error", err)
			}
		}
		s.mu.Unlock()
	}

	m.retryPlays(ctx)
	m.prune(now)
	return expired
}

func (m *Manager) prune(now time.Time) {
	var stale []*session
	for _, s := range m.snapshot() {
		s.mu.Lock()
		if s.rec.State.Terminal() && !s.unsettled && now.Sub(s.rec.EndedAt) >= m.cfg.Retention {
			stale = append(stale, s)
		}
		s.mu.Unlock()
	}
	if len(stale) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range stale {
		delete(m.sessions, s.rec.ID)
		delete(m.byIdem, s.rec.OwnerID+"|"+s.idemKey)
	}
}

// RunRecovery calls Recover every interval until ctx is done.
func (m *Manager) RunRecovery(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Recover(ctx, maxAge); n > 0 {
				m.logger.Info("recovery pass expired sessions", "count", n)
			}
		}
	}
}

func (m *Manager) snapshot() []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
