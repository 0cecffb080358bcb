package rounds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/games"
	"fairplay-backend/internal/ledger"
	"fairplay-backend/internal/models"
)

type Phase string

const (
	PhaseWaiting  Phase = "WAITING"
	PhaseStarting Phase = "STARTING"
	PhaseRunning  Phase = "RUNNING"
	PhaseResolved Phase = "RESOLVED"
)

const (
	DefaultCrashRoom   = "crash"
	DefaultGrowthRate  = 0.00006 // per ms: 2x after roughly 11.5s
	crashHistoryLength = 20
)

// Crash room event types.
const (
	EventRoundOpen   = "ROUND_OPEN"
	EventStarting    = "ROUND_STARTING"
	EventRunning     = "ROUND_RUNNING"
	EventTick        = "TICK"
	EventBetPlaced   = "BET_PLACED"
	EventCashedOut   = "CASHED_OUT"
	EventCrashed     = "CRASHED"
	EventRoundVoided = "ROUND_VOIDED"
)

type CrashConfig struct {
	Room          string
	Currency      string
	Salt          string
	BettingWindow time.Duration
	StartingDelay time.Duration
	ResolvedPause time.Duration
	TickInterval  time.Duration
	GrowthRate    float64
	MinStake      int64
	MaxStake      int64
	SettleRetry   time.Duration
}

func (c CrashConfig) withDefaults() CrashConfig {
	if c.Room == "" {
		c.Room = DefaultCrashRoom
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.Salt == "" {
		c.Salt = "fairplay-crash"
	}
	if c.BettingWindow <= 0 {
		c.BettingWindow = 5 * time.Second
	}
	if c.StartingDelay <= 0 {
		c.StartingDelay = time.Second
	}
	if c.ResolvedPause <= 0 {
		c.ResolvedPause = 3 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.GrowthRate <= 0 {
		c.GrowthRate = DefaultGrowthRate
	}
	if c.MinStake <= 0 {
		c.MinStake = 1
	}
	if c.SettleRetry <= 0 {
		c.SettleRetry = defaultSettleRetry
	}
	return c
}

type crashBet struct {
	owner       string
	currency    string
	stake       int64
	autoCashout decimal.Decimal
	betKey      string
	confirmed   bool
	cashedOut   bool
	cashoutAt   decimal.Decimal
	payout      int64
	settled     bool
}

type CrashBetView struct {
	Owner       string          `json:"owner"`
	Stake       int64           `json:"stake"`
	AutoCashout decimal.Decimal `json:"auto_cashout,omitempty"`
	CashedOut   bool            `json:"cashed_out"`
	CashoutAt   decimal.Decimal `json:"cashout_at,omitempty"`
	Payout      int64           `json:"payout,omitempty"`
}

type CrashRoundSummary struct {
	Round          uint64          `json:"round"`
	RoundID        string          `json:"round_id"`
	CrashPoint     decimal.Decimal `json:"crash_point"`
	ServerSeed     string          `json:"server_seed"`
	ServerSeedHash string          `json:"server_seed_hash"`
}

// CrashState is the room snapshot handed to subscribers. The crash point
// and server seed are only filled in once the round has resolved.
type CrashState struct {
	Round          uint64              `json:"round"`
	RoundID        string              `json:"round_id"`
	Phase          Phase               `json:"phase"`
	ServerSeedHash string              `json:"server_seed_hash"`
	ClientSeed     string              `json:"client_seed"`
	Nonce          uint64              `json:"nonce"`
	Multiplier     decimal.Decimal     `json:"multiplier"`
	CrashPoint     *decimal.Decimal    `json:"crash_point,omitempty"`
	ServerSeed     string              `json:"server_seed,omitempty"`
	PhaseEndsAt    *time.Time          `json:"phase_ends_at,omitempty"`
	Bets           []CrashBetView      `json:"bets"`
	History        []CrashRoundSummary `json:"history"`
}

type CrashBetReceipt struct {
	Round          uint64 `json:"round"`
	RoundID        string `json:"round_id"`
	Stake          int64  `json:"stake"`
	ServerSeedHash string `json:"server_seed_hash"`
}

type CashoutResult struct {
	RoundID    string          `json:"round_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     int64           `json:"payout"`
}

// ledgerOp is a wallet effect computed under the room lock and applied
// after it is released.
type ledgerOp struct {
	kind    models.EntryKind
	bet     crashBet
	roundID string
}

// CrashRoom is the shared continuous crash game. A single ticker drives the
// phases; bets and cash-outs race against it under one lock.
type CrashRoom struct {
	mu sync.Mutex

	cfg     CrashConfig
	game    *games.Crash
	ledger  Ledger
	pub     Publisher
	archive Archive
	logger  *slog.Logger
	now     Clock
	newSeed func() (string, error)

	phase      Phase
	phaseAt    time.Time
	round      uint64
	roundID    string
	serverSeed string
	hash       string
	point      decimal.Decimal
	bets       map[string]*crashBet
	history    []CrashRoundSummary
	// unsettled holds wallet effects that failed, by close key, until a
	// later tick lands them.
	unsettled map[string]ledgerOp
}

type CrashOption func(*CrashRoom)

func WithCrashClock(c Clock) CrashOption {
	return func(r *CrashRoom) { r.now = c }
}

func WithCrashSeedSource(f func() (string, error)) CrashOption {
	return func(r *CrashRoom) { r.newSeed = f }
}

func NewCrashRoom(game *games.Crash, l Ledger, pub Publisher, archive Archive, cfg CrashConfig, logger *slog.Logger, opts ...CrashOption) (*CrashRoom, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CrashRoom{
		cfg:     cfg.withDefaults(),
		game:    game,
		ledger:  l,
		pub:     pub,
		archive: archive,
		now:     time.Now,
		newSeed: fairness.NewServerSeed,

		unsettled: make(map[string]ledgerOp),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.With("component", "crash", "room", r.cfg.Room)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.openRoundLocked(r.now()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *CrashRoom) Name() string { return r.cfg.Room }

// Run drives the room until ctx is done, then voids the round in play.
func (r *CrashRoom) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Void(context.Background(), "shutdown")
			return
		case <-ticker.C:
			r.Tick(ctx, r.now())
		}
	}
}

// Tick advances the room to now. It is deterministic given the clock and
// seed source, so tests drive it directly. Outside a running round it also
// retries wallet effects that failed earlier.
func (r *CrashRoom) Tick(ctx context.Context, now time.Time) {
	r.mu.Lock()
	ops, results := r.stepLocked(now)
	retry := r.phase != PhaseRunning && len(r.unsettled) > 0
	r.mu.Unlock()

	r.apply(ctx, ops)
	r.record(ctx, results)
	if retry {
		r.Reconcile(ctx)
	}
}

// Reconcile retries every failed wallet effect once under its original
// close key and returns how many are still outstanding.
func (r *CrashRoom) Reconcile(ctx context.Context) int {
	r.mu.Lock()
	ops := make([]ledgerOp, 0, len(r.unsettled))
	for _, op := range r.unsettled {
		ops = append(ops, op)
	}
	r.mu.Unlock()

	for _, op := range ops {
		if err := r.settleWithin(ctx, op, r.cfg.TickInterval); err == nil {
			r.logger.Info("crash bet settled on retry", "owner", op.bet.owner, "kind", op.kind, "round", op.roundID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unsettled)
}

func (r *CrashRoom) stepLocked(now time.Time) ([]ledgerOp, []models.RoundResult) {
	elapsed := now.Sub(r.phaseAt)
	switch r.phase {
	case PhaseWaiting:
		if elapsed >= r.cfg.BettingWindow {
			r.setPhaseLocked(PhaseStarting, now, EventStarting, nil)
		}

	case PhaseStarting:
		if elapsed >= r.cfg.StartingDelay {
			r.setPhaseLocked(PhaseRunning, now, EventRunning, nil)
		}

	case PhaseRunning:
		current := r.multiplierLocked(now)
		var ops []ledgerOp

		owners := make([]string, 0, len(r.bets))
		for owner := range r.bets {
			owners = append(owners, owner)
		}
		sort.Strings(owners)
		for _, owner := range owners {
			b := r.bets[owner]
			if !b.confirmed || b.cashedOut || b.autoCashout.IsZero() {
				continue
			}
			if current.GreaterThanOrEqual(b.autoCashout) && b.autoCashout.LessThanOrEqual(r.point) {
				r.cashOutLocked(b, b.autoCashout)
				ops = append(ops, ledgerOp{kind: models.EntryWin, bet: *b, roundID: r.roundID})
			}
		}

		if current.GreaterThanOrEqual(r.point) {
			var results []models.RoundResult
			for _, owner := range owners {
				b := r.bets[owner]
				if !b.confirmed {
					continue
				}
				if !b.cashedOut {
					ops = append(ops, ledgerOp{kind: models.EntryLoss, bet: *b, roundID: r.roundID})
				}
				results = append(results, r.betResultLocked(b, now))
			}
			r.history = append(r.history, CrashRoundSummary{
				Round:          r.round,
				RoundID:        r.roundID,
				CrashPoint:     r.point,
				ServerSeed:     r.serverSeed,
				ServerSeedHash: r.hash,
			})
			if len(r.history) > crashHistoryLength {
				r.history = r.history[len(r.history)-crashHistoryLength:]
			}
			r.setPhaseLocked(PhaseResolved, now, EventCrashed, map[string]any{
				"crash_point": r.point,
				"server_seed": r.serverSeed,
			})
			r.logger.Info("round crashed", "round", r.round, "point", r.point, "bets", len(results))
			return ops, results
		}

		r.publishLocked(EventTick, map[string]any{"multiplier": current})
		return ops, nil

	case PhaseResolved:
		if elapsed >= r.cfg.ResolvedPause {
			if err := r.openRoundLocked(now); err != nil {
				r.logger.Error("failed to open round", "error", err)
			}
		}
	}
	return nil, nil
}

// PlaceBet joins the current round while it is still taking bets. The debit
// runs outside the room lock; if the betting window closed meanwhile the
// debit is rolled back.
func (r *CrashRoom) PlaceBet(ctx context.Context, owner, currency string, stake int64, autoCashout decimal.Decimal, idemKey string) (CrashBetReceipt, error) {
	if idemKey == "" {
		return CrashBetReceipt{}, models.NewError(models.CodeInvalidInput, "idempotency key is required")
	}
	if err := models.ValidateStake(stake, r.cfg.MinStake, r.cfg.MaxStake); err != nil {
		return CrashBetReceipt{}, err
	}
	if err := r.game.Validate(games.Params{Target: autoCashout}); err != nil {
		return CrashBetReceipt{}, err
	}
	if currency == "" {
		currency = r.cfg.Currency
	}

	r.mu.Lock()
	if !r.acceptingLocked() {
		r.mu.Unlock()
		return CrashBetReceipt{}, models.NewError(models.CodeRoundNotAccepting, fmt.Sprintf("round is %s", r.phase))
	}
	if _, ok := r.bets[owner]; ok {
		r.mu.Unlock()
		return CrashBetReceipt{}, models.NewError(models.CodeActiveSessionExists, "already in this round")
	}
	bet := &crashBet{
		owner:       owner,
		currency:    currency,
		stake:       stake,
		autoCashout: autoCashout,
		betKey:      ledger.BetKey(owner, idemKey),
	}
	r.bets[owner] = bet
	round, roundID, hash := r.round, r.roundID, r.hash
	r.mu.Unlock()

	entry, err := r.ledger.Bet(ctx, owner, currency, stake, bet.betKey, roundID)
	if err == nil && entry.Reference != roundID {
		err = models.NewError(models.CodeDuplicateTx, fmt.Sprintf("idempotency key already used in round %s", entry.Reference))
	}
	if err != nil {
		r.mu.Lock()
		if r.round == round && r.bets[owner] == bet {
			delete(r.bets, owner)
		}
		r.mu.Unlock()
		return CrashBetReceipt{}, err
	}

	r.mu.Lock()
	if r.round != round || !r.acceptingLocked() || r.bets[owner] != bet {
		r.mu.Unlock()
		r.logger.Warn("bet landed after betting closed, rolling back", "owner", owner, "round", round)
		if err := settle(ctx, r.cfg.SettleRetry, func() error {
			_, err := r.ledger.Rollback(ctx, bet.betKey, "betting closed")
			return err
		}); err != nil {
			r.logger.Error("failed to roll back late bet", "owner", owner, "key", bet.betKey, "error", err)
		}
		return CrashBetReceipt{}, models.NewError(models.CodeRoundNotAccepting, "betting closed")
	}
	bet.confirmed = true
	r.publishLocked(EventBetPlaced, CrashBetView{Owner: owner, Stake: stake, AutoCashout: autoCashout})
	r.mu.Unlock()

	return CrashBetReceipt{Round: round, RoundID: roundID, Stake: stake, ServerSeedHash: hash}, nil
}

// Cashout takes the owner's bet out at the room's current multiplier. A
// request that arrives once the multiplier has reached the crash point has
// lost the race.
func (r *CrashRoom) Cashout(ctx context.Context, owner string) (CashoutResult, error) {
	r.mu.Lock()
	b, ok := r.bets[owner]
	if ok && b.cashedOut && !b.settled {
		// a previous credit failed: retry it with the same amount
		op := ledgerOp{kind: models.EntryWin, bet: *b, roundID: r.roundID}
		res := CashoutResult{RoundID: r.roundID, Multiplier: b.cashoutAt, Payout: b.payout}
		r.mu.Unlock()
		if err := r.settleOp(ctx, op); err != nil {
			return CashoutResult{}, err
		}
		return res, nil
	}
	if r.phase != PhaseRunning {
		r.mu.Unlock()
		return CashoutResult{}, models.NewError(models.CodeRoundNotRunning, fmt.Sprintf("round is %s", r.phase))
	}
	if !ok || !b.confirmed {
		r.mu.Unlock()
		return CashoutResult{}, models.NewError(models.CodeSessionNotFound, "no bet in this round")
	}
	if b.cashedOut {
		r.mu.Unlock()
		return CashoutResult{}, models.NewError(models.CodeAlreadyTerminal, "already cashed out")
	}
	current := r.multiplierLocked(r.now())
	if current.GreaterThanOrEqual(r.point) {
		r.mu.Unlock()
		return CashoutResult{}, models.NewError(models.CodeRoundNotRunning, "round has crashed")
	}
	r.cashOutLocked(b, current)
	op := ledgerOp{kind: models.EntryWin, bet: *b, roundID: r.roundID}
	res := CashoutResult{RoundID: r.roundID, Multiplier: current, Payout: b.payout}
	r.mu.Unlock()

	if err := r.settleOp(ctx, op); err != nil {
		return CashoutResult{}, err
	}
	return res, nil
}

// Void cancels the round in play and refunds every confirmed bet that has
// not been cashed out.
func (r *CrashRoom) Void(ctx context.Context, reason string) {
	r.mu.Lock()
	if r.phase == PhaseResolved {
		r.mu.Unlock()
		return
	}
	var ops []ledgerOp
	for _, b := range r.bets {
		if b.confirmed && !b.cashedOut {
			ops = append(ops, ledgerOp{kind: models.EntryRefund, bet: *b, roundID: r.roundID})
		}
	}
	r.setPhaseLocked(PhaseResolved, r.now(), EventRoundVoided, map[string]any{"reason": reason})
	r.logger.Warn("round voided", "round", r.round, "reason", reason, "refunds", len(ops))
	r.mu.Unlock()

	r.apply(ctx, ops)
}

// State returns the current room snapshot.
func (r *CrashRoom) State() CrashState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked(r.now())
}

func (r *CrashRoom) acceptingLocked() bool {
	return r.phase == PhaseWaiting || r.phase == PhaseStarting
}

func (r *CrashRoom) openRoundLocked(now time.Time) error {
	seed, err := r.newSeed()
	if err != nil {
		return fmt.Errorf("failed to create crash seed: %w", err)
	}
	r.round++
	r.roundID = uuid.NewString()
	r.serverSeed = seed
	r.hash = fairness.HashServerSeed(seed)
	r.bets = make(map[string]*crashBet)

	out, err := r.game.Resolve(r.seedsLocked(), games.Params{})
	if err != nil {
		return err
	}
	r.point = out.Point
	r.setPhaseLocked(PhaseWaiting, now, EventRoundOpen, nil)
	return nil
}

func (r *CrashRoom) seedsLocked() fairness.SeedPair {
	return fairness.SeedPair{ServerSeed: r.serverSeed, ClientSeed: r.cfg.Salt, Nonce: r.round}
}

// multiplierLocked is floor(100*e^(rate*ms))/100 since the round started.
func (r *CrashRoom) multiplierLocked(now time.Time) decimal.Decimal {
	if r.phase != PhaseRunning {
		return decimal.NewFromInt(1)
	}
	ms := float64(now.Sub(r.phaseAt).Milliseconds())
	if ms < 0 {
		ms = 0
	}
	return decimal.New(int64(math.Floor(100*math.Exp(r.cfg.GrowthRate*ms))), -2)
}

func (r *CrashRoom) cashOutLocked(b *crashBet, at decimal.Decimal) {
	b.cashedOut = true
	b.cashoutAt = at
	b.payout = models.CalculatePayout(b.stake, at)
	r.publishLocked(EventCashedOut, CrashBetView{Owner: b.owner, Stake: b.stake, CashedOut: true, CashoutAt: at, Payout: b.payout})
}

func (r *CrashRoom) setPhaseLocked(p Phase, now time.Time, event string, data any) {
	r.phase = p
	r.phaseAt = now
	r.publishLocked(event, data)
}

func (r *CrashRoom) publishLocked(event string, data any) {
	if r.pub == nil {
		return
	}
	if err := r.pub.Publish(r.cfg.Room, event, data, r.stateLocked(r.now())); err != nil {
		r.logger.Warn("failed to publish room event", "event", event, "error", err)
	}
}

func (r *CrashRoom) stateLocked(now time.Time) CrashState {
	s := CrashState{
		Round:          r.round,
		RoundID:        r.roundID,
		Phase:          r.phase,
		ServerSeedHash: r.hash,
		ClientSeed:     r.cfg.Salt,
		Nonce:          r.round,
		Multiplier:     r.multiplierLocked(now),
		Bets:           make([]CrashBetView, 0, len(r.bets)),
		History:        append([]CrashRoundSummary{}, r.history...),
	}
	switch r.phase {
	case PhaseWaiting:
		end := r.phaseAt.Add(r.cfg.BettingWindow)
		s.PhaseEndsAt = &end
	case PhaseStarting:
		end := r.phaseAt.Add(r.cfg.StartingDelay)
		s.PhaseEndsAt = &end
	case PhaseResolved:
		point := r.point
		s.CrashPoint = &point
		s.ServerSeed = r.serverSeed
		s.Multiplier = r.point
	}
	for _, b := range r.bets {
		if !b.confirmed {
			continue
		}
		s.Bets = append(s.Bets, CrashBetView{
			Owner:       b.owner,
			Stake:       b.stake,
			AutoCashout: b.autoCashout,
			CashedOut:   b.cashedOut,
			CashoutAt:   b.cashoutAt,
			Payout:      b.payout,
		})
	}
	sort.Slice(s.Bets, func(i, j int) bool { return s.Bets[i].Owner < s.Bets[j].Owner })
	return s
}

func (r *CrashRoom) betResultLocked(b *crashBet, now time.Time) models.RoundResult {
	mult := decimal.Zero
	if b.cashedOut {
		mult = b.cashoutAt
	}
	return models.RoundResult{
		RoundID: r.roundID + ":" + b.owner,
		OwnerID: b.owner,
		Mode:    models.GameModeCrash,
		Seed: models.SeedPair{
			ServerSeed:     r.serverSeed,
			ServerSeedHash: r.hash,
			ClientSeed:     r.cfg.Salt,
			Nonce:          r.round,
		},
		Nonce:      r.round,
		Outcome:    games.Outcome{Mode: models.GameModeCrash, Point: r.point},
		Multiplier: mult,
		Stake:      b.stake,
		Payout:     b.payout,
		CreatedAt:  now.UTC(),
	}
}

func (r *CrashRoom) apply(ctx context.Context, ops []ledgerOp) {
	for _, op := range ops {
		if err := r.settleOp(ctx, op); err != nil {
			r.logger.Error("failed to settle crash bet", "owner", op.bet.owner, "kind", op.kind, "round", op.roundID, "error", err)
		}
	}
}

func (r *CrashRoom) settleOp(ctx context.Context, op ledgerOp) error {
	return r.settleWithin(ctx, op, r.cfg.SettleRetry)
}

func (r *CrashRoom) settleWithin(ctx context.Context, op ledgerOp, budget time.Duration) error {
	b := op.bet
	key := ledger.CloseKey(op.roundID + ":" + b.owner)
	err := settle(ctx, budget, func() error {
		var err error
		switch op.kind {
		case models.EntryWin:
			_, err = r.ledger.Win(ctx, b.owner, b.currency, b.stake, b.payout, key, op.roundID)
		case models.EntryLoss:
			_, err = r.ledger.Lose(ctx, b.owner, b.currency, b.stake, key, op.roundID)
		case models.EntryRefund:
			_, err = r.ledger.Refund(ctx, b.owner, b.currency, b.stake, key, op.roundID)
		}
		return err
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if models.IsRetryable(err) || errors.Is(err, ctx.Err()) {
			r.unsettled[key] = op
		} else {
			delete(r.unsettled, key)
		}
		return err
	}
	delete(r.unsettled, key)
	if op.kind == models.EntryWin && r.roundID == op.roundID {
		if cur, ok := r.bets[b.owner]; ok {
			cur.settled = true
		}
	}
	return nil
}

func (r *CrashRoom) record(ctx context.Context, results []models.RoundResult) {
	if r.archive == nil {
		return
	}
	for _, res := range results {
		if err := r.archive.Record(ctx, res, ""); err != nil {
			r.logger.Error("failed to archive crash bet", "round", res.RoundID, "error", err)
		}
	}
}
