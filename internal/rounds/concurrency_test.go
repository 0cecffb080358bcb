package rounds

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairplay-backend/internal/models"
)

func TestConcurrentStartsOpenOneSession(t *testing.T) {
	e := newEnv(t, "alice")
	ctx := context.Background()

	const n = 16
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.manager.Start(ctx, "alice", StartRequest{
				Mode:           models.GameModeMines,
				Stake:          10,
				Params:         threeMines,
				IdempotencyKey: fmt.Sprintf("k%d", i),
			})
		}(i)
	}
	wg.Wait()

	opened := 0
	for _, err := range errs {
		if err == nil {
			opened++
			continue
		}
		assert.True(t, errors.Is(err, models.ErrActiveSessionExists), err)
	}
	assert.Equal(t, 1, opened)
	assert.Len(t, e.manager.Active("alice"), 1)

	w := e.wallet(t, "alice")
	assert.Equal(t, int64(startingBalance-10), w.Balance)
	assert.Equal(t, int64(10), w.LockedBalance)
}

func TestSettleRacingRecoverPaysOnce(t *testing.T) {
	e := newEnv(t, "alice")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		before := e.wallet(t, "alice").Balance
		r := startMines(t, e, "alice", fmt.Sprintf("k%d", i), 100)
		safe := safeCells(25, minesFor(t, e, r, threeMines))
		_, err := e.manager.Advance(ctx, "alice", r.SessionID, safe[0])
		require.NoError(t, err)
		e.clock.Advance(2 * time.Minute)

		var (
			wg   sync.WaitGroup
			res  StepResult
			serr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, serr = e.manager.Settle(ctx, "alice", r.SessionID)
		}()
		go func() {
			defer wg.Done()
			e.manager.Recover(ctx, time.Minute)
		}()
		wg.Wait()

		w := e.wallet(t, "alice")
		assert.Equal(t, int64(0), w.LockedBalance)
		if serr == nil {
			assert.Equal(t, models.StateCashedOut, res.Session.State)
			assert.Equal(t, before-100+res.Payout, w.Balance)
		} else {
			assert.True(t, errors.Is(serr, models.ErrAlreadyTerminal), serr)
			assert.Equal(t, before, w.Balance)
		}
	}
}

func TestCrashCashoutRacingCrashTick(t *testing.T) {
	for i := 0; i < 8; i++ {
		c := newCrashEnv(t, "alice")
		ctx := context.Background()

		_, err := c.room.PlaceBet(ctx, "alice", "", 100, decimal.Zero, "a1")
		require.NoError(t, err)
		c.launch()

		crashAt := time.Duration(math.Log(c.point.InexactFloat64()) / DefaultGrowthRate * float64(time.Millisecond))
		c.runTo(crashAt - 200*time.Millisecond)
		require.Equal(t, PhaseRunning, c.room.State().Phase)

		var (
			wg   sync.WaitGroup
			out  CashoutResult
			cerr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			out, cerr = c.room.Cashout(ctx, "alice")
		}()
		go func() {
			defer wg.Done()
			c.room.Tick(ctx, c.start.Add(6*time.Second).Add(crashAt+time.Second))
		}()
		wg.Wait()

		require.Equal(t, PhaseResolved, c.room.State().Phase)
		w := c.wallet(t, "alice")
		assert.Equal(t, int64(0), w.LockedBalance)
		if cerr == nil {
			assert.True(t, out.Multiplier.LessThan(c.point))
			assert.Equal(t, int64(900)+out.Payout, w.Balance)
		} else {
			assert.True(t, errors.Is(cerr, models.ErrRoundNotRunning), cerr)
			assert.Equal(t, int64(900), w.Balance)
		}
	}
}
