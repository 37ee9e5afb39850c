package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpx/margin-engine/internal/fixed"
	"github.com/perpx/margin-engine/internal/oracle"
	"github.com/perpx/margin-engine/internal/store"
)

const (
	usdcFeed = "feed-usdc"
	mktFeed  = "feed-mkt1"
	owner    = "alice"
)

// newTestEngine wires an engine over a memory store and a static
// oracle publishing USDC at 1.0 and market 1's feed at 10.0.
func newTestEngine(t *testing.T) (*Engine, *oracle.Static, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	orc := oracle.NewStatic()
	orc.Publish(usdcFeed, 1*fixed.PriceScale, time.Now())
	orc.Publish(mktFeed, 10*fixed.PriceScale, time.Now())
	return New(st, orc, nil, time.Minute, time.Second), orc, st
}

// fundedAccount deposits 2000 USDC-equivalent collateral and opens a
// zeroed position in market 1 (taker 0.1%, maker 0.05%, 1x leverage).
func fundedAccount(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()

	_, err := e.AddTreasuryPosition(ctx, "USDC", true, 10_000, 6, usdcFeed)
	require.NoError(t, err)
	_, err = e.Deposit(ctx, owner, "USDC", 2000_000_000) // 2000 USDC, 6 decimals
	require.NoError(t, err)

	_, err = e.AddMarket(ctx, 1, 10, 5, fixed.LeverageScale, fixed.WeightScale, mktFeed)
	require.NoError(t, err)
	_, err = e.AddUserPosition(ctx, owner, 1)
	require.NoError(t, err)
}

func TestCalculateFee(t *testing.T) {
	// -0.02 rate on 1 unit at price 100 is a 2-unit rebate.
	fee, err := CalculateFee(100*fixed.PriceScale, 1*fixed.AmountScale, -200)
	require.NoError(t, err)
	assert.Equal(t, int64(-2*fixed.PriceScale), fee)

	// Linear in amount and in rate.
	base, err := CalculateFee(100*fixed.PriceScale, 1*fixed.AmountScale, 10)
	require.NoError(t, err)
	byAmount, err := CalculateFee(100*fixed.PriceScale, 3*fixed.AmountScale, 10)
	require.NoError(t, err)
	byRate, err := CalculateFee(100*fixed.PriceScale, 1*fixed.AmountScale, 30)
	require.NoError(t, err)
	assert.Equal(t, 3*base, byAmount)
	assert.Equal(t, 3*base, byRate)

	// Sign of the amount does not flip the fee.
	short, err := CalculateFee(100*fixed.PriceScale, -1*fixed.AmountScale, 10)
	require.NoError(t, err)
	assert.Equal(t, base, short)
}

func TestOpenCloseRoundTrip(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	fundedAccount(t, e)

	// Open +4 at price 10: taker fee 0.1% of 40 = 0.04.
	res, err := e.ExecuteTrade(ctx, owner, 1, 4*fixed.AmountScale)
	require.NoError(t, err)
	assert.Equal(t, int64(4*fixed.AmountScale), res.Position.TokenAmount)
	assert.Equal(t, int64(40*fixed.PriceScale), res.Position.Basis)
	assert.Equal(t, int64(40_000_000), res.Fee)
	assert.Equal(t, int64(4*fixed.AmountScale), res.Market.TokenAmount)

	// Close -4 at the same price: maker fee 0.05% of 40 = 0.02, flat P&L.
	res, err = e.ExecuteTrade(ctx, owner, 1, -4*fixed.AmountScale)
	require.NoError(t, err)
	assert.Zero(t, res.Position.TokenAmount)
	assert.Zero(t, res.Position.Basis)
	assert.Zero(t, res.Pnl)
	assert.Equal(t, int64(20_000_000), res.Fee)
	assert.Zero(t, res.Market.TokenAmount)
	assert.Equal(t, int64(60_000_000), res.Account.Fees)
}

func TestRealizedPnlOnPriceMove(t *testing.T) {
	e, orc, _ := newTestEngine(t)
	ctx := context.Background()
	fundedAccount(t, e)

	_, err := e.ExecuteTrade(ctx, owner, 1, 4*fixed.AmountScale)
	require.NoError(t, err)

	// Price moves 10 -> 12; closing realizes 4 * 2 = 8.
	orc.Publish(mktFeed, 12*fixed.PriceScale, time.Now())
	res, err := e.ExecuteTrade(ctx, owner, 1, -4*fixed.AmountScale)
	require.NoError(t, err)
	assert.Equal(t, int64(8*fixed.PriceScale), res.Pnl)
	assert.Zero(t, res.Position.Basis)
	assert.Equal(t, int64(8*fixed.PriceScale), res.Account.Pnl)

	// The exchange takes the other side.
	ex, err := e.GetExchange(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-8*fixed.PriceScale), ex.Basis)
}

func TestShortRealizedPnl(t *testing.T) {
	e, orc, _ := newTestEngine(t)
	ctx := context.Background()
	fundedAccount(t, e)

	_, err := e.ExecuteTrade(ctx, owner, 1, -4*fixed.AmountScale)
	require.NoError(t, err)

	// Short from 10, cover at 8: realizes 4 * 2 = 8.
	orc.Publish(mktFeed, 8*fixed.PriceScale, time.Now())
	res, err := e.ExecuteTrade(ctx, owner, 1, 4*fixed.AmountScale)
	require.NoError(t, err)
	assert.Equal(t, int64(8*fixed.PriceScale), res.Pnl)
	assert.Zero(t, res.Position.TokenAmount)
	assert.Zero(t, res.Position.Basis)
}

func TestZeroCrossSplitsFee(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	fundedAccount(t, e)

	_, err := e.ExecuteTrade(ctx, owner, 1, 4*fixed.AmountScale)
	require.NoError(t, err)

	// -6 flips the position: 4 closes at maker 0.05%, 2 opens at
	// taker 0.1%. Fee = 0.02 + 0.02.
	res, err := e.ExecuteTrade(ctx, owner, 1, -6*fixed.AmountScale)
	require.NoError(t, err)
	assert.Equal(t, int64(-2*fixed.AmountScale), res.Position.TokenAmount)
	assert.Equal(t, int64(40_000_000), res.Fee)
	assert.Equal(t, int64(-20*fixed.PriceScale), res.Position.Basis)
}

func TestNegativeMakerRateAccruesRebate(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AddTreasuryPosition(ctx, "USDC", true, 10_000, 6, usdcFeed)
	require.NoError(t, err)
	_, err = e.Deposit(ctx, owner, "USDC", 2000_000_000)
	require.NoError(t, err)

	// Maker rate -0.05%: reducing pays the trader.
	_, err = e.AddMarket(ctx, 1, 10, -5, fixed.LeverageScale, fixed.WeightScale, mktFeed)
	require.NoError(t, err)
	_, err = e.AddUserPosition(ctx, owner, 1)
	require.NoError(t, err)

	_, err = e.ExecuteTrade(ctx, owner, 1, 4*fixed.AmountScale)
	require.NoError(t, err)
	res, err := e.ExecuteTrade(ctx, owner, 1, -4*fixed.AmountScale)
	require.NoError(t, err)

	assert.Equal(t, int64(-20_000_000), res.Fee)
	assert.Equal(t, int64(20_000_000), res.Account.Rebates)
	assert.Equal(t, int64(40_000_000), res.Account.Fees) // taker leg only
}

func TestInsufficientMarginLeavesStateUnchanged(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()
	fundedAccount(t, e)

	before, err := st.GetUserAccount(ctx, owner)
	require.NoError(t, err)
	exBefore, err := st.GetExchange(ctx)
	require.NoError(t, err)
	mBefore, err := st.GetMarket(ctx, 1)
	require.NoError(t, err)
	pBefore, err := st.GetUserPosition(ctx, owner, 1)
	require.NoError(t, err)

	// 2000 collateral at 1x leverage cannot carry 300 units at 10.
	_, err = e.ExecuteTrade(ctx, owner, 1, 300*fixed.AmountScale)
	require.ErrorIs(t, err, ErrInsufficientMargin)

	var mErr *MarginError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, int64(3000*fixed.PriceScale), mErr.Required)
	assert.Greater(t, mErr.Required, mErr.Available)

	after, err := st.GetUserAccount(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	exAfter, err := st.GetExchange(ctx)
	require.NoError(t, err)
	assert.Equal(t, exBefore, exAfter)
	mAfter, err := st.GetMarket(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, mBefore, mAfter)
	pAfter, err := st.GetUserPosition(ctx, owner, 1)
	require.NoError(t, err)
	assert.Equal(t, pBefore, pAfter)

	entries, err := st.LedgerByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, entries, 1) // the deposit only
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AddTreasuryPosition(ctx, "USDC", true, 10_000, 6, usdcFeed)
	require.NoError(t, err)

	a, err := e.Deposit(ctx, owner, "USDC", 500_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(500*fixed.PriceScale), a.CollateralValue)

	a, err = e.Withdraw(ctx, owner, "USDC", 500_000_000)
	require.NoError(t, err)
	assert.Zero(t, a.CollateralValue)

	tp, err := st.GetTreasuryPosition(ctx, "USDC")
	require.NoError(t, err)
	assert.Zero(t, tp.Balance)

	// Escrow reconciles with the ledger trail.
	entries, err := st.LedgerByMint(ctx, "USDC")
	require.NoError(t, err)
	var sum int64
	for _, entry := range entries {
		sum += entry.Amount
	}
	assert.Equal(t, tp.Balance, sum)
}

func TestWithdrawGuards(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	fundedAccount(t, e)

	// More than escrowed.
	_, err := e.Withdraw(ctx, owner, "USDC", 3000_000_000)
	assert.ErrorIs(t, err, ErrInsufficientEscrow)

	// Open positions pin collateral: 100 units at 10 require 1000.
	_, err = e.ExecuteTrade(ctx, owner, 1, 100*fixed.AmountScale)
	require.NoError(t, err)
	_, err = e.Withdraw(ctx, owner, "USDC", 1500_000_000)
	assert.ErrorIs(t, err, ErrInsufficientCollateral)

	// Withdrawing within the free margin still works.
	_, err = e.Withdraw(ctx, owner, "USDC", 500_000_000)
	require.NoError(t, err)
}

func TestDisabledAssetBlocksDepositsNotWithdrawals(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AddTreasuryPosition(ctx, "USDC", true, 10_000, 6, usdcFeed)
	require.NoError(t, err)
	_, err = e.Deposit(ctx, owner, "USDC", 100_000_000)
	require.NoError(t, err)

	_, err = e.UpdateTreasuryPosition(ctx, "USDC", false, 10_000, 6, usdcFeed)
	require.NoError(t, err)

	_, err = e.Deposit(ctx, owner, "USDC", 100_000_000)
	assert.ErrorIs(t, err, ErrAssetNotEnabled)

	_, err = e.Withdraw(ctx, owner, "USDC", 100_000_000)
	assert.NoError(t, err)
}

func TestStalePriceRejected(t *testing.T) {
	e, orc, _ := newTestEngine(t)
	ctx := context.Background()
	fundedAccount(t, e)

	orc.Publish(mktFeed, 10*fixed.PriceScale, time.Now().Add(-2*time.Minute))
	_, err := e.ExecuteTrade(ctx, owner, 1, 1*fixed.AmountScale)
	assert.ErrorIs(t, err, ErrStalePrice)

	orc.Publish(usdcFeed, 1*fixed.PriceScale, time.Now().Add(-2*time.Minute))
	_, err = e.Deposit(ctx, owner, "USDC", 100_000_000)
	assert.ErrorIs(t, err, ErrStalePrice)
}

func TestMarketLifecycleErrors(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AddMarket(ctx, 1, 10, 5, fixed.LeverageScale, fixed.WeightScale, mktFeed)
	require.NoError(t, err)
	_, err = e.AddMarket(ctx, 1, 10, 5, fixed.LeverageScale, fixed.WeightScale, mktFeed)
	assert.ErrorIs(t, err, ErrDuplicateMarket)

	_, err = e.ExecuteTrade(ctx, owner, 9, fixed.AmountScale)
	assert.ErrorIs(t, err, ErrUnknownMarket)

	_, err = e.AddUserPosition(ctx, owner, 9)
	assert.ErrorIs(t, err, ErrUnknownMarket)

	// The position was never added.
	_, err = e.CreateUserAccount(ctx, owner)
	require.NoError(t, err)
	_, err = e.ExecuteTrade(ctx, owner, 1, fixed.AmountScale)
	assert.ErrorIs(t, err, ErrUnknownPosition)
}

func TestAddUserPositionIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	fundedAccount(t, e)

	_, err := e.ExecuteTrade(ctx, owner, 1, 4*fixed.AmountScale)
	require.NoError(t, err)

	// Re-adding returns the live position untouched.
	p, err := e.AddUserPosition(ctx, owner, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4*fixed.AmountScale), p.TokenAmount)
}

func TestLeverageScalesRequiredMargin(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AddTreasuryPosition(ctx, "USDC", true, 10_000, 6, usdcFeed)
	require.NoError(t, err)
	_, err = e.Deposit(ctx, owner, "USDC", 500_000_000)
	require.NoError(t, err)

	// 10x leverage: 300 units at 10 need 300 margin, not 3000.
	_, err = e.AddMarket(ctx, 1, 10, 5, 10*fixed.LeverageScale, fixed.WeightScale, mktFeed)
	require.NoError(t, err)
	_, err = e.AddUserPosition(ctx, owner, 1)
	require.NoError(t, err)

	res, err := e.ExecuteTrade(ctx, owner, 1, 300*fixed.AmountScale)
	require.NoError(t, err)
	assert.Equal(t, int64(300*fixed.AmountScale), res.Position.TokenAmount)

	// But 600 units breach the 500 collateral even at 10x.
	_, err = e.ExecuteTrade(ctx, owner, 1, 300*fixed.AmountScale)
	assert.ErrorIs(t, err, ErrInsufficientMargin)
}
