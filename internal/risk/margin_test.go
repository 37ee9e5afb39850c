package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpx/margin-engine/internal/fixed"
	"github.com/perpx/margin-engine/internal/model"
)

func TestPositionMargin(t *testing.T) {
	// 4 units at price 10, 1x leverage, full weight: margin = 40.
	margin, err := PositionMargin(4*fixed.AmountScale, 10*fixed.PriceScale, fixed.LeverageScale, fixed.WeightScale)
	require.NoError(t, err)
	assert.Equal(t, 40*fixed.PriceScale, margin)

	// Same at 10x leverage: margin = 4.
	margin, err = PositionMargin(4*fixed.AmountScale, 10*fixed.PriceScale, 10*fixed.LeverageScale, fixed.WeightScale)
	require.NoError(t, err)
	assert.Equal(t, 4*fixed.PriceScale, margin)

	// Half weight halves the requirement; direction does not matter.
	margin, err = PositionMargin(-4*fixed.AmountScale, 10*fixed.PriceScale, fixed.LeverageScale, fixed.WeightScale/2)
	require.NoError(t, err)
	assert.Equal(t, 20*fixed.PriceScale, margin)
}

func TestRequiredMarginSumsOpenPositions(t *testing.T) {
	markets := map[uint16]*model.Market{
		1: {Index: 1, CurrentPrice: 10 * fixed.PriceScale, Leverage: fixed.LeverageScale, MarketWeight: fixed.WeightScale},
		2: {Index: 2, CurrentPrice: 100 * fixed.PriceScale, Leverage: 10 * fixed.LeverageScale, MarketWeight: fixed.WeightScale},
	}
	positions := []model.UserPosition{
		{MarketIndex: 1, TokenAmount: 4 * fixed.AmountScale},
		{MarketIndex: 2, TokenAmount: -1 * fixed.AmountScale},
		{MarketIndex: 1, TokenAmount: 0}, // closed, ignored
	}

	total, err := RequiredMargin(positions, markets)
	require.NoError(t, err)
	// 40 from market 1 + 10 from market 2.
	assert.Equal(t, 50*fixed.PriceScale, total)
}

func TestRequiredMarginUnknownMarket(t *testing.T) {
	positions := []model.UserPosition{{MarketIndex: 7, TokenAmount: 1}}
	_, err := RequiredMargin(positions, map[uint16]*model.Market{})
	assert.Error(t, err)
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(10*fixed.AmountScale, 15*fixed.AmountScale)

	assert.NoError(t, l.CheckExposure(10*fixed.AmountScale, 15*fixed.AmountScale))
	assert.ErrorIs(t, l.CheckExposure(11*fixed.AmountScale, 11*fixed.AmountScale), ErrMarketExposureExceeded)
	assert.ErrorIs(t, l.CheckExposure(-11*fixed.AmountScale, 11*fixed.AmountScale), ErrMarketExposureExceeded)
	assert.ErrorIs(t, l.CheckExposure(5*fixed.AmountScale, 16*fixed.AmountScale), ErrExchangeExposureExceeded)

	// Zero caps mean unlimited; nil limiter allows everything.
	assert.NoError(t, NewLimiter(0, 0).CheckExposure(1<<40, 1<<40))
	var nilLimiter *Limiter
	assert.NoError(t, nilLimiter.CheckExposure(1, 1))
}
