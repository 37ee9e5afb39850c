// Package risk computes margin requirements and enforces exposure
// limits. The margin requirement is always recomputed from current
// market prices; the MarginUsed snapshots on entities are
// informational only and never feed a collateral decision.
package risk

import (
	"errors"
	"fmt"

	"github.com/perpx/margin-engine/internal/fixed"
	"github.com/perpx/margin-engine/internal/model"
)

var (
	// ErrMarketExposureExceeded is returned when a trade would push a
	// single market's open interest beyond the per-market cap.
	ErrMarketExposureExceeded = errors.New("risk: market exposure limit exceeded")

	// ErrExchangeExposureExceeded is returned when a trade would push
	// the exchange-wide open interest beyond the aggregate cap.
	ErrExchangeExposureExceeded = errors.New("risk: exchange exposure limit exceeded")
)

// PositionMargin returns the margin one position requires:
//
//	|tokenAmount| · price / leverage, scaled by the market weight.
//
// A higher weight means the market contributes more to the account's
// requirement.
func PositionMargin(tokenAmount, price, leverage, marketWeight int64) (int64, error) {
	amt, err := fixed.Abs(tokenAmount)
	if err != nil {
		return 0, err
	}
	notional, err := fixed.MulPrice(amt, price)
	if err != nil {
		return 0, err
	}
	margin, err := fixed.DivLeverage(notional, leverage)
	if err != nil {
		return 0, err
	}
	return fixed.MulDiv(margin, marketWeight, fixed.WeightScale)
}

// RequiredMargin sums PositionMargin over all open positions at
// current market prices.
func RequiredMargin(positions []model.UserPosition, markets map[uint16]*model.Market) (int64, error) {
	var total int64
	for _, p := range positions {
		if p.TokenAmount == 0 {
			continue
		}
		m, ok := markets[p.MarketIndex]
		if !ok {
			return 0, fmt.Errorf("risk: no market %d for open position", p.MarketIndex)
		}
		margin, err := PositionMargin(p.TokenAmount, m.CurrentPrice, m.Leverage, m.MarketWeight)
		if err != nil {
			return 0, err
		}
		total, err = fixed.Add(total, margin)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Limiter caps open interest per market and exchange-wide. Exposure is
// measured as absolute net token amount (×1e9). A zero cap means
// unlimited.
type Limiter struct {
	MaxMarketExposure   int64
	MaxExchangeExposure int64
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxMarket, maxExchange int64) *Limiter {
	return &Limiter{MaxMarketExposure: maxMarket, MaxExchangeExposure: maxExchange}
}

// CheckExposure validates post-trade open interest: the traded
// market's net token amount and the exchange-wide total (Σ |net| over
// all markets, computed by the caller).
func (l *Limiter) CheckExposure(marketTokenAmount, totalExposure int64) error {
	if l == nil {
		return nil
	}
	marketAbs, err := fixed.Abs(marketTokenAmount)
	if err != nil {
		return err
	}
	if l.MaxMarketExposure > 0 && marketAbs > l.MaxMarketExposure {
		return ErrMarketExposureExceeded
	}
	totalAbs, err := fixed.Abs(totalExposure)
	if err != nil {
		return err
	}
	if l.MaxExchangeExposure > 0 && totalAbs > l.MaxExchangeExposure {
		return ErrExchangeExposureExceeded
	}
	return nil
}
