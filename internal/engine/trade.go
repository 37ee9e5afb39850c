package engine

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/perpx/margin-engine/internal/fixed"
	"github.com/perpx/margin-engine/internal/metrics"
	"github.com/perpx/margin-engine/internal/model"
)

// TradeResult is the outcome of a successful trade.
type TradeResult struct {
	Entry    *model.LedgerEntry  `json:"entry"`
	Position *model.UserPosition `json:"position"`
	Market   *model.Market       `json:"market"`
	Account  *model.UserAccount  `json:"account"`
	Fee      int64               `json:"fee"`
	Pnl      int64               `json:"pnl"`
	Price    int64               `json:"price"`
}

// CalculateFee computes the fee for trading amount token units at
// price with the given rate: |amount| * price * feeRate, truncated at
// each scaling step. A negative rate yields a negative fee (a rebate).
func CalculateFee(price, amount, feeRate int64) (int64, error) {
	abs, err := fixed.Abs(amount)
	if err != nil {
		return 0, err
	}
	notional, err := fixed.MulPrice(abs, price)
	if err != nil {
		return 0, err
	}
	return fixed.ApplyRate(notional, feeRate)
}

// ExecuteTrade trades amount token units (positive = long, negative =
// short) against the market at a fresh oracle price.
//
// Fee policy: the portion of the delta that reduces the existing
// position pays the maker rate; the portion that opens or extends
// exposure pays the taker rate. A trade that flips the position's sign
// is split into both portions.
//
// All changes are staged on copies; any failed check returns with the
// store untouched.
func (e *Engine) ExecuteTrade(ctx context.Context, owner string, marketIndex uint16, amount int64) (*TradeResult, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}

	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.GetMarket(ctx, marketIndex)
	if err != nil {
		return nil, mapNotFound(err, ErrUnknownMarket)
	}
	a, err := e.store.GetUserAccount(ctx, owner)
	if err != nil {
		return nil, mapNotFound(err, ErrUnknownPosition)
	}
	p, err := e.store.GetUserPosition(ctx, owner, marketIndex)
	if err != nil {
		return nil, mapNotFound(err, ErrUnknownPosition)
	}
	ex, err := e.store.GetExchange(ctx)
	if err != nil {
		return nil, err
	}

	price, err := e.readPrice(ctx, m.FeedAddress)
	if err != nil {
		metrics.StalePriceRejections.Inc()
		return nil, err
	}
	now := time.Now().UTC()
	m.CurrentPrice = price
	m.PriceUpdatedAt = now

	posAbs, err := fixed.Abs(p.TokenAmount)
	if err != nil {
		return nil, err
	}
	amtAbs, err := fixed.Abs(amount)
	if err != nil {
		return nil, err
	}

	// Split the delta into a closing and an opening portion.
	closed := int64(0)
	if (p.TokenAmount > 0 && amount < 0) || (p.TokenAmount < 0 && amount > 0) {
		closed = min64(posAbs, amtAbs)
	}
	opened := amtAbs - closed

	makerFee, err := CalculateFee(price, closed, m.MakerFee)
	if err != nil {
		return nil, err
	}
	takerFee, err := CalculateFee(price, opened, m.TakerFee)
	if err != nil {
		return nil, err
	}
	fee, err := fixed.Add(makerFee, takerFee)
	if err != nil {
		return nil, err
	}

	// Realize P&L on the closed portion and drain basis proportionally.
	var realized, closedBasis int64
	if closed > 0 {
		closedBasis, err = fixed.MulDiv(p.Basis, closed, posAbs)
		if err != nil {
			return nil, err
		}
		closedNotional, err := fixed.MulPrice(closed, price)
		if err != nil {
			return nil, err
		}
		if p.TokenAmount > 0 {
			realized, err = fixed.Sub(closedNotional, closedBasis)
		} else {
			realized, err = fixed.Sub(-closedNotional, closedBasis)
		}
		if err != nil {
			return nil, err
		}
		if p.Basis, err = fixed.Sub(p.Basis, closedBasis); err != nil {
			return nil, err
		}
	}

	// Accrue basis on the opened portion, signed by trade direction.
	var basisDelta int64
	if opened > 0 {
		openedNotional, err := fixed.MulPrice(opened, price)
		if err != nil {
			return nil, err
		}
		if amount < 0 {
			openedNotional = -openedNotional
		}
		basisDelta = openedNotional
		if p.Basis, err = fixed.Add(p.Basis, openedNotional); err != nil {
			return nil, err
		}
	}

	priorMargin, err := positionNotional(p.TokenAmount, price)
	if err != nil {
		return nil, err
	}
	if p.TokenAmount, err = fixed.Add(p.TokenAmount, amount); err != nil {
		return nil, err
	}
	if m.TokenAmount, err = fixed.Add(m.TokenAmount, amount); err != nil {
		return nil, err
	}
	// Market basis mirrors the position's net basis change.
	if m.Basis, err = fixed.Add(m.Basis, basisDelta); err != nil {
		return nil, err
	}
	if m.Basis, err = fixed.Sub(m.Basis, closedBasis); err != nil {
		return nil, err
	}

	// Mark-to-market margin snapshots.
	newMargin, err := positionNotional(p.TokenAmount, price)
	if err != nil {
		return nil, err
	}
	marginDelta := newMargin - priorMargin
	p.MarginUsed = newMargin
	a.MarginUsed += marginDelta
	m.MarginUsed += marginDelta
	ex.MarginUsed += marginDelta

	// Fees and realized P&L, mirrored on every entity; the exchange
	// takes the other side of realized P&L through its basis.
	if err := applyFee(fee, &p.Fees, &p.Rebates, &a.Fees, &a.Rebates, &m.Fees, &m.Rebates, &ex.Fees, &ex.Rebates); err != nil {
		return nil, err
	}
	if realized != 0 {
		if p.Pnl, err = fixed.Add(p.Pnl, realized); err != nil {
			return nil, err
		}
		if a.Pnl, err = fixed.Add(a.Pnl, realized); err != nil {
			return nil, err
		}
		if m.Pnl, err = fixed.Add(m.Pnl, realized); err != nil {
			return nil, err
		}
		if ex.Basis, err = fixed.Sub(ex.Basis, realized); err != nil {
			return nil, err
		}
	}

	// Margin check against staged state; rejection leaves everything
	// untouched since only copies were modified.
	required, err := e.requiredMargin(ctx, owner, p, m)
	if err != nil {
		return nil, err
	}
	if available := a.Equity(); required > available {
		metrics.MarginRejections.WithLabelValues("margin").Inc()
		return nil, &MarginError{Kind: ErrInsufficientMargin, Required: required, Available: available}
	}
	if err := e.checkExposure(ctx, m); err != nil {
		return nil, err
	}

	p.UpdatedAt, a.UpdatedAt, ex.UpdatedAt = now, now, now
	entry := &model.LedgerEntry{
		ID:          uuid.New().String(),
		Type:        model.EntryTrade,
		Owner:       owner,
		MarketIndex: marketIndex,
		Amount:      amount,
		Price:       price,
		Fee:         fee,
		Pnl:         realized,
		Timestamp:   now,
	}
	if err := e.store.CommitTrade(ctx, ex, m, a, p, entry); err != nil {
		return nil, err
	}

	side := "buy"
	if amount < 0 {
		side = "sell"
	}
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(strconv.Itoa(int(marketIndex)), side).Add(float64(amtAbs) / float64(fixed.AmountScale))

	slog.Info("trade executed",
		"trade_id", entry.ID,
		"owner", owner,
		"market", marketIndex,
		"amount", amount,
		"price", price,
		"fee", fee,
		"pnl", realized,
	)

	return &TradeResult{
		Entry:    entry,
		Position: p,
		Market:   m,
		Account:  a,
		Fee:      fee,
		Pnl:      realized,
		Price:    price,
	}, nil
}

func (e *Engine) checkExposure(ctx context.Context, staged *model.Market) error {
	if e.limiter == nil {
		return nil
	}
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return err
	}
	var total int64
	for i := range markets {
		m := &markets[i]
		if m.Index == staged.Index {
			m = staged
		}
		abs, err := fixed.Abs(m.TokenAmount)
		if err != nil {
			return err
		}
		if total, err = fixed.Add(total, abs); err != nil {
			return err
		}
	}
	if err := e.limiter.CheckExposure(staged.TokenAmount, total); err != nil {
		metrics.MarginRejections.WithLabelValues("exposure").Inc()
		return err
	}
	return nil
}

// positionNotional is |tokenAmount| * price, the mark-to-market size
// snapshot stored in MarginUsed fields.
func positionNotional(tokenAmount, price int64) (int64, error) {
	abs, err := fixed.Abs(tokenAmount)
	if err != nil {
		return 0, err
	}
	return fixed.MulPrice(abs, price)
}

func applyFee(fee int64, fields ...*int64) error {
	// fields alternate fees, rebates per entity.
	for i := 0; i < len(fields); i += 2 {
		var err error
		if fee >= 0 {
			*fields[i], err = fixed.Add(*fields[i], fee)
		} else {
			*fields[i+1], err = fixed.Add(*fields[i+1], -fee)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
