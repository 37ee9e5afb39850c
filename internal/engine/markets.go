package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/perpx/margin-engine/internal/metrics"
	"github.com/perpx/margin-engine/internal/model"
	"github.com/perpx/margin-engine/internal/store"
)

// AddMarket registers a new market at the given index with zeroed
// aggregates and seeds its price from the oracle feed.
func (e *Engine) AddMarket(ctx context.Context, index uint16, takerFee, makerFee, leverage, marketWeight int64, feedAddress string) (*model.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	price, err := e.readPrice(ctx, feedAddress)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := &model.Market{
		Index:          index,
		CurrentPrice:   price,
		PriceUpdatedAt: now,
		TakerFee:       takerFee,
		MakerFee:       makerFee,
		Leverage:       leverage,
		MarketWeight:   marketWeight,
		FeedAddress:    feedAddress,
		CreatedAt:      now,
	}
	if err := e.store.CreateMarket(ctx, m); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrDuplicateMarket
		}
		return nil, err
	}

	ex, err := e.store.GetExchange(ctx)
	if err != nil {
		return nil, err
	}
	ex.NumberOfMarkets++
	ex.UpdatedAt = now
	if err := e.store.PutExchange(ctx, ex); err != nil {
		return nil, err
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market added",
		"index", index,
		"price", price,
		"taker_fee", takerFee,
		"maker_fee", makerFee,
		"leverage", leverage,
		"feed", feedAddress,
	)
	return m, nil
}

// UpdateMarket overwrites a market's configuration and price. The
// aggregate fields (tokenAmount, basis, fees) are never touched.
func (e *Engine) UpdateMarket(ctx context.Context, index uint16, price, takerFee, makerFee, leverage, marketWeight int64) (*model.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.GetMarket(ctx, index)
	if err != nil {
		return nil, mapNotFound(err, ErrUnknownMarket)
	}

	m.CurrentPrice = price
	m.PriceUpdatedAt = time.Now().UTC()
	m.TakerFee = takerFee
	m.MakerFee = makerFee
	m.Leverage = leverage
	m.MarketWeight = marketWeight
	if err := e.store.PutMarket(ctx, m); err != nil {
		return nil, err
	}

	slog.Info("market updated", "index", index, "price", price)
	return m, nil
}

// RefreshMarketPrice re-reads the market's oracle feed and stores the
// fresh price. Staleness is enforced, so a quiet feed aborts the
// refresh rather than pinning an old price.
func (e *Engine) RefreshMarketPrice(ctx context.Context, index uint16) (*model.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.GetMarket(ctx, index)
	if err != nil {
		return nil, mapNotFound(err, ErrUnknownMarket)
	}

	price, err := e.readPrice(ctx, m.FeedAddress)
	if err != nil {
		return nil, err
	}

	m.CurrentPrice = price
	m.PriceUpdatedAt = time.Now().UTC()
	if err := e.store.PutMarket(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// PriceOf returns the market's last stored price. Callers needing a
// fresh price call RefreshMarketPrice first; staleness is their
// responsibility before trading.
func (e *Engine) PriceOf(ctx context.Context, index uint16) (int64, error) {
	m, err := e.store.GetMarket(ctx, index)
	if err != nil {
		return 0, mapNotFound(err, ErrUnknownMarket)
	}
	return m.CurrentPrice, nil
}

// GetMarket returns the market at index.
func (e *Engine) GetMarket(ctx context.Context, index uint16) (*model.Market, error) {
	m, err := e.store.GetMarket(ctx, index)
	if err != nil {
		return nil, mapNotFound(err, ErrUnknownMarket)
	}
	return m, nil
}

// ListMarkets returns all registered markets ordered by index.
func (e *Engine) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return e.store.ListMarkets(ctx)
}

// GetExchange returns the exchange singleton.
func (e *Engine) GetExchange(ctx context.Context) (*model.Exchange, error) {
	return e.store.GetExchange(ctx)
}
