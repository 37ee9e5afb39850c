package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/perpx/margin-engine/internal/fixed"
	"github.com/perpx/margin-engine/internal/metrics"
	"github.com/perpx/margin-engine/internal/model"
	"github.com/perpx/margin-engine/internal/risk"
	"github.com/perpx/margin-engine/internal/store"
)

// CreateUserAccount finds or creates the account for owner. Safe to
// call repeatedly.
func (e *Engine) CreateUserAccount(ctx context.Context, owner string) (*model.UserAccount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.findOrCreateAccount(ctx, owner)
}

func (e *Engine) findOrCreateAccount(ctx context.Context, owner string) (*model.UserAccount, error) {
	a, err := e.store.GetUserAccount(ctx, owner)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	a = &model.UserAccount{Owner: owner, CreatedAt: now, UpdatedAt: now}
	if err := e.store.CreateUserAccount(ctx, a); err != nil {
		return nil, err
	}
	slog.Info("account created", "owner", owner)
	return a, nil
}

// AddUserPosition finds or creates a zeroed position for owner in the
// given market. Fails with ErrUnknownMarket if the market does not
// exist; the owning account is created on first use.
func (e *Engine) AddUserPosition(ctx context.Context, owner string, marketIndex uint16) (*model.UserPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.store.GetMarket(ctx, marketIndex); err != nil {
		return nil, mapNotFound(err, ErrUnknownMarket)
	}
	if _, err := e.findOrCreateAccount(ctx, owner); err != nil {
		return nil, err
	}

	p, err := e.store.GetUserPosition(ctx, owner, marketIndex)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	p = &model.UserPosition{Owner: owner, MarketIndex: marketIndex, UpdatedAt: time.Now().UTC()}
	if err := e.store.CreateUserPosition(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// AddTreasuryPosition registers an asset that may be deposited as
// collateral.
func (e *Engine) AddTreasuryPosition(ctx context.Context, mint string, enabled bool, marketWeight int64, decimals uint8, feedAddress string) (*model.TreasuryPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tp := &model.TreasuryPosition{
		Mint:         mint,
		Enabled:      enabled,
		MarketWeight: marketWeight,
		Decimals:     decimals,
		FeedAddress:  feedAddress,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := e.store.CreateTreasuryPosition(ctx, tp); err != nil {
		return nil, err
	}
	slog.Info("treasury position added", "mint", mint, "enabled", enabled, "decimals", decimals)
	return tp, nil
}

// UpdateTreasuryPosition overwrites an asset's configuration. The
// escrowed balance is never touched; disabling an asset blocks new
// deposits but leaves existing escrow withdrawable.
func (e *Engine) UpdateTreasuryPosition(ctx context.Context, mint string, enabled bool, marketWeight int64, decimals uint8, feedAddress string) (*model.TreasuryPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tp, err := e.store.GetTreasuryPosition(ctx, mint)
	if err != nil {
		return nil, mapNotFound(err, ErrAssetNotEnabled)
	}

	tp.Enabled = enabled
	tp.MarketWeight = marketWeight
	tp.Decimals = decimals
	tp.FeedAddress = feedAddress
	tp.UpdatedAt = time.Now().UTC()
	if err := e.store.PutTreasuryPosition(ctx, tp); err != nil {
		return nil, err
	}
	slog.Info("treasury position updated", "mint", mint, "enabled", enabled)
	return tp, nil
}

// Deposit escrows amount raw token units of mint and credits the
// owner's collateral with their oracle valuation.
func (e *Engine) Deposit(ctx context.Context, owner, mint string, amount int64) (*model.UserAccount, error) {
	if amount <= 0 {
		return nil, ErrZeroAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tp, err := e.store.GetTreasuryPosition(ctx, mint)
	if err != nil {
		return nil, mapNotFound(err, ErrAssetNotEnabled)
	}
	if !tp.Enabled {
		return nil, ErrAssetNotEnabled
	}

	price, err := e.readPrice(ctx, tp.FeedAddress)
	if err != nil {
		return nil, err
	}
	value, err := depositValue(amount, tp.Decimals, price)
	if err != nil {
		return nil, err
	}

	a, err := e.findOrCreateAccount(ctx, owner)
	if err != nil {
		return nil, err
	}
	ex, err := e.store.GetExchange(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if a.CollateralValue, err = fixed.Add(a.CollateralValue, value); err != nil {
		return nil, err
	}
	if ex.CollateralValue, err = fixed.Add(ex.CollateralValue, value); err != nil {
		return nil, err
	}
	if tp.Balance, err = fixed.Add(tp.Balance, amount); err != nil {
		return nil, err
	}
	a.UpdatedAt, ex.UpdatedAt, tp.UpdatedAt = now, now, now

	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		Type:      model.EntryDeposit,
		Owner:     owner,
		Mint:      mint,
		Amount:    amount,
		Price:     price,
		Timestamp: now,
	}
	if err := e.store.CommitFunding(ctx, ex, a, tp, entry); err != nil {
		return nil, err
	}

	metrics.Deposits.WithLabelValues(mint).Inc()
	slog.Info("deposit", "owner", owner, "mint", mint, "amount", amount, "value", value)
	return a, nil
}

// Withdraw releases amount raw token units of mint from escrow and
// debits the owner's collateral by their oracle valuation. Fails if
// the remaining equity would not cover the margin required by open
// positions, or if the escrow would go negative. Disabled assets stay
// withdrawable.
func (e *Engine) Withdraw(ctx context.Context, owner, mint string, amount int64) (*model.UserAccount, error) {
	if amount <= 0 {
		return nil, ErrZeroAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tp, err := e.store.GetTreasuryPosition(ctx, mint)
	if err != nil {
		return nil, mapNotFound(err, ErrAssetNotEnabled)
	}
	if tp.Balance < amount {
		return nil, ErrInsufficientEscrow
	}

	price, err := e.readPrice(ctx, tp.FeedAddress)
	if err != nil {
		return nil, err
	}
	value, err := depositValue(amount, tp.Decimals, price)
	if err != nil {
		return nil, err
	}

	a, err := e.store.GetUserAccount(ctx, owner)
	if err != nil {
		return nil, mapNotFound(err, ErrInsufficientCollateral)
	}
	ex, err := e.store.GetExchange(ctx)
	if err != nil {
		return nil, err
	}

	if a.CollateralValue, err = fixed.Sub(a.CollateralValue, value); err != nil {
		return nil, err
	}
	if a.CollateralValue < 0 {
		return nil, &MarginError{Kind: ErrInsufficientCollateral, Required: value, Available: a.CollateralValue + value}
	}

	required, err := e.requiredMargin(ctx, owner, nil, nil)
	if err != nil {
		return nil, err
	}
	if available := a.Equity(); required > available {
		metrics.MarginRejections.WithLabelValues("collateral").Inc()
		return nil, &MarginError{Kind: ErrInsufficientCollateral, Required: required, Available: available}
	}

	now := time.Now().UTC()
	if ex.CollateralValue, err = fixed.Sub(ex.CollateralValue, value); err != nil {
		return nil, err
	}
	tp.Balance -= amount
	a.UpdatedAt, ex.UpdatedAt, tp.UpdatedAt = now, now, now

	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		Type:      model.EntryWithdraw,
		Owner:     owner,
		Mint:      mint,
		Amount:    -amount,
		Price:     price,
		Timestamp: now,
	}
	if err := e.store.CommitFunding(ctx, ex, a, tp, entry); err != nil {
		return nil, err
	}

	metrics.Withdrawals.WithLabelValues(mint).Inc()
	slog.Info("withdraw", "owner", owner, "mint", mint, "amount", amount, "value", value)
	return a, nil
}

// depositValue converts raw token units into collateral value:
// amount normalized to the common scale, then priced by the oracle.
func depositValue(amount int64, decimals uint8, price int64) (int64, error) {
	scaled, err := fixed.Rescale(amount, decimals)
	if err != nil {
		return 0, err
	}
	return fixed.MulPrice(scaled, price)
}

// requiredMargin computes the margin needed by all of owner's open
// positions at current market prices. Staged overrides substitute
// not-yet-committed copies of a position and market.
func (e *Engine) requiredMargin(ctx context.Context, owner string, stagedPos *model.UserPosition, stagedMarket *model.Market) (int64, error) {
	positions, err := e.store.ListUserPositions(ctx, owner)
	if err != nil {
		return 0, err
	}
	if stagedPos != nil {
		replaced := false
		for i := range positions {
			if positions[i].MarketIndex == stagedPos.MarketIndex {
				positions[i] = *stagedPos
				replaced = true
				break
			}
		}
		if !replaced {
			positions = append(positions, *stagedPos)
		}
	}

	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return 0, err
	}
	byIndex := make(map[uint16]*model.Market, len(markets))
	for i := range markets {
		byIndex[markets[i].Index] = &markets[i]
	}
	if stagedMarket != nil {
		byIndex[stagedMarket.Index] = stagedMarket
	}

	return risk.RequiredMargin(positions, byIndex)
}

// RequiredMargin returns the margin owner's open positions require at
// current market prices.
func (e *Engine) RequiredMargin(ctx context.Context, owner string) (int64, error) {
	return e.requiredMargin(ctx, owner, nil, nil)
}

// GetUserAccount returns the account for owner.
func (e *Engine) GetUserAccount(ctx context.Context, owner string) (*model.UserAccount, error) {
	a, err := e.store.GetUserAccount(ctx, owner)
	if err != nil {
		return nil, mapNotFound(err, ErrUnknownPosition)
	}
	return a, nil
}

// ListUserPositions returns all positions for owner ordered by market.
func (e *Engine) ListUserPositions(ctx context.Context, owner string) ([]model.UserPosition, error) {
	return e.store.ListUserPositions(ctx, owner)
}

// GetTreasuryPosition returns the configuration and escrow for mint.
func (e *Engine) GetTreasuryPosition(ctx context.Context, mint string) (*model.TreasuryPosition, error) {
	tp, err := e.store.GetTreasuryPosition(ctx, mint)
	if err != nil {
		return nil, mapNotFound(err, ErrAssetNotEnabled)
	}
	return tp, nil
}

// ListTreasuryPositions returns all configured collateral assets.
func (e *Engine) ListTreasuryPositions(ctx context.Context) ([]model.TreasuryPosition, error) {
	return e.store.ListTreasuryPositions(ctx)
}

// LedgerByOwner returns the owner's immutable ledger trail.
func (e *Engine) LedgerByOwner(ctx context.Context, owner string) ([]model.LedgerEntry, error) {
	return e.store.LedgerByOwner(ctx, owner)
}

// LedgerByMarket returns all trade entries for a market.
func (e *Engine) LedgerByMarket(ctx context.Context, index uint16) ([]model.LedgerEntry, error) {
	return e.store.LedgerByMarket(ctx, index)
}

// LedgerByMint returns all funding entries for an asset.
func (e *Engine) LedgerByMint(ctx context.Context, mint string) ([]model.LedgerEntry, error) {
	return e.store.LedgerByMint(ctx, mint)
}
