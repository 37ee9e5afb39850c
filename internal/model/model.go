// Package model defines the core domain entities shared across the
// margin engine. All monetary fields are scaled integers (see
// internal/fixed): price and token amount ×1e9, fee rate / market
// weight / leverage ×1e4. Decimal conversion happens only at the API
// boundary.
package model

import "time"

// Exchange is the singleton aggregate: exchange-wide accumulators and
// the summed valuation of everything held in the treasury. It is an
// explicitly passed state handle, loaded and written by every mutating
// operation; there is no ambient global.
type Exchange struct {
	CollateralValue int64     `json:"collateral_value" db:"collateral_value"` // Σ treasury valuations, ×1e9
	Basis           int64     `json:"basis" db:"basis"`                       // exchange-side realized P&L accumulator
	Fees            int64     `json:"fees" db:"fees"`                         // collected fees
	Rebates         int64     `json:"rebates" db:"rebates"`                   // rebates paid out, ≥ 0
	MarginUsed      int64     `json:"margin_used" db:"margin_used"`           // informational snapshot
	NumberOfMarkets int32     `json:"number_of_markets" db:"number_of_markets"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Market holds per-market configuration and live aggregate state.
// TokenAmount is the net open interest and always equals the sum of
// TokenAmount over all user positions in this market.
type Market struct {
	Index          uint16    `json:"index" db:"index"`
	CurrentPrice   int64     `json:"current_price" db:"current_price"` // ×1e9, oracle-fed
	PriceUpdatedAt time.Time `json:"price_updated_at" db:"price_updated_at"`
	TakerFee       int64     `json:"taker_fee" db:"taker_fee"`         // ×1e4, signed
	MakerFee       int64     `json:"maker_fee" db:"maker_fee"`         // ×1e4, signed
	Leverage       int64     `json:"leverage" db:"leverage"`           // ×1e4
	MarketWeight   int64     `json:"market_weight" db:"market_weight"` // ×1e4
	FeedAddress    string    `json:"feed_address" db:"feed_address"`
	TokenAmount    int64     `json:"token_amount" db:"token_amount"` // ×1e9, signed
	Basis          int64     `json:"basis" db:"basis"`
	Fees           int64     `json:"fees" db:"fees"`
	Rebates        int64     `json:"rebates" db:"rebates"`
	Pnl            int64     `json:"pnl" db:"pnl"` // realized P&L of users in this market
	MarginUsed     int64     `json:"margin_used" db:"margin_used"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// TreasuryPosition is the exchange-wide escrow for one collateral
// asset. Balance is in raw token units carrying the asset's own
// decimals; it never goes negative.
type TreasuryPosition struct {
	Mint         string    `json:"mint" db:"mint"`
	Enabled      bool      `json:"enabled" db:"enabled"`
	MarketWeight int64     `json:"market_weight" db:"market_weight"` // ×1e4
	Decimals     uint8     `json:"decimals" db:"decimals"`
	FeedAddress  string    `json:"feed_address" db:"feed_address"`
	Balance      int64     `json:"balance" db:"balance"` // raw token units, ≥ 0
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// UserAccount is a user's collateral account. CollateralValue is the
// aggregate net worth of deposits valued at the oracle price seen when
// each deposit/withdrawal executed; per-asset holdings exist only in
// the treasury escrow and the ledger trail.
type UserAccount struct {
	Owner           string    `json:"owner" db:"owner"`
	CollateralValue int64     `json:"collateral_value" db:"collateral_value"` // ×1e9
	Pnl             int64     `json:"pnl" db:"pnl"`         // realized
	Fees            int64     `json:"fees" db:"fees"`       // paid, ≥ 0
	Rebates         int64     `json:"rebates" db:"rebates"` // received, ≥ 0
	MarginUsed      int64     `json:"margin_used" db:"margin_used"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Equity is the collateral available to back open positions:
// deposits plus realized gains and rebates, minus fees paid.
func (a *UserAccount) Equity() int64 {
	return a.CollateralValue + a.Pnl + a.Rebates - a.Fees
}

// UserPosition is a user's leveraged exposure in one market.
// sign(TokenAmount) is the direction; Basis is the accumulated signed
// cost of the open exposure, drained proportionally as the position is
// reduced so that a fully closed position has Basis == 0.
type UserPosition struct {
	Owner       string    `json:"owner" db:"owner"`
	MarketIndex uint16    `json:"market_index" db:"market_index"`
	TokenAmount int64     `json:"token_amount" db:"token_amount"` // ×1e9, signed
	Basis       int64     `json:"basis" db:"basis"`
	Fees        int64     `json:"fees" db:"fees"`
	Rebates     int64     `json:"rebates" db:"rebates"`
	Pnl         int64     `json:"pnl" db:"pnl"`
	MarginUsed  int64     `json:"margin_used" db:"margin_used"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Ledger entry types.
const (
	EntryTrade    = "trade"
	EntryDeposit  = "deposit"
	EntryWithdraw = "withdraw"
)

// LedgerEntry is an immutable record of an executed operation. Once
// created, entries are never modified or deleted; treasury escrow
// balances reconcile against the deposit/withdraw entries per mint.
type LedgerEntry struct {
	ID          string    `json:"id" db:"id"`
	Type        string    `json:"type" db:"type"`
	Owner       string    `json:"owner" db:"owner"`
	MarketIndex uint16    `json:"market_index" db:"market_index"` // trades only
	Mint        string    `json:"mint" db:"mint"`                 // deposits/withdrawals only
	Amount      int64     `json:"amount" db:"amount"`             // signed trade delta (×1e9) or raw token amount
	Price       int64     `json:"price" db:"price"`               // ×1e9 execution/valuation price
	Fee         int64     `json:"fee" db:"fee"`                   // signed, trades only
	Pnl         int64     `json:"pnl" db:"pnl"`                   // realized on this fill
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}
