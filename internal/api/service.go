// Package api provides the HTTP surface of the margin engine: market
// administration, deposits and withdrawals, trade execution, and
// portfolio queries.
//
// Monetary values cross the wire as decimal strings and are converted
// to scaled integers at this boundary, never float64.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/perpx/margin-engine/internal/engine"
	"github.com/perpx/margin-engine/internal/fixed"
	"github.com/perpx/margin-engine/internal/model"
	"github.com/perpx/margin-engine/internal/risk"
	"github.com/perpx/margin-engine/internal/store"
)

// Service exposes engine operations over HTTP. Admin-only mutations
// (market and treasury configuration) are gated by a bearer token
// checked at this boundary; the engine itself accepts already
// authorized requests.
type Service struct {
	engine     *engine.Engine
	adminToken string
	wsHub      *WSHub // optional hub for real-time broadcasts
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed; an empty adminToken disables the gate.
func NewService(eng *engine.Engine, adminToken string, hub *WSHub) *Service {
	return &Service{engine: eng, adminToken: adminToken, wsHub: hub}
}

// Routes mounts all handlers on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{index}", s.GetMarket)
	r.Get("/markets/{index}/price", s.GetPrice)
	r.Get("/markets/{index}/history", s.GetMarketHistory)
	r.Post("/markets", s.requireAdmin(s.AddMarket))
	r.Put("/markets/{index}", s.requireAdmin(s.UpdateMarket))
	r.Post("/markets/{index}/refresh", s.requireAdmin(s.RefreshPrice))

	r.Get("/treasury", s.ListTreasury)
	r.Post("/treasury", s.requireAdmin(s.AddTreasuryPosition))
	r.Put("/treasury/{mint}", s.requireAdmin(s.UpdateTreasuryPosition))

	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{owner}", s.GetPortfolio)
	r.Get("/accounts/{owner}/ledger", s.GetLedger)
	r.Post("/positions", s.AddPosition)

	r.Post("/deposit", s.Deposit)
	r.Post("/withdraw", s.Withdraw)
	r.Post("/trade", s.ExecuteTrade)

	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// AddMarketRequest is the JSON body for POST /markets. Fee rates,
// leverage, and weight are decimal fractions ("0.001" = 0.1%,
// leverage "10" = 10x, weight "1" = full).
type AddMarketRequest struct {
	Index        uint16          `json:"index"`
	TakerFee     decimal.Decimal `json:"taker_fee"`
	MakerFee     decimal.Decimal `json:"maker_fee"`
	Leverage     decimal.Decimal `json:"leverage"`
	MarketWeight decimal.Decimal `json:"market_weight"`
	FeedAddress  string          `json:"feed_address"`
}

// UpdateMarketRequest is the JSON body for PUT /markets/{index}.
type UpdateMarketRequest struct {
	Price        decimal.Decimal `json:"price"`
	TakerFee     decimal.Decimal `json:"taker_fee"`
	MakerFee     decimal.Decimal `json:"maker_fee"`
	Leverage     decimal.Decimal `json:"leverage"`
	MarketWeight decimal.Decimal `json:"market_weight"`
}

// TreasuryRequest is the JSON body for POST /treasury and PUT
// /treasury/{mint}.
type TreasuryRequest struct {
	Mint         string          `json:"mint"`
	Enabled      bool            `json:"enabled"`
	MarketWeight decimal.Decimal `json:"market_weight"`
	Decimals     uint8           `json:"decimals"`
	FeedAddress  string          `json:"feed_address"`
}

// FundingRequest is the JSON body for POST /deposit and POST
// /withdraw. Amount is in token units of the mint ("2000.5").
type FundingRequest struct {
	Owner  string          `json:"owner"`
	Mint   string          `json:"mint"`
	Amount decimal.Decimal `json:"amount"`
}

// TradeRequest is the JSON body for POST /trade. Amount is in token
// units; positive = long, negative = short.
type TradeRequest struct {
	Owner       string          `json:"owner"`
	MarketIndex uint16          `json:"market_index"`
	Amount      decimal.Decimal `json:"amount"`
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	TradeID  string              `json:"trade_id"`
	Owner    string              `json:"owner"`
	Market   uint16              `json:"market_index"`
	Amount   decimal.Decimal     `json:"amount"`
	Price    decimal.Decimal     `json:"price"`
	Fee      decimal.Decimal     `json:"fee"`
	Pnl      decimal.Decimal     `json:"pnl"`
	Position *model.UserPosition `json:"position"`
}

// AccountRequest is the JSON body for POST /accounts.
type AccountRequest struct {
	Owner string `json:"owner"`
}

// PositionRequest is the JSON body for POST /positions.
type PositionRequest struct {
	Owner       string `json:"owner"`
	MarketIndex uint16 `json:"market_index"`
}

// Portfolio is the aggregate view returned from GET /accounts/{owner}.
// RequiredMargin is recomputed at current market prices, not the stored
// snapshot.
type Portfolio struct {
	Account        *model.UserAccount   `json:"account"`
	Positions      []model.UserPosition `json:"positions"`
	Equity         decimal.Decimal      `json:"equity"`
	RequiredMargin decimal.Decimal      `json:"required_margin"`
}

// --- Handlers ---

// AddMarket handles POST /api/v1/markets (admin).
func (s *Service) AddMarket(w http.ResponseWriter, r *http.Request) {
	var req AddMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	taker, err := fixed.FromDecimal(req.TakerFee, fixed.FeeScale)
	if err != nil {
		writeError(w, "invalid taker_fee", http.StatusBadRequest)
		return
	}
	maker, err := fixed.FromDecimal(req.MakerFee, fixed.FeeScale)
	if err != nil {
		writeError(w, "invalid maker_fee", http.StatusBadRequest)
		return
	}
	leverage, err := fixed.FromDecimal(req.Leverage, fixed.LeverageScale)
	if err != nil || leverage <= 0 {
		writeError(w, "leverage must be positive", http.StatusBadRequest)
		return
	}
	weight, err := fixed.FromDecimal(req.MarketWeight, fixed.WeightScale)
	if err != nil || weight <= 0 {
		writeError(w, "market_weight must be positive", http.StatusBadRequest)
		return
	}
	if req.FeedAddress == "" {
		writeError(w, "feed_address is required", http.StatusBadRequest)
		return
	}

	m, err := s.engine.AddMarket(r.Context(), req.Index, taker, maker, leverage, weight, req.FeedAddress)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// UpdateMarket handles PUT /api/v1/markets/{index} (admin).
func (s *Service) UpdateMarket(w http.ResponseWriter, r *http.Request) {
	index, ok := marketIndex(w, r)
	if !ok {
		return
	}
	var req UpdateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	price, err := fixed.FromDecimal(req.Price, fixed.PriceScale)
	if err != nil || price <= 0 {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}
	taker, err := fixed.FromDecimal(req.TakerFee, fixed.FeeScale)
	if err != nil {
		writeError(w, "invalid taker_fee", http.StatusBadRequest)
		return
	}
	maker, err := fixed.FromDecimal(req.MakerFee, fixed.FeeScale)
	if err != nil {
		writeError(w, "invalid maker_fee", http.StatusBadRequest)
		return
	}
	leverage, err := fixed.FromDecimal(req.Leverage, fixed.LeverageScale)
	if err != nil || leverage <= 0 {
		writeError(w, "leverage must be positive", http.StatusBadRequest)
		return
	}
	weight, err := fixed.FromDecimal(req.MarketWeight, fixed.WeightScale)
	if err != nil || weight <= 0 {
		writeError(w, "market_weight must be positive", http.StatusBadRequest)
		return
	}

	m, err := s.engine.UpdateMarket(r.Context(), index, price, taker, maker, leverage, weight)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "price_updated",
			MarketIndex: index,
			Price:       fixed.ToDecimal(m.CurrentPrice, fixed.PriceScale).String(),
		})
	}
	writeJSON(w, http.StatusOK, m)
}

// GetMarket handles GET /api/v1/markets/{index}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	index, ok := marketIndex(w, r)
	if !ok {
		return
	}
	m, err := s.engine.GetMarket(r.Context(), index)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetPrice handles GET /api/v1/markets/{index}/price.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	index, ok := marketIndex(w, r)
	if !ok {
		return
	}
	price, err := s.engine.PriceOf(r.Context(), index)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"price": fixed.ToDecimal(price, fixed.PriceScale),
	})
}

// RefreshPrice handles POST /api/v1/markets/{index}/refresh.
func (s *Service) RefreshPrice(w http.ResponseWriter, r *http.Request) {
	index, ok := marketIndex(w, r)
	if !ok {
		return
	}
	m, err := s.engine.RefreshMarketPrice(r.Context(), index)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "price_updated",
			MarketIndex: index,
			Price:       fixed.ToDecimal(m.CurrentPrice, fixed.PriceScale).String(),
		})
	}
	writeJSON(w, http.StatusOK, m)
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.engine.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarketHistory handles GET /api/v1/markets/{index}/history.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	index, ok := marketIndex(w, r)
	if !ok {
		return
	}
	entries, err := s.engine.LedgerByMarket(r.Context(), index)
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// AddTreasuryPosition handles POST /api/v1/treasury (admin).
func (s *Service) AddTreasuryPosition(w http.ResponseWriter, r *http.Request) {
	var req TreasuryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Mint == "" || req.FeedAddress == "" {
		writeError(w, "mint and feed_address are required", http.StatusBadRequest)
		return
	}
	weight, err := fixed.FromDecimal(req.MarketWeight, fixed.WeightScale)
	if err != nil || weight <= 0 {
		writeError(w, "market_weight must be positive", http.StatusBadRequest)
		return
	}

	tp, err := s.engine.AddTreasuryPosition(r.Context(), req.Mint, req.Enabled, weight, req.Decimals, req.FeedAddress)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tp)
}

// UpdateTreasuryPosition handles PUT /api/v1/treasury/{mint} (admin).
func (s *Service) UpdateTreasuryPosition(w http.ResponseWriter, r *http.Request) {
	mint := chi.URLParam(r, "mint")
	var req TreasuryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	weight, err := fixed.FromDecimal(req.MarketWeight, fixed.WeightScale)
	if err != nil || weight <= 0 {
		writeError(w, "market_weight must be positive", http.StatusBadRequest)
		return
	}

	tp, err := s.engine.UpdateTreasuryPosition(r.Context(), mint, req.Enabled, weight, req.Decimals, req.FeedAddress)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tp)
}

// ListTreasury handles GET /api/v1/treasury.
func (s *Service) ListTreasury(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.ListTreasuryPositions(r.Context())
	if err != nil {
		writeError(w, "failed to list treasury", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.TreasuryPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// CreateAccount handles POST /api/v1/accounts.
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}

	a, err := s.engine.CreateUserAccount(r.Context(), req.Owner)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// AddPosition handles POST /api/v1/positions.
func (s *Service) AddPosition(w http.ResponseWriter, r *http.Request) {
	var req PositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}

	p, err := s.engine.AddUserPosition(r.Context(), req.Owner, req.MarketIndex)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPortfolio handles GET /api/v1/accounts/{owner}.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	ctx := r.Context()

	a, err := s.engine.GetUserAccount(ctx, owner)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	positions, err := s.engine.ListUserPositions(ctx, owner)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.UserPosition{}
	}
	required, err := s.engine.RequiredMargin(ctx, owner)
	if err != nil {
		writeError(w, "failed to compute required margin", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, Portfolio{
		Account:        a,
		Positions:      positions,
		Equity:         fixed.ToDecimal(a.Equity(), fixed.PriceScale),
		RequiredMargin: fixed.ToDecimal(required, fixed.PriceScale),
	})
}

// GetLedger handles GET /api/v1/accounts/{owner}/ledger.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.LedgerByOwner(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Deposit handles POST /api/v1/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	req, raw, ok := s.fundingAmount(w, r)
	if !ok {
		return
	}
	a, err := s.engine.Deposit(r.Context(), req.Owner, req.Mint, raw)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Withdraw handles POST /api/v1/withdraw.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, raw, ok := s.fundingAmount(w, r)
	if !ok {
		return
	}
	a, err := s.engine.Withdraw(r.Context(), req.Owner, req.Mint, raw)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// fundingAmount decodes a funding request and converts the decimal
// token amount into raw units of the mint.
func (s *Service) fundingAmount(w http.ResponseWriter, r *http.Request) (FundingRequest, int64, bool) {
	var req FundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, 0, false
	}
	if req.Owner == "" || req.Mint == "" {
		writeError(w, "owner and mint are required", http.StatusBadRequest)
		return req, 0, false
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return req, 0, false
	}

	tp, err := s.engine.GetTreasuryPosition(r.Context(), req.Mint)
	if err != nil {
		writeEngineError(w, err)
		return req, 0, false
	}

	shifted := req.Amount.Shift(int32(tp.Decimals)).Truncate(0)
	if !shifted.BigInt().IsInt64() {
		writeError(w, "amount out of range", http.StatusBadRequest)
		return req, 0, false
	}
	return req, shifted.BigInt().Int64(), true
}

// ExecuteTrade handles POST /api/v1/trade.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}
	amount, err := fixed.FromDecimal(req.Amount, fixed.AmountScale)
	if err != nil || amount == 0 {
		writeError(w, "amount must be a non-zero decimal", http.StatusBadRequest)
		return
	}

	res, err := s.engine.ExecuteTrade(r.Context(), req.Owner, req.MarketIndex, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "trade_executed",
			MarketIndex: req.MarketIndex,
			Owner:       req.Owner,
			Price:       fixed.ToDecimal(res.Price, fixed.PriceScale).String(),
			Amount:      req.Amount.String(),
			Fee:         fixed.ToDecimal(res.Fee, fixed.PriceScale).String(),
			Pnl:         fixed.ToDecimal(res.Pnl, fixed.PriceScale).String(),
		})
	}

	writeJSON(w, http.StatusOK, TradeResponse{
		TradeID:  res.Entry.ID,
		Owner:    req.Owner,
		Market:   req.MarketIndex,
		Amount:   req.Amount,
		Price:    fixed.ToDecimal(res.Price, fixed.PriceScale),
		Fee:      fixed.ToDecimal(res.Fee, fixed.PriceScale),
		Pnl:      fixed.ToDecimal(res.Pnl, fixed.PriceScale),
		Position: res.Position,
	})
}

// --- Helpers ---

func (s *Service) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" && r.Header.Get("Authorization") != "Bearer "+s.adminToken {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func marketIndex(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 16)
	if err != nil {
		writeError(w, "invalid market index", http.StatusBadRequest)
		return 0, false
	}
	return uint16(v), true
}

// writeEngineError maps engine error kinds to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrUnknownMarket),
		errors.Is(err, engine.ErrUnknownPosition):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateMarket),
		errors.Is(err, store.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrAssetNotEnabled),
		errors.Is(err, engine.ErrInsufficientCollateral),
		errors.Is(err, engine.ErrInsufficientMargin),
		errors.Is(err, engine.ErrInsufficientEscrow),
		errors.Is(err, risk.ErrMarketExposureExceeded),
		errors.Is(err, risk.ErrExchangeExposureExceeded):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrStalePrice):
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrZeroAmount):
		status = http.StatusBadRequest
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
