package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/perpx/margin-engine/internal/api"
	"github.com/perpx/margin-engine/internal/engine"
	"github.com/perpx/margin-engine/internal/fixed"
	"github.com/perpx/margin-engine/internal/oracle"
	"github.com/perpx/margin-engine/internal/store"
)

const adminToken = "test-admin-token"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires a Service over a memory store and static oracle.
func newTestEnv(t *testing.T) (*oracle.Static, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	orc := oracle.NewStatic()
	orc.Publish("feed-usdc", 1*fixed.PriceScale, time.Now())
	orc.Publish("feed-mkt1", 10*fixed.PriceScale, time.Now())

	eng := engine.New(ms, orc, nil, time.Minute, time.Second)
	svc := api.NewService(eng, adminToken, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return orc, r
}

func do(t *testing.T, router chi.Router, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// seedExchange configures USDC collateral and market 1 through the API.
func seedExchange(t *testing.T, router chi.Router) {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/treasury", api.TreasuryRequest{
		Mint: "USDC", Enabled: true, MarketWeight: d(1), Decimals: 6, FeedAddress: "feed-usdc",
	}, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("seed treasury: status %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "POST", "/api/v1/markets", api.AddMarketRequest{
		Index: 1, TakerFee: d(0.001), MakerFee: d(0.0005),
		Leverage: d(1), MarketWeight: d(1), FeedAddress: "feed-mkt1",
	}, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("seed market: status %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminGate(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/markets", api.AddMarketRequest{
		Index: 1, TakerFee: d(0.001), Leverage: d(1), MarketWeight: d(1), FeedAddress: "feed-mkt1",
	}, false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestAddMarketValidation(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/markets", api.AddMarketRequest{
		Index: 1, TakerFee: d(0.001), Leverage: d(0), MarketWeight: d(1), FeedAddress: "feed-mkt1",
	}, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero leverage, got %d", w.Code)
	}

	seedExchange(t, router)
	w = do(t, router, "POST", "/api/v1/markets", api.AddMarketRequest{
		Index: 1, TakerFee: d(0.001), Leverage: d(1), MarketWeight: d(1), FeedAddress: "feed-mkt1",
	}, true)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate market, got %d", w.Code)
	}
}

func TestTradeFlow(t *testing.T) {
	_, router := newTestEnv(t)
	seedExchange(t, router)

	w := do(t, router, "POST", "/api/v1/deposit", api.FundingRequest{
		Owner: "alice", Mint: "USDC", Amount: d(2000),
	}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: status %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/positions", api.PositionRequest{
		Owner: "alice", MarketIndex: 1,
	}, false)
	if w.Code != http.StatusCreated {
		t.Fatalf("add position: status %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/trade", api.TradeRequest{
		Owner: "alice", MarketIndex: 1, Amount: d(4),
	}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("trade: status %d: %s", w.Code, w.Body.String())
	}

	var resp api.TradeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode trade response: %v", err)
	}
	if !resp.Price.Equal(d(10)) {
		t.Errorf("price = %s, want 10", resp.Price)
	}
	if !resp.Fee.Equal(d(0.04)) {
		t.Errorf("fee = %s, want 0.04", resp.Fee)
	}
	if resp.Position.TokenAmount != 4*fixed.AmountScale {
		t.Errorf("position = %d, want %d", resp.Position.TokenAmount, 4*fixed.AmountScale)
	}

	// Portfolio reflects the trade.
	w = do(t, router, "GET", "/api/v1/accounts/alice", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("portfolio: status %d", w.Code)
	}
	var portfolio api.Portfolio
	if err := json.NewDecoder(w.Body).Decode(&portfolio); err != nil {
		t.Fatalf("decode portfolio: %v", err)
	}
	if len(portfolio.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(portfolio.Positions))
	}
	if !portfolio.Equity.Equal(d(1999.96)) {
		t.Errorf("equity = %s, want 1999.96", portfolio.Equity)
	}

	// Ledger carries the deposit and the trade.
	w = do(t, router, "GET", "/api/v1/accounts/alice/ledger", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("ledger: status %d", w.Code)
	}
	var entries []json.RawMessage
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatalf("decode ledger: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("ledger entries = %d, want 2", len(entries))
	}
}

func TestTradeRejections(t *testing.T) {
	_, router := newTestEnv(t)
	seedExchange(t, router)

	w := do(t, router, "POST", "/api/v1/trade", api.TradeRequest{
		Owner: "alice", MarketIndex: 9, Amount: d(1),
	}, false)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown market, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/trade", api.TradeRequest{
		Owner: "alice", MarketIndex: 1, Amount: d(0),
	}, false)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero amount, got %d", w.Code)
	}

	// Funded but over-leveraged.
	do(t, router, "POST", "/api/v1/deposit", api.FundingRequest{Owner: "alice", Mint: "USDC", Amount: d(100)}, false)
	do(t, router, "POST", "/api/v1/positions", api.PositionRequest{Owner: "alice", MarketIndex: 1}, false)
	w = do(t, router, "POST", "/api/v1/trade", api.TradeRequest{
		Owner: "alice", MarketIndex: 1, Amount: d(50),
	}, false)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for insufficient margin, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStalePriceReturns503(t *testing.T) {
	orc, router := newTestEnv(t)
	seedExchange(t, router)
	do(t, router, "POST", "/api/v1/deposit", api.FundingRequest{Owner: "alice", Mint: "USDC", Amount: d(100)}, false)
	do(t, router, "POST", "/api/v1/positions", api.PositionRequest{Owner: "alice", MarketIndex: 1}, false)

	orc.Publish("feed-mkt1", 10*fixed.PriceScale, time.Now().Add(-2*time.Minute))
	w := do(t, router, "POST", "/api/v1/trade", api.TradeRequest{
		Owner: "alice", MarketIndex: 1, Amount: d(1),
	}, false)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for stale price, got %d", w.Code)
	}
}

func TestGetPrice(t *testing.T) {
	_, router := newTestEnv(t)
	seedExchange(t, router)

	w := do(t, router, "GET", "/api/v1/markets/1/price", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("price: status %d", w.Code)
	}
	var resp map[string]decimal.Decimal
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode price: %v", err)
	}
	if !resp["price"].Equal(d(10)) {
		t.Errorf("price = %s, want 10", resp["price"])
	}

	w = do(t, router, "GET", "/api/v1/markets/9/price", nil, false)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown market, got %d", w.Code)
	}
}

func TestWithdrawRoundTrip(t *testing.T) {
	_, router := newTestEnv(t)
	seedExchange(t, router)

	do(t, router, "POST", "/api/v1/deposit", api.FundingRequest{Owner: "bob", Mint: "USDC", Amount: d(500)}, false)
	w := do(t, router, "POST", "/api/v1/withdraw", api.FundingRequest{Owner: "bob", Mint: "USDC", Amount: d(500)}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: status %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/withdraw", api.FundingRequest{Owner: "bob", Mint: "USDC", Amount: d(1)}, false)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for drained escrow, got %d", w.Code)
	}
}
