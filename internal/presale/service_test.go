package presale_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/engine"
	"github.com/atmx/presale-engine/internal/ledger"
	"github.com/atmx/presale-engine/internal/ledger/memledger"
	"github.com/atmx/presale-engine/internal/model"
	"github.com/atmx/presale-engine/internal/presale"
	"github.com/atmx/presale-engine/internal/pricing"
)

const (
	alice = "0x00000000000000000000000000000000000A11CE"
	bob   = "0x0000000000000000000000000000000000000B0B"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type testEnv struct {
	router chi.Router
	ledger *memledger.Ledger
	clock  *clock
	hub    *presale.WSHub
}

// newTestEnv creates an engine over an in-memory ledger and the full router.
func newTestEnv(t *testing.T, cfg presale.RouterConfig, ledgerOpts ...memledger.Option) *testEnv {
	t.Helper()
	oracle, err := pricing.NewOracle(asset.Sepolia(), asset.USDT, map[asset.Kind]amount.Amount{
		asset.USDT:   amount.New(100, 6),
		asset.USDC:   amount.New(100, 6),
		asset.DAI:    amount.New(100, 6),
		asset.Native: amount.New(40_000_000_000, 18),
	}, pricing.DefaultBufferBps)
	if err != nil {
		t.Fatalf("NewOracle: %v", err)
	}
	sale := model.SaleConfig{
		Softcap:       amount.New(300_000_000_000, 6),
		Hardcap:       amount.New(1_020_000_000_000, 6),
		StartTime:     t0,
		EndTime:       t0.Add(30 * 24 * time.Hour),
		ClaimTime:     t0.Add(31 * 24 * time.Hour),
		PresaleSupply: amount.MustUnits("10000000000000000000000000000", 18),
	}
	c := &clock{now: t0.Add(24 * time.Hour)}
	opts := append([]memledger.Option{memledger.WithClock(c.Now), memledger.WithOpenBalances()}, ledgerOpts...)
	l, err := memledger.New(sale, oracle, opts...)
	if err != nil {
		t.Fatalf("memledger.New: %v", err)
	}

	hub := presale.NewWSHub(nil)
	go hub.Run()
	t.Cleanup(hub.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(context.Background(), l, oracle,
		engine.WithClock(c.Now),
		engine.WithNotifier(hub),
		engine.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	svc := presale.NewService(e, logger)
	return &testEnv{router: presale.NewRouter(svc, hub, cfg), ledger: l, clock: c, hub: hub}
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

type errorResp struct {
	Error            string       `json:"error"`
	Code             string       `json:"code"`
	Retriable        bool         `json:"retriable"`
	RemainingSeconds int64        `json:"remaining_seconds"`
	Residue          *residueResp `json:"residue"`
}

type residueResp struct {
	Asset     string `json:"asset"`
	Allowance string `json:"allowance"`
	TxID      string `json:"tx_id"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResp {
	t.Helper()
	var resp errorResp
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})
	w := env.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response %d %s", w.Code, w.Body.String())
	}
}

func TestGetSale(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})
	w := env.do(t, "GET", "/api/v1/sale", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Hardcap string              `json:"hardcap"`
		Assets  []presale.AssetView `json:"assets"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Hardcap != "1020000000000" {
		t.Errorf("expected hardcap in base units, got %s", resp.Hardcap)
	}
	if len(resp.Assets) != 4 || resp.Assets[0].Symbol != "ETH" || resp.Assets[0].Address != "" {
		t.Errorf("unexpected assets %+v", resp.Assets)
	}
}

func TestGetWindow(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})
	env.clock.Set(t0.Add(30*24*time.Hour + 12*time.Hour))
	w := env.do(t, "GET", "/api/v1/sale/window", nil)
	var resp presale.WindowView
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.State != "ended" {
		t.Errorf("expected ended, got %s", resp.State)
	}
	if resp.ClaimInSeconds != 12*3600 {
		t.Errorf("expected 12h until claim, got %ds", resp.ClaimInSeconds)
	}
}

func TestGetQuote(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})
	w := env.do(t, "GET", "/api/v1/quote?amount=1000&asset=eth", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		PaymentAmount   string `json:"payment_amount"`
		BufferedAmount  string `json:"buffered_amount"`
		Asset           string `json:"asset"`
		BufferedDisplay string `json:"buffered_amount_display"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.PaymentAmount != "40000000000000" || resp.BufferedAmount != "41200000000000" {
		t.Errorf("unexpected native quote %+v", resp)
	}
	if resp.Asset != "ETH" || resp.BufferedDisplay != "0.0000412" {
		t.Errorf("unexpected asset/display %+v", resp)
	}
}

func TestGetQuote_BadInput(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})

	w := env.do(t, "GET", "/api/v1/quote?amount=abc&asset=USDT", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad amount, got %d", w.Code)
	}
	w = env.do(t, "GET", "/api/v1/quote?amount=1&asset=DOGE", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown asset, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != "unsupported_asset" {
		t.Errorf("expected unsupported_asset, got %q", resp.Code)
	}
	w = env.do(t, "GET", "/api/v1/quote?amount=0&asset=USDT", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero amount, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != "invalid_amount" {
		t.Errorf("expected invalid_amount, got %q", resp.Code)
	}
}

func TestGetPaymentQuote(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})
	w := env.do(t, "GET", "/api/v1/quote/payment?amount=0.1&asset=USDC", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		TokenAmount string `json:"token_amount"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.TokenAmount != "1000000000000000000000" {
		t.Errorf("expected 1000 tokens, got %s", resp.TokenAmount)
	}
}

func TestPurchaseAndClaim(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})

	w := env.do(t, "POST", "/api/v1/purchase", presale.PurchaseRequest{Investor: alice, Amount: "1000", Asset: "USDT"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var receipt struct {
		Kind        string `json:"kind"`
		Asset       string `json:"asset"`
		TokenAmount string `json:"token_amount"`
	}
	if err := json.NewDecoder(w.Body).Decode(&receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.Kind != string(model.ReceiptPurchase) || receipt.Asset != "USDT" || receipt.TokenAmount != "1000000000000000000000" {
		t.Errorf("unexpected receipt %+v", receipt)
	}

	w = env.do(t, "GET", "/api/v1/sale/progress", nil)
	var progress struct {
		FundsRaised        string `json:"funds_raised"`
		FundsRaisedDisplay string `json:"funds_raised_display"`
	}
	json.NewDecoder(w.Body).Decode(&progress)
	if progress.FundsRaised != "100000" || progress.FundsRaisedDisplay != "0.10" {
		t.Errorf("unexpected progress %+v", progress)
	}

	w = env.do(t, "POST", "/api/v1/claim", presale.ClaimRequest{Investor: alice})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 before claim time, got %d", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Code != "claim_not_open" || resp.RemainingSeconds != 30*24*3600 {
		t.Errorf("unexpected claim error %+v", resp)
	}

	env.clock.Set(t0.Add(31 * 24 * time.Hour))
	w = env.do(t, "POST", "/api/v1/claim", presale.ClaimRequest{Investor: alice})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "POST", "/api/v1/claim", presale.ClaimRequest{Investor: alice})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second claim, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != "already_claimed" {
		t.Errorf("expected already_claimed, got %q", resp.Code)
	}

	w = env.do(t, "GET", "/api/v1/investors/"+alice, nil)
	var inv struct {
		TokenAmountAllocated string `json:"token_amount_allocated"`
		Claimed              bool   `json:"claimed"`
	}
	json.NewDecoder(w.Body).Decode(&inv)
	if inv.TokenAmountAllocated != "1000000000000000000000" || !inv.Claimed {
		t.Errorf("unexpected investor %+v", inv)
	}

	w = env.do(t, "GET", "/api/v1/investors/"+alice+"/receipts", nil)
	var receipts []json.RawMessage
	json.NewDecoder(w.Body).Decode(&receipts)
	if len(receipts) != 2 {
		t.Errorf("expected purchase and claim receipts, got %d", len(receipts))
	}
}

func TestListInvestors(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})

	w := env.do(t, "GET", "/api/v1/investors", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %s", w.Code, w.Body.String())
	}

	for _, investor := range []string{alice, bob} {
		w = env.do(t, "POST", "/api/v1/purchase", presale.PurchaseRequest{Investor: investor, Amount: "1000", Asset: "USDT"})
		if w.Code != http.StatusCreated {
			t.Fatalf("purchase for %s: %d %s", investor, w.Code, w.Body.String())
		}
	}

	w = env.do(t, "GET", "/api/v1/investors", nil)
	var investors []struct {
		Address string `json:"address"`
		Tokens  string `json:"token_amount_allocated"`
		Claimed bool   `json:"claimed"`
	}
	if err := json.NewDecoder(w.Body).Decode(&investors); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(investors) != 2 {
		t.Fatalf("expected 2 investors, got %d", len(investors))
	}
	if !strings.EqualFold(investors[0].Address, bob) || !strings.EqualFold(investors[1].Address, alice) {
		t.Errorf("unexpected order %s, %s", investors[0].Address, investors[1].Address)
	}
	if investors[0].Tokens != "1000000000000000000000" || investors[0].Claimed {
		t.Errorf("unexpected investor %+v", investors[0])
	}
}

func TestGetProgress_Remaining(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})
	w := env.do(t, "POST", "/api/v1/purchase", presale.PurchaseRequest{Investor: alice, Amount: "1000", Asset: "USDT"})
	if w.Code != http.StatusCreated {
		t.Fatalf("purchase: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/sale/progress", nil)
	var progress struct {
		Remaining        string `json:"remaining"`
		RemainingDisplay string `json:"remaining_display"`
	}
	if err := json.NewDecoder(w.Body).Decode(&progress); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 1020000 USDT hardcap less 0.1 USDT raised.
	if progress.Remaining != "1019999900000" || progress.RemainingDisplay != "1019999.90" {
		t.Errorf("unexpected remaining %+v", progress)
	}
}

func TestPurchase_BeforeStart(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})
	env.clock.Set(t0.Add(-time.Hour))
	w := env.do(t, "POST", "/api/v1/purchase", presale.PurchaseRequest{Investor: alice, Amount: "1000", Asset: "ETH"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Code != "sale_not_active" || resp.RemainingSeconds != 3600 {
		t.Errorf("unexpected error %+v", resp)
	}
}

func TestPurchase_InvalidBody(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})
	req := httptest.NewRequest("POST", "/api/v1/purchase", strings.NewReader("{"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/purchase", presale.PurchaseRequest{Investor: "nope", Amount: "1", Asset: "USDT"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad address, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/purchase", presale.PurchaseRequest{Investor: alice, Amount: "1.0000000000000000001", Asset: "USDT"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for excess precision, got %d", w.Code)
	}
}

func TestPurchase_ResidueInErrorBody(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})
	env.ledger.FailNext(memledger.OpBuyStable, ledger.ErrReverted)

	w := env.do(t, "POST", "/api/v1/purchase", presale.PurchaseRequest{Investor: bob, Amount: "1000", Asset: "DAI"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeError(t, w)
	if resp.Code != "transfer_failed" || resp.Residue == nil {
		t.Fatalf("expected transfer_failed with residue, got %+v", resp)
	}
	if resp.Residue.Asset != "DAI" || resp.Residue.Allowance != "100000" || resp.Residue.TxID == "" {
		t.Errorf("unexpected residue %+v", resp.Residue)
	}

	w = env.do(t, "GET", "/api/v1/investors/"+bob+"/allowance/DAI", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var status struct {
		Allowance string `json:"allowance"`
	}
	json.NewDecoder(w.Body).Decode(&status)
	if status.Allowance != "100000" {
		t.Errorf("expected residual allowance 100000, got %s", status.Allowance)
	}

	w = env.do(t, "GET", "/api/v1/investors/"+bob+"/allowance/ETH", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for native allowance, got %d", w.Code)
	}
}

func TestLedgerUnavailable(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})
	env.ledger.SetUnavailable(true)
	w := env.do(t, "POST", "/api/v1/purchase", presale.PurchaseRequest{Investor: alice, Amount: "1000", Asset: "USDC"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Errorf("expected Retry-After header")
	}
	if resp := decodeError(t, w); !resp.Retriable {
		t.Errorf("expected retriable error")
	}
}

func TestInvestor_BadAddress(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})
	w := env.do(t, "GET", "/api/v1/investors/0x123", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	w = env.do(t, "GET", "/api/v1/investors/"+bob+"/receipts", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty receipts, got %d %s", w.Code, w.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[engine.Code]int{
		engine.CodeSaleNotActive:     http.StatusConflict,
		engine.CodeCapExceeded:       http.StatusConflict,
		engine.CodeCancelled:         http.StatusConflict,
		engine.CodeInvalidAmount:     http.StatusBadRequest,
		engine.CodeUnsupportedAsset:  http.StatusBadRequest,
		engine.CodeLedgerUnavailable: http.StatusServiceUnavailable,
		engine.CodeOverflow:          http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := presale.StatusFor(code); got != want {
			t.Errorf("%s: expected %d, got %d", code, want, got)
		}
	}
}

func TestRateLimitOnWrites(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{WriteLimit: presale.RateLimit{RequestsPerMinute: 1, Burst: 1}})
	body := presale.ClaimRequest{Investor: alice}
	if w := env.do(t, "POST", "/api/v1/claim", body); w.Code == http.StatusTooManyRequests {
		t.Fatalf("first request should not be limited")
	}
	w := env.do(t, "POST", "/api/v1/claim", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Errorf("expected Retry-After header")
	}
	// Reads are not limited.
	for i := 0; i < 3; i++ {
		if w := env.do(t, "GET", "/api/v1/sale/progress", nil); w.Code != http.StatusOK {
			t.Fatalf("read limited: %d", w.Code)
		}
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{AllowedOrigins: []string{"https://presale.example"}})
	req := httptest.NewRequest("OPTIONS", "/api/v1/purchase", nil)
	req.Header.Set("Origin", "https://presale.example")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://presale.example" {
		t.Errorf("unexpected allow-origin %q", got)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow-origin for unlisted origin %q", got)
	}
}

func TestWebSocketReceivesPurchase(t *testing.T) {
	env := newTestEnv(t, presale.RouterConfig{})
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	body, _ := json.Marshal(presale.PurchaseRequest{Investor: alice, Amount: "1000", Asset: "ETH"})
	resp, err := http.Post(srv.URL+"/api/v1/purchase", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg struct {
			Type    string `json:"type"`
			Receipt *struct {
				Asset string `json:"asset"`
			} `json:"receipt"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Type != string(engine.EventPurchase) {
			continue
		}
		if msg.Receipt == nil || msg.Receipt.Asset != "ETH" {
			t.Errorf("unexpected purchase event %s", data)
		}
		return
	}
}
