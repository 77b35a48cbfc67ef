// Package presale provides the HTTP handlers for quoting, buying, and
// claiming presale tokens, and for querying sale progress and investor
// positions.
//
// Amounts cross the wire as decimal strings in the asset's own precision
// ("1000.5" tokens, "12.25" USDT) and are returned both as base units and
// as display strings. Never float64.
package presale

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/engine"
	"github.com/atmx/presale-engine/internal/model"
	"github.com/atmx/presale-engine/internal/store"
)

// Service exposes the engine over HTTP.
type Service struct {
	engine *engine.Engine
	log    *slog.Logger
}

// NewService creates the HTTP service. A nil logger uses slog.Default().
func NewService(e *engine.Engine, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{engine: e, log: log}
}

// --- Request/Response types ---

// PurchaseRequest is the JSON body for POST /purchase.
type PurchaseRequest struct {
	Investor string `json:"investor"`
	Amount   string `json:"amount"` // tokens, e.g. "1000"
	Asset    string `json:"asset"`  // ETH, USDT, USDC, DAI
}

// ClaimRequest is the JSON body for POST /claim.
type ClaimRequest struct {
	Investor string `json:"investor"`
}

// ProgressView is sale progress with display strings alongside base units.
type ProgressView struct {
	model.Progress
	FundsRaisedDisplay string `json:"funds_raised_display"`
	HardcapDisplay     string `json:"hardcap_display"`
	SoftcapDisplay     string `json:"softcap_display"`
	RemainingDisplay   string `json:"remaining_display"`
	TokensSoldDisplay  string `json:"total_tokens_sold_display"`
}

func progressView(p model.Progress) ProgressView {
	return ProgressView{
		Progress:           p,
		FundsRaisedDisplay: p.FundsRaised.Display(2),
		HardcapDisplay:     p.Hardcap.Display(2),
		SoftcapDisplay:     p.Softcap.Display(2),
		RemainingDisplay:   p.Remaining.Display(2),
		TokensSoldDisplay:  p.TotalTokensSold.Display(2),
	}
}

// WindowView is the sale window with remaining times in whole seconds.
type WindowView struct {
	State           string    `json:"state"`
	Now             time.Time `json:"now"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	ClaimTime       time.Time `json:"claim_time"`
	StartsInSeconds int64     `json:"starts_in_seconds"`
	EndsInSeconds   int64     `json:"ends_in_seconds"`
	ClaimInSeconds  int64     `json:"claim_in_seconds"`
}

// QuoteView is a quote with display strings.
type QuoteView struct {
	model.Quote
	AssetSymbol     string `json:"asset_symbol"`
	TokensDisplay   string `json:"token_amount_display"`
	PaymentDisplay  string `json:"payment_amount_display"`
	BufferedDisplay string `json:"buffered_amount_display"`
}

// SaleView is the immutable sale configuration plus accepted assets.
type SaleView struct {
	model.SaleConfig
	Assets []AssetView `json:"assets"`
}

// AssetView describes an accepted payment asset.
type AssetView struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Address  string `json:"address,omitempty"`
}

// --- HTTP Handlers ---

// GetSale handles GET /api/v1/sale
func (s *Service) GetSale(w http.ResponseWriter, r *http.Request) {
	view := SaleView{SaleConfig: s.engine.Config()}
	for _, a := range s.engine.Assets() {
		av := AssetView{Symbol: a.Symbol, Decimals: a.Decimals}
		if !a.IsNative() {
			av.Address = a.Address.Hex()
		}
		view.Assets = append(view.Assets, av)
	}
	writeJSON(w, http.StatusOK, view)
}

// GetProgress handles GET /api/v1/sale/progress
func (s *Service) GetProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, progressView(s.engine.Progress()))
}

// GetWindow handles GET /api/v1/sale/window
func (s *Service) GetWindow(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.WindowState(r.Context())
	writeJSON(w, http.StatusOK, WindowView{
		State:           snap.State.String(),
		Now:             snap.Now,
		StartTime:       snap.StartTime,
		EndTime:         snap.EndTime,
		ClaimTime:       snap.ClaimTime,
		StartsInSeconds: int64(snap.StartsIn / time.Second),
		EndsInSeconds:   int64(snap.EndsIn / time.Second),
		ClaimInSeconds:  int64(snap.ClaimIn / time.Second),
	})
}

// GetQuote handles GET /api/v1/quote?amount=1000&asset=ETH
// amount is the desired token amount.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	a, ok := s.queryAsset(w, r)
	if !ok {
		return
	}
	tokens, err := amount.Parse(r.URL.Query().Get("amount"), asset.TokenDecimals)
	if err != nil {
		writeError(w, "amount must be a token amount with at most 18 decimals", http.StatusBadRequest)
		return
	}
	q, err := s.engine.Quote(r.Context(), tokens, a.Kind)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteView(q, a))
}

// GetPaymentQuote handles GET /api/v1/quote/payment?amount=0.5&asset=ETH
// amount is the payment in the asset's precision.
func (s *Service) GetPaymentQuote(w http.ResponseWriter, r *http.Request) {
	a, ok := s.queryAsset(w, r)
	if !ok {
		return
	}
	payment, err := amount.Parse(r.URL.Query().Get("amount"), a.Decimals)
	if err != nil {
		writeError(w, "amount must be a "+a.Symbol+" amount", http.StatusBadRequest)
		return
	}
	q, err := s.engine.QuoteForPayment(r.Context(), payment, a.Kind)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteView(q, a))
}

// Purchase handles POST /api/v1/purchase
// Blocks until the ledger settles the purchase.
func (s *Service) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	investor, err := asset.ParseAddress(req.Investor)
	if err != nil {
		writeError(w, "investor must be a hex address", http.StatusBadRequest)
		return
	}
	a, err := s.lookupAsset(req.Asset)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	tokens, err := amount.Parse(req.Amount, asset.TokenDecimals)
	if err != nil {
		writeError(w, "amount must be a token amount with at most 18 decimals", http.StatusBadRequest)
		return
	}

	receipt, err := s.engine.Purchase(r.Context(), investor, tokens, a.Kind)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// Claim handles POST /api/v1/claim
func (s *Service) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	investor, err := asset.ParseAddress(req.Investor)
	if err != nil {
		writeError(w, "investor must be a hex address", http.StatusBadRequest)
		return
	}
	receipt, err := s.engine.Claim(r.Context(), investor)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// GetInvestor handles GET /api/v1/investors/{address}
func (s *Service) GetInvestor(w http.ResponseWriter, r *http.Request) {
	investor, ok := pathAddress(w, r)
	if !ok {
		return
	}
	inv, err := s.engine.Investor(r.Context(), investor)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// ListInvestors handles GET /api/v1/investors
func (s *Service) ListInvestors(w http.ResponseWriter, r *http.Request) {
	investors, err := s.engine.Investors(r.Context())
	if err != nil {
		s.log.Error("investor listing failed", "err", err)
		writeError(w, "failed to list investors", http.StatusInternalServerError)
		return
	}
	if investors == nil {
		investors = []model.Investor{}
	}
	writeJSON(w, http.StatusOK, investors)
}

// GetReceipts handles GET /api/v1/investors/{address}/receipts
func (s *Service) GetReceipts(w http.ResponseWriter, r *http.Request) {
	investor, ok := pathAddress(w, r)
	if !ok {
		return
	}
	receipts, err := s.engine.Receipts(r.Context(), investor)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("receipts lookup failed", "investor", investor.Hex(), "err", err)
		writeError(w, "failed to load receipts", http.StatusInternalServerError)
		return
	}
	if receipts == nil {
		receipts = []model.Receipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

// GetAllowance handles GET /api/v1/investors/{address}/allowance/{asset}
// Reports any allowance left by an interrupted stablecoin purchase.
func (s *Service) GetAllowance(w http.ResponseWriter, r *http.Request) {
	investor, ok := pathAddress(w, r)
	if !ok {
		return
	}
	a, err := s.lookupAsset(chi.URLParam(r, "asset"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status, err := s.engine.ReconcileAllowance(r.Context(), investor, a.Kind)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- helpers ---

func (s *Service) lookupAsset(symbol string) (asset.Asset, error) {
	k, err := asset.Parse(symbol)
	if err != nil {
		return asset.Asset{}, &engine.Error{Code: engine.CodeUnsupportedAsset, Msg: "unknown asset " + symbol, Err: err}
	}
	for _, a := range s.engine.Assets() {
		if a.Kind == k {
			return a, nil
		}
	}
	return asset.Asset{}, &engine.Error{Code: engine.CodeUnsupportedAsset, Msg: k.String() + " is not accepted"}
}

func (s *Service) queryAsset(w http.ResponseWriter, r *http.Request) (asset.Asset, bool) {
	a, err := s.lookupAsset(r.URL.Query().Get("asset"))
	if err != nil {
		s.writeEngineError(w, err)
		return asset.Asset{}, false
	}
	return a, true
}

func pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, err := asset.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, "address must be a hex address", http.StatusBadRequest)
		return common.Address{}, false
	}
	return addr, true
}

func quoteView(q model.Quote, a asset.Asset) QuoteView {
	return QuoteView{
		Quote:           q,
		AssetSymbol:     a.Symbol,
		TokensDisplay:   q.TokenAmount.String(),
		PaymentDisplay:  q.PaymentAmount.String(),
		BufferedDisplay: q.BufferedAmount.String(),
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error            string          `json:"error"`
	Code             string          `json:"code,omitempty"`
	Retriable        bool            `json:"retriable,omitempty"`
	RemainingSeconds int64           `json:"remaining_seconds,omitempty"`
	Residue          *engine.Residue `json:"residue,omitempty"`
}

// StatusFor maps an engine error code to an HTTP status.
func StatusFor(code engine.Code) int {
	switch code {
	case engine.CodeInvalidAmount, engine.CodeUnsupportedAsset:
		return http.StatusBadRequest
	case engine.CodeLedgerUnavailable:
		return http.StatusServiceUnavailable
	case engine.CodeOverflow, "":
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func (s *Service) writeEngineError(w http.ResponseWriter, err error) {
	var e *engine.Error
	if !errors.As(err, &e) {
		s.log.Error("unexpected error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	body := errorBody{
		Error:     strings.TrimPrefix(e.Error(), string(e.Code)+": "),
		Code:      string(e.Code),
		Retriable: e.IsRetriable(),
		Residue:   e.Residue,
	}
	if e.Remaining > 0 {
		body.RemainingSeconds = int64(e.Remaining / time.Second)
	}
	status := StatusFor(e.Code)
	if e.Code == engine.CodeLedgerUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, errorBody{Error: msg})
}
