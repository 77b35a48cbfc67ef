// Package model defines the core domain types shared across the presale engine.
// All monetary and token values are amount.Amount, never float64.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
)

// SaleConfig is fixed at sale creation and owned by the ledger.
// Softcap and Hardcap are in quote-asset units.
type SaleConfig struct {
	Softcap              amount.Amount `json:"softcap"`
	Hardcap              amount.Amount `json:"hardcap"`
	StartTime            time.Time     `json:"start_time"`
	EndTime              time.Time     `json:"end_time"`
	ClaimTime            time.Time     `json:"claim_time"`
	PresaleSupply        amount.Amount `json:"presale_supply"` // 18-decimal token units
	TokenPercentOfSupply uint8         `json:"token_percent_of_supply"`
}

// SaleState is the ledger-authoritative progress of the sale. Both fields
// only grow until the sale ends.
type SaleState struct {
	FundsRaised     amount.Amount `json:"funds_raised"`
	TotalTokensSold amount.Amount `json:"total_tokens_sold"`
	SyncedAt        time.Time     `json:"synced_at"`
}

// Investor is an address that has purchased tokens. Claimed flips exactly once.
type Investor struct {
	Address              common.Address `json:"address" db:"address"`
	TokenAmountAllocated amount.Amount  `json:"token_amount_allocated" db:"token_amount_allocated"`
	Claimed              bool           `json:"claimed" db:"claimed"`
	UpdatedAt            time.Time      `json:"updated_at" db:"updated_at"`
}

// ReceiptKind distinguishes purchase and claim receipts.
type ReceiptKind string

const (
	ReceiptPurchase ReceiptKind = "purchase"
	ReceiptClaim    ReceiptKind = "claim"
)

// Receipt is an immutable record of a settled purchase or claim.
// TokenAmount and PaymentAmount are what the ledger actually granted.
type Receipt struct {
	ID            string         `json:"id" db:"id"`
	Kind          ReceiptKind    `json:"kind" db:"kind"`
	Investor      common.Address `json:"investor" db:"investor"`
	TokenAmount   amount.Amount  `json:"token_amount" db:"token_amount"`
	PaymentAmount amount.Amount  `json:"payment_amount" db:"payment_amount"`
	Refunded      amount.Amount  `json:"refunded" db:"refunded"`
	Asset         asset.Kind     `json:"asset,omitempty" db:"asset"` // zero for claims
	TxID          string         `json:"tx_id" db:"tx_id"`
	Timestamp     time.Time      `json:"timestamp" db:"timestamp"`
}

// Quote is a derived price/amount pair. It is recomputed on every request
// and never persisted.
type Quote struct {
	TokenAmount    amount.Amount `json:"token_amount"`
	PaymentAmount  amount.Amount `json:"payment_amount"`
	BufferedAmount amount.Amount `json:"buffered_amount"` // what is submitted; equals PaymentAmount for stablecoins
	Asset          asset.Kind    `json:"asset"`
	QuoteValue     amount.Amount `json:"quote_value"` // BufferedAmount in quote-asset units, used for cap reservation
	QuotedAt       time.Time     `json:"quoted_at"`
}

// Progress reports funds raised against the caps.
type Progress struct {
	FundsRaised     amount.Amount `json:"funds_raised"`
	Pending         amount.Amount `json:"pending"`
	Hardcap         amount.Amount `json:"hardcap"`
	Softcap         amount.Amount `json:"softcap"`
	Remaining       amount.Amount `json:"remaining"` // capacity left under the hardcap
	Percent         uint64        `json:"percent"`
	PercentExact    string        `json:"percent_exact"`
	SoftcapReached  bool          `json:"softcap_reached"`
	TotalTokensSold amount.Amount `json:"total_tokens_sold"`
	PresaleSupply   amount.Amount `json:"presale_supply"`
}
