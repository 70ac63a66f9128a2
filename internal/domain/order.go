package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OrderStatus is the lifecycle stage of an order. Stages advance strictly
// forward; "failed" is reachable from any non-terminal stage.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusRouting   OrderStatus = "routing"
	StatusBuilding  OrderStatus = "building"
	StatusSubmitted OrderStatus = "submitted"
	StatusConfirmed OrderStatus = "confirmed"
	StatusFailed    OrderStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Order represents one requested token swap tracked through its execution
// lifecycle. It is created once at submission and mutated only by the
// orchestrator; once terminal it is immutable.
type Order struct {
	ID          string          `gorm:"primaryKey" json:"order_id"`
	WalletID    string          `json:"wallet_id"`
	TokenIn     string          `json:"token_in"`
	TokenOut    string          `json:"token_out"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	SlippageBps int64           `json:"slippage_bps"`
	Status      OrderStatus     `gorm:"index" json:"status"`

	// Populated once routing/execution completes.
	Venue         string           `json:"venue,omitempty"`
	Quotes        datatypes.JSON   `gorm:"type:TEXT" json:"quotes,omitempty"`
	ExecutedPrice *decimal.Decimal `json:"executed_price,omitempty"`
	AmountOut     *decimal.Decimal `json:"amount_out,omitempty"`
	TxRef         string           `json:"tx_ref,omitempty"`
	ErrorMsg      string           `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attempt records one execution try of an order. Attempt numbers are 1-based,
// unique per order and never reused; a row may be upserted as the attempt
// progresses but historical attempts are never deleted.
type Attempt struct {
	ID       uint        `gorm:"primaryKey;autoIncrement" json:"-"`
	OrderID  string      `gorm:"index:idx_order_attempt,unique" json:"order_id"`
	Number   int         `gorm:"index:idx_order_attempt,unique" json:"attempt"`
	Stage    OrderStatus `json:"stage"`
	Venue    string      `json:"venue,omitempty"`
	ErrorMsg string      `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
