package domain

import "github.com/shopspring/decimal"

// Quote is a single venue's price for a swap. Quotes are ephemeral: they are
// produced per routing call and embedded into order/attempt records, never
// persisted standalone.
type Quote struct {
	Venue     string          `json:"venue"`
	Price     decimal.Decimal `json:"price"`      // unit price token_in -> token_out
	AmountOut decimal.Decimal `json:"amount_out"` // net of fee
	Fee       decimal.Decimal `json:"fee"`        // absolute fee amount
	FeePct    decimal.Decimal `json:"fee_pct"`
}

// ExecutionResult is the outcome of a successful trade execution.
type ExecutionResult struct {
	TxRef         string          `json:"tx_ref"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	AmountOut     decimal.Decimal `json:"amount_out"`
	SlippageBps   decimal.Decimal `json:"slippage_bps"` // realized, absolute
}
