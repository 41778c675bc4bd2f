// Package payment initiates and verifies on-chain stablecoin transfers.
//
// All user-facing amounts are decimal token units; every comparison and every
// submitted value is converted to the token's smallest integer unit first so
// no floating-point arithmetic ever touches money.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// Expectation describes the transfer a verifier requires: who paid, who was
// paid, and exactly how much, in decimal token units.
type Expectation struct {
	From   string
	To     string
	Amount decimal.Decimal
}

// Transaction status values reported by GetTransactionStatus.
const (
	TxPending = "pending"
	TxSuccess = "success"
	TxFailed  = "failed"
)

// TxStatus is the confirmation state of a submitted transfer.
type TxStatus struct {
	Status        string `json:"status"`
	BlockNumber   uint64 `json:"blockNumber"`
	Confirmations uint64 `json:"confirmations"`
}

// Service is the on-chain payment rail used by both protocol roles.
//
// Verify returns false, not an error, when the transaction is real but moves
// money between the wrong parties; the caller decides what that means. An
// amount mismatch is always a payment_amount_mismatch error: silently
// accepting a short payment would be a financial integrity failure.
type Service interface {
	Send(ctx context.Context, to string, amount decimal.Decimal) (string, error)
	Verify(ctx context.Context, txHash string, expected Expectation) (bool, error)
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	GetTransactionStatus(ctx context.Context, txHash string) (*TxStatus, error)
}
