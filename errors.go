package ivxp

import (
	"errors"
	"fmt"
)

// ProtocolError represents a protocol-level failure with a stable code.
// Calling layers map codes to transport responses; codes never change once
// published.
type ProtocolError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Store and state-machine integrity codes
const (
	ErrCodeInvalidOrderID              = "invalid_order_id"
	ErrCodeOrderAlreadyExists          = "order_already_exists"
	ErrCodeOrderNotFound               = "order_not_found"
	ErrCodeOrderConcurrentModification = "order_concurrent_modification"
	ErrCodeInvalidOrderState           = "invalid_order_state"
)

// Payment integrity codes
const (
	ErrCodePaymentNotFound       = "payment_not_found"
	ErrCodePaymentAmountMismatch = "payment_amount_mismatch"
	ErrCodePaymentRejected       = "payment_rejected"
	ErrCodeInsufficientBalance   = "insufficient_balance"
)

// Request handling codes
const (
	ErrCodeUnsupportedService  = "unsupported_service"
	ErrCodeUnsupportedNetwork  = "unsupported_network"
	ErrCodeBudgetTooLow        = "budget_too_low"
	ErrCodeQuoteExpired        = "quote_expired"
	ErrCodeSignatureInvalid    = "signature_invalid"
	ErrCodeDeliverableNotReady = "deliverable_not_ready"
)

// NewProtocolError creates a new protocol error.
func NewProtocolError(code, message string, details map[string]interface{}) *ProtocolError {
	return &ProtocolError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// IsCode reports whether err (or anything it wraps) is a ProtocolError
// carrying the given code.
func IsCode(err error, code string) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
