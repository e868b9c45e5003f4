// Package traderrors defines the structured domain errors surfaced on failed
// runs and in error envelopes. Codes are stable strings consumed by clients
// and by the trade_receipt artifact.
package traderrors

import (
	"errors"
	"fmt"
	"strings"
)

// Stable domain error codes.
const (
	CodeExecutionTimeout          = "EXECUTION_TIMEOUT"
	CodeProductDetailsUnavailable = "PRODUCT_DETAILS_UNAVAILABLE"
	CodeProductAPIRateLimited     = "PRODUCT_API_RATE_LIMITED"
	CodeUserRejected              = "USER_REJECTED"
	CodeInsufficientBalance       = "INSUFFICIENT_BALANCE"
	CodeMinNotionalTooHigh        = "MIN_NOTIONAL_TOO_HIGH"
	CodePolicyBlocked             = "POLICY_BLOCKED"
	CodeResearchFailed            = "RESEARCH_FAILED"
)

// TradeError is a domain failure with a stable code and optional remediation
// hint for the UI.
type TradeError struct {
	Code        string
	Message     string
	Remediation string
}

// Error implements error.
func (e *TradeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a TradeError.
func New(code, message string) *TradeError {
	return &TradeError{Code: code, Message: message}
}

// WithRemediation attaches a remediation hint.
func (e *TradeError) WithRemediation(hint string) *TradeError {
	e.Remediation = hint
	return e
}

// CodeOf extracts the structured error code from err. TradeErrors yield
// their code; otherwise the message is mapped onto known codes; anything
// else yields the generic INTERNAL_ERROR.
func CodeOf(err error) string {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Code
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout"):
		return CodeExecutionTimeout
	case strings.Contains(msg, "rate limit"):
		return CodeProductAPIRateLimited
	case strings.Contains(msg, "unknown product") || strings.Contains(msg, "product details"):
		return CodeProductDetailsUnavailable
	default:
		return "INTERNAL_ERROR"
	}
}
