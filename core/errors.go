package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownResource    = errors.New("unknown resource")
	ErrWalletUnavailable  = errors.New("wallet unavailable")
	ErrSigningFailed      = errors.New("signing failed")
	ErrPriceMismatch      = errors.New("payment does not match price")
	ErrExpired            = errors.New("payment proof expired")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrAlreadyConsumed    = errors.New("payment proof already consumed")
	ErrSettlementTimeout  = errors.New("settlement timed out")
	ErrSettlementRejected = errors.New("settlement rejected")
	ErrSessionExpired     = errors.New("session expired")

	ErrSessionNotFound      = errors.New("session not found")
	ErrReceiptNotFound      = errors.New("receipt not found")
	ErrMalformedProof       = errors.New("malformed payment proof")
	ErrUnrecognizedResponse = errors.New("unrecognized response")
)

// reasonCodes are the machine readable values of the "error" field in 402 bodies
var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrUnknownResource, "unknown_resource"},
	{ErrWalletUnavailable, "wallet_unavailable"},
	{ErrSigningFailed, "signing_failed"},
	{ErrPriceMismatch, "price_mismatch"},
	{ErrExpired, "expired"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrAlreadyConsumed, "already_consumed"},
	{ErrSettlementTimeout, "settlement_timeout"},
	{ErrSettlementRejected, "settlement_rejected"},
	{ErrSessionExpired, "session_expired"},
	{ErrSessionNotFound, "session_not_found"},
	{ErrMalformedProof, "malformed_proof"},
	{ErrUnrecognizedResponse, "unrecognized_response"},
}

// PaymentError is a protocol level rejection with a taxonomy reason
type PaymentError struct {
	Reason error
	Detail string
}

func (e *PaymentError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func (e *PaymentError) Unwrap() error {
	return e.Reason
}

// Reject builds a PaymentError for reason
func Reject(reason error, format string, args ...interface{}) error {
	return &PaymentError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonCode returns the wire code for err, or "internal_error" when err is
// not part of the payment taxonomy.
func ReasonCode(err error) string {
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return "internal_error"
}

// ErrorForCode maps a wire code back to its sentinel. Unknown codes map to
// ErrUnrecognizedResponse.
func ErrorForCode(code string) error {
	for _, rc := range reasonCodes {
		if rc.code == code {
			return rc.err
		}
	}
	return ErrUnrecognizedResponse
}

// IsPaymentError reports whether err belongs to the payment taxonomy
func IsPaymentError(err error) bool {
	return ReasonCode(err) != "internal_error"
}
