package parallaxpay

import (
	"errors"

	"github.com/parallaxpay/parallaxpay/core"
)

// PaymentError is returned by Client.Do when the server refuses a payment.
// Its Reason is one of the core taxonomy errors, so errors.Is works on it.
type PaymentError = core.PaymentError

var (
	// ErrBodyNotReplayable is returned when a request body cannot be sent twice
	ErrBodyNotReplayable = errors.New("request body cannot be replayed, set GetBody")

	// ErrTooManyAttempts is returned when the server keeps asking for payment
	ErrTooManyAttempts = errors.New("payment attempts exhausted")
)
