package core

import (
	"fmt"
	"strconv"
	"time"
)

const (
	// X402Version is the protocol version advertised in challenges and proofs
	X402Version = 1

	// SchemeExact pays exactly the advertised amount
	SchemeExact = "exact"
)

// PriceQuote identifies exactly one priced access attempt
type PriceQuote struct {
	ResourceID string    // Configured resource identifier
	Amount     uint64    // Price in the asset's smallest unit
	Asset      string    // Mint address of the settlement asset
	PayTo      string    // Recipient wallet address
	Network    string    // Ledger network identifier, e.g. solana-devnet
	ExpiresAt  time.Time // After this the quote must be fetched again
}

// PaymentRequirements is the wire form of a PriceQuote returned with 402
type PaymentRequirements struct {
	X402Version       int               `json:"x402Version"`
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	Asset             string            `json:"asset"`
	PayTo             string            `json:"payTo"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	MimeType          string            `json:"mimeType"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description,omitempty"`
	Extra             RequirementsExtra `json:"extra"`
}

// RequirementsExtra carries scheme specific hints for the payer
type RequirementsExtra struct {
	ResourceID string `json:"resourceId"`
	FeePayer   string `json:"feePayer,omitempty"`
	Decimals   uint8  `json:"decimals"`
}

// Amount parses MaxAmountRequired
func (r *PaymentRequirements) Amount() (uint64, error) {
	amount, err := strconv.ParseUint(r.MaxAmountRequired, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", r.MaxAmountRequired, err)
	}
	return amount, nil
}

// MaxTimeout returns MaxTimeoutSeconds as a duration
func (r *PaymentRequirements) MaxTimeout() time.Duration {
	return time.Duration(r.MaxTimeoutSeconds) * time.Second
}

// PaymentPayload is the signed part of a proof. Field order is part of the
// signed encoding and must not change.
type PaymentPayload struct {
	Amount     string `json:"amount"`
	Recipient  string `json:"recipient"`
	ResourceID string `json:"resourceId"`
	Nonce      string `json:"nonce"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	Expiry     int64  `json:"expiry"`    // unix milliseconds
}

// IssuedAt returns Timestamp as a time
func (p PaymentPayload) IssuedAt() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// ExpiresAt returns Expiry as a time
func (p PaymentPayload) ExpiresAt() time.Time {
	return time.UnixMilli(p.Expiry)
}

// PaymentProof is the client constructed artifact sent in the X-Payment header
type PaymentProof struct {
	X402Version       int            `json:"x402Version"`
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	Payload           PaymentPayload `json:"payload"`
	Signature         string         `json:"signature"`         // base58, detached Ed25519 over the signing message
	SignerPublicKey   string         `json:"signerPublicKey"`   // base58
	SignedTransaction string         `json:"signedTransaction"` // base64, partially signed transfer
}

// ConfirmationState is the ledger commitment reached by a settlement
type ConfirmationState string

const (
	StatePending   ConfirmationState = "pending"
	StateConfirmed ConfirmationState = "confirmed"
	StateFinalized ConfirmationState = "finalized"
	StateFailed    ConfirmationState = "failed"
)

// Settled reports whether access may be granted for the state
func (s ConfirmationState) Settled() bool {
	return s == StateConfirmed || s == StateFinalized
}

// Terminal reports whether the state can no longer change
func (s ConfirmationState) Terminal() bool {
	return s.Settled() || s == StateFailed
}

// SettlementReceipt is the outcome of settling one proof
type SettlementReceipt struct {
	TransactionSignature string            `json:"transactionSignature"`
	State                ConfirmationState `json:"state"`
	Slot                 uint64            `json:"slot"`
	ResourceID           string            `json:"resourceId"`
	Payer                string            `json:"payer"`
	Amount               string            `json:"amount"`
	Network              string            `json:"network"`
	SettledAt            time.Time         `json:"settledAt"`
}

// SignatureStatus is the ledger's view of a submitted transaction
type SignatureStatus struct {
	Found bool
	State ConfirmationState
	Slot  uint64
	Err   string
}

// Checkpoint binds a transaction to a recent ledger state
type Checkpoint struct {
	Blockhash            string
	LastValidBlockHeight uint64
	Slot                 uint64
}

// Transfer is the decoded token movement inside a signed transaction
type Transfer struct {
	Source          string // payer token account
	Destination     string // recipient token account
	Mint            string
	Authority       string // owner of the source account
	AuthoritySigned bool   // authority signature present and valid
	FeePayer        string
	Amount          uint64
	Decimals        uint8
	Signature       string // transaction id, empty until the fee payer has signed
}

// Session is a time bounded access grant issued after settlement
type Session struct {
	ID               string    `json:"id"`
	Token            string    `json:"token"`
	ResourceID       string    `json:"resourceId"`
	PaymentReference string    `json:"paymentReference"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// Expired reports whether the session is no longer usable at now
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
