package service

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/parallaxpay/parallaxpay/core"
	"github.com/parallaxpay/parallaxpay/ports"
)

const minNonceBytes = 16

// ProofVerifier checks a proof against the requirements it answers. It
// never mutates state.
type ProofVerifier struct {
	replay    *ReplayGuard
	inspector ports.TransferInspector
	clockSkew time.Duration
	now       func() time.Time
}

// VerifierOption configures a ProofVerifier
type VerifierOption func(*ProofVerifier)

// WithTransferInspector also checks the transfer inside the signed
// transaction
func WithTransferInspector(inspector ports.TransferInspector) VerifierOption {
	return func(v *ProofVerifier) {
		v.inspector = inspector
	}
}

// WithClockSkew tolerates client timestamps up to d in the future
func WithClockSkew(d time.Duration) VerifierOption {
	return func(v *ProofVerifier) {
		v.clockSkew = d
	}
}

// NewProofVerifier creates a verifier
func NewProofVerifier(replay *ReplayGuard, opts ...VerifierOption) *ProofVerifier {
	v := &ProofVerifier{
		replay:    replay,
		clockSkew: 5 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// decodedProof holds the binary fields of a structurally valid proof
type decodedProof struct {
	signature []byte
	publicKey []byte
	rawTx     []byte
	amount    uint64
	transfer  *core.Transfer
}

// Verify runs the structure, binding, freshness, signature and replay
// checks in that order and returns the first failure
func (v *ProofVerifier) Verify(ctx context.Context, proof *core.PaymentProof, requirements *core.PaymentRequirements) error {
	decoded, err := v.checkStructure(proof)
	if err != nil {
		return err
	}
	if err := v.checkBinding(proof, requirements, decoded); err != nil {
		return err
	}
	if err := v.checkFreshness(proof, requirements); err != nil {
		return err
	}
	if err := v.checkSignature(proof, decoded); err != nil {
		return err
	}

	consumed, err := v.replay.IsConsumed(ctx, proof.Payload.Nonce)
	if err != nil {
		return err
	}
	if consumed {
		return core.Reject(core.ErrAlreadyConsumed, "nonce %s", proof.Payload.Nonce)
	}
	return nil
}

func (v *ProofVerifier) checkStructure(proof *core.PaymentProof) (*decodedProof, error) {
	if proof == nil {
		return nil, core.Reject(core.ErrMalformedProof, "missing proof")
	}
	if proof.X402Version != core.X402Version {
		return nil, core.Reject(core.ErrMalformedProof, "unsupported x402Version %d", proof.X402Version)
	}
	if proof.Scheme != core.SchemeExact {
		return nil, core.Reject(core.ErrMalformedProof, "unsupported scheme %q", proof.Scheme)
	}

	nonce, err := hex.DecodeString(proof.Payload.Nonce)
	if err != nil || len(nonce) < minNonceBytes {
		return nil, core.Reject(core.ErrMalformedProof, "nonce must be at least %d hex encoded bytes", minNonceBytes)
	}
	if proof.Payload.Timestamp <= 0 || proof.Payload.Expiry <= proof.Payload.Timestamp {
		return nil, core.Reject(core.ErrMalformedProof, "invalid validity window")
	}

	d := &decodedProof{}
	if d.amount, err = strconv.ParseUint(proof.Payload.Amount, 10, 64); err != nil {
		return nil, core.Reject(core.ErrMalformedProof, "invalid amount %q", proof.Payload.Amount)
	}
	if d.signature, err = core.DecodeSignature(proof.Signature); err != nil {
		return nil, err
	}
	if d.publicKey, err = core.DecodePublicKey(proof.SignerPublicKey); err != nil {
		return nil, err
	}
	if d.rawTx, err = core.DecodeTransaction(proof.SignedTransaction); err != nil {
		return nil, err
	}
	if v.inspector != nil {
		transfer, err := v.inspector.InspectTransfer(d.rawTx)
		if err != nil {
			return nil, err
		}
		d.transfer = &transfer
	}
	return d, nil
}

func (v *ProofVerifier) checkBinding(proof *core.PaymentProof, req *core.PaymentRequirements, d *decodedProof) error {
	want, err := req.Amount()
	if err != nil {
		return err
	}
	if d.amount != want {
		return core.Reject(core.ErrPriceMismatch, "amount %d, price %d", d.amount, want)
	}
	if proof.Payload.Recipient != req.PayTo {
		return core.Reject(core.ErrPriceMismatch, "recipient %s, payTo %s", proof.Payload.Recipient, req.PayTo)
	}
	if proof.Payload.ResourceID != req.Extra.ResourceID {
		return core.Reject(core.ErrPriceMismatch, "proof is for resource %q", proof.Payload.ResourceID)
	}
	if proof.Network != req.Network {
		return core.Reject(core.ErrPriceMismatch, "proof is for network %q", proof.Network)
	}

	if d.transfer == nil {
		return nil
	}
	t := d.transfer
	if t.Amount != want || t.Decimals != req.Extra.Decimals {
		return core.Reject(core.ErrPriceMismatch, "transfer moves %d (decimals %d)", t.Amount, t.Decimals)
	}
	if t.Mint != req.Asset {
		return core.Reject(core.ErrPriceMismatch, "transfer mint %s, asset %s", t.Mint, req.Asset)
	}
	destination, err := v.inspector.RecipientAccount(req.PayTo, req.Asset)
	if err != nil {
		return err
	}
	if t.Destination != destination {
		return core.Reject(core.ErrPriceMismatch, "transfer destination %s, expected %s", t.Destination, destination)
	}
	if req.Extra.FeePayer != "" && t.FeePayer != req.Extra.FeePayer {
		return core.Reject(core.ErrPriceMismatch, "transfer fee payer %s, expected %s", t.FeePayer, req.Extra.FeePayer)
	}
	return nil
}

func (v *ProofVerifier) checkFreshness(proof *core.PaymentProof, req *core.PaymentRequirements) error {
	now := v.now()
	issued := proof.Payload.IssuedAt()
	expires := proof.Payload.ExpiresAt()

	if expires.Sub(issued) > req.MaxTimeout() {
		return core.Reject(core.ErrExpired, "validity window %s exceeds %s", expires.Sub(issued), req.MaxTimeout())
	}
	if now.Add(v.clockSkew).Before(issued) {
		return core.Reject(core.ErrExpired, "proof issued in the future")
	}
	if now.After(expires) {
		return core.Reject(core.ErrExpired, "proof expired at %s", expires.UTC().Format(time.RFC3339))
	}
	return nil
}

func (v *ProofVerifier) checkSignature(proof *core.PaymentProof, d *decodedProof) error {
	msg, err := core.SigningMessage(proof.Network, proof.Payload)
	if err != nil {
		return err
	}
	if !ed25519.Verify(d.publicKey, msg, d.signature) {
		return core.Reject(core.ErrInvalidSignature, "payload signature does not verify")
	}

	if d.transfer == nil {
		return nil
	}
	if d.transfer.Authority != proof.SignerPublicKey {
		return core.Reject(core.ErrInvalidSignature, "transfer authority %s is not the signer", d.transfer.Authority)
	}
	if !d.transfer.AuthoritySigned {
		return core.Reject(core.ErrInvalidSignature, "transfer is not signed by its authority")
	}
	return nil
}
