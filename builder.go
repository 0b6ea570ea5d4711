package parallaxpay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/parallaxpay/parallaxpay/adapters/ledger/solanarpc"
	"github.com/parallaxpay/parallaxpay/core"
)

const nonceSize = 32

// ProofBuilder turns a payment challenge into a signed proof
type ProofBuilder struct {
	ledger Checkpointer
	now    func() time.Time
}

// NewProofBuilder creates a builder that binds transactions to ledger state
func NewProofBuilder(ledger Checkpointer) *ProofBuilder {
	return &ProofBuilder{ledger: ledger, now: time.Now}
}

// BuildProof signs the payload and the transfer for requirements with wallet
func (b *ProofBuilder) BuildProof(ctx context.Context, requirements *core.PaymentRequirements, wallet Wallet) (*core.PaymentProof, error) {
	if wallet == nil {
		return nil, core.Reject(core.ErrWalletUnavailable, "no wallet")
	}
	payer, err := wallet.PublicKey()
	if err != nil {
		return nil, core.Reject(core.ErrWalletUnavailable, "%v", err)
	}

	amount, err := requirements.Amount()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrUnrecognizedResponse, err)
	}

	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}

	now := b.now()
	payload := core.PaymentPayload{
		Amount:     requirements.MaxAmountRequired,
		Recipient:  requirements.PayTo,
		ResourceID: requirements.Extra.ResourceID,
		Nonce:      nonce,
		Timestamp:  now.UnixMilli(),
		Expiry:     now.Add(requirements.MaxTimeout()).UnixMilli(),
	}

	msg, err := core.SigningMessage(requirements.Network, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	sig, err := wallet.SignMessage(ctx, msg)
	if err != nil {
		return nil, core.Reject(core.ErrSigningFailed, "%v", err)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(payer[:], msg, sig) {
		return nil, core.Reject(core.ErrSigningFailed, "wallet returned an invalid signature")
	}

	checkpoint, err := b.ledger.LatestCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	tx, err := solanarpc.BuildTransfer(solanarpc.TransferParams{
		Payer:     payer.String(),
		Recipient: requirements.PayTo,
		Mint:      requirements.Asset,
		FeePayer:  requirements.Extra.FeePayer,
		Amount:    amount,
		Decimals:  requirements.Extra.Decimals,
		Blockhash: checkpoint.Blockhash,
	})
	if err != nil {
		return nil, err
	}
	if err := wallet.SignTransaction(ctx, tx); err != nil {
		return nil, core.Reject(core.ErrSigningFailed, "%v", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	return &core.PaymentProof{
		X402Version:       core.X402Version,
		Scheme:            requirements.Scheme,
		Network:           requirements.Network,
		Payload:           payload,
		Signature:         core.EncodeSignature(sig),
		SignerPublicKey:   base58.Encode(payer[:]),
		SignedTransaction: core.EncodeTransaction(raw),
	}, nil
}

func generateNonce() (string, error) {
	b := make([]byte, nonceSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
