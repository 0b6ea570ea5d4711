package service

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/parallaxpay/parallaxpay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func premiumResource() Resource {
	return Resource{
		ID:         "premium",
		Path:       "/api/inference/premium",
		Amount:     250000,
		MaxTimeout: 120 * time.Second,
	}
}

func TestVerifyValidProof(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.challenge("basic")
	proof := h.proof(req)

	require.NoError(t, h.verifier.Verify(ctx, proof, req))
	// verification has no side effects
	require.NoError(t, h.verifier.Verify(ctx, proof, req))

	ok, err := h.replay.TryConsume(ctx, proof.Payload.Nonce, proof.Payload.ExpiresAt())
	require.NoError(t, err)
	require.True(t, ok)

	err = h.verifier.Verify(ctx, proof, req)
	assert.ErrorIs(t, err, core.ErrAlreadyConsumed)
}

func TestVerifyPriceMismatch(t *testing.T) {
	h := newHarness(t, basicResource(), premiumResource())
	ctx := context.Background()
	basic := h.challenge("basic")

	t.Run("proof for another resource", func(t *testing.T) {
		proof := h.proof(h.challenge("premium"))
		assert.ErrorIs(t, h.verifier.Verify(ctx, proof, basic), core.ErrPriceMismatch)
	})

	t.Run("lowered amount with broken signature", func(t *testing.T) {
		proof := h.proof(basic)
		proof.Payload.Amount = "9999"
		assert.ErrorIs(t, h.verifier.Verify(ctx, proof, basic), core.ErrPriceMismatch)
	})

	t.Run("other recipient", func(t *testing.T) {
		other := *basic
		other.PayTo = solana.NewWallet().PublicKey().String()
		proof := h.proof(&other)
		assert.ErrorIs(t, h.verifier.Verify(ctx, proof, basic), core.ErrPriceMismatch)
	})

	t.Run("transfer of another mint", func(t *testing.T) {
		other := *basic
		other.Asset = solana.NewWallet().PublicKey().String()
		proof := h.proof(&other)
		assert.ErrorIs(t, h.verifier.Verify(ctx, proof, basic), core.ErrPriceMismatch)
	})

	t.Run("transfer with another fee payer", func(t *testing.T) {
		other := *basic
		other.Extra.FeePayer = solana.NewWallet().PublicKey().String()
		proof := h.proof(&other)
		assert.ErrorIs(t, h.verifier.Verify(ctx, proof, basic), core.ErrPriceMismatch)
	})

	t.Run("other network", func(t *testing.T) {
		other := *basic
		other.Network = "solana-mainnet"
		proof := h.proof(&other)
		assert.ErrorIs(t, h.verifier.Verify(ctx, proof, basic), core.ErrPriceMismatch)
	})
}

func TestVerifyFreshness(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.challenge("basic")
	proof := h.proof(req)

	h.verifier.now = func() time.Time { return time.Now().Add(301 * time.Second) }
	assert.ErrorIs(t, h.verifier.Verify(ctx, proof, req), core.ErrExpired)

	h.verifier.now = func() time.Time { return time.Now().Add(-time.Minute) }
	assert.ErrorIs(t, h.verifier.Verify(ctx, proof, req), core.ErrExpired)

	h.verifier.now = time.Now
	long := *req
	long.MaxTimeoutSeconds = 600
	assert.ErrorIs(t, h.verifier.Verify(ctx, h.proof(&long), req), core.ErrExpired)
}

func TestVerifyInvalidSignature(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.challenge("basic")

	t.Run("tampered payload", func(t *testing.T) {
		proof := h.proof(req)
		proof.Payload.Timestamp++
		assert.ErrorIs(t, h.verifier.Verify(ctx, proof, req), core.ErrInvalidSignature)
	})

	t.Run("signature of another key", func(t *testing.T) {
		proof := h.proof(req)
		other := solana.NewWallet().PrivateKey
		msg, err := core.SigningMessage(proof.Network, proof.Payload)
		require.NoError(t, err)
		sig, err := other.Sign(msg)
		require.NoError(t, err)
		proof.Signature = core.EncodeSignature(sig[:])
		assert.ErrorIs(t, h.verifier.Verify(ctx, proof, req), core.ErrInvalidSignature)

		// valid payload signature, but the transfer authority is someone else
		proof.SignerPublicKey = other.PublicKey().String()
		assert.ErrorIs(t, h.verifier.Verify(ctx, proof, req), core.ErrInvalidSignature)
	})
}

func TestVerifyMalformed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.challenge("basic")

	tampers := map[string]func(p *core.PaymentProof){
		"short nonce":     func(p *core.PaymentProof) { p.Payload.Nonce = "abcd" },
		"non hex nonce":   func(p *core.PaymentProof) { p.Payload.Nonce = "zz" + p.Payload.Nonce[2:] },
		"version":         func(p *core.PaymentProof) { p.X402Version = 2 },
		"scheme":          func(p *core.PaymentProof) { p.Scheme = "upto" },
		"window":          func(p *core.PaymentProof) { p.Payload.Expiry = p.Payload.Timestamp },
		"amount":          func(p *core.PaymentProof) { p.Payload.Amount = "-1" },
		"signature":       func(p *core.PaymentProof) { p.Signature = "abc" },
		"public key":      func(p *core.PaymentProof) { p.SignerPublicKey = "abc" },
		"transaction":     func(p *core.PaymentProof) { p.SignedTransaction = "not base64!" },
		"not transaction": func(p *core.PaymentProof) { p.SignedTransaction = core.EncodeTransaction([]byte{1, 2, 3}) },
	}
	for name, tamper := range tampers {
		t.Run(name, func(t *testing.T) {
			proof := h.proof(req)
			tamper(proof)
			assert.ErrorIs(t, h.verifier.Verify(ctx, proof, req), core.ErrMalformedProof)
		})
	}

	assert.ErrorIs(t, h.verifier.Verify(ctx, nil, req), core.ErrMalformedProof)
}
