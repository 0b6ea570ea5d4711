package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProof(t *testing.T) (*PaymentProof, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	payload := PaymentPayload{
		Amount:     "10000",
		Recipient:  "9qzmG8vPymc2CAMchZgq26qiUFq4pEfTx6HZfpMhh51y",
		ResourceID: "basic",
		Nonce:      "6f1c0b8e2b0b4a3f9c1d2e3f405162738495a6b7c8d9e0f1a2b3c4d5e6f70819",
		Timestamp:  1760000000000,
		Expiry:     1760000300000,
	}
	msg, err := SigningMessage("solana-devnet", payload)
	require.NoError(t, err)

	return &PaymentProof{
		X402Version:       X402Version,
		Scheme:            SchemeExact,
		Network:           "solana-devnet",
		Payload:           payload,
		Signature:         EncodeSignature(ed25519.Sign(priv, msg)),
		SignerPublicKey:   base58.Encode(pub),
		SignedTransaction: EncodeTransaction([]byte{1, 2, 3, 4}),
	}, pub
}

func TestProofHeaderRoundTrip(t *testing.T) {
	proof, _ := testProof(t)

	header, err := EncodeProofHeader(proof)
	require.NoError(t, err)

	decoded, err := DecodeProofHeader(header)
	require.NoError(t, err)

	if diff := cmp.Diff(proof, decoded); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	wantSig, err := DecodeSignature(proof.Signature)
	require.NoError(t, err)
	gotSig, err := DecodeSignature(decoded.Signature)
	require.NoError(t, err)
	assert.Equal(t, wantSig, gotSig)
}

func TestDecodeProofHeaderAcceptsRawJSON(t *testing.T) {
	proof, _ := testProof(t)
	raw, err := json.Marshal(proof)
	require.NoError(t, err)

	decoded, err := DecodeProofHeader(string(raw))
	require.NoError(t, err)
	assert.Equal(t, proof, decoded)
}

func TestDecodeProofHeaderMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"not base64":    "%%%not-base64%%%",
		"base64 junk":   base64.StdEncoding.EncodeToString([]byte("hello")),
		"broken json":   `{"payload": {`,
		"trailing data": `{"scheme":"exact"} {"scheme":"exact"}`,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeProofHeader(header)
			assert.ErrorIs(t, err, ErrMalformedProof)
		})
	}
}

func TestDecodeSignatureAndKeyLengths(t *testing.T) {
	_, err := DecodeSignature(base58.Encode(make([]byte, 63)))
	assert.ErrorIs(t, err, ErrMalformedProof)

	_, err = DecodePublicKey(base58.Encode(make([]byte, 31)))
	assert.ErrorIs(t, err, ErrMalformedProof)

	_, err = DecodeSignature("0OIl")
	assert.ErrorIs(t, err, ErrMalformedProof)

	_, err = DecodeTransaction("")
	assert.ErrorIs(t, err, ErrMalformedProof)
}

func TestSigningMessageDeterministic(t *testing.T) {
	proof, _ := testProof(t)

	a, err := SigningMessage("solana-devnet", proof.Payload)
	require.NoError(t, err)
	b, err := SigningMessage("solana-devnet", proof.Payload)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := SigningMessage("solana-mainnet", proof.Payload)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestPayloadTamperingBreaksSignature(t *testing.T) {
	proof, pub := testProof(t)
	sig, err := DecodeSignature(proof.Signature)
	require.NoError(t, err)

	tampers := map[string]func(p *PaymentPayload){
		"amount":     func(p *PaymentPayload) { p.Amount = "1000" },
		"recipient":  func(p *PaymentPayload) { p.Recipient = "11111111111111111111111111111111" },
		"resourceId": func(p *PaymentPayload) { p.ResourceID = "premium" },
		"nonce":      func(p *PaymentPayload) { p.Nonce = p.Nonce[:len(p.Nonce)-1] + "0" },
		"timestamp":  func(p *PaymentPayload) { p.Timestamp++ },
		"expiry":     func(p *PaymentPayload) { p.Expiry++ },
	}
	for field, tamper := range tampers {
		t.Run(field, func(t *testing.T) {
			payload := proof.Payload
			tamper(&payload)
			msg, err := SigningMessage(proof.Network, payload)
			require.NoError(t, err)
			assert.False(t, ed25519.Verify(pub, msg, sig))
		})
	}

	msg, err := SigningMessage(proof.Network, proof.Payload)
	require.NoError(t, err)
	require.True(t, ed25519.Verify(pub, msg, sig))
	for i := range msg {
		flipped := append([]byte(nil), msg...)
		flipped[i] ^= 0x01
		if ed25519.Verify(pub, flipped, sig) {
			t.Fatalf("flipping byte %d did not invalidate the signature", i)
		}
	}
}

func TestReasonCodes(t *testing.T) {
	err := Reject(ErrPriceMismatch, "amount %s != %s", "1", "2")
	assert.Equal(t, "price_mismatch", ReasonCode(err))
	assert.Equal(t, "price_mismatch", ReasonCode(fmt.Errorf("wrapped: %w", err)))
	assert.ErrorIs(t, err, ErrPriceMismatch)
	assert.Equal(t, "payment does not match price: amount 1 != 2", err.Error())

	assert.Equal(t, "internal_error", ReasonCode(fmt.Errorf("boom")))
	assert.False(t, IsPaymentError(fmt.Errorf("boom")))

	assert.Equal(t, ErrAlreadyConsumed, ErrorForCode("already_consumed"))
	assert.Equal(t, ErrUnrecognizedResponse, ErrorForCode("whatever"))
}

func TestConfirmationState(t *testing.T) {
	assert.True(t, StateConfirmed.Settled())
	assert.True(t, StateFinalized.Settled())
	assert.False(t, StatePending.Settled())
	assert.False(t, StateFailed.Settled())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StatePending.Terminal())
}
