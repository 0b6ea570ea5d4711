package core

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	signatureSize = 64
	publicKeySize = 32
)

// EncodeProofHeader renders a proof for the X-Payment header as base64 JSON
func EncodeProofHeader(proof *PaymentProof) (string, error) {
	raw, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeProofHeader accepts either base64 encoded JSON or raw JSON
func DecodeProofHeader(header string) (*PaymentProof, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("%w: empty header", ErrMalformedProof)
	}

	raw := []byte(header)
	if header[0] != '{' {
		decoded, err := decodeBase64(header)
		if err != nil {
			return nil, fmt.Errorf("%w: header is neither JSON nor base64", ErrMalformedProof)
		}
		raw = decoded
	}

	var proof PaymentProof
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&proof); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after proof", ErrMalformedProof)
	}
	return &proof, nil
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// EncodeSignature encodes a detached signature as base58
func EncodeSignature(sig []byte) string {
	return base58.Encode(sig)
}

// DecodeSignature decodes a base58 Ed25519 signature
func DecodeSignature(s string) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not base58", ErrMalformedProof)
	}
	if len(b) != signatureSize {
		return nil, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrMalformedProof, signatureSize, len(b))
	}
	return b, nil
}

// DecodePublicKey decodes a base58 Ed25519 public key
func DecodePublicKey(s string) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not base58", ErrMalformedProof)
	}
	if len(b) != publicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrMalformedProof, publicKeySize, len(b))
	}
	return b, nil
}

// DecodeTransaction decodes the base64 serialized transaction of a proof
func DecodeTransaction(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction is not base64", ErrMalformedProof)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty transaction", ErrMalformedProof)
	}
	return b, nil
}

// EncodeTransaction encodes a serialized transaction for transport
func EncodeTransaction(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
