package solanarpc

import (
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
)

// FeePayer cosigns payer transactions as their fee payer
type FeePayer struct {
	key solana.PrivateKey
}

// NewFeePayer creates a cosigner for key
func NewFeePayer(key solana.PrivateKey) *FeePayer {
	return &FeePayer{key: key}
}

// PublicKey returns the fee payer address advertised in challenges
func (f *FeePayer) PublicKey() string {
	return f.key.PublicKey().String()
}

// Cosign adds the fee payer signature to raw
func (f *FeePayer) Cosign(raw []byte) ([]byte, error) {
	tx, err := DecodeTransaction(raw)
	if err != nil {
		return nil, err
	}
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(f.key.PublicKey()) {
		return nil, fmt.Errorf("transaction fee payer is not %s", f.key.PublicKey())
	}
	if err := PartialSign(tx, f.key); err != nil {
		return nil, err
	}
	out, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return out, nil
}

// LoadPrivateKey reads a solana-keygen JSON file, or parses value as a
// base58 secret key when it is not a readable file
func LoadPrivateKey(value string) (solana.PrivateKey, error) {
	if _, err := os.Stat(value); err == nil {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(value)
		if err != nil {
			return nil, fmt.Errorf("failed to read keypair file: %w", err)
		}
		return key, nil
	}
	key, err := solana.PrivateKeyFromBase58(value)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}
