package parallaxpay

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/parallaxpay/parallaxpay/adapters/ledger/solanarpc"
	"github.com/parallaxpay/parallaxpay/core"
)

// KeypairWallet is a Wallet backed by an in-memory private key
type KeypairWallet struct {
	key solana.PrivateKey
}

// NewKeypairWallet creates a wallet for key
func NewKeypairWallet(key solana.PrivateKey) *KeypairWallet {
	return &KeypairWallet{key: key}
}

func (w *KeypairWallet) PublicKey() (solana.PublicKey, error) {
	if w == nil || len(w.key) == 0 {
		return solana.PublicKey{}, core.ErrWalletUnavailable
	}
	return w.key.PublicKey(), nil
}

func (w *KeypairWallet) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	sig, err := w.key.Sign(msg)
	if err != nil {
		return nil, err
	}
	return sig[:], nil
}

func (w *KeypairWallet) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	return solanarpc.PartialSign(tx, w.key)
}
