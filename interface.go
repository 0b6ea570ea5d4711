package parallaxpay

import (
	"context"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/parallaxpay/parallaxpay/core"
)

// Doer represents the public interface for making paid requests
type Doer interface {
	// Do sends req and transparently answers a 402 challenge with a payment
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Wallet represents a payer able to sign proofs and transactions
type Wallet interface {
	// PublicKey returns core.ErrWalletUnavailable when the wallet is not connected
	PublicKey() (solana.PublicKey, error)

	// SignMessage returns a detached Ed25519 signature over msg
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)

	// SignTransaction adds the wallet's signature to tx
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// Checkpointer provides the recent ledger state a transaction is bound to
type Checkpointer interface {
	LatestCheckpoint(ctx context.Context) (core.Checkpoint, error)
}
