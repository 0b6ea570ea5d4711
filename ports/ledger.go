package ports

import (
	"context"

	"github.com/parallaxpay/parallaxpay/core"
)

// Ledger is the RPC surface of the settlement chain
type Ledger interface {
	LatestCheckpoint(ctx context.Context) (core.Checkpoint, error)
	// SubmitTransaction broadcasts raw once. Errors wrapping
	// core.ErrSettlementRejected mean the ledger refused the transaction;
	// any other error leaves the broadcast outcome unknown.
	SubmitTransaction(ctx context.Context, raw []byte) (string, error)
	SignatureStatus(ctx context.Context, signature string) (core.SignatureStatus, error)
}

// TransferInspector decodes the funds transfer carried by a proof
type TransferInspector interface {
	InspectTransfer(raw []byte) (core.Transfer, error)
	// RecipientAccount derives the token account that must receive the funds
	RecipientAccount(owner, mint string) (string, error)
}

// Cosigner adds the server's fee payer signature before broadcast
type Cosigner interface {
	PublicKey() string
	Cosign(raw []byte) ([]byte, error)
}
