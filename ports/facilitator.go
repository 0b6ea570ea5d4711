package ports

import (
	"context"

	"github.com/parallaxpay/parallaxpay/core"
)

// Facilitator verifies and settles payments on behalf of the resource server
type Facilitator interface {
	Verify(ctx context.Context, proof *core.PaymentProof, requirements *core.PaymentRequirements) error
	Settle(ctx context.Context, proof *core.PaymentProof, requirements *core.PaymentRequirements) (*core.SettlementReceipt, error)
}
