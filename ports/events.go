package ports

import (
	"context"

	"github.com/parallaxpay/parallaxpay/core"
)

// EventPublisher publishes payment lifecycle events to other instances
type EventPublisher interface {
	PublishSettlement(ctx context.Context, receipt *core.SettlementReceipt) error
	PublishSessionIssued(ctx context.Context, session *core.Session) error
}
