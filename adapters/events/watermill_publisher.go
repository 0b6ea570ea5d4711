package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/parallaxpay/parallaxpay/core"
	"github.com/parallaxpay/parallaxpay/ports"
)

const (
	TopicPaymentSettled = "parallaxpay.payment.settled"
	TopicSessionIssued  = "parallaxpay.session.issued"
)

// SettlementEvent is published once a payment reaches a terminal state
type SettlementEvent struct {
	TransactionSignature string `json:"transaction_signature"`
	State                string `json:"state"`
	Slot                 uint64 `json:"slot"`
	ResourceID           string `json:"resource_id"`
	Payer                string `json:"payer"`
	Amount               string `json:"amount"`
	Network              string `json:"network"`
}

// SessionEvent is published when a session is granted
type SessionEvent struct {
	SessionID        string    `json:"session_id"`
	ResourceID       string    `json:"resource_id"`
	PaymentReference string    `json:"payment_reference"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{publisher: publisher}
}

// PublishSettlement publishes a settlement event
func (p *WatermillPublisher) PublishSettlement(ctx context.Context, receipt *core.SettlementReceipt) error {
	return p.publish(ctx, TopicPaymentSettled, SettlementEvent{
		TransactionSignature: receipt.TransactionSignature,
		State:                string(receipt.State),
		Slot:                 receipt.Slot,
		ResourceID:           receipt.ResourceID,
		Payer:                receipt.Payer,
		Amount:               receipt.Amount,
		Network:              receipt.Network,
	})
}

// PublishSessionIssued publishes a session event. The token itself is never
// published.
func (p *WatermillPublisher) PublishSessionIssued(ctx context.Context, session *core.Session) error {
	return p.publish(ctx, TopicSessionIssued, SessionEvent{
		SessionID:        session.ID,
		ResourceID:       session.ResourceID,
		PaymentReference: session.PaymentReference,
		ExpiresAt:        session.ExpiresAt,
	})
}

func (p *WatermillPublisher) publish(ctx context.Context, topic string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.New().String(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
