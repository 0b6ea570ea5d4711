package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/parallaxpay/parallaxpay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSettlement(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, TopicPaymentSettled)
	require.NoError(t, err)

	pub := NewWatermillPublisher(pubSub)
	receipt := &core.SettlementReceipt{
		TransactionSignature: "5KxSig",
		State:                core.StateConfirmed,
		Slot:                 42,
		ResourceID:           "basic",
		Payer:                "payer",
		Amount:               "10000",
		Network:              "solana-devnet",
	}
	require.NoError(t, pub.PublishSettlement(ctx, receipt))

	select {
	case msg := <-messages:
		msg.Ack()
		var event SettlementEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		assert.Equal(t, "5KxSig", event.TransactionSignature)
		assert.Equal(t, "confirmed", event.State)
		assert.Equal(t, uint64(42), event.Slot)
		assert.NotEmpty(t, msg.UUID)
	case <-ctx.Done():
		t.Fatal("settlement event not delivered")
	}
}

func TestPublishSessionIssuedOmitsToken(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, TopicSessionIssued)
	require.NoError(t, err)

	pub := NewWatermillPublisher(pubSub)
	require.NoError(t, pub.PublishSessionIssued(ctx, &core.Session{
		ID:               "sid",
		Token:            "secret-token",
		ResourceID:       "basic",
		PaymentReference: "5KxSig",
		ExpiresAt:        time.Now().Add(time.Hour),
	}))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.NotContains(t, string(msg.Payload), "secret-token")
		var event SessionEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		assert.Equal(t, "sid", event.SessionID)
	case <-ctx.Done():
		t.Fatal("session event not delivered")
	}
}
