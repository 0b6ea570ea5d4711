package service

import (
	"context"
	"testing"
	"time"

	"github.com/parallaxpay/parallaxpay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	events := &recordingPublisher{}
	h.sessions.eventPub = events
	receipt := h.settledReceipt()

	session, err := h.sessions.Issue(ctx, "basic", receipt)
	require.NoError(t, err)
	assert.Len(t, session.ID, 64)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, receipt.TransactionSignature, session.PaymentReference)
	assert.WithinDuration(t, receipt.SettledAt.Add(time.Hour), session.ExpiresAt, time.Millisecond)
	assert.Len(t, events.sessions, 1)

	found, err := h.sessions.Lookup(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.ID, found.ID)
	assert.Equal(t, "basic", found.ResourceID)
}

func TestIssueSessionTwiceRotatesToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	receipt := h.settledReceipt()

	first, err := h.sessions.Issue(ctx, "basic", receipt)
	require.NoError(t, err)
	second, err := h.sessions.Issue(ctx, "basic", receipt)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, first.ExpiresAt, second.ExpiresAt)

	_, err = h.sessions.Lookup(ctx, first.Token)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	_, err = h.sessions.Lookup(ctx, second.Token)
	assert.NoError(t, err)

	_, err = h.sessions.Issue(ctx, "premium", receipt)
	assert.ErrorIs(t, err, core.ErrPriceMismatch)
}

func TestIssueSessionAfterPaidWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	receipt := h.settledReceipt()

	session, err := h.sessions.Issue(ctx, "basic", receipt)
	require.NoError(t, err)

	h.sessions.now = func() time.Time { return session.ExpiresAt.Add(time.Second) }
	_, err = h.sessions.Issue(ctx, "basic", receipt)
	assert.ErrorIs(t, err, core.ErrSessionExpired)

	// sweeping the session does not reopen the window
	_, err = h.sessions.Sweep(ctx)
	require.NoError(t, err)
	_, err = h.sessions.Issue(ctx, "basic", receipt)
	assert.ErrorIs(t, err, core.ErrSessionExpired)
}

func TestIssueSessionRequiresSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.sessions.Issue(ctx, "basic", nil)
	assert.ErrorIs(t, err, core.ErrSettlementRejected)

	for _, state := range []core.ConfirmationState{core.StatePending, core.StateFailed} {
		_, err := h.sessions.Issue(ctx, "basic", &core.SettlementReceipt{TransactionSignature: "sig", State: state})
		assert.ErrorIs(t, err, core.ErrSettlementRejected, state)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session, err := h.sessions.Issue(ctx, "basic", h.settledReceipt())
	require.NoError(t, err)

	h.sessions.now = func() time.Time { return session.ExpiresAt }

	_, err = h.sessions.Lookup(ctx, session.Token)
	assert.ErrorIs(t, err, core.ErrSessionExpired)

	_, err = h.store.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestLookupUnknownToken(t *testing.T) {
	h := newHarness(t)

	_, err := h.sessions.Lookup(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestSweepSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.sessions.Issue(ctx, "basic", h.settledReceipt())
		require.NoError(t, err)
	}

	removed, err := h.sessions.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	h.sessions.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err = h.sessions.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}

func TestRunSweeperStops(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.sessions.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
