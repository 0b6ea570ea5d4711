package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parallaxpay/parallaxpay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const basicURL = "http://gate.test/api/inference/basic"

func TestGateIssuesChallenge(t *testing.T) {
	h := newHarness(t)

	result, err := h.gate.Handle(context.Background(), GateRequest{ResourceID: "basic", ResourceURL: basicURL})
	require.NoError(t, err)
	assert.Equal(t, StateChallengeIssued, result.State)
	require.NotNil(t, result.Requirements)
	assert.Equal(t, "10000", result.Requirements.MaxAmountRequired)
	assert.Equal(t, 300, result.Requirements.MaxTimeoutSeconds)
}

func TestGateUnknownResource(t *testing.T) {
	h := newHarness(t)

	_, err := h.gate.Handle(context.Background(), GateRequest{ResourceID: "platinum"})
	assert.ErrorIs(t, err, core.ErrUnknownResource)
}

func TestGatePaymentFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	challenge, err := h.gate.Handle(ctx, GateRequest{ResourceID: "basic", ResourceURL: basicURL})
	require.NoError(t, err)
	header := h.header(h.proof(challenge.Requirements))

	granted, err := h.gate.Handle(ctx, GateRequest{ResourceID: "basic", ResourceURL: basicURL, PaymentHeader: header})
	require.NoError(t, err)
	require.Equal(t, StateSessionGranted, granted.State, "reason: %v", granted.Reason)
	require.NotNil(t, granted.Receipt)
	require.NotNil(t, granted.Session)
	assert.True(t, granted.Receipt.State.Settled())
	assert.Equal(t, granted.Receipt.TransactionSignature, granted.Session.PaymentReference)

	// the session alone grants access for its lifetime
	viaSession, err := h.gate.Handle(ctx, GateRequest{ResourceID: "basic", ResourceURL: basicURL, SessionToken: granted.Session.Token})
	require.NoError(t, err)
	assert.Equal(t, StateSessionGranted, viaSession.State)
	assert.Nil(t, viaSession.Receipt)

	// the same proof cannot be spent twice
	replayed, err := h.gate.Handle(ctx, GateRequest{ResourceID: "basic", ResourceURL: basicURL, PaymentHeader: header})
	require.NoError(t, err)
	assert.Equal(t, StateDenied, replayed.State)
	assert.ErrorIs(t, replayed.Reason, core.ErrAlreadyConsumed)

	assert.Equal(t, 1, h.ledger.TotalSubmissions())
}

func TestGateSessionIsScopedToResource(t *testing.T) {
	h := newHarness(t, basicResource(), premiumResource())
	ctx := context.Background()

	req := h.challenge("basic")
	granted, err := h.gate.Handle(ctx, GateRequest{ResourceID: "basic", PaymentHeader: h.header(h.proof(req))})
	require.NoError(t, err)
	require.Equal(t, StateSessionGranted, granted.State)

	result, err := h.gate.Handle(ctx, GateRequest{ResourceID: "premium", SessionToken: granted.Session.Token})
	require.NoError(t, err)
	assert.Equal(t, StateChallengeIssued, result.State)
}

func TestGateExpiredSessionNeedsPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	granted, err := h.gate.Handle(ctx, GateRequest{ResourceID: "basic", PaymentHeader: h.header(h.proof(h.challenge("basic")))})
	require.NoError(t, err)
	require.Equal(t, StateSessionGranted, granted.State)

	h.sessions.now = func() time.Time { return time.Now().Add(time.Hour + time.Second) }
	result, err := h.gate.Handle(ctx, GateRequest{ResourceID: "basic", SessionToken: granted.Session.Token})
	require.NoError(t, err)
	assert.Equal(t, StateChallengeIssued, result.State)
}

func TestGateTransactionPaysForOneGrant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.proof(h.challenge("basic"))
	granted, err := h.gate.Handle(ctx, GateRequest{ResourceID: "basic", PaymentHeader: h.header(first)})
	require.NoError(t, err)
	require.Equal(t, StateSessionGranted, granted.State)

	// the first session is over, the same transaction comes back under a new nonce
	h.sessions.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	second := h.withNonce(first)
	require.NoError(t, h.verifier.Verify(ctx, second, h.challenge("basic")))

	result, err := h.gate.Handle(ctx, GateRequest{ResourceID: "basic", PaymentHeader: h.header(second)})
	require.NoError(t, err)
	assert.Equal(t, StateDenied, result.State)
	assert.ErrorIs(t, result.Reason, core.ErrAlreadyConsumed)
	assert.Nil(t, result.Session)
	assert.Equal(t, 1, h.ledger.TotalSubmissions())
}

func TestGateConcurrentProofGrantsOnce(t *testing.T) {
	h := newHarness(t)
	h.ledger.SubmitDelay = 10 * time.Millisecond
	header := h.header(h.proof(h.challenge("basic")))

	const attempts = 100
	results := make([]*GateResult, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.gate.Handle(context.Background(), GateRequest{
				ResourceID:    "basic",
				ResourceURL:   basicURL,
				PaymentHeader: header,
			})
		}(i)
	}
	wg.Wait()

	granted := 0
	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i])
		switch results[i].State {
		case StateSessionGranted:
			granted++
		case StateDenied:
			assert.ErrorIs(t, results[i].Reason, core.ErrAlreadyConsumed)
		default:
			t.Fatalf("unexpected state %s", results[i].State)
		}
	}
	assert.Equal(t, 1, granted)
	assert.Equal(t, 1, h.ledger.TotalSubmissions())
}

func TestGateDenials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("malformed header", func(t *testing.T) {
		result, err := h.gate.Handle(ctx, GateRequest{ResourceID: "basic", PaymentHeader: "%%%"})
		require.NoError(t, err)
		assert.Equal(t, StateDenied, result.State)
		assert.ErrorIs(t, result.Reason, core.ErrMalformedProof)
		assert.Equal(t, StateProofSubmitted, result.DeniedIn)
		assert.NotNil(t, result.Requirements)
	})

	t.Run("rejected broadcast", func(t *testing.T) {
		h.ledger.Reject = true
		defer func() { h.ledger.Reject = false }()

		proof := h.proof(h.challenge("basic"))
		result, err := h.gate.Handle(ctx, GateRequest{ResourceID: "basic", PaymentHeader: h.header(proof)})
		require.NoError(t, err)
		assert.Equal(t, StateDenied, result.State)
		assert.ErrorIs(t, result.Reason, core.ErrSettlementRejected)
		assert.Equal(t, StateSettling, result.DeniedIn)
		require.NotNil(t, result.Receipt)
		assert.Equal(t, core.StateFailed, result.Receipt.State)

		consumed, err := h.replay.IsConsumed(ctx, proof.Payload.Nonce)
		require.NoError(t, err)
		assert.False(t, consumed)
	})
}

func TestGateStateNames(t *testing.T) {
	assert.Equal(t, "challenge_issued", StateChallengeIssued.String())
	assert.Equal(t, "session_granted", StateSessionGranted.String())
	assert.Equal(t, "unknown", GateState(42).String())
}
