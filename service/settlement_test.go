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

type recordingPublisher struct {
	mu       sync.Mutex
	receipts []core.SettlementReceipt
	sessions []core.Session
}

func (p *recordingPublisher) PublishSettlement(ctx context.Context, receipt *core.SettlementReceipt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts = append(p.receipts, *receipt)
	return nil
}

func (p *recordingPublisher) PublishSessionIssued(ctx context.Context, session *core.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, *session)
	return nil
}

func TestSettleConfirms(t *testing.T) {
	h := newHarness(t)
	h.ledger.ConfirmAfter = 2
	events := &recordingPublisher{}
	h.settlement.eventPub = events

	req := h.challenge("basic")
	proof := h.proof(req)

	receipt, err := h.settlement.Settle(context.Background(), proof, req)
	require.NoError(t, err)
	assert.Equal(t, core.StateConfirmed, receipt.State)
	assert.Equal(t, "basic", receipt.ResourceID)
	assert.Equal(t, "10000", receipt.Amount)
	assert.Equal(t, proof.SignerPublicKey, receipt.Payer)
	assert.NotZero(t, receipt.Slot)
	assert.False(t, receipt.SettledAt.IsZero())
	assert.Equal(t, 1, h.ledger.Submissions(receipt.TransactionSignature))

	stored, err := h.settlement.Receipt(context.Background(), receipt.TransactionSignature)
	require.NoError(t, err)
	assert.Equal(t, receipt.State, stored.State)

	require.Len(t, events.receipts, 1)
	assert.Equal(t, receipt.TransactionSignature, events.receipts[0].TransactionSignature)
}

func TestSettleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.ledger.SubmitDelay = 20 * time.Millisecond
	req := h.challenge("basic")
	proof := h.proof(req)

	var wg sync.WaitGroup
	receipts := make([]*core.SettlementReceipt, 20)
	errs := make([]error, 20)
	for i := range receipts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipts[i], errs[i] = h.settlement.Settle(context.Background(), proof, req)
		}(i)
	}
	wg.Wait()

	for i := range receipts {
		require.NoError(t, errs[i])
		assert.Equal(t, receipts[0].TransactionSignature, receipts[i].TransactionSignature)
	}

	again, err := h.settlement.Settle(context.Background(), proof, req)
	require.NoError(t, err)
	assert.Equal(t, receipts[0].TransactionSignature, again.TransactionSignature)
	assert.Equal(t, 1, h.ledger.TotalSubmissions())
}

func TestSettleSurvivesCallerCancel(t *testing.T) {
	h := newHarness(t)
	req := h.challenge("basic")
	proof := h.proof(req)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	receipt, err := h.settlement.Settle(ctx, proof, req)
	require.NoError(t, err)
	assert.Equal(t, core.StateConfirmed, receipt.State)
}

func TestSettleTimeout(t *testing.T) {
	h := newHarness(t, Resource{ID: "quick", Amount: 5, MaxTimeout: time.Second})
	h.ledger.NeverConfirm = true
	req := h.challenge("quick")
	proof := h.proof(req)

	start := time.Now()
	receipt, err := h.settlement.Settle(context.Background(), proof, req)
	assert.ErrorIs(t, err, core.ErrSettlementTimeout)
	require.NotNil(t, receipt)
	assert.Equal(t, core.StatePending, receipt.State)
	assert.Less(t, time.Since(start), 5*time.Second)

	// a later attempt picks the transaction up without a new broadcast
	h.ledger.NeverConfirm = false
	receipt, err = h.settlement.Settle(context.Background(), proof, req)
	require.NoError(t, err)
	assert.Equal(t, core.StateConfirmed, receipt.State)
	assert.Equal(t, 1, h.ledger.TotalSubmissions())
}

func TestSettleRejected(t *testing.T) {
	h := newHarness(t)
	h.ledger.Reject = true
	req := h.challenge("basic")
	proof := h.proof(req)

	receipt, err := h.settlement.Settle(context.Background(), proof, req)
	assert.ErrorIs(t, err, core.ErrSettlementRejected)
	require.NotNil(t, receipt)
	assert.Equal(t, core.StateFailed, receipt.State)

	receipt, err = h.settlement.Settle(context.Background(), proof, req)
	assert.ErrorIs(t, err, core.ErrSettlementRejected)
	assert.Equal(t, core.StateFailed, receipt.State)
}

func TestSettleFailedOnLedger(t *testing.T) {
	h := newHarness(t)
	h.ledger.Fail = true
	req := h.challenge("basic")
	proof := h.proof(req)

	receipt, err := h.settlement.Settle(context.Background(), proof, req)
	assert.ErrorIs(t, err, core.ErrSettlementRejected)
	require.NotNil(t, receipt)
	assert.Equal(t, core.StateFailed, receipt.State)
	assert.Equal(t, 1, h.ledger.TotalSubmissions())
}

func TestSettleRefusesTransactionItDidNotBroadcast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.challenge("basic")
	proof := h.proof(req)

	raw, err := core.DecodeTransaction(proof.SignedTransaction)
	require.NoError(t, err)
	raw, err = h.feePayer.Cosign(raw)
	require.NoError(t, err)
	_, err = h.ledger.SubmitTransaction(ctx, raw)
	require.NoError(t, err)

	receipt, err := h.settlement.Settle(ctx, h.withNonce(proof), req)
	assert.ErrorIs(t, err, core.ErrAlreadyConsumed)
	assert.Nil(t, receipt)
	assert.Equal(t, 1, h.ledger.TotalSubmissions())
}

func TestSettleFinalized(t *testing.T) {
	h := newHarness(t)
	h.ledger.Commitment = core.StateFinalized
	receipt := h.settledReceipt()
	assert.Equal(t, core.StateFinalized, receipt.State)
}

type fakeFacilitator struct {
	verifyErr error
	receipt   core.SettlementReceipt
	settles   int
}

func (f *fakeFacilitator) Verify(ctx context.Context, proof *core.PaymentProof, req *core.PaymentRequirements) error {
	return f.verifyErr
}

func (f *fakeFacilitator) Settle(ctx context.Context, proof *core.PaymentProof, req *core.PaymentRequirements) (*core.SettlementReceipt, error) {
	f.settles++
	receipt := f.receipt
	return &receipt, nil
}

func TestFacilitatorSettlement(t *testing.T) {
	h := newHarness(t)
	req := h.challenge("basic")

	t.Run("settled", func(t *testing.T) {
		f := &fakeFacilitator{receipt: core.SettlementReceipt{TransactionSignature: "sig1", State: core.StateConfirmed}}
		engine := NewFacilitatorSettlement(f, h.store)

		proof := h.proof(req)
		receipt, err := engine.Settle(context.Background(), proof, req)
		require.NoError(t, err)
		assert.Equal(t, "sig1", receipt.TransactionSignature)

		_, err = engine.Settle(context.Background(), proof, req)
		require.NoError(t, err)
		assert.Equal(t, 1, f.settles)
	})

	t.Run("verification refused", func(t *testing.T) {
		f := &fakeFacilitator{verifyErr: core.Reject(core.ErrInvalidSignature, "bad")}
		engine := NewFacilitatorSettlement(f, h.store)

		_, err := engine.Settle(context.Background(), h.proof(req), req)
		assert.ErrorIs(t, err, core.ErrInvalidSignature)
		assert.Zero(t, f.settles)
	})

	t.Run("pending without ledger", func(t *testing.T) {
		f := &fakeFacilitator{receipt: core.SettlementReceipt{TransactionSignature: "sig2", State: core.StatePending}}
		engine := NewFacilitatorSettlement(f, h.store)

		receipt, err := engine.Settle(context.Background(), h.proof(req), req)
		assert.ErrorIs(t, err, core.ErrSettlementTimeout)
		assert.Equal(t, core.StatePending, receipt.State)
	})
}
