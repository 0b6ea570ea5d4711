package service

import (
	"context"
	"errors"
	"time"

	"github.com/parallaxpay/parallaxpay/core"
	"github.com/parallaxpay/parallaxpay/internal/log"
	"github.com/parallaxpay/parallaxpay/ports"
	"golang.org/x/sync/singleflight"
)

const defaultReceiptTTL = 24 * time.Hour

// settler performs one settlement attempt for a proof
type settler interface {
	settle(ctx context.Context, proof *core.PaymentProof, req *core.PaymentRequirements) (*core.SettlementReceipt, error)
}

// SettlementEngine settles verified proofs exactly once, either directly on
// the ledger or through a facilitator
type SettlementEngine struct {
	settler    settler
	receipts   ports.ReceiptStore
	eventPub   ports.EventPublisher
	receiptTTL time.Duration
	group      singleflight.Group
}

// SettlementOption configures a SettlementEngine
type SettlementOption func(*settlementOptions)

type settlementOptions struct {
	cosigner     ports.Cosigner
	ledger       ports.Ledger
	pollInterval time.Duration
	eventPub     ports.EventPublisher
	receiptTTL   time.Duration
}

// WithCosigner adds the fee payer signature before broadcast
func WithCosigner(c ports.Cosigner) SettlementOption {
	return func(o *settlementOptions) { o.cosigner = c }
}

// WithPollInterval sets the delay between signature status queries
func WithPollInterval(d time.Duration) SettlementOption {
	return func(o *settlementOptions) { o.pollInterval = d }
}

// WithEventPublisher publishes terminal receipts
func WithEventPublisher(p ports.EventPublisher) SettlementOption {
	return func(o *settlementOptions) { o.eventPub = p }
}

// WithReceiptTTL sets how long receipts are kept for idempotent replies
func WithReceiptTTL(d time.Duration) SettlementOption {
	return func(o *settlementOptions) { o.receiptTTL = d }
}

// WithConfirmationLedger lets facilitator settlement wait for pending
// transactions to confirm
func WithConfirmationLedger(l ports.Ledger) SettlementOption {
	return func(o *settlementOptions) { o.ledger = l }
}

func buildOptions(opts []SettlementOption) settlementOptions {
	o := settlementOptions{
		pollInterval: 500 * time.Millisecond,
		receiptTTL:   defaultReceiptTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewDirectSettlement broadcasts proofs through ledger
func NewDirectSettlement(
	ledger ports.Ledger,
	inspector ports.TransferInspector,
	replay *ReplayGuard,
	receipts ports.ReceiptStore,
	opts ...SettlementOption,
) *SettlementEngine {
	o := buildOptions(opts)
	return &SettlementEngine{
		settler: &directSettler{
			ledger:    ledger,
			inspector: inspector,
			replay:    replay,
			cosigner:  o.cosigner,
			poller:    poller{ledger: ledger, interval: o.pollInterval},
		},
		receipts:   receipts,
		eventPub:   o.eventPub,
		receiptTTL: o.receiptTTL,
	}
}

// NewFacilitatorSettlement delegates verification and broadcast to facilitator
func NewFacilitatorSettlement(
	facilitator ports.Facilitator,
	receipts ports.ReceiptStore,
	opts ...SettlementOption,
) *SettlementEngine {
	o := buildOptions(opts)
	s := &facilitatorSettler{facilitator: facilitator}
	if o.ledger != nil {
		s.poller = &poller{ledger: o.ledger, interval: o.pollInterval}
	}
	return &SettlementEngine{
		settler:    s,
		receipts:   receipts,
		eventPub:   o.eventPub,
		receiptTTL: o.receiptTTL,
	}
}

// Settle settles proof and returns its receipt. Settling the same proof
// again returns the stored receipt without a second broadcast. The wait is
// bounded by the requirements' maxTimeoutSeconds, after which the receipt
// is Pending and the error is ErrSettlementTimeout. Settlement continues
// when ctx is cancelled by the caller.
func (e *SettlementEngine) Settle(ctx context.Context, proof *core.PaymentProof, req *core.PaymentRequirements) (*core.SettlementReceipt, error) {
	ctx = context.WithoutCancel(ctx)
	key := proofReceiptKey(proof.Payload.Nonce)

	v, err, shared := e.group.Do(key, func() (interface{}, error) {
		if stored, err := e.storedReceipt(ctx, key); stored != nil || err != nil {
			return stored, err
		}

		settleCtx, cancel := context.WithTimeout(ctx, req.MaxTimeout())
		defer cancel()

		receipt, err := e.settler.settle(settleCtx, proof, req)
		if receipt != nil && receipt.State.Terminal() {
			e.record(ctx, key, receipt)
		}
		return receipt, err
	})

	log.WithFields(log.Fields{
		"nonce":  proof.Payload.Nonce,
		"shared": shared,
	}).Debug("settlement finished")

	receipt, _ := v.(*core.SettlementReceipt)
	if receipt == nil {
		return nil, err
	}
	out := *receipt
	return &out, err
}

// Receipt returns the stored receipt of a settled transaction
func (e *SettlementEngine) Receipt(ctx context.Context, signature string) (*core.SettlementReceipt, error) {
	return e.receipts.GetReceipt(ctx, txReceiptKey(signature))
}

func (e *SettlementEngine) storedReceipt(ctx context.Context, key string) (*core.SettlementReceipt, error) {
	receipt, err := e.receipts.GetReceipt(ctx, key)
	if errors.Is(err, core.ErrReceiptNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if receipt.State == core.StateFailed {
		return receipt, core.Reject(core.ErrSettlementRejected, "transaction %s failed", receipt.TransactionSignature)
	}
	return receipt, nil
}

func (e *SettlementEngine) record(ctx context.Context, key string, receipt *core.SettlementReceipt) {
	if err := e.receipts.SaveReceipt(ctx, key, receipt, e.receiptTTL); err != nil {
		log.WithError(err).Error("failed to save receipt")
	}
	if err := e.receipts.SaveReceipt(ctx, txReceiptKey(receipt.TransactionSignature), receipt, e.receiptTTL); err != nil {
		log.WithError(err).Error("failed to save receipt")
	}

	if e.eventPub == nil {
		return
	}
	// The receipt is already stored, a lost event is only logged
	if err := e.eventPub.PublishSettlement(ctx, receipt); err != nil {
		log.WithError(err).Warn("failed to publish settlement event")
	}
}

func proofReceiptKey(nonce string) string {
	return "proof:" + nonce
}

func txReceiptKey(signature string) string {
	return "tx:" + signature
}

type directSettler struct {
	ledger    ports.Ledger
	inspector ports.TransferInspector
	replay    *ReplayGuard
	cosigner  ports.Cosigner
	poller    poller
}

func (s *directSettler) settle(ctx context.Context, proof *core.PaymentProof, req *core.PaymentRequirements) (*core.SettlementReceipt, error) {
	raw, err := core.DecodeTransaction(proof.SignedTransaction)
	if err != nil {
		return nil, err
	}
	if s.cosigner != nil {
		if raw, err = s.cosigner.Cosign(raw); err != nil {
			return nil, core.Reject(core.ErrSettlementRejected, "cosign: %v", err)
		}
	}

	transfer, err := s.inspector.InspectTransfer(raw)
	if err != nil {
		return nil, err
	}
	if transfer.Signature == "" {
		return nil, core.Reject(core.ErrInvalidSignature, "transaction is missing the fee payer signature")
	}

	receipt := &core.SettlementReceipt{
		TransactionSignature: transfer.Signature,
		State:                core.StatePending,
		ResourceID:           proof.Payload.ResourceID,
		Payer:                proof.SignerPublicKey,
		Amount:               proof.Payload.Amount,
		Network:              req.Network,
	}
	entry := log.WithFields(log.Fields{
		"signature": transfer.Signature,
		"resource":  proof.Payload.ResourceID,
	})

	status, err := s.ledger.SignatureStatus(ctx, transfer.Signature)
	if err != nil {
		entry.WithError(err).Warn("status probe failed before broadcast")
	}
	if err == nil && status.Found {
		// only a transaction this gate broadcast may be picked up again
		ours, err := s.replay.BroadcastClaimed(ctx, transfer.Signature)
		if err != nil {
			return nil, err
		}
		if !ours {
			return nil, core.Reject(core.ErrAlreadyConsumed, "transaction %s was not broadcast for this payment", transfer.Signature)
		}
		entry.Info("transaction already on ledger, skipping broadcast")
		return s.poller.wait(ctx, receipt)
	}

	claimed, err := s.replay.ClaimBroadcast(ctx, transfer.Signature, proof.Payload.ExpiresAt())
	if err != nil {
		return nil, err
	}
	if claimed {
		if _, err := s.ledger.SubmitTransaction(ctx, raw); err != nil {
			if errors.Is(err, core.ErrSettlementRejected) {
				receipt.State = core.StateFailed
				receipt.SettledAt = time.Now()
				return receipt, core.Reject(core.ErrSettlementRejected, "%v", err)
			}
			// the broadcast may still have landed, the status decides
			entry.WithError(err).Warn("broadcast outcome unknown")
		} else {
			entry.Info("transaction broadcast")
		}
	}

	return s.poller.wait(ctx, receipt)
}

type facilitatorSettler struct {
	facilitator ports.Facilitator
	poller      *poller
}

func (s *facilitatorSettler) settle(ctx context.Context, proof *core.PaymentProof, req *core.PaymentRequirements) (*core.SettlementReceipt, error) {
	if err := s.facilitator.Verify(ctx, proof, req); err != nil {
		return nil, err
	}
	receipt, err := s.facilitator.Settle(ctx, proof, req)
	if err != nil {
		return nil, err
	}
	if receipt.State.Terminal() {
		return receipt, nil
	}
	if s.poller == nil {
		return receipt, core.Reject(core.ErrSettlementTimeout, "facilitator reported %s", receipt.State)
	}
	return s.poller.wait(ctx, receipt)
}

type poller struct {
	ledger   ports.Ledger
	interval time.Duration
}

// wait polls the signature status of receipt until it is terminal or ctx ends
func (p *poller) wait(ctx context.Context, receipt *core.SettlementReceipt) (*core.SettlementReceipt, error) {
	for {
		status, err := p.ledger.SignatureStatus(ctx, receipt.TransactionSignature)
		switch {
		case errors.Is(err, core.ErrUnrecognizedResponse):
			return receipt, err
		case err != nil:
			log.WithError(err).Debug("status query failed")
		case status.Found:
			receipt.Slot = status.Slot
			if status.State.Terminal() {
				receipt.State = status.State
				receipt.SettledAt = time.Now()
			}
			if status.State == core.StateFailed {
				return receipt, core.Reject(core.ErrSettlementRejected, "transaction failed: %s", status.Err)
			}
			if status.State.Settled() {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return receipt, core.Reject(core.ErrSettlementTimeout, "transaction %s not confirmed in time", receipt.TransactionSignature)
		case <-time.After(p.interval):
		}
	}
}
