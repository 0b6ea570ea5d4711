// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/parallaxpay/parallaxpay/adapters/ledger/solanarpc"
	"github.com/parallaxpay/parallaxpay/core"
)

// Ledger accepts any well formed transaction and confirms it after a
// configurable number of status polls
type Ledger struct {
	mu        sync.Mutex
	blockhash solana.Hash
	slot      uint64
	submitted map[string]int
	polls     map[string]int

	// ConfirmAfter is the number of status polls answered with pending
	ConfirmAfter int
	// Commitment is reported once confirmed, StateConfirmed by default
	Commitment core.ConfirmationState
	// Reject makes SubmitTransaction refuse every transaction
	Reject bool
	// Fail makes submitted transactions land as failed
	Fail bool
	// NeverConfirm keeps transactions pending forever
	NeverConfirm bool
	// SubmitDelay is slept before a broadcast is recorded
	SubmitDelay time.Duration
}

// NewLedger creates a ledger with a random blockhash
func NewLedger() *Ledger {
	return &Ledger{
		blockhash:  solana.Hash(solana.NewWallet().PublicKey()),
		slot:       1000,
		submitted:  make(map[string]int),
		polls:      make(map[string]int),
		Commitment: core.StateConfirmed,
	}
}

func (l *Ledger) LatestCheckpoint(ctx context.Context) (core.Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return core.Checkpoint{
		Blockhash:            l.blockhash.String(),
		LastValidBlockHeight: l.slot + 150,
		Slot:                 l.slot,
	}, nil
}

func (l *Ledger) SubmitTransaction(ctx context.Context, raw []byte) (string, error) {
	tx, err := solanarpc.DecodeTransaction(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrSettlementRejected, err)
	}
	if len(tx.Signatures) == 0 || tx.Signatures[0] == (solana.Signature{}) {
		return "", fmt.Errorf("%w: missing fee payer signature", core.ErrSettlementRejected)
	}
	if tx.Message.RecentBlockhash != l.blockhash {
		return "", fmt.Errorf("%w: blockhash not found", core.ErrSettlementRejected)
	}

	if l.SubmitDelay > 0 {
		select {
		case <-time.After(l.SubmitDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.Reject {
		return "", fmt.Errorf("%w: simulation failed", core.ErrSettlementRejected)
	}
	sig := tx.Signatures[0].String()
	l.submitted[sig]++
	return sig, nil
}

func (l *Ledger) SignatureStatus(ctx context.Context, signature string) (core.SignatureStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.submitted[signature] == 0 {
		return core.SignatureStatus{State: core.StatePending}, nil
	}
	l.polls[signature]++
	l.slot++

	status := core.SignatureStatus{Found: true, Slot: l.slot, State: core.StatePending}
	switch {
	case l.Fail:
		status.State = core.StateFailed
		status.Err = "custom program error: 0x1"
	case l.NeverConfirm || l.polls[signature] <= l.ConfirmAfter:
	default:
		status.State = l.Commitment
	}
	return status, nil
}

// Submissions returns how often signature was broadcast
func (l *Ledger) Submissions(signature string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.submitted[signature]
}

// TotalSubmissions returns the number of broadcasts of any transaction
func (l *Ledger) TotalSubmissions() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0
	for _, n := range l.submitted {
		total += n
	}
	return total
}
