package solanarpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/parallaxpay/parallaxpay/core"
	"github.com/parallaxpay/parallaxpay/ports"
)

// Ledger implements ports.Ledger against a Solana JSON-RPC endpoint
type Ledger struct {
	client        *rpc.Client
	attempts      uint
	backoffUnit   time.Duration
	callTimeout   time.Duration
	skipPreflight bool
}

// Option configures a Ledger
type Option func(*Ledger)

// WithRetry sets how many times read-only calls are attempted and the base
// of their exponential backoff
func WithRetry(attempts uint, unit time.Duration) Option {
	return func(l *Ledger) {
		l.attempts = attempts
		l.backoffUnit = unit
	}
}

// WithCallTimeout bounds every single RPC call
func WithCallTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		l.callTimeout = d
	}
}

// WithSkipPreflight disables simulation before broadcast
func WithSkipPreflight(skip bool) Option {
	return func(l *Ledger) {
		l.skipPreflight = skip
	}
}

// NewLedger creates a ledger client for endpoint
func NewLedger(endpoint string, opts ...Option) ports.Ledger {
	l := &Ledger{
		client:      rpc.New(endpoint),
		attempts:    4,
		backoffUnit: 100 * time.Millisecond,
		callTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LatestCheckpoint returns the most recent blockhash at finalized commitment
func (l *Ledger) LatestCheckpoint(ctx context.Context) (core.Checkpoint, error) {
	var checkpoint core.Checkpoint
	err := l.withRetry(ctx, func(ctx context.Context) error {
		out, err := l.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			return core.ErrUnrecognizedResponse
		}
		checkpoint = core.Checkpoint{
			Blockhash:            out.Value.Blockhash.String(),
			LastValidBlockHeight: out.Value.LastValidBlockHeight,
			Slot:                 out.Context.Slot,
		}
		return nil
	})
	if err != nil {
		return core.Checkpoint{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	return checkpoint, nil
}

// SubmitTransaction broadcasts raw exactly once. It is never retried here,
// a lost response must be resolved with SignatureStatus.
func (l *Ledger) SubmitTransaction(ctx context.Context, raw []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	maxRetries := uint(0)
	sig, err := l.client.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       l.skipPreflight,
		PreflightCommitment: rpc.CommitmentConfirmed,
		MaxRetries:          &maxRetries,
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("%w: %s", core.ErrSettlementRejected, rpcErr.Message)
		}
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig.String(), nil
}

// SignatureStatus reports the commitment reached by a transaction
func (l *Ledger) SignatureStatus(ctx context.Context, signature string) (core.SignatureStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return core.SignatureStatus{}, fmt.Errorf("%w: %v", core.ErrMalformedProof, err)
	}

	var status core.SignatureStatus
	err = l.withRetry(ctx, func(ctx context.Context) error {
		out, err := l.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return err
		}
		status, err = parseSignatureStatus(out)
		return err
	})
	if err != nil {
		return core.SignatureStatus{}, err
	}
	return status, nil
}

func parseSignatureStatus(out *rpc.GetSignatureStatusesResult) (core.SignatureStatus, error) {
	if out == nil || len(out.Value) != 1 {
		return core.SignatureStatus{}, unrecoverable{core.ErrUnrecognizedResponse}
	}
	result := out.Value[0]
	if result == nil {
		return core.SignatureStatus{Found: false, State: core.StatePending}, nil
	}

	status := core.SignatureStatus{Found: true, Slot: result.Slot}
	if result.Err != nil {
		status.State = core.StateFailed
		status.Err = fmt.Sprint(result.Err)
		return status, nil
	}

	switch result.ConfirmationStatus {
	case rpc.ConfirmationStatusProcessed:
		status.State = core.StatePending
	case rpc.ConfirmationStatusConfirmed:
		status.State = core.StateConfirmed
	case rpc.ConfirmationStatusFinalized:
		status.State = core.StateFinalized
	default:
		return core.SignatureStatus{}, unrecoverable{fmt.Errorf("%w: confirmation status %q", core.ErrUnrecognizedResponse, result.ConfirmationStatus)}
	}
	return status, nil
}

// unrecoverable stops the retry loop
type unrecoverable struct {
	err error
}

func (u unrecoverable) Error() string { return u.err.Error() }
func (u unrecoverable) Unwrap() error { return u.err }

func (l *Ledger) withRetry(ctx context.Context, call func(ctx context.Context) error) error {
	var final error
	err := retry.Retry(
		func(attempt uint) error {
			callCtx, cancel := context.WithTimeout(ctx, l.callTimeout)
			defer cancel()

			err := call(callCtx)
			var stop unrecoverable
			if errors.As(err, &stop) {
				final = stop.err
				return nil
			}
			return err
		},
		strategy.Limit(l.attempts),
		func(attempt uint) bool { return ctx.Err() == nil },
		strategy.Backoff(backoff.BinaryExponential(l.backoffUnit)),
	)
	if final != nil {
		return final
	}
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
