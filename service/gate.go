package service

import (
	"context"

	"github.com/parallaxpay/parallaxpay/core"
	"github.com/parallaxpay/parallaxpay/internal/log"
)

// GateState is a step of the access protocol
type GateState int

const (
	StateNoSession GateState = iota
	StateChallengeIssued
	StateProofSubmitted
	StateVerifying
	StateSettling
	StateSessionGranted
	StateDenied
)

func (s GateState) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateChallengeIssued:
		return "challenge_issued"
	case StateProofSubmitted:
		return "proof_submitted"
	case StateVerifying:
		return "verifying"
	case StateSettling:
		return "settling"
	case StateSessionGranted:
		return "session_granted"
	case StateDenied:
		return "denied"
	}
	return "unknown"
}

// GateRequest is one access attempt
type GateRequest struct {
	ResourceID    string
	ResourceURL   string
	PaymentHeader string // X-Payment
	SessionToken  string // X-Session-Token or cookie
}

// GateResult is the terminal state of an access attempt. Requirements is
// set whenever the client may pay (again).
type GateResult struct {
	State        GateState
	Requirements *core.PaymentRequirements
	Session      *core.Session
	Receipt      *core.SettlementReceipt
	Reason       error     // set when State is StateDenied
	DeniedIn     GateState // the step that refused the attempt
}

// AccessGate runs the access protocol for protected resources
type AccessGate struct {
	challenges *ChallengeIssuer
	verifier   *ProofVerifier
	settlement *SettlementEngine
	replay     *ReplayGuard
	sessions   *SessionIssuer
}

// NewAccessGate wires the protocol components together
func NewAccessGate(
	challenges *ChallengeIssuer,
	verifier *ProofVerifier,
	settlement *SettlementEngine,
	replay *ReplayGuard,
	sessions *SessionIssuer,
) *AccessGate {
	return &AccessGate{
		challenges: challenges,
		verifier:   verifier,
		settlement: settlement,
		replay:     replay,
		sessions:   sessions,
	}
}

// Challenges returns the gate's challenge issuer
func (g *AccessGate) Challenges() *ChallengeIssuer {
	return g.challenges
}

// Sessions returns the gate's session issuer
func (g *AccessGate) Sessions() *SessionIssuer {
	return g.sessions
}

// Settlement returns the gate's settlement engine
func (g *AccessGate) Settlement() *SettlementEngine {
	return g.settlement
}

// Handle drives one request to SessionGranted, ChallengeIssued or Denied.
// Protocol refusals are reported in the result; the error is reserved for
// unknown resources and internal failures.
func (g *AccessGate) Handle(ctx context.Context, req GateRequest) (*GateResult, error) {
	requirements, err := g.challenges.IssueChallenge(req.ResourceID, req.ResourceURL)
	if err != nil {
		return nil, err
	}

	if req.SessionToken != "" {
		session, err := g.sessions.Lookup(ctx, req.SessionToken)
		switch {
		case err == nil && session.ResourceID == req.ResourceID:
			return &GateResult{State: StateSessionGranted, Session: session}, nil
		case err != nil && !core.IsPaymentError(err):
			return nil, err
		}
	}

	if req.PaymentHeader == "" {
		return &GateResult{State: StateChallengeIssued, Requirements: requirements}, nil
	}

	entry := log.WithField("resource", req.ResourceID)

	entry.WithField("state", StateProofSubmitted).Debug("gate transition")
	proof, err := core.DecodeProofHeader(req.PaymentHeader)
	if err != nil {
		return g.deny(entry, StateProofSubmitted, requirements, nil, err), nil
	}
	entry = entry.WithField("nonce", proof.Payload.Nonce)

	entry.WithField("state", StateVerifying).Debug("gate transition")
	if err := g.verifier.Verify(ctx, proof, requirements); err != nil {
		if !core.IsPaymentError(err) {
			return nil, err
		}
		return g.deny(entry, StateVerifying, requirements, nil, err), nil
	}

	// From here on the work must finish even if the client leaves
	entry.WithField("state", StateSettling).Debug("gate transition")
	ctx = context.WithoutCancel(ctx)
	receipt, err := g.settlement.Settle(ctx, proof, requirements)
	if err != nil {
		if !core.IsPaymentError(err) {
			return nil, err
		}
		return g.deny(entry, StateSettling, requirements, receipt, err), nil
	}

	consumed, err := g.replay.TryConsume(ctx, proof.Payload.Nonce, proof.Payload.ExpiresAt())
	if err != nil {
		return nil, err
	}
	if !consumed {
		return g.deny(entry, StateSettling, requirements, receipt, core.Reject(core.ErrAlreadyConsumed, "nonce %s", proof.Payload.Nonce)), nil
	}
	redeemed, err := g.replay.ConsumeTransaction(ctx, receipt.TransactionSignature, proof.Payload.ExpiresAt())
	if err != nil {
		return nil, err
	}
	if !redeemed {
		return g.deny(entry, StateSettling, requirements, receipt, core.Reject(core.ErrAlreadyConsumed, "transaction %s", receipt.TransactionSignature)), nil
	}

	session, err := g.sessions.Issue(ctx, req.ResourceID, receipt)
	if err != nil {
		if !core.IsPaymentError(err) {
			return nil, err
		}
		return g.deny(entry, StateSettling, requirements, receipt, err), nil
	}

	entry.WithFields(log.Fields{
		"signature": receipt.TransactionSignature,
		"state":     receipt.State,
	}).Info("payment settled, session granted")

	return &GateResult{
		State:   StateSessionGranted,
		Session: session,
		Receipt: receipt,
	}, nil
}

func (g *AccessGate) deny(entry *log.Entry, state GateState, requirements *core.PaymentRequirements, receipt *core.SettlementReceipt, reason error) *GateResult {
	entry.WithFields(log.Fields{
		"reason": core.ReasonCode(reason),
		"state":  state,
	}).Warn(reason.Error())

	return &GateResult{
		State:        StateDenied,
		Requirements: requirements,
		Receipt:      receipt,
		Reason:       reason,
		DeniedIn:     state,
	}
}
