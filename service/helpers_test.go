package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/parallaxpay/parallaxpay"
	"github.com/parallaxpay/parallaxpay/adapters/ledger/solanarpc"
	"github.com/parallaxpay/parallaxpay/adapters/store"
	"github.com/parallaxpay/parallaxpay/adapters/tokenizer"
	"github.com/parallaxpay/parallaxpay/core"
	"github.com/parallaxpay/parallaxpay/internal/ledgertest"
	"github.com/stretchr/testify/require"
)

const devnetUSDC = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"

type harness struct {
	t          *testing.T
	store      *store.MemoryStore
	ledger     *ledgertest.Ledger
	payTo      solana.PublicKey
	feePayer   *solanarpc.FeePayer
	issuer     *ChallengeIssuer
	replay     *ReplayGuard
	verifier   *ProofVerifier
	settlement *SettlementEngine
	sessions   *SessionIssuer
	gate       *AccessGate
	wallet     *parallaxpay.KeypairWallet
	builder    *parallaxpay.ProofBuilder
}

func basicResource() Resource {
	return Resource{
		ID:          "basic",
		Path:        "/api/inference/basic",
		Amount:      10000,
		Description: "Basic inference request",
		MaxTimeout:  300 * time.Second,
	}
}

func newHarness(t *testing.T, resources ...Resource) *harness {
	t.Helper()
	if len(resources) == 0 {
		resources = []Resource{basicResource()}
	}

	h := &harness{
		t:      t,
		store:  store.NewMemoryStore(),
		ledger: ledgertest.NewLedger(),
		payTo:  solana.NewWallet().PublicKey(),
	}
	h.feePayer = solanarpc.NewFeePayer(solana.NewWallet().PrivateKey)

	var err error
	h.issuer, err = NewChallengeIssuer(Pricing{
		Network:   "solana-devnet",
		Asset:     devnetUSDC,
		Decimals:  6,
		PayTo:     h.payTo.String(),
		FeePayer:  h.feePayer.PublicKey(),
		Resources: resources,
	})
	require.NoError(t, err)

	inspector := solanarpc.NewInspector()
	h.replay = NewReplayGuard(h.store)
	h.verifier = NewProofVerifier(h.replay, WithTransferInspector(inspector))
	h.settlement = NewDirectSettlement(h.ledger, inspector, h.replay, h.store,
		WithCosigner(h.feePayer),
		WithPollInterval(time.Millisecond),
	)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	h.sessions = NewSessionIssuer(h.store, tokenizer.NewJWTTokenizer(key, "parallaxpay"), nil, time.Hour)

	h.gate = NewAccessGate(h.issuer, h.verifier, h.settlement, h.replay, h.sessions)

	h.wallet = parallaxpay.NewKeypairWallet(solana.NewWallet().PrivateKey)
	h.builder = parallaxpay.NewProofBuilder(h.ledger)
	return h
}

func (h *harness) challenge(resourceID string) *core.PaymentRequirements {
	h.t.Helper()
	req, err := h.issuer.IssueChallenge(resourceID, "http://gate.test/api/inference/"+resourceID)
	require.NoError(h.t, err)
	return req
}

func (h *harness) proof(req *core.PaymentRequirements) *core.PaymentProof {
	h.t.Helper()
	proof, err := h.builder.BuildProof(context.Background(), req, h.wallet)
	require.NoError(h.t, err)
	return proof
}

func (h *harness) header(proof *core.PaymentProof) string {
	h.t.Helper()
	header, err := core.EncodeProofHeader(proof)
	require.NoError(h.t, err)
	return header
}

func (h *harness) settledReceipt() *core.SettlementReceipt {
	h.t.Helper()
	req := h.challenge("basic")
	receipt, err := h.settlement.Settle(context.Background(), h.proof(req), req)
	require.NoError(h.t, err)
	return receipt
}

// withNonce copies proof under a new nonce and signs the payload again,
// keeping the transaction
func (h *harness) withNonce(proof *core.PaymentProof) *core.PaymentProof {
	h.t.Helper()
	b := make([]byte, 32)
	_, err := rand.Read(b)
	require.NoError(h.t, err)

	out := *proof
	out.Payload.Nonce = hex.EncodeToString(b)
	msg, err := core.SigningMessage(out.Network, out.Payload)
	require.NoError(h.t, err)
	sig, err := h.wallet.SignMessage(context.Background(), msg)
	require.NoError(h.t, err)
	out.Signature = core.EncodeSignature(sig)
	return &out
}
