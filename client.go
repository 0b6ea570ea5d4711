package parallaxpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parallaxpay/parallaxpay/core"
)

const (
	HeaderPayment          = "X-Payment"
	HeaderPaymentSignature = "X-Payment-Signature"
	HeaderSessionToken     = "X-Session-Token"
	HeaderSessionExpires   = "X-Session-Expires"
	SessionCookie          = "x402_session"

	maxChallengeSize = 64 << 10
)

// Client is an HTTP client that pays for 402 protected resources
type Client struct {
	http        *http.Client
	wallet      Wallet
	builder     *ProofBuilder
	sessions    *SessionCache
	maxAttempts int
	now         func() time.Time
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces http.DefaultClient
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithMaxAttempts bounds how many proofs are sent per Do call
func WithMaxAttempts(n int) ClientOption {
	return func(cl *Client) { cl.maxAttempts = n }
}

// WithSessionCache shares a session cache between clients
func WithSessionCache(cache *SessionCache) ClientOption {
	return func(cl *Client) { cl.sessions = cache }
}

// NewClient creates a paying client
func NewClient(wallet Wallet, ledger Checkpointer, opts ...ClientOption) *Client {
	c := &Client{
		http:        http.DefaultClient,
		wallet:      wallet,
		builder:     NewProofBuilder(ledger),
		sessions:    NewSessionCache(),
		maxAttempts: 3,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type replyBody struct {
	core.PaymentRequirements
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Do sends req. A 402 challenge is answered with a payment proof and the
// request is sent again. Payment refusals are returned as *PaymentError.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resource := req.URL.String()

	var proofHeader string
	var proofExpiry time.Time
	attempts := 0
	for {
		out, err := c.prepare(ctx, req)
		if err != nil {
			return nil, err
		}
		if proofHeader != "" {
			out.Header.Set(HeaderPayment, proofHeader)
		} else if token, ok := c.sessions.Get(resource, c.now()); ok {
			out.Header.Set(HeaderSessionToken, token)
		}

		resp, err := c.http.Do(out)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusBadRequest && proofHeader != "":
			reply, err := readReply(resp)
			if err != nil {
				return nil, err
			}
			return nil, &PaymentError{Reason: core.ErrMalformedProof, Detail: reply.Message}
		case resp.StatusCode != http.StatusPaymentRequired:
			c.remember(resource, resp)
			return resp, nil
		}

		reply, err := readReply(resp)
		if err != nil {
			return nil, err
		}

		if reply.Error != "" {
			reason := core.ErrorForCode(reply.Error)
			payErr := &PaymentError{Reason: reason, Detail: reply.Message}
			switch {
			case reason == core.ErrSettlementTimeout && c.now().Before(proofExpiry):
				// the server keeps settling the same proof, ask again
			case reason == core.ErrExpired || reason == core.ErrSettlementTimeout || reason == core.ErrSessionExpired:
				proofHeader = ""
			default:
				return nil, payErr
			}
			if attempts >= c.maxAttempts {
				return nil, payErr
			}
			if proofHeader == "" {
				c.sessions.Forget(resource)
			}
			continue
		}

		if reply.Scheme == "" {
			return nil, &PaymentError{Reason: core.ErrUnrecognizedResponse, Detail: "402 without payment requirements"}
		}
		if attempts >= c.maxAttempts {
			return nil, ErrTooManyAttempts
		}
		c.sessions.Forget(resource)

		proof, err := c.builder.BuildProof(ctx, &reply.PaymentRequirements, c.wallet)
		if err != nil {
			return nil, err
		}
		if proofHeader, err = core.EncodeProofHeader(proof); err != nil {
			return nil, err
		}
		proofExpiry = proof.Payload.ExpiresAt()
		attempts++
	}
}

func (c *Client) prepare(ctx context.Context, req *http.Request) (*http.Request, error) {
	out := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}
	if req.GetBody == nil {
		return nil, ErrBodyNotReplayable
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	out.Body = body
	return out, nil
}

func (c *Client) remember(resource string, resp *http.Response) {
	token := resp.Header.Get(HeaderSessionToken)
	if token == "" {
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, resp.Header.Get(HeaderSessionExpires))
	if err != nil {
		return
	}
	c.sessions.Put(resource, token, expiresAt)
}

func readReply(resp *http.Response) (*replyBody, error) {
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeSize))
	if err != nil {
		return nil, err
	}
	var reply replyBody
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&reply); err != nil {
		return nil, &PaymentError{Reason: core.ErrUnrecognizedResponse, Detail: fmt.Sprintf("status %d: %v", resp.StatusCode, err)}
	}
	return &reply, nil
}
