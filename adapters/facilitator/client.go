package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parallaxpay/parallaxpay/core"
	"github.com/parallaxpay/parallaxpay/ports"
)

const maxResponseSize = 1 << 20

// Config holds configuration for the facilitator client
type Config struct {
	// Endpoint is the base URL, /verify and /settle are appended
	Endpoint string

	// APIKey is sent as X-API-Key when set
	APIKey string

	// Timeout is the HTTP client timeout
	Timeout time.Duration
}

// Client talks to an x402 facilitator over HTTP
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewClient creates a facilitator client
func NewClient(config Config) ports.Facilitator {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(config.Endpoint, "/"),
		apiKey:   config.APIKey,
		http:     &http.Client{Timeout: config.Timeout},
	}
}

type request struct {
	X402Version         int                       `json:"x402Version"`
	PaymentRequest      string                    `json:"paymentRequest"`
	PaymentPayload      *core.PaymentProof        `json:"paymentPayload"`
	PaymentRequirements *core.PaymentRequirements `json:"paymentRequirements"`
}

// response covers both reply shapes seen in the wild: the x402 shape
// ({isValid} / {success, transaction}) and the envelope shape
// ({success, data: {verified | transactionSignature}}).
type response struct {
	IsValid       *bool  `json:"isValid"`
	InvalidReason string `json:"invalidReason"`
	Success       *bool  `json:"success"`
	Transaction   string `json:"transaction"`
	ErrorReason   string `json:"errorReason"`
	Payer         string `json:"payer"`
	Network       string `json:"network"`
	Error         string `json:"error"`
	Data          *struct {
		Verified             *bool  `json:"verified"`
		TransactionSignature string `json:"transactionSignature"`
		Status               string `json:"status"`
		Slot                 uint64 `json:"slot"`
	} `json:"data"`
}

// Verify asks the facilitator whether the proof satisfies the requirements
func (c *Client) Verify(ctx context.Context, proof *core.PaymentProof, requirements *core.PaymentRequirements) error {
	resp, err := c.post(ctx, "/verify", proof, requirements)
	if err != nil {
		return err
	}

	switch {
	case resp.IsValid != nil:
		if *resp.IsValid {
			return nil
		}
		return rejection(resp.InvalidReason)
	case resp.Success != nil && resp.Data != nil && resp.Data.Verified != nil:
		if *resp.Success && *resp.Data.Verified {
			return nil
		}
		return rejection(resp.Error)
	case resp.Success != nil && !*resp.Success:
		return rejection(resp.Error)
	}
	return fmt.Errorf("%w: verify reply has no verdict", core.ErrUnrecognizedResponse)
}

// Settle asks the facilitator to broadcast the payment
func (c *Client) Settle(ctx context.Context, proof *core.PaymentProof, requirements *core.PaymentRequirements) (*core.SettlementReceipt, error) {
	resp, err := c.post(ctx, "/settle", proof, requirements)
	if err != nil {
		return nil, err
	}
	if resp.Success == nil {
		return nil, fmt.Errorf("%w: settle reply has no outcome", core.ErrUnrecognizedResponse)
	}
	if !*resp.Success {
		reason := resp.ErrorReason
		if reason == "" {
			reason = resp.Error
		}
		return nil, rejection(reason)
	}

	receipt := &core.SettlementReceipt{
		State:      core.StateConfirmed,
		ResourceID: proof.Payload.ResourceID,
		Payer:      proof.SignerPublicKey,
		Amount:     proof.Payload.Amount,
		Network:    requirements.Network,
		SettledAt:  time.Now(),
	}
	if resp.Payer != "" {
		receipt.Payer = resp.Payer
	}

	switch {
	case resp.Transaction != "":
		receipt.TransactionSignature = resp.Transaction
	case resp.Data != nil && resp.Data.TransactionSignature != "":
		receipt.TransactionSignature = resp.Data.TransactionSignature
		receipt.Slot = resp.Data.Slot
		if state := core.ConfirmationState(resp.Data.Status); state != "" {
			switch state {
			case core.StatePending, core.StateConfirmed, core.StateFinalized:
				receipt.State = state
			default:
				return nil, fmt.Errorf("%w: settlement status %q", core.ErrUnrecognizedResponse, resp.Data.Status)
			}
		}
	default:
		return nil, fmt.Errorf("%w: settle reply has no transaction", core.ErrUnrecognizedResponse)
	}
	return receipt, nil
}

func (c *Client) post(ctx context.Context, path string, proof *core.PaymentProof, requirements *core.PaymentRequirements) (*response, error) {
	inner, err := json.Marshal(proof)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proof: %w", err)
	}
	body, err := json.Marshal(request{
		X402Version:         core.X402Version,
		PaymentRequest:      string(inner),
		PaymentPayload:      proof,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("facilitator %s: %w", path, err)
	}
	if httpResp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("facilitator %s returned %d", path, httpResp.StatusCode)
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: facilitator %s returned %d with undecodable body", core.ErrUnrecognizedResponse, path, httpResp.StatusCode)
	}
	return &resp, nil
}

// rejection maps a facilitator reason to the taxonomy. Reasons outside the
// taxonomy become settlement rejections.
func rejection(reason string) error {
	err := core.ErrorForCode(reason)
	if err == core.ErrUnrecognizedResponse {
		err = core.ErrSettlementRejected
	}
	return core.Reject(err, "facilitator: %s", reason)
}
