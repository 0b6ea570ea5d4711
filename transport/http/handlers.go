package http

import (
	"crypto/subtle"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/parallaxpay/parallaxpay/core"
	"github.com/parallaxpay/parallaxpay/internal/log"
	"github.com/parallaxpay/parallaxpay/ports"
	"github.com/parallaxpay/parallaxpay/service"
	"github.com/shopspring/decimal"
)

// HeaderInternalKey guards the session token endpoint
const HeaderInternalKey = "X-Internal-Key"

// PaymentHandlers contains HTTP handlers for the payment endpoints
type PaymentHandlers struct {
	gate         *service.AccessGate
	ledger       ports.Ledger
	internalKey  string
	providerName string
	facilitator  string
}

// NewPaymentHandlers creates new payment handlers
func NewPaymentHandlers(gate *service.AccessGate, cfg RouterConfig) *PaymentHandlers {
	return &PaymentHandlers{
		gate:         gate,
		ledger:       cfg.Ledger,
		internalKey:  cfg.InternalKey,
		providerName: cfg.ProviderName,
		facilitator:  cfg.FacilitatorURL,
	}
}

// Health reports liveness
func (h *PaymentHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UnixMilli()})
}

type resourcePrice struct {
	ID                string `json:"id"`
	Path              string `json:"path,omitempty"`
	Price             string `json:"price"`
	Amount            string `json:"amount"`
	Description       string `json:"description,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

func (h *PaymentHandlers) prices() []resourcePrice {
	pricing := h.gate.Challenges().Pricing()
	resources := h.gate.Challenges().Resources()

	out := make([]resourcePrice, 0, len(resources))
	for _, r := range resources {
		units := decimal.NewFromBigInt(new(big.Int).SetUint64(r.Amount), 0)
		out = append(out, resourcePrice{
			ID:                r.ID,
			Path:              r.Path,
			Price:             units.Shift(-int32(pricing.Decimals)).String(),
			Amount:            units.String(),
			Description:       r.Description,
			MaxTimeoutSeconds: int(r.MaxTimeout / time.Second),
		})
	}
	return out
}

// Pricing returns the price list
func (h *PaymentHandlers) Pricing(c *gin.Context) {
	pricing := h.gate.Challenges().Pricing()
	c.JSON(http.StatusOK, gin.H{
		"network":     pricing.Network,
		"asset":       pricing.Asset,
		"decimals":    pricing.Decimals,
		"payTo":       pricing.PayTo,
		"feePayer":    pricing.FeePayer,
		"resources":   h.prices(),
		"facilitator": h.facilitator,
	})
}

// Discovery describes the provider for autonomous clients
func (h *PaymentHandlers) Discovery(c *gin.Context) {
	pricing := h.gate.Challenges().Pricing()
	c.JSON(http.StatusOK, gin.H{
		"protocol": "parallaxpay-v1",
		"provider": gin.H{
			"name":    h.providerName,
			"address": pricing.PayTo,
			"network": pricing.Network,
		},
		"pricing": gin.H{
			"asset":     pricing.Asset,
			"resources": h.prices(),
		},
		"endpoints": gin.H{
			"pricing":      "/api/payment/pricing",
			"verify":       "/api/payment/verify",
			"sessionToken": "/session-token",
		},
		"paymentMethods": []string{"x402"},
		"facilitator":    h.facilitator,
		"timestamp":      time.Now().UnixMilli(),
	})
}

// VerifyPayment reports the ledger status of a transaction signature
func (h *PaymentHandlers) VerifyPayment(c *gin.Context) {
	var req struct {
		Signature   string `json:"signature"`
		Transaction string `json:"transaction"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || (req.Signature == "" && req.Transaction == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing transaction or signature"})
		return
	}
	signature := req.Signature
	if signature == "" {
		signature = req.Transaction
	}

	status, err := h.ledger.SignatureStatus(c.Request.Context(), signature)
	if err != nil {
		log.WithError(err).WithField("signature", signature).Error("signature status failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Verification failed"})
		return
	}

	switch {
	case !status.Found:
		c.JSON(http.StatusOK, gin.H{"valid": false, "reason": "Transaction not found"})
	case status.State == core.StateFailed:
		c.JSON(http.StatusOK, gin.H{"valid": false, "reason": "Transaction failed", "error": status.Err})
	default:
		c.JSON(http.StatusOK, gin.H{
			"valid":              status.State.Settled(),
			"confirmationStatus": status.State,
			"slot":               status.Slot,
		})
	}
}

// CreateSessionToken issues a session for an already settled payment. A
// live session for the payment is rotated, never handed out again.
func (h *PaymentHandlers) CreateSessionToken(c *gin.Context) {
	if h.internalKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	key := c.GetHeader(HeaderInternalKey)
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.internalKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid internal key"})
		return
	}

	var req struct {
		PaymentProof string `json:"paymentProof" binding:"required"`
		Resource     string `json:"resource" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx := c.Request.Context()
	receipt, err := h.gate.Settlement().Receipt(ctx, req.PaymentProof)
	if err != nil {
		if errors.Is(err, core.ErrReceiptNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
			return
		}
		log.WithError(err).Error("failed to load receipt")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session token"})
		return
	}
	if receipt.ResourceID != req.Resource {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Payment is for another resource"})
		return
	}

	session, err := h.gate.Sessions().Issue(ctx, req.Resource, receipt)
	if err != nil {
		if core.IsPaymentError(err) {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": core.ReasonCode(err), "message": err.Error()})
			return
		}
		log.WithError(err).Error("failed to issue session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"sessionToken": session.Token,
		"expiresIn":    int(time.Until(session.ExpiresAt) / time.Second),
	})
}

// ValidateSessionToken reports whether a session token is live
func (h *PaymentHandlers) ValidateSessionToken(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing token"})
		return
	}

	session, err := h.gate.Sessions().Lookup(c.Request.Context(), token)
	if err != nil {
		if !core.IsPaymentError(err) {
			log.WithError(err).Error("session lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Session lookup failed"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"valid": false, "error": core.ReasonCode(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"resource":  session.ResourceID,
		"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
