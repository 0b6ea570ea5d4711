package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/parallaxpay/parallaxpay"
	"github.com/parallaxpay/parallaxpay/core"
	"github.com/parallaxpay/parallaxpay/internal/log"
	"github.com/parallaxpay/parallaxpay/service"
)

const (
	contextSession = "x402Session"
	contextReceipt = "x402Receipt"
)

// PaymentMiddleware puts priced routes behind the access gate. Requests for
// exempt or unpriced paths pass through untouched.
func PaymentMiddleware(gate *service.AccessGate, exemptPaths []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if isExempt(path, exemptPaths) {
			c.Next()
			return
		}
		resource, ok := gate.Challenges().ResourceForPath(path)
		if !ok {
			c.Next()
			return
		}

		result, err := gate.Handle(c.Request.Context(), service.GateRequest{
			ResourceID:    resource.ID,
			ResourceURL:   resourceURL(c.Request),
			PaymentHeader: c.GetHeader(parallaxpay.HeaderPayment),
			SessionToken:  sessionToken(c),
		})
		if err != nil {
			abortWithError(c, err)
			return
		}

		switch result.State {
		case service.StateChallengeIssued:
			c.AbortWithStatusJSON(http.StatusPaymentRequired, result.Requirements)
		case service.StateDenied:
			// only an undecodable X-Payment header is a bad request
			status := http.StatusPaymentRequired
			if result.DeniedIn == service.StateProofSubmitted {
				status = http.StatusBadRequest
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error":   core.ReasonCode(result.Reason),
				"message": result.Reason.Error(),
			})
		case service.StateSessionGranted:
			grant(c, result)
			c.Next()
		default:
			abortWithError(c, errors.New("gate ended in state "+result.State.String()))
		}
	}
}

func grant(c *gin.Context, result *service.GateResult) {
	session := result.Session
	c.Set(contextSession, session)
	if result.Receipt == nil {
		return
	}

	c.Set(contextReceipt, result.Receipt)
	c.Header(parallaxpay.HeaderPaymentSignature, result.Receipt.TransactionSignature)
	c.Header(parallaxpay.HeaderSessionToken, session.Token)
	c.Header(parallaxpay.HeaderSessionExpires, session.ExpiresAt.UTC().Format(time.RFC3339))

	maxAge := int(time.Until(session.ExpiresAt) / time.Second)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(parallaxpay.SessionCookie, session.Token, maxAge, "/", "", c.Request.TLS != nil, true)
}

func abortWithError(c *gin.Context, err error) {
	if errors.Is(err, core.ErrUnknownResource) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": core.ReasonCode(err), "message": err.Error()})
		return
	}
	log.WithError(err).WithField("path", c.Request.URL.Path).Error("payment gate failed")
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Payment processing failed"})
}

func sessionToken(c *gin.Context) string {
	if token := c.GetHeader(parallaxpay.HeaderSessionToken); token != "" {
		return token
	}
	token, err := c.Cookie(parallaxpay.SessionCookie)
	if err != nil {
		return ""
	}
	return token
}

func isExempt(path string, exemptPaths []string) bool {
	for _, p := range exemptPaths {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

func resourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
