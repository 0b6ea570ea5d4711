package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/parallaxpay/parallaxpay/ports"
	"github.com/parallaxpay/parallaxpay/service"
)

// RouterConfig holds the optional parts of the HTTP surface
type RouterConfig struct {
	ExemptPaths    []string
	ProviderName   string
	FacilitatorURL string

	// InternalKey guards POST /session-token, which answers 404 when empty
	InternalKey string

	// Ledger serves /api/payment/verify, the route is absent when nil
	Ledger ports.Ledger
	// Upstream receives every request the gate lets through
	Upstream http.Handler
}

// SetupRouter sets up the Gin router
func SetupRouter(gate *service.AccessGate, cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	handlers := NewPaymentHandlers(gate, cfg)

	router.GET("/health", handlers.Health)
	router.POST("/session-token", handlers.CreateSessionToken)
	router.GET("/session-token", handlers.ValidateSessionToken)
	router.GET("/api/discovery", handlers.Discovery)

	payment := router.Group("/api/payment")
	{
		payment.GET("/pricing", handlers.Pricing)
		if cfg.Ledger != nil {
			payment.POST("/verify", handlers.VerifyPayment)
		}
	}

	// Everything else is priced by path and forwarded upstream
	router.NoRoute(PaymentMiddleware(gate, cfg.ExemptPaths), forward(cfg.Upstream))

	return router
}

func forward(upstream http.Handler) gin.HandlerFunc {
	if upstream == nil {
		return func(c *gin.Context) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		}
	}
	return func(c *gin.Context) {
		// NoRoute starts out as 404
		c.Status(http.StatusOK)
		upstream.ServeHTTP(c.Writer, c.Request)
	}
}
