package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parallaxpay/parallaxpay/core"
)

// MaxPaymentTimeout bounds the settlement window of any resource
const MaxPaymentTimeout = 300 * time.Second

// Resource is a priced resource behind the gate
type Resource struct {
	ID          string
	Path        string
	Amount      uint64 // smallest units of the asset
	Description string
	MimeType    string
	MaxTimeout  time.Duration
}

// Pricing is the static price list the issuer serves from
type Pricing struct {
	Network   string
	Asset     string
	Decimals  uint8
	PayTo     string
	FeePayer  string // advertised when the server cosigns as fee payer
	Resources []Resource
}

// ChallengeIssuer builds payment requirements from the price list. It has no
// side effects.
type ChallengeIssuer struct {
	pricing Pricing
	byID    map[string]Resource
	now     func() time.Time
}

// NewChallengeIssuer validates pricing and creates an issuer
func NewChallengeIssuer(pricing Pricing) (*ChallengeIssuer, error) {
	if pricing.Network == "" || pricing.Asset == "" || pricing.PayTo == "" {
		return nil, fmt.Errorf("network, asset and payTo are required")
	}

	byID := make(map[string]Resource, len(pricing.Resources))
	for _, r := range pricing.Resources {
		if r.ID == "" {
			return nil, fmt.Errorf("resource without ID")
		}
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate resource %q", r.ID)
		}
		if r.Amount == 0 {
			return nil, fmt.Errorf("resource %s: amount must be positive", r.ID)
		}
		if r.MaxTimeout < time.Second || r.MaxTimeout > MaxPaymentTimeout {
			return nil, fmt.Errorf("resource %s: maxTimeout %s out of range", r.ID, r.MaxTimeout)
		}
		if r.MimeType == "" {
			r.MimeType = "application/json"
		}
		byID[r.ID] = r
	}

	return &ChallengeIssuer{pricing: pricing, byID: byID, now: time.Now}, nil
}

// IssueChallenge returns the requirements for resourceID. Unknown resources
// are never given a default price.
func (c *ChallengeIssuer) IssueChallenge(resourceID, resourceURL string) (*core.PaymentRequirements, error) {
	r, ok := c.byID[resourceID]
	if !ok {
		return nil, core.Reject(core.ErrUnknownResource, "%q", resourceID)
	}

	return &core.PaymentRequirements{
		X402Version:       core.X402Version,
		Scheme:            core.SchemeExact,
		Network:           c.pricing.Network,
		Asset:             c.pricing.Asset,
		PayTo:             c.pricing.PayTo,
		MaxAmountRequired: strconv.FormatUint(r.Amount, 10),
		MaxTimeoutSeconds: int(r.MaxTimeout / time.Second),
		MimeType:          r.MimeType,
		Resource:          resourceURL,
		Description:       r.Description,
		Extra: core.RequirementsExtra{
			ResourceID: r.ID,
			FeePayer:   c.pricing.FeePayer,
			Decimals:   c.pricing.Decimals,
		},
	}, nil
}

// Quote returns the price of resourceID, valid for its settlement window
func (c *ChallengeIssuer) Quote(resourceID string) (*core.PriceQuote, error) {
	r, ok := c.byID[resourceID]
	if !ok {
		return nil, core.Reject(core.ErrUnknownResource, "%q", resourceID)
	}
	return &core.PriceQuote{
		ResourceID: r.ID,
		Amount:     r.Amount,
		Asset:      c.pricing.Asset,
		PayTo:      c.pricing.PayTo,
		Network:    c.pricing.Network,
		ExpiresAt:  c.now().Add(r.MaxTimeout),
	}, nil
}

// Resources lists the price list ordered by ID
func (c *ChallengeIssuer) Resources() []Resource {
	out := make([]Resource, 0, len(c.byID))
	for _, r := range c.byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResourceForPath finds the resource with the longest path prefix of path
func (c *ChallengeIssuer) ResourceForPath(path string) (Resource, bool) {
	var best Resource
	found := false
	for _, r := range c.byID {
		if r.Path == "" || !pathHasPrefix(path, r.Path) {
			continue
		}
		if !found || len(r.Path) > len(best.Path) {
			best = r
			found = true
		}
	}
	return best, found
}

// Pricing returns the issuer's price list
func (c *ChallengeIssuer) Pricing() Pricing {
	return c.pricing
}

func pathHasPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}
