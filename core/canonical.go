package core

import "encoding/json"

const (
	signingDomainName    = "x402-solana-protocol"
	signingDomainVersion = "1"
	signingPrimaryType   = "AuthorizationPayload"
)

type signingDomain struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	ChainID string `json:"chainId"`
}

type signingMessage struct {
	Domain      signingDomain  `json:"domain"`
	PrimaryType string         `json:"primaryType"`
	Message     PaymentPayload `json:"message"`
}

// SigningMessage returns the exact bytes covered by a proof signature. The
// encoding is deterministic: struct fields marshal in declaration order and
// the network is bound through the domain.
func SigningMessage(network string, payload PaymentPayload) ([]byte, error) {
	return json.Marshal(signingMessage{
		Domain: signingDomain{
			Name:    signingDomainName,
			Version: signingDomainVersion,
			ChainID: network,
		},
		PrimaryType: signingPrimaryType,
		Message:     payload,
	})
}
