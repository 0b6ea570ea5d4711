package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-errors/errors"
	"github.com/parallaxpay/parallaxpay/internal/log"
	"github.com/parallaxpay/parallaxpay/service"
	"github.com/shopspring/decimal"
	"github.com/tkanos/gonfig"
)

const (
	devnetUSDC   = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
	defaultPayTo = "9qzmG8vPymc2CAMchZgq26qiUFq4pEfTx6HZfpMhh51y"
)

type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value) * time.Second
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		return err
	default:
		return errors.New("invalid duration")
	}
}

// Resource is a priced, gated resource
type Resource struct {
	ID          string
	Path        string // route prefix protected by the gate
	Price       string // in whole asset units, e.g. "0.01"
	Description string
	MimeType    string
	MaxTimeout  Duration
}

// Units converts Price into the asset's smallest unit
func (r Resource) Units(decimals uint8) (uint64, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return 0, fmt.Errorf("resource %s: invalid price %q: %w", r.ID, r.Price, err)
	}
	units := price.Shift(int32(decimals))
	if !units.IsPositive() {
		return 0, fmt.Errorf("resource %s: price must be positive", r.ID)
	}
	if !units.IsInteger() {
		return 0, fmt.Errorf("resource %s: price %s has more than %d decimals", r.ID, r.Price, decimals)
	}
	if !units.BigInt().IsUint64() {
		return 0, fmt.Errorf("resource %s: price %s overflows", r.ID, r.Price)
	}
	return units.BigInt().Uint64(), nil
}

type jsonConfiguration struct {
	Port              int    `env:"PORT"`
	LogLevel          string `env:"LOG_LEVEL"`
	LogJSON           bool   `env:"LOG_JSON"`
	Network           string `env:"NETWORK"`
	RPCEndpoint       string `env:"RPC_URL"`
	Asset             string `env:"ASSET_MINT"`
	AssetDecimals     int    `env:"ASSET_DECIMALS"`
	PayTo             string `env:"PAY_TO"`
	FeePayerKey       string `env:"FEE_PAYER_KEY"`
	FacilitatorURL    string `env:"FACILITATOR_URL"`
	FacilitatorAPIKey string `env:"FACILITATOR_API_KEY"`
	Store             string `env:"STORE"`
	RedisURL          string `env:"REDIS_URL"`
	PostgresDSN       string `env:"DATABASE_URL"`
	Events            bool   `env:"EVENTS"`
	SessionKeyFile    string `env:"SESSION_KEY_FILE"`
	InternalKey       string `env:"INTERNAL_API_KEY"`
	UpstreamURL       string `env:"UPSTREAM_URL"`
	ProviderName      string `env:"PROVIDER_NAME"`
	SessionTTL        Duration
	SweepInterval     Duration
	PollInterval      Duration
	ExemptPaths       []string
	Resources         []Resource
}

type LedgerConfig struct {
	Network      string
	RPCEndpoint  string
	Asset        string
	Decimals     uint8
	PayTo        string
	FeePayerKey  string // base58 secret or solana-keygen file, empty disables cosigning
	PollInterval time.Duration
}

type FacilitatorConfig struct {
	URL    string // empty settles directly against the ledger
	APIKey string
}

type StoreConfig struct {
	Driver      string // memory, redis or postgres
	RedisURL    string
	PostgresDSN string
	Events      bool // publish events over Redis streams
}

type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	KeyFile       string // PEM EC private key, empty generates an ephemeral key
	InternalKey   string
}

type GateConfig struct {
	UpstreamURL  string
	ExemptPaths  []string
	ProviderName string
}

type Configuration struct {
	Port        int
	LogLevel    string
	LogJSON     bool
	Ledger      LedgerConfig
	Facilitator FacilitatorConfig
	Store       StoreConfig
	Session     SessionConfig
	Gate        GateConfig
	Resources   []Resource
}

func DefaultCfg() *Configuration {
	return &Configuration{
		Port:     3001,
		LogLevel: "info",
		Ledger: LedgerConfig{
			Network:      "solana-devnet",
			RPCEndpoint:  "https://api.devnet.solana.com",
			Asset:        devnetUSDC,
			Decimals:     6,
			PayTo:        defaultPayTo,
			PollInterval: 500 * time.Millisecond,
		},
		Store: StoreConfig{
			Driver:   "memory",
			RedisURL: "redis://localhost:6379/0",
		},
		Session: SessionConfig{
			TTL:           time.Hour,
			SweepInterval: time.Minute,
		},
		Gate: GateConfig{
			ExemptPaths:  []string{"/health", "/api/payment/pricing", "/api/discovery"},
			ProviderName: "parallaxpay",
		},
		Resources: []Resource{
			{
				ID:          "basic",
				Path:        "/api/inference/basic",
				Price:       "0.01",
				Description: "Basic inference request",
				MimeType:    "application/json",
				MaxTimeout:  Duration{300 * time.Second},
			},
			{
				ID:          "standard",
				Path:        "/api/inference/standard",
				Price:       "0.05",
				Description: "Standard inference request",
				MimeType:    "application/json",
				MaxTimeout:  Duration{120 * time.Second},
			},
			{
				ID:          "premium",
				Path:        "/api/inference/premium",
				Price:       "0.25",
				Description: "Premium inference request",
				MimeType:    "application/json",
				MaxTimeout:  Duration{120 * time.Second},
			},
		},
	}
}

// ParseConfiguration reads configFile, applies environment overrides and
// fills every unset field from DefaultCfg. An empty path yields the defaults.
func ParseConfiguration(configFile string) (*Configuration, error) {
	rawConfig := jsonConfiguration{}

	if configFile != "" {
		if err := gonfig.GetConf(configFile, &rawConfig); err != nil {
			log.Error("Read json config error: ", err)
			return nil, errors.WrapPrefix(err, "read config", 0)
		}
	}

	instance := &Configuration{
		Port:     rawConfig.Port,
		LogLevel: rawConfig.LogLevel,
		LogJSON:  rawConfig.LogJSON,
		Ledger: LedgerConfig{
			Network:      rawConfig.Network,
			RPCEndpoint:  rawConfig.RPCEndpoint,
			Asset:        rawConfig.Asset,
			Decimals:     uint8(rawConfig.AssetDecimals),
			PayTo:        rawConfig.PayTo,
			FeePayerKey:  rawConfig.FeePayerKey,
			PollInterval: rawConfig.PollInterval.Duration,
		},
		Facilitator: FacilitatorConfig{
			URL:    rawConfig.FacilitatorURL,
			APIKey: rawConfig.FacilitatorAPIKey,
		},
		Store: StoreConfig{
			Driver:      rawConfig.Store,
			RedisURL:    rawConfig.RedisURL,
			PostgresDSN: rawConfig.PostgresDSN,
			Events:      rawConfig.Events,
		},
		Session: SessionConfig{
			TTL:           rawConfig.SessionTTL.Duration,
			SweepInterval: rawConfig.SweepInterval.Duration,
			KeyFile:       rawConfig.SessionKeyFile,
			InternalKey:   rawConfig.InternalKey,
		},
		Gate: GateConfig{
			UpstreamURL:  rawConfig.UpstreamURL,
			ExemptPaths:  rawConfig.ExemptPaths,
			ProviderName: rawConfig.ProviderName,
		},
		Resources: rawConfig.Resources,
	}

	defCfg := DefaultCfg()
	if instance.Port == 0 {
		instance.Port = defCfg.Port
	}
	if instance.LogLevel == "" {
		instance.LogLevel = defCfg.LogLevel
	}
	if instance.Ledger.Network == "" {
		instance.Ledger.Network = defCfg.Ledger.Network
	}
	if instance.Ledger.RPCEndpoint == "" {
		instance.Ledger.RPCEndpoint = defCfg.Ledger.RPCEndpoint
	}
	if instance.Ledger.Asset == "" {
		instance.Ledger.Asset = defCfg.Ledger.Asset
	}
	if instance.Ledger.Decimals == 0 {
		instance.Ledger.Decimals = defCfg.Ledger.Decimals
	}
	if instance.Ledger.PayTo == "" {
		instance.Ledger.PayTo = defCfg.Ledger.PayTo
	}
	if instance.Ledger.PollInterval == 0 {
		instance.Ledger.PollInterval = defCfg.Ledger.PollInterval
	}
	if instance.Store.Driver == "" {
		instance.Store.Driver = defCfg.Store.Driver
	}
	if instance.Store.RedisURL == "" {
		instance.Store.RedisURL = defCfg.Store.RedisURL
	}
	if instance.Session.TTL == 0 {
		instance.Session.TTL = defCfg.Session.TTL
	}
	if instance.Session.SweepInterval == 0 {
		instance.Session.SweepInterval = defCfg.Session.SweepInterval
	}
	if instance.Gate.ExemptPaths == nil {
		instance.Gate.ExemptPaths = defCfg.Gate.ExemptPaths
	}
	if instance.Gate.ProviderName == "" {
		instance.Gate.ProviderName = defCfg.Gate.ProviderName
	}
	if len(instance.Resources) == 0 {
		instance.Resources = defCfg.Resources
	}

	if err := instance.Validate(); err != nil {
		return nil, err
	}
	return instance, nil
}

// Validate rejects configurations the gate cannot serve safely
func (c *Configuration) Validate() error {
	switch c.Store.Driver {
	case "memory", "redis", "postgres":
	default:
		return errors.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.PostgresDSN == "" {
		return errors.New("postgres store requires DATABASE_URL")
	}
	if c.Ledger.PayTo == "" || c.Ledger.Asset == "" {
		return errors.New("payTo and asset are required")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session TTL must be positive")
	}

	seen := make(map[string]bool, len(c.Resources))
	for _, r := range c.Resources {
		if r.ID == "" {
			return errors.New("resource without ID")
		}
		if seen[r.ID] {
			return errors.Errorf("duplicate resource %q", r.ID)
		}
		seen[r.ID] = true

		if r.MaxTimeout.Duration < time.Second || r.MaxTimeout.Duration > service.MaxPaymentTimeout {
			return errors.Errorf("resource %s: maxTimeout must be between 1s and %s", r.ID, service.MaxPaymentTimeout)
		}
		if _, err := r.Units(c.Ledger.Decimals); err != nil {
			return errors.Wrap(err, 0)
		}
	}
	return nil
}
