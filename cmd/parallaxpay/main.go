package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/golang-jwt/jwt/v5"
	"github.com/parallaxpay/parallaxpay/adapters/events"
	"github.com/parallaxpay/parallaxpay/adapters/facilitator"
	"github.com/parallaxpay/parallaxpay/adapters/ledger/solanarpc"
	"github.com/parallaxpay/parallaxpay/adapters/store"
	"github.com/parallaxpay/parallaxpay/adapters/tokenizer"
	"github.com/parallaxpay/parallaxpay/config"
	"github.com/parallaxpay/parallaxpay/internal/log"
	"github.com/parallaxpay/parallaxpay/ports"
	"github.com/parallaxpay/parallaxpay/service"
	transport "github.com/parallaxpay/parallaxpay/transport/http"
	"github.com/redis/go-redis/v9"
)

// backingStore is implemented by every store driver
type backingStore interface {
	ports.NonceStore
	ports.SessionStore
	ports.ReceiptStore
}

func main() {
	configFile := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a JSON configuration file")
	flag.Parse()

	cfg, err := config.ParseConfiguration(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := log.Configure(cfg.LogLevel, cfg.LogJSON); err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, redisClient, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Store.Driver, err)
	}

	var eventPub ports.EventPublisher
	if cfg.Store.Events {
		if redisClient == nil {
			if redisClient, err = newRedisClient(cfg.Store.RedisURL); err != nil {
				log.Fatalf("Failed to parse Redis URL: %v", err)
			}
		}
		publisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{
				Client: redisClient,
			},
			watermill.NewStdLogger(false, false),
		)
		if err != nil {
			log.Fatalf("Failed to create Redis publisher: %v", err)
		}
		eventPub = events.NewWatermillPublisher(publisher)
	}

	signKey, err := loadSessionKey(cfg.Session.KeyFile)
	if err != nil {
		log.Fatalf("Failed to load session key: %v", err)
	}

	ledger := solanarpc.NewLedger(cfg.Ledger.RPCEndpoint)
	inspector := solanarpc.NewInspector()

	var feePayer *solanarpc.FeePayer
	if cfg.Ledger.FeePayerKey != "" {
		key, err := solanarpc.LoadPrivateKey(cfg.Ledger.FeePayerKey)
		if err != nil {
			log.Fatalf("Failed to load fee payer key: %v", err)
		}
		feePayer = solanarpc.NewFeePayer(key)
	}

	pricing := service.Pricing{
		Network:  cfg.Ledger.Network,
		Asset:    cfg.Ledger.Asset,
		Decimals: cfg.Ledger.Decimals,
		PayTo:    cfg.Ledger.PayTo,
	}
	if feePayer != nil {
		pricing.FeePayer = feePayer.PublicKey()
	}
	for _, r := range cfg.Resources {
		amount, err := r.Units(cfg.Ledger.Decimals)
		if err != nil {
			log.Fatalf("Invalid price: %v", err)
		}
		pricing.Resources = append(pricing.Resources, service.Resource{
			ID:          r.ID,
			Path:        r.Path,
			Amount:      amount,
			Description: r.Description,
			MimeType:    r.MimeType,
			MaxTimeout:  r.MaxTimeout.Duration,
		})
	}
	challenges, err := service.NewChallengeIssuer(pricing)
	if err != nil {
		log.Fatalf("Invalid price list: %v", err)
	}

	replay := service.NewReplayGuard(st)
	opts := []service.SettlementOption{
		service.WithPollInterval(cfg.Ledger.PollInterval),
	}
	if eventPub != nil {
		opts = append(opts, service.WithEventPublisher(eventPub))
	}

	var settlement *service.SettlementEngine
	if cfg.Facilitator.URL != "" {
		fac := facilitator.NewClient(facilitator.Config{
			Endpoint: cfg.Facilitator.URL,
			APIKey:   cfg.Facilitator.APIKey,
		})
		opts = append(opts, service.WithConfirmationLedger(ledger))
		settlement = service.NewFacilitatorSettlement(fac, st, opts...)
	} else {
		if feePayer != nil {
			opts = append(opts, service.WithCosigner(feePayer))
		}
		settlement = service.NewDirectSettlement(ledger, inspector, replay, st, opts...)
	}

	sessions := service.NewSessionIssuer(st, tokenizer.NewJWTTokenizer(signKey, cfg.Gate.ProviderName), eventPub, cfg.Session.TTL)
	go sessions.RunSweeper(ctx, cfg.Session.SweepInterval)

	gate := service.NewAccessGate(
		challenges,
		service.NewProofVerifier(replay, service.WithTransferInspector(inspector)),
		settlement,
		replay,
		sessions,
	)

	upstream, err := upstreamProxy(cfg.Gate.UpstreamURL)
	if err != nil {
		log.Fatalf("Invalid upstream URL: %v", err)
	}

	if cfg.Session.InternalKey == "" {
		log.Warn("No internal API key configured, POST /session-token is disabled")
	}

	router := transport.SetupRouter(gate, transport.RouterConfig{
		ExemptPaths:    cfg.Gate.ExemptPaths,
		InternalKey:    cfg.Session.InternalKey,
		ProviderName:   cfg.Gate.ProviderName,
		FacilitatorURL: cfg.Facilitator.URL,
		Ledger:         ledger,
		Upstream:       upstream,
	})

	log.WithFields(log.Fields{
		"port":    cfg.Port,
		"network": cfg.Ledger.Network,
		"store":   cfg.Store.Driver,
	}).Info("parallaxpay gate starting")

	if err := router.Run(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (backingStore, *redis.Client, error) {
	switch cfg.Driver {
	case "redis":
		client, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, nil, err
		}
		s := store.NewRedisStore(client)
		return s, s.Client(), nil
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return store.NewMemoryStore(), nil, nil
	}
}

func newRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// loadSessionKey reads a PEM EC key, or generates one that lives as long as
// the process
func loadSessionKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		log.Warn("No session key file configured, sessions will not survive a restart")
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseECPrivateKeyFromPEM(pemBytes)
}

func upstreamProxy(rawURL string) (http.Handler, error) {
	if rawURL == "" {
		return nil, nil
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return httputil.NewSingleHostReverseProxy(target), nil
}
