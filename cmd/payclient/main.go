package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/parallaxpay/parallaxpay"
	"github.com/parallaxpay/parallaxpay/adapters/ledger/solanarpc"
	"github.com/parallaxpay/parallaxpay/internal/log"
)

func main() {
	target := flag.String("url", "http://localhost:3001/api/inference/basic", "protected resource to request")
	method := flag.String("method", http.MethodGet, "HTTP method")
	keyPath := flag.String("key", os.Getenv("PAYER_KEY"), "payer keypair file or base58 secret key")
	rpcURL := flag.String("rpc", "https://api.devnet.solana.com", "Solana RPC endpoint")
	timeout := flag.Duration("timeout", 6*time.Minute, "overall request timeout")
	flag.Parse()

	if *keyPath == "" {
		log.Fatal("A payer key is required, pass -key or set PAYER_KEY")
	}
	key, err := solanarpc.LoadPrivateKey(*keyPath)
	if err != nil {
		log.Fatalf("Failed to load payer key: %v", err)
	}

	client := parallaxpay.NewClient(
		parallaxpay.NewKeypairWallet(key),
		solanarpc.NewLedger(*rpcURL),
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, *method, *target, nil)
	if err != nil {
		log.Fatalf("Invalid request: %v", err)
	}

	log.WithFields(log.Fields{
		"payer": key.PublicKey().String(),
		"url":   *target,
	}).Info("requesting paid resource")

	resp, err := client.Do(ctx, req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	log.WithFields(log.Fields{
		"status":    resp.StatusCode,
		"signature": resp.Header.Get(parallaxpay.HeaderPaymentSignature),
	}).Info("response received")

	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		log.Fatalf("Failed to read response: %v", err)
	}
	fmt.Println()
}
