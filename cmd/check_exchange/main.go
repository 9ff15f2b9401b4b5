package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vitos/crypto_grid_bot/internal/infrastructure/exchange"
)

type Config struct {
	Exchange struct {
		Name         string `yaml:"name"`
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
		Passphrase   string `yaml:"passphrase"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"exchange"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	symbol := "BTC-USDT"
	if len(os.Args) > 1 {
		symbol = os.Args[1]
	}

	// 1. Load Config
	cfg, err := loadConfig("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Testing OKX Interaction...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Exchange.RESTEndpoint)

	adapter := exchange.NewOKXAdapter(
		cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.Passphrase,
		cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, zap.NewNop())
	ctx := context.Background()

	// 2. Check Public Endpoint (Ticker)
	ticker, err := adapter.GetTicker(ctx, symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get ticker: %v\n", err)
	} else {
		fmt.Printf("✅ Ticker (%s): last=%s bid=%s ask=%s\n",
			symbol, ticker.Last, ticker.Bid, ticker.Ask)
	}

	// 3. Check Order Book
	book, err := adapter.GetOrderBook(ctx, symbol, 5)
	if err != nil {
		fmt.Printf("❌ Failed to get order book: %v\n", err)
	} else if len(book.Bids) > 0 && len(book.Asks) > 0 {
		fmt.Printf("✅ Order Book (%s): best bid=%s best ask=%s\n",
			symbol, book.Bids[0].Price, book.Asks[0].Price)
	}

	// 4. Check Private Endpoint (Balance)
	if cfg.Exchange.APIKey == "" {
		fmt.Println("No API key configured, skipping balance check")
		return
	}
	balances, err := adapter.GetBalance(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get balance: %v\n", err)
	} else {
		for ccy, bal := range balances {
			fmt.Printf("✅ Balance: %s=%s\n", ccy, bal)
		}
	}
}
