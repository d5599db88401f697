// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/blink402/blink402/svm"
)

// Config is the full runtime configuration of the settlement service.
type Config struct {
	RPCURL         string `envconfig:"RPC_URL" default:"https://api.mainnet-beta.solana.com"`
	FacilitatorURL string `envconfig:"FACILITATOR_URL" required:"true"`
	Network        string `envconfig:"NETWORK" default:"solana"`

	// PayToAddress is the only recipient payments are accepted against.
	PayToAddress string `envconfig:"PAY_TO_ADDRESS" required:"true"`
	// PaymentMint overrides the network's default USDC mint when set.
	PaymentMint string `envconfig:"PAYMENT_MINT"`
	// B402Mint is the marketplace token used for tiers and buybacks.
	B402Mint string `envconfig:"B402_MINT" required:"true"`
	// PlatformPrivateKey signs fee payment and outbound payout transfers.
	PlatformPrivateKey string `envconfig:"PLATFORM_PRIVATE_KEY" required:"true"`

	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8402"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"blink402.db"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	// RunExpiry is the abandonment window for unpaid runs.
	RunExpiry          time.Duration `envconfig:"RUN_EXPIRY" default:"15m"`
	LotteryRoundWindow time.Duration `envconfig:"LOTTERY_ROUND_WINDOW" default:"1h"`
}

// Load reads configuration from the environment. A missing .env file is not
// an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("blink402", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field values beyond presence.
func (c *Config) Validate() error {
	if !svm.IsValidNetwork(c.Network) {
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if !svm.ValidateAddress(c.PayToAddress) {
		return fmt.Errorf("PAY_TO_ADDRESS is not a valid address")
	}
	if c.PaymentMint != "" && !svm.ValidateAddress(c.PaymentMint) {
		return fmt.Errorf("PAYMENT_MINT is not a valid address")
	}
	if !svm.ValidateAddress(c.B402Mint) {
		return fmt.Errorf("B402_MINT is not a valid address")
	}
	if c.RunExpiry <= 0 {
		return fmt.Errorf("RUN_EXPIRY must be positive")
	}
	if c.LotteryRoundWindow <= 0 {
		return fmt.Errorf("LOTTERY_ROUND_WINDOW must be positive")
	}
	return nil
}

// EffectivePaymentMint returns the configured payment mint, falling back to
// the network's default USDC mint.
func (c *Config) EffectivePaymentMint() (string, error) {
	if c.PaymentMint != "" {
		return c.PaymentMint, nil
	}
	asset, err := svm.GetAssetInfo(c.Network, "USDC")
	if err != nil {
		return "", err
	}
	return asset.Address, nil
}
