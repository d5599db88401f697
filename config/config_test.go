package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blink402/blink402/svm"
)

func validConfig() Config {
	return Config{
		RPCURL:             "https://api.mainnet-beta.solana.com",
		FacilitatorURL:     "https://facilitator.example.com",
		Network:            "solana",
		PayToAddress:       "SysvarRent111111111111111111111111111111111",
		B402Mint:           svm.USDCMainnetAddress,
		PlatformPrivateKey: "key",
		RunExpiry:          15 * time.Minute,
		LotteryRoundWindow: time.Hour,
	}
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown network", func(c *Config) { c.Network = "ethereum" }},
		{"bad pay-to address", func(c *Config) { c.PayToAddress = "not-an-address" }},
		{"bad payment mint", func(c *Config) { c.PaymentMint = "0x1234" }},
		{"bad b402 mint", func(c *Config) { c.B402Mint = "" }},
		{"zero run expiry", func(c *Config) { c.RunExpiry = 0 }},
		{"zero round window", func(c *Config) { c.LotteryRoundWindow = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			require.Error(t, c.Validate())
		})
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FACILITATOR_URL", "https://facilitator.example.com")
	t.Setenv("PAY_TO_ADDRESS", "SysvarRent111111111111111111111111111111111")
	t.Setenv("B402_MINT", svm.USDCMainnetAddress)
	t.Setenv("PLATFORM_PRIVATE_KEY", "key")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "solana", cfg.Network)
	require.Equal(t, ":8402", cfg.ListenAddr)
	require.Equal(t, 15*time.Minute, cfg.RunExpiry)
	require.Empty(t, cfg.PaymentMint)
}

func TestEffectivePaymentMint(t *testing.T) {
	cfg := validConfig()

	mint, err := cfg.EffectivePaymentMint()
	require.NoError(t, err)
	require.Equal(t, svm.USDCMainnetAddress, mint, "defaults to the network USDC mint")

	cfg.PaymentMint = svm.USDCDevnetAddress
	mint, err = cfg.EffectivePaymentMint()
	require.NoError(t, err)
	require.Equal(t, svm.USDCDevnetAddress, mint)
}
