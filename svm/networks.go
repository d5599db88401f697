// Package svm implements the Solana side of the Blink402 payment protocol:
// building the constrained-shape payment transaction, decoding and matching
// payment claims against expectations, and moving platform funds.
package svm

import (
	"fmt"
	"strings"
)

// Network identifiers in CAIP-2 format plus the short names accepted on the
// wire for compatibility.
const (
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"

	SolanaMainnetName = "solana"
	SolanaDevnetName  = "solana-devnet"
)

// Well-known token mints.
const (
	USDCMainnetAddress = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCDevnetAddress  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// Compute budget for the fixed 3-instruction payment shape
// (SetComputeUnitLimit + SetComputeUnitPrice + TransferChecked).
const (
	PaymentComputeUnits     uint32 = 6500
	DefaultComputeUnitPrice uint64 = 10_000 // microlamports
)

// AssetInfo describes a token accepted on a network.
type AssetInfo struct {
	Address  string
	Symbol   string
	Decimals int
}

// NetworkConfig holds per-network connection and asset defaults.
type NetworkConfig struct {
	CAIP2        string
	Name         string
	RPCURL       string
	DefaultAsset AssetInfo
	Assets       []AssetInfo
}

var networks = map[string]*NetworkConfig{
	SolanaMainnetCAIP2: {
		CAIP2:  SolanaMainnetCAIP2,
		Name:   SolanaMainnetName,
		RPCURL: "https://api.mainnet-beta.solana.com",
		DefaultAsset: AssetInfo{
			Address:  USDCMainnetAddress,
			Symbol:   "USDC",
			Decimals: 6,
		},
		Assets: []AssetInfo{
			{Address: USDCMainnetAddress, Symbol: "USDC", Decimals: 6},
		},
	},
	SolanaDevnetCAIP2: {
		CAIP2:  SolanaDevnetCAIP2,
		Name:   SolanaDevnetName,
		RPCURL: "https://api.devnet.solana.com",
		DefaultAsset: AssetInfo{
			Address:  USDCDevnetAddress,
			Symbol:   "USDC",
			Decimals: 6,
		},
		Assets: []AssetInfo{
			{Address: USDCDevnetAddress, Symbol: "USDC", Decimals: 6},
		},
	},
}

var nameToCAIP2 = map[string]string{
	SolanaMainnetName: SolanaMainnetCAIP2,
	SolanaDevnetName:  SolanaDevnetCAIP2,
}

// NormalizeNetwork maps a short network name or CAIP-2 id to CAIP-2.
func NormalizeNetwork(network string) (string, error) {
	if _, ok := networks[network]; ok {
		return network, nil
	}
	if caip2, ok := nameToCAIP2[network]; ok {
		return caip2, nil
	}
	return "", fmt.Errorf("unsupported network: %s", network)
}

// IsValidNetwork reports whether the identifier names a supported network.
func IsValidNetwork(network string) bool {
	_, err := NormalizeNetwork(network)
	return err == nil
}

// GetNetworkConfig returns the configuration for a network identified by
// short name or CAIP-2 id.
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	caip2, err := NormalizeNetwork(network)
	if err != nil {
		return nil, err
	}
	return networks[caip2], nil
}

// GetAssetInfo looks up an asset on a network by symbol or mint address.
// Falls back to the network's default asset for unknown identifiers.
func GetAssetInfo(network, symbolOrAddress string) (*AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(symbolOrAddress)
	for i := range config.Assets {
		if config.Assets[i].Address == symbolOrAddress || strings.ToUpper(config.Assets[i].Symbol) == upper {
			return &config.Assets[i], nil
		}
	}
	asset := config.DefaultAsset
	return &asset, nil
}
