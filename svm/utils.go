package svm

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// ParseAmount converts a decimal amount string to base units.
// "1.5" with 6 decimals → 1500000.
func ParseAmount(amount string, decimals int) (uint64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if decimals < 0 || decimals > 18 {
		return 0, fmt.Errorf("unsupported decimals: %d", decimals)
	}

	parts := strings.SplitN(amount, ".", 2)
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if len(frac) > decimals {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	wholeUnits := uint64(0)
	if whole != "" {
		w, err := strconv.ParseUint(whole, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
		}
		wholeUnits = w
	}

	scale := uint64(math.Pow10(decimals))
	if wholeUnits > math.MaxUint64/scale {
		return 0, fmt.Errorf("amount %s overflows", amount)
	}
	base := wholeUnits * scale

	if frac != "" {
		f, err := strconv.ParseUint(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
		}
		if base > math.MaxUint64-f {
			return 0, fmt.Errorf("amount %s overflows", amount)
		}
		base += f
	}
	return base, nil
}

// FormatAmount converts base units back to a decimal string with trailing
// zeros trimmed.
func FormatAmount(amount uint64, decimals int) string {
	scale := uint64(math.Pow10(decimals))
	whole := amount / scale
	frac := amount % scale
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	fracStr := fmt.Sprintf("%0*d", decimals, frac)
	fracStr = strings.TrimRight(fracStr, "0")
	return fmt.Sprintf("%d.%s", whole, fracStr)
}

// ValidateAddress reports whether s is a well-formed Solana public key.
func ValidateAddress(s string) bool {
	_, err := solana.PublicKeyFromBase58(s)
	return err == nil
}

// EncodeTransaction serializes a transaction to base64 for transport.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction parses a base64-encoded transaction.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}
