package svm_test

import (
	"context"
	"errors"
	"testing"

	solana "github.com/gagliardetto/solana-go"

	blink402 "github.com/blink402/blink402"
	"github.com/blink402/blink402/svm"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int
		expected uint64
	}{
		{"1", 6, 1000000},
		{"0.1", 6, 100000},
		{"0.01", 6, 10000},
		{"1.5", 6, 1500000},
		{"100", 6, 100000000},
		{"0.000001", 6, 1},
	}

	for _, tt := range tests {
		result, err := svm.ParseAmount(tt.amount, tt.decimals)
		if err != nil {
			t.Errorf("Unexpected error for %s: %v", tt.amount, err)
		}
		if result != tt.expected {
			t.Errorf("For %s with %d decimals, expected %d, got %d", tt.amount, tt.decimals, tt.expected, result)
		}
	}

	invalid := []struct {
		amount   string
		decimals int
	}{
		{"", 6},
		{"abc", 6},
		{"1.2345678", 6}, // too many decimal places
		{"1", 19},
		{"-1", 6},
	}
	for _, tt := range invalid {
		if _, err := svm.ParseAmount(tt.amount, tt.decimals); err == nil {
			t.Errorf("Expected error for %q with %d decimals", tt.amount, tt.decimals)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals int
		expected string
	}{
		{1000000, 6, "1"},
		{100000, 6, "0.1"},
		{1500000, 6, "1.5"},
		{1, 6, "0.000001"},
	}

	for _, tt := range tests {
		if result := svm.FormatAmount(tt.amount, tt.decimals); result != tt.expected {
			t.Errorf("For %d with %d decimals, expected %s, got %s", tt.amount, tt.decimals, tt.expected, result)
		}
	}
}

func TestValidateAddress(t *testing.T) {
	valid := []string{
		svm.USDCMainnetAddress,
		svm.USDCDevnetAddress,
		"11111111111111111111111111111111",
	}
	invalid := []string{
		"",
		"invalid",
		"0x1234567890123456789012345678901234567890",
	}

	for _, addr := range valid {
		if !svm.ValidateAddress(addr) {
			t.Errorf("Expected %s to be valid", addr)
		}
	}
	for _, addr := range invalid {
		if svm.ValidateAddress(addr) {
			t.Errorf("Expected %s to be invalid", addr)
		}
	}
}

func TestEncodeDecodeTransaction(t *testing.T) {
	tx := paymentTx(t, 42, nil)

	encoded, err := svm.EncodeTransaction(tx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	decoded, err := svm.DecodeTransaction(encoded)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(decoded.Message.Instructions) != 3 {
		t.Errorf("Expected 3 instructions, got %d", len(decoded.Message.Instructions))
	}

	if _, err := svm.DecodeTransaction("not base64!!!"); err == nil {
		t.Error("Expected error for invalid base64")
	}
}

func TestBuildPaymentValidation(t *testing.T) {
	ctx := context.Background()
	params := svm.BuildParams{
		Payer:    testPayer,
		PayTo:    testPayTo,
		Amount:   100,
		Mint:     testMint,
		FeePayer: solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"),
	}

	tests := []struct {
		name   string
		mutate func(*svm.BuildParams)
	}{
		{"zero amount", func(p *svm.BuildParams) { p.Amount = 0 }},
		{"missing recipient", func(p *svm.BuildParams) { p.PayTo = solana.PublicKey{} }},
		{"missing payer", func(p *svm.BuildParams) { p.Payer = solana.PublicKey{} }},
		{"missing fee payer", func(p *svm.BuildParams) { p.FeePayer = solana.PublicKey{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := params
			tt.mutate(&p)
			_, err := svm.BuildPayment(ctx, nil, p)
			if err == nil {
				t.Fatal("expected error")
			}
			var validation *blink402.ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
		})
	}
}
