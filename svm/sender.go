package svm

import (
	"context"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	blink402 "github.com/blink402/blink402"
)

// SendClient is the subset of the chain RPC needed to broadcast and confirm
// platform-signed transfers. *rpc.Client satisfies it.
type SendClient interface {
	AccountClient
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Sender signs and broadcasts platform-side transfers (payouts, buybacks)
// with the platform key. The key is loaded once at start and never mutated.
type Sender struct {
	client     SendClient
	platform   solana.PrivateKey
	commitment rpc.CommitmentType
	confirmFor time.Duration
	logger     *zap.Logger
}

// NewSender creates a sender for the given platform key.
func NewSender(client SendClient, platformKey solana.PrivateKey, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		client:     client,
		platform:   platformKey,
		commitment: rpc.CommitmentConfirmed,
		confirmFor: 30 * time.Second,
		logger:     logger,
	}
}

// SendTransfer builds, signs, broadcasts and confirms a token transfer of
// exactly amount base units from the platform wallet. The amount must come
// from an on-record run; the builder re-validates it.
func (s *Sender) SendTransfer(ctx context.Context, to solana.PublicKey, amount uint64, mint solana.PublicKey) (string, error) {
	platformPub := s.platform.PublicKey()
	tx, err := BuildPayment(ctx, s.client, BuildParams{
		Payer:    platformPub,
		PayTo:    to,
		Amount:   amount,
		Mint:     mint,
		FeePayer: platformPub,
	})
	if err != nil {
		return "", err
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(platformPub) {
			return &s.platform
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to sign transfer: %w", err)
	}

	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: s.commitment,
	})
	if err != nil {
		return "", &blink402.UpstreamError{Service: "chain rpc", Err: fmt.Errorf("send failed: %w", err)}
	}

	s.logger.Info("transfer broadcast",
		zap.String("signature", sig.String()),
		zap.String("to", to.String()),
		zap.Uint64("amount", amount))

	if err := s.confirm(ctx, sig); err != nil {
		// Broadcast happened; the fund state is ambiguous until a later
		// status check resolves it.
		return sig.String(), &blink402.SettlementError{Signature: sig.String(), Msg: err.Error()}
	}
	return sig.String(), nil
}

func (s *Sender) confirm(ctx context.Context, sig solana.Signature) error {
	deadline := time.Now().Add(s.confirmFor)
	for {
		statuses, err := s.client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed on chain: %v", status.Err)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("confirmation timed out after %s", s.confirmFor)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
