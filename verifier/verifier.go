// Package verifier decides whether a run has been paid. Two strategies exist:
// the exact flow hands the signed transaction to a facilitator for
// verification and settlement, and the on-chain flow discovers an
// already-broadcast payment by its reference key.
package verifier

import (
	"context"
	"errors"
	"strconv"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	blink402 "github.com/blink402/blink402"
	"github.com/blink402/blink402/facilitator"
	"github.com/blink402/blink402/svm"
)

const defaultPollTimeout = 5 * time.Second

// signatureScanLimit bounds how many recent signatures of a reference key are
// inspected per poll.
const signatureScanLimit = 10

// ChainClient is the subset of the chain RPC used for on-chain discovery.
type ChainClient interface {
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// FacilitatorClient is the facilitator surface the verifier needs.
type FacilitatorClient interface {
	Verify(ctx context.Context, header string, expect facilitator.Expectation) (*facilitator.VerifyOutcome, error)
	Settle(ctx context.Context, header string) (*facilitator.SettleOutcome, error)
}

// Verifier checks payment claims against a fixed recipient and mint.
type Verifier struct {
	fac         FacilitatorClient
	chain       ChainClient
	payTo       solana.PublicKey
	mint        solana.PublicKey
	pollTimeout time.Duration
	logger      *zap.Logger
}

// New creates a verifier. payTo and mint are the only recipient and asset
// any payment is accepted against.
func New(fac FacilitatorClient, chain ChainClient, payTo, mint solana.PublicKey, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		fac:         fac,
		chain:       chain,
		payTo:       payTo,
		mint:        mint,
		pollTimeout: defaultPollTimeout,
		logger:      logger,
	}
}

// VerifyExact runs the facilitator flow for a payment header claimed against
// the run: verify first, then settle. Settle happens at most once per call
// and only after a positive verify.
func (v *Verifier) VerifyExact(ctx context.Context, header string, run *blink402.Run) (*blink402.VerifyResult, error) {
	if _, err := facilitator.DecodeHeader(header); err != nil {
		return &blink402.VerifyResult{FailureReason: blink402.ReasonMalformed}, err
	}

	outcome, err := v.fac.Verify(ctx, header, facilitator.Expectation{
		Amount: strconv.FormatUint(run.Amount, 10),
		Asset:  run.Token,
		PayTo:  v.payTo.String(),
	})
	if err != nil {
		return &blink402.VerifyResult{FailureReason: blink402.ReasonUpstream}, err
	}
	if !outcome.Valid {
		reason := mapReason(outcome.Reason)
		v.logger.Info("payment rejected by facilitator",
			zap.String("reference", run.Reference.Value),
			zap.String("reason", string(reason)))
		return &blink402.VerifyResult{FailureReason: reason}, nil
	}

	settled, err := v.fac.Settle(ctx, header)
	if err != nil {
		return &blink402.VerifyResult{FailureReason: blink402.ReasonUpstream},
			&blink402.SettlementError{Msg: err.Error()}
	}

	return &blink402.VerifyResult{
		Success:   true,
		Signature: settled.TxHash,
		Payer:     outcome.From,
	}, nil
}

// VerifyOnchain looks for a settled payment carrying the run's reference key.
// The scan is bounded by a short timeout; not finding the payment is a
// normal outcome for a pending run, reported as not-found, not as an error.
func (v *Verifier) VerifyOnchain(ctx context.Context, run *blink402.Run) (*blink402.VerifyResult, error) {
	refKey, err := run.Reference.Key()
	if err != nil {
		return &blink402.VerifyResult{FailureReason: blink402.ReasonMalformed}, err
	}

	ctx, cancel := context.WithTimeout(ctx, v.pollTimeout)
	defer cancel()

	limit := signatureScanLimit
	sigs, err := v.chain.GetSignaturesForAddressWithOpts(ctx, refKey, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return &blink402.VerifyResult{FailureReason: blink402.ReasonUpstream},
			&blink402.UpstreamError{Service: "chain rpc", Err: err}
	}

	var lastReason blink402.FailureReason = blink402.ReasonNotFound
	for _, sigInfo := range sigs {
		if sigInfo == nil || sigInfo.Err != nil {
			continue
		}
		result, err := v.checkSignature(ctx, sigInfo.Signature, run)
		if err != nil {
			var verification *blink402.VerificationError
			if errors.As(err, &verification) {
				lastReason = verification.Reason
				continue
			}
			return &blink402.VerifyResult{FailureReason: blink402.ReasonUpstream}, err
		}
		return result, nil
	}

	return &blink402.VerifyResult{FailureReason: lastReason}, nil
}

func (v *Verifier) checkSignature(ctx context.Context, sig solana.Signature, run *blink402.Run) (*blink402.VerifyResult, error) {
	maxVersion := uint64(0)
	txResult, err := v.chain.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, &blink402.UpstreamError{Service: "chain rpc", Err: err}
	}
	if txResult == nil || txResult.Transaction == nil {
		return nil, &blink402.VerificationError{Reason: blink402.ReasonNotFound, Msg: "transaction not available"}
	}
	// Absent meta means on-chain success cannot be confirmed; treat it the
	// same as a failed transaction.
	if txResult.Meta == nil || txResult.Meta.Err != nil {
		return nil, &blink402.VerificationError{Reason: blink402.ReasonNotFound, Msg: "transaction failed on chain"}
	}

	tx, err := txResult.Transaction.GetTransaction()
	if err != nil {
		return nil, &blink402.VerificationError{Reason: blink402.ReasonMalformed, Msg: err.Error()}
	}

	info, err := svm.DecodePaymentTx(tx)
	if err != nil {
		return nil, err
	}
	if err := svm.MatchTransfer(info, svm.Expect{
		PayTo:  v.payTo,
		Amount: run.Amount,
		Mint:   v.mint,
	}); err != nil {
		return nil, err
	}

	v.logger.Info("on-chain payment discovered",
		zap.String("reference", run.Reference.Value),
		zap.String("signature", sig.String()))
	return &blink402.VerifyResult{
		Success:   true,
		Signature: sig.String(),
		Payer:     info.Payer.String(),
	}, nil
}

// mapReason normalizes facilitator reject reasons to the local taxonomy.
// Unknown strings collapse to malformed rather than inventing categories.
func mapReason(reason string) blink402.FailureReason {
	switch blink402.FailureReason(reason) {
	case blink402.ReasonWrongRecipient, blink402.ReasonWrongAmount,
		blink402.ReasonWrongAsset, blink402.ReasonExpired,
		blink402.ReasonNotFound:
		return blink402.FailureReason(reason)
	default:
		return blink402.ReasonMalformed
	}
}
