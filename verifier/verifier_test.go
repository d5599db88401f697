package verifier

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"

	blink402 "github.com/blink402/blink402"
	"github.com/blink402/blink402/facilitator"
	"github.com/blink402/blink402/svm"
)

var (
	testPayTo = solana.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111")
	testMint  = solana.MustPublicKeyFromBase58(svm.USDCDevnetAddress)
	testPayer = solana.MustPublicKeyFromBase58("11111111111111111111111111111112")
)

type fakeFacilitator struct {
	verifyOutcome *facilitator.VerifyOutcome
	verifyErr     error
	settleOutcome *facilitator.SettleOutcome
	settleErr     error
	settleCalls   int
}

func (f *fakeFacilitator) Verify(ctx context.Context, header string, expect facilitator.Expectation) (*facilitator.VerifyOutcome, error) {
	return f.verifyOutcome, f.verifyErr
}

func (f *fakeFacilitator) Settle(ctx context.Context, header string) (*facilitator.SettleOutcome, error) {
	f.settleCalls++
	return f.settleOutcome, f.settleErr
}

type fakeChain struct {
	sigs    []*rpc.TransactionSignature
	sigsErr error
	txs     map[string]*rpc.GetTransactionResult
	txErr   error
}

func (f *fakeChain) GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	return f.sigs, f.sigsErr
}

func (f *fakeChain) GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	if f.txErr != nil {
		return nil, f.txErr
	}
	return f.txs[signature.String()], nil
}

func validHeader(t *testing.T) string {
	t.Helper()
	header, err := facilitator.EncodeHeader(facilitator.PaymentHeader{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "solana",
		Payload:     facilitator.Payload{Transaction: "c2lnbmVk"},
	})
	require.NoError(t, err)
	return header
}

func exactRun() *blink402.Run {
	now := time.Now().UTC()
	return &blink402.Run{
		Reference: blink402.NewUUIDReference(),
		Status:    blink402.StatusPending,
		Amount:    1_000_000,
		Token:     testMint.String(),
		Product:   blink402.ProductProxy,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func TestVerifyExact(t *testing.T) {
	t.Run("verify then settle", func(t *testing.T) {
		fac := &fakeFacilitator{
			verifyOutcome: &facilitator.VerifyOutcome{Valid: true, From: "payerWallet"},
			settleOutcome: &facilitator.SettleOutcome{TxHash: "finalSig"},
		}
		v := New(fac, &fakeChain{}, testPayTo, testMint, nil)

		result, err := v.VerifyExact(context.Background(), validHeader(t), exactRun())
		require.NoError(t, err)
		require.True(t, result.Success)
		require.Equal(t, "finalSig", result.Signature)
		require.Equal(t, "payerWallet", result.Payer)
		require.Equal(t, 1, fac.settleCalls)
	})

	t.Run("malformed header never reaches the facilitator", func(t *testing.T) {
		fac := &fakeFacilitator{}
		v := New(fac, &fakeChain{}, testPayTo, testMint, nil)

		result, err := v.VerifyExact(context.Background(), "garbage", exactRun())
		require.Error(t, err)
		require.Equal(t, blink402.ReasonMalformed, result.FailureReason)
		require.Equal(t, 0, fac.settleCalls)
	})

	t.Run("invalid claim does not settle", func(t *testing.T) {
		fac := &fakeFacilitator{
			verifyOutcome: &facilitator.VerifyOutcome{Valid: false, Reason: "wrong_amount"},
		}
		v := New(fac, &fakeChain{}, testPayTo, testMint, nil)

		result, err := v.VerifyExact(context.Background(), validHeader(t), exactRun())
		require.NoError(t, err)
		require.False(t, result.Success)
		require.Equal(t, blink402.ReasonWrongAmount, result.FailureReason)
		require.Equal(t, 0, fac.settleCalls)
	})

	t.Run("settle failure surfaces as settlement error", func(t *testing.T) {
		fac := &fakeFacilitator{
			verifyOutcome: &facilitator.VerifyOutcome{Valid: true},
			settleErr:     errors.New("broadcast failed"),
		}
		v := New(fac, &fakeChain{}, testPayTo, testMint, nil)

		result, err := v.VerifyExact(context.Background(), validHeader(t), exactRun())
		var settlement *blink402.SettlementError
		require.ErrorAs(t, err, &settlement)
		require.False(t, result.Success)
	})

	t.Run("facilitator outage is upstream", func(t *testing.T) {
		fac := &fakeFacilitator{verifyErr: &blink402.UpstreamError{Service: "facilitator", Err: errors.New("down")}}
		v := New(fac, &fakeChain{}, testPayTo, testMint, nil)

		result, err := v.VerifyExact(context.Background(), validHeader(t), exactRun())
		require.Error(t, err)
		require.Equal(t, blink402.ReasonUpstream, result.FailureReason)
	})
}

// onchainRun builds a run referenced by a marker key.
func onchainRun(ref solana.PublicKey, amount uint64) *blink402.Run {
	now := time.Now().UTC()
	return &blink402.Run{
		Reference: blink402.NewOnchainReference(ref),
		Status:    blink402.StatusPending,
		Amount:    amount,
		Token:     testMint.String(),
		Product:   blink402.ProductBuyback,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

// chainTxResult wraps a payment transaction the way the RPC returns it.
func chainTxResult(t *testing.T, amount uint64, ref solana.PublicKey) *rpc.GetTransactionResult {
	t.Helper()

	source, _, err := solana.FindAssociatedTokenAddress(testPayer, testMint)
	require.NoError(t, err)
	dest, _, err := solana.FindAssociatedTokenAddress(testPayTo, testMint)
	require.NoError(t, err)

	data := make([]byte, 10)
	data[0] = 12
	binary.LittleEndian.PutUint64(data[1:], amount)
	data[9] = 6

	tx := &solana.Transaction{
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{solana.ComputeBudget, solana.TokenProgramID, source, testMint, dest, testPayer, ref},
			Instructions: []solana.CompiledInstruction{
				{ProgramIDIndex: 0, Data: []byte{2, 0, 0, 0, 0}},
				{ProgramIDIndex: 0, Data: []byte{3, 0, 0, 0, 0, 0, 0, 0, 0}},
				{ProgramIDIndex: 1, Accounts: []uint16{2, 3, 4, 5, 6}, Data: data},
			},
		},
	}

	encoded, err := svm.EncodeTransaction(tx)
	require.NoError(t, err)

	var envelope rpc.TransactionResultEnvelope
	require.NoError(t, json.Unmarshal([]byte(fmt.Sprintf(`[%q, "base64"]`, encoded)), &envelope))
	return &rpc.GetTransactionResult{Transaction: &envelope, Meta: &rpc.TransactionMeta{}}
}

func TestVerifyOnchain(t *testing.T) {
	ref := solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	sig := solana.Signature{1, 2, 3}

	t.Run("discovers matching payment", func(t *testing.T) {
		chain := &fakeChain{
			sigs: []*rpc.TransactionSignature{{Signature: sig}},
			txs:  map[string]*rpc.GetTransactionResult{sig.String(): chainTxResult(t, 1_000_000, ref)},
		}
		v := New(&fakeFacilitator{}, chain, testPayTo, testMint, nil)

		result, err := v.VerifyOnchain(context.Background(), onchainRun(ref, 1_000_000))
		require.NoError(t, err)
		require.True(t, result.Success)
		require.Equal(t, sig.String(), result.Signature)
		require.Equal(t, testPayer.String(), result.Payer)
	})

	t.Run("no signatures means not found, not an error", func(t *testing.T) {
		v := New(&fakeFacilitator{}, &fakeChain{}, testPayTo, testMint, nil)

		result, err := v.VerifyOnchain(context.Background(), onchainRun(ref, 1_000_000))
		require.NoError(t, err)
		require.False(t, result.Success)
		require.Equal(t, blink402.ReasonNotFound, result.FailureReason)
	})

	t.Run("transaction without meta is not accepted", func(t *testing.T) {
		result := chainTxResult(t, 1_000_000, ref)
		result.Meta = nil
		chain := &fakeChain{
			sigs: []*rpc.TransactionSignature{{Signature: sig}},
			txs:  map[string]*rpc.GetTransactionResult{sig.String(): result},
		}
		v := New(&fakeFacilitator{}, chain, testPayTo, testMint, nil)

		outcome, err := v.VerifyOnchain(context.Background(), onchainRun(ref, 1_000_000))
		require.NoError(t, err)
		require.False(t, outcome.Success)
		require.Equal(t, blink402.ReasonNotFound, outcome.FailureReason)
	})

	t.Run("transaction that failed on chain is not accepted", func(t *testing.T) {
		result := chainTxResult(t, 1_000_000, ref)
		result.Meta = &rpc.TransactionMeta{Err: map[string]interface{}{"InstructionError": []interface{}{}}}
		chain := &fakeChain{
			sigs: []*rpc.TransactionSignature{{Signature: sig}},
			txs:  map[string]*rpc.GetTransactionResult{sig.String(): result},
		}
		v := New(&fakeFacilitator{}, chain, testPayTo, testMint, nil)

		outcome, err := v.VerifyOnchain(context.Background(), onchainRun(ref, 1_000_000))
		require.NoError(t, err)
		require.False(t, outcome.Success)
		require.Equal(t, blink402.ReasonNotFound, outcome.FailureReason)
	})

	t.Run("amount mismatch fails closed", func(t *testing.T) {
		chain := &fakeChain{
			sigs: []*rpc.TransactionSignature{{Signature: sig}},
			txs:  map[string]*rpc.GetTransactionResult{sig.String(): chainTxResult(t, 999_999, ref)},
		}
		v := New(&fakeFacilitator{}, chain, testPayTo, testMint, nil)

		result, err := v.VerifyOnchain(context.Background(), onchainRun(ref, 1_000_000))
		require.NoError(t, err)
		require.False(t, result.Success)
		require.Equal(t, blink402.ReasonWrongAmount, result.FailureReason)
	})

	t.Run("rpc outage is upstream", func(t *testing.T) {
		chain := &fakeChain{sigsErr: errors.New("rpc down")}
		v := New(&fakeFacilitator{}, chain, testPayTo, testMint, nil)

		result, err := v.VerifyOnchain(context.Background(), onchainRun(ref, 1_000_000))
		var upstream *blink402.UpstreamError
		require.ErrorAs(t, err, &upstream)
		require.Equal(t, blink402.ReasonUpstream, result.FailureReason)
	})

	t.Run("uuid reference cannot settle on chain", func(t *testing.T) {
		v := New(&fakeFacilitator{}, &fakeChain{}, testPayTo, testMint, nil)

		result, err := v.VerifyOnchain(context.Background(), exactRun())
		require.Error(t, err)
		require.Equal(t, blink402.ReasonMalformed, result.FailureReason)
	})
}

func TestMapReason(t *testing.T) {
	require.Equal(t, blink402.ReasonWrongAmount, mapReason("wrong_amount"))
	require.Equal(t, blink402.ReasonWrongRecipient, mapReason("wrong_recipient"))
	require.Equal(t, blink402.ReasonMalformed, mapReason("something_new"))
	require.Equal(t, blink402.ReasonMalformed, mapReason(""))
}
