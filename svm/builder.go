package svm

import (
	"context"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	blink402 "github.com/blink402/blink402"
)

// ErrNoPayerTokenAccount is returned when the payer has no associated token
// account for the payment mint. Callers must message this as "no funds",
// distinct from a malformed request.
var ErrNoPayerTokenAccount = errors.New("payer has no token account for mint")

// AccountClient is the subset of the chain RPC the builder needs.
// *rpc.Client satisfies it.
type AccountClient interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// BuildParams describes one payment transfer to construct.
type BuildParams struct {
	Payer  solana.PublicKey
	PayTo  solana.PublicKey
	Amount uint64
	Mint   solana.PublicKey

	// FeePayer is the platform's designated fee payer key, never the user's
	// wallet. Keeping the user out of the fee-payer slot keeps wallet
	// software from injecting extra protective instructions, preserving the
	// fixed 3-instruction shape the verifier depends on.
	FeePayer solana.PublicKey

	// Reference, when set, is appended to the transfer instruction as a
	// read-only non-signer account so the payment can be discovered on
	// chain by key.
	Reference *solana.PublicKey
}

// BuildPayment constructs the unsigned payment transaction: exactly three
// instructions in fixed order: compute unit limit, compute unit price, and
// an SPL TransferChecked from the payer's associated token account to the
// recipient's.
func BuildPayment(ctx context.Context, client AccountClient, params BuildParams) (*solana.Transaction, error) {
	if params.Amount == 0 {
		return nil, &blink402.ValidationError{Field: "amount", Msg: "must be greater than zero"}
	}
	if params.PayTo.IsZero() {
		return nil, &blink402.ValidationError{Field: "payTo", Msg: "recipient is required"}
	}
	if params.Payer.IsZero() {
		return nil, &blink402.ValidationError{Field: "payer", Msg: "payer is required"}
	}
	if params.FeePayer.IsZero() {
		return nil, &blink402.ValidationError{Field: "feePayer", Msg: "fee payer is required"}
	}

	mintAccount, err := client.GetAccountInfo(ctx, params.Mint)
	if err != nil || mintAccount == nil || mintAccount.Value == nil {
		return nil, &blink402.UpstreamError{Service: "chain rpc", Err: fmt.Errorf("failed to get mint account: %w", err)}
	}
	tokenProgramID := mintAccount.Value.Owner
	if tokenProgramID != solana.TokenProgramID && tokenProgramID != solana.Token2022ProgramID {
		return nil, &blink402.ValidationError{Field: "mint", Msg: "asset was not created by a known token program"}
	}

	var mintData token.Mint
	if err := bin.NewBinDecoder(mintAccount.Value.Data.GetBinary()).Decode(&mintData); err != nil {
		return nil, &blink402.ValidationError{Field: "mint", Msg: fmt.Sprintf("failed to decode mint data: %v", err)}
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(params.Payer, params.Mint)
	if err != nil {
		return nil, &blink402.ValidationError{Field: "payer", Msg: fmt.Sprintf("failed to derive source token account: %v", err)}
	}
	sourceAccount, err := client.GetAccountInfo(ctx, sourceATA)
	if err != nil || sourceAccount == nil || sourceAccount.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPayerTokenAccount, params.Payer)
	}

	destinationATA, _, err := solana.FindAssociatedTokenAddress(params.PayTo, params.Mint)
	if err != nil {
		return nil, &blink402.ValidationError{Field: "payTo", Msg: fmt.Sprintf("failed to derive destination token account: %v", err)}
	}

	latest, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, &blink402.UpstreamError{Service: "chain rpc", Err: fmt.Errorf("failed to get latest blockhash: %w", err)}
	}

	cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(PaymentComputeUnits).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute limit instruction: %w", err)
	}

	cuPrice, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(DefaultComputeUnitPrice).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute price instruction: %w", err)
	}

	transferBuilder := token.NewTransferCheckedInstructionBuilder().
		SetAmount(params.Amount).
		SetDecimals(mintData.Decimals).
		SetSourceAccount(sourceATA).
		SetMintAccount(params.Mint).
		SetDestinationAccount(destinationATA).
		SetOwnerAccount(params.Payer)
	if params.Reference != nil {
		transferBuilder.Accounts = append(transferBuilder.Accounts, solana.Meta(*params.Reference))
	}
	transferIx, err := transferBuilder.ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
	}

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(cuLimit).
		AddInstruction(cuPrice).
		AddInstruction(transferIx).
		SetRecentBlockHash(latest.Value.Blockhash).
		SetFeePayer(params.FeePayer).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	return tx, nil
}
