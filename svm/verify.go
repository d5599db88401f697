package svm

import (
	"encoding/binary"

	solana "github.com/gagliardetto/solana-go"

	blink402 "github.com/blink402/blink402"
)

// transferCheckedDiscriminator is the SPL Token instruction tag for
// TransferChecked. Data layout: [0]=12, [1..8]=amount U64 LE, [9]=decimals.
const transferCheckedDiscriminator = 12

// PaymentInfo is the decoded content of a payment transaction that passed
// the shape check.
type PaymentInfo struct {
	FeePayer    solana.PublicKey
	Payer       solana.PublicKey // owner of the source token account
	Source      solana.PublicKey
	Destination solana.PublicKey
	Mint        solana.PublicKey
	Amount      uint64
	Decimals    uint8

	// Reference is the marker key appended after the owner account, if any.
	Reference *solana.PublicKey
}

// DecodePayment decodes a base64 payment transaction and enforces the fixed
// shape of exactly three instructions, two compute budget instructions
// followed by one SPL TransferChecked. Anything else is rejected as
// malformed.
func DecodePayment(base64Tx string) (*PaymentInfo, error) {
	tx, err := DecodeTransaction(base64Tx)
	if err != nil {
		return nil, &blink402.VerificationError{Reason: blink402.ReasonMalformed, Msg: err.Error()}
	}
	return DecodePaymentTx(tx)
}

// DecodePaymentTx is DecodePayment for an already-parsed transaction.
func DecodePaymentTx(tx *solana.Transaction) (*PaymentInfo, error) {
	msg := &tx.Message
	instructions := msg.Instructions
	if len(instructions) != 3 {
		return nil, &blink402.VerificationError{
			Reason: blink402.ReasonMalformed,
			Msg:    "expected exactly 3 instructions",
		}
	}

	programID := func(ix solana.CompiledInstruction) (solana.PublicKey, bool) {
		if int(ix.ProgramIDIndex) >= len(msg.AccountKeys) {
			return solana.PublicKey{}, false
		}
		return msg.AccountKeys[ix.ProgramIDIndex], true
	}

	for i := 0; i < 2; i++ {
		prog, ok := programID(instructions[i])
		if !ok || !prog.Equals(solana.ComputeBudget) {
			return nil, &blink402.VerificationError{
				Reason: blink402.ReasonMalformed,
				Msg:    "leading instructions must be compute budget",
			}
		}
	}

	transferIx := instructions[2]
	prog, ok := programID(transferIx)
	if !ok || (!prog.Equals(solana.TokenProgramID) && !prog.Equals(solana.Token2022ProgramID)) {
		return nil, &blink402.VerificationError{
			Reason: blink402.ReasonMalformed,
			Msg:    "final instruction must be an SPL token transfer",
		}
	}
	if len(transferIx.Data) < 10 || transferIx.Data[0] != transferCheckedDiscriminator {
		return nil, &blink402.VerificationError{
			Reason: blink402.ReasonMalformed,
			Msg:    "final instruction is not TransferChecked",
		}
	}
	// TransferChecked accounts: source, mint, destination, owner [, extras].
	if len(transferIx.Accounts) < 4 {
		return nil, &blink402.VerificationError{
			Reason: blink402.ReasonMalformed,
			Msg:    "transfer instruction missing accounts",
		}
	}

	account := func(idx uint16) (solana.PublicKey, bool) {
		if int(idx) >= len(msg.AccountKeys) {
			return solana.PublicKey{}, false
		}
		return msg.AccountKeys[idx], true
	}

	info := &PaymentInfo{
		Amount:   binary.LittleEndian.Uint64(transferIx.Data[1:9]),
		Decimals: transferIx.Data[9],
	}
	if len(msg.AccountKeys) > 0 {
		info.FeePayer = msg.AccountKeys[0]
	}

	keys := make([]solana.PublicKey, 0, len(transferIx.Accounts))
	for _, idx := range transferIx.Accounts {
		key, ok := account(idx)
		if !ok {
			return nil, &blink402.VerificationError{
				Reason: blink402.ReasonMalformed,
				Msg:    "transfer account index out of range",
			}
		}
		keys = append(keys, key)
	}
	info.Source = keys[0]
	info.Mint = keys[1]
	info.Destination = keys[2]
	info.Payer = keys[3]
	if len(keys) > 4 {
		ref := keys[4]
		info.Reference = &ref
	}

	return info, nil
}

// Expect is what a payment must carry to be accepted.
type Expect struct {
	PayTo  solana.PublicKey
	Amount uint64
	Mint   solana.PublicKey
}

// MatchTransfer checks a decoded payment against expectations. Fail-closed:
// any mismatch in recipient, amount or asset rejects the payment.
func MatchTransfer(info *PaymentInfo, expect Expect) error {
	if !info.Mint.Equals(expect.Mint) {
		return &blink402.VerificationError{
			Reason: blink402.ReasonWrongAsset,
			Msg:    "mint " + info.Mint.String(),
		}
	}
	expectedDest, _, err := solana.FindAssociatedTokenAddress(expect.PayTo, expect.Mint)
	if err != nil {
		return &blink402.ValidationError{Field: "payTo", Msg: err.Error()}
	}
	if !info.Destination.Equals(expectedDest) {
		return &blink402.VerificationError{
			Reason: blink402.ReasonWrongRecipient,
			Msg:    "destination " + info.Destination.String(),
		}
	}
	if info.Amount != expect.Amount {
		return &blink402.VerificationError{
			Reason: blink402.ReasonWrongAmount,
			Msg:    FormatAmount(info.Amount, int(info.Decimals)),
		}
	}
	return nil
}
