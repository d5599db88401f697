// Package blink402 contains the core types of the Blink402 payment protocol:
// the run ledger state machine, the payment reference union, the normalized
// verification result, and the error taxonomy shared by every subsystem.
package blink402

import (
	"time"
)

// RunStatus is the lifecycle state of a payment attempt.
// Transitions are forward-only: pending → paid → executed, with failed
// reachable from pending or paid.
type RunStatus string

const (
	StatusPending  RunStatus = "pending"
	StatusPaid     RunStatus = "paid"
	StatusFailed   RunStatus = "failed"
	StatusExecuted RunStatus = "executed"
)

// ProductType identifies the paid action a run settles.
type ProductType string

const (
	ProductProxy   ProductType = "proxy"
	ProductBuyback ProductType = "buy-b402"
	ProductLottery ProductType = "lottery"
	ProductSlots   ProductType = "slots"
	ProductEscrow  ProductType = "escrow"
	ProductPayout  ProductType = "payout"
)

// DeferredSettlementProducts lists the product types whose runs cannot be
// verified synchronously and are re-driven by the settlement poller.
var DeferredSettlementProducts = []ProductType{
	ProductBuyback,
	ProductLottery,
	ProductEscrow,
}

// Run is one payment attempt progressing through the ledger state machine.
// Amount, Token and ProductID are immutable once created. Payer and
// Signature are populated when the payment is verified and settled.
type Run struct {
	Reference Reference
	Status    RunStatus

	// Payer is the buyer's wallet address, extracted from the verified
	// transaction. May be empty until the run reaches paid.
	Payer string
	// Signature is the chain transaction signature, set once settlement
	// succeeds.
	Signature string

	Amount    uint64
	Token     string
	ProductID string
	Product   ProductType

	// Metadata is a free-form bag written before verification and read by
	// executors. Each field is append-only: a key, once set, never changes.
	Metadata map[string]string

	DurationMs int64
	FailReason string

	CreatedAt  time.Time
	PaidAt     *time.Time
	ExecutedAt *time.Time
	ExpiresAt  time.Time
}

// Expired reports whether a pending run has passed its abandonment window.
// Expired runs are excluded from active polling but never auto-failed.
func (r *Run) Expired(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// Terminal reports whether the run can no longer transition.
func (r *Run) Terminal() bool {
	return r.Status == StatusExecuted || r.Status == StatusFailed
}

// FailureReason classifies why a payment claim was rejected.
type FailureReason string

const (
	ReasonNone           FailureReason = ""
	ReasonWrongRecipient FailureReason = "wrong_recipient"
	ReasonWrongAmount    FailureReason = "wrong_amount"
	ReasonWrongAsset     FailureReason = "wrong_asset"
	ReasonMalformed      FailureReason = "malformed_payment"
	ReasonNotFound       FailureReason = "payment_not_found"
	ReasonExpired        FailureReason = "payment_expired"
	ReasonUpstream       FailureReason = "upstream_unavailable"
)

// VerifyResult is the normalized outcome of either verification strategy.
type VerifyResult struct {
	Success       bool
	Signature     string
	Payer         string
	FailureReason FailureReason
}
