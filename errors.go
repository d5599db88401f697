package blink402

import (
	"errors"
	"fmt"
)

// The error taxonomy is a closed set of typed variants so callers can handle
// each kind with errors.As instead of matching message strings.
//
//   - ValidationError: malformed input; never retried.
//   - VerificationError: payment claim didn't match expectations; retryable
//     by the poller.
//   - SettlementError: broadcast/confirmation failed after a successful
//     verify; ambiguous fund state, must re-check chain truth before retry.
//   - ExecutionConflictError: another caller already transitioned the
//     reference; expected under concurrency, treated as success.
//   - UpstreamError: facilitator or chain RPC unavailable; retried with
//     backoff, then surfaced with a distinct reason.

// ValidationError reports malformed input (address, amount, reference).
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// VerificationError reports a payment claim that did not match the expected
// recipient, amount or asset.
type VerificationError struct {
	Reason FailureReason
	Msg    string
}

func (e *VerificationError) Error() string {
	if e.Msg == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

// SettlementError reports a failure after verification succeeded. The fund
// state is ambiguous: the transaction may or may not have landed on chain.
type SettlementError struct {
	Signature string
	Msg       string
}

func (e *SettlementError) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("settlement failed (sig %s): %s", e.Signature, e.Msg)
	}
	return "settlement failed: " + e.Msg
}

// ExecutionConflictError reports that another caller won the paid→executed
// transition for this reference. Not an error to surface to the user.
type ExecutionConflictError struct {
	Reference string
}

func (e *ExecutionConflictError) Error() string {
	return fmt.Sprintf("run %s already executed by another caller", e.Reference)
}

// UpstreamError reports that a dependency (facilitator, chain RPC) is
// unreachable or returned a server error.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsConflict reports whether err is an execution conflict, which callers
// treat as success-if-already-executed.
func IsConflict(err error) bool {
	var conflict *ExecutionConflictError
	return errors.As(err, &conflict)
}

// IsRetryable reports whether the poller may retry the operation on a later
// tick without re-checking chain state first.
func IsRetryable(err error) bool {
	var verification *VerificationError
	var upstream *UpstreamError
	return errors.As(err, &verification) || errors.As(err, &upstream)
}
