package blink402

import (
	"fmt"
	"strings"

	solana "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// ReferenceKind distinguishes the two reference domains. The kind is decided
// once at creation time and carried with the reference everywhere; consumers
// switch on the tag instead of re-detecting the shape.
type ReferenceKind string

const (
	// ReferenceUUID is a random server-generated id used by the off-chain
	// "exact" flow, where the signed transaction travels through the
	// facilitator.
	ReferenceUUID ReferenceKind = "uuid"
	// ReferenceOnchain is a Solana public key embedded in the payment
	// transaction as a marker, used by flows where the client broadcasts
	// the payment itself and the server discovers it on chain.
	ReferenceOnchain ReferenceKind = "onchain"
)

// Reference uniquely identifies one payment attempt.
type Reference struct {
	Kind  ReferenceKind
	Value string
}

// NewUUIDReference generates a reference for the off-chain exact flow.
// Format: "run_" + UUID v4 without hyphens.
func NewUUIDReference() Reference {
	return Reference{
		Kind:  ReferenceUUID,
		Value: "run_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
	}
}

// NewOnchainReference wraps a Solana public key used as a transaction marker.
func NewOnchainReference(key solana.PublicKey) Reference {
	return Reference{Kind: ReferenceOnchain, Value: key.String()}
}

// ParseReference reconstructs a reference from its persisted kind and value,
// validating that the value matches the kind.
func ParseReference(kind ReferenceKind, value string) (Reference, error) {
	switch kind {
	case ReferenceUUID:
		if value == "" {
			return Reference{}, &ValidationError{Field: "reference", Msg: "empty reference value"}
		}
		return Reference{Kind: ReferenceUUID, Value: value}, nil
	case ReferenceOnchain:
		if _, err := solana.PublicKeyFromBase58(value); err != nil {
			return Reference{}, &ValidationError{Field: "reference", Msg: fmt.Sprintf("not a valid public key: %v", err)}
		}
		return Reference{Kind: ReferenceOnchain, Value: value}, nil
	default:
		return Reference{}, &ValidationError{Field: "reference", Msg: fmt.Sprintf("unknown reference kind %q", kind)}
	}
}

// Key returns the Solana public key for an on-chain reference.
func (r Reference) Key() (solana.PublicKey, error) {
	if r.Kind != ReferenceOnchain {
		return solana.PublicKey{}, &ValidationError{Field: "reference", Msg: "reference is not an on-chain key"}
	}
	return solana.PublicKeyFromBase58(r.Value)
}

func (r Reference) String() string { return r.Value }

// IsZero reports whether the reference is unset.
func (r Reference) IsZero() bool { return r.Value == "" }
