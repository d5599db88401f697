// Package ledger persists the run state machine and the lottery rounds. All
// state transitions happen through conditional updates so that concurrent
// callers race on the database row, not on in-process locks.
package ledger

import (
	"context"
	"errors"
	"time"

	blink402 "github.com/blink402/blink402"
)

var (
	// ErrDuplicateReference is returned when a run with the same reference
	// already exists.
	ErrDuplicateReference = errors.New("run reference already exists")
	// ErrSignatureConflict is returned when a paid run is re-claimed with a
	// different transaction signature. The recorded signature is never
	// overwritten.
	ErrSignatureConflict = errors.New("run already paid with a different signature")
	// ErrNotFound is returned when no run exists for the reference.
	ErrNotFound = errors.New("run not found")
	// ErrInvalidTransition is returned when the requested transition is not
	// allowed from the run's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrMetadataImmutable is returned when a metadata key that is already
	// set would be changed to a different value.
	ErrMetadataImmutable = errors.New("metadata keys are append-only")
	// ErrRoundFinalized is returned when an entry targets a round that has
	// already been drawn.
	ErrRoundFinalized = errors.New("lottery round already finalized")
)

// Round is one lottery draw window.
type Round struct {
	Number    int64
	OpenedAt  time.Time
	Deadline  time.Time
	Finalized bool
	Pool      uint64
}

// Entry is one paid ticket in a round.
type Entry struct {
	RunReference string
	Payer        string
	Amount       uint64
	Signature    string
	CreatedAt    time.Time
}

// Winner is one drawn prize in a finalized round.
type Winner struct {
	Rank            int
	Payer           string
	Prize           uint64
	PayoutReference string
}

// Store is the persistence contract for runs and lottery rounds.
type Store interface {
	// CreateRun inserts a new pending run. Returns ErrDuplicateReference if
	// the reference is already taken.
	CreateRun(ctx context.Context, run *blink402.Run) error

	// GetRun loads a run by reference value.
	GetRun(ctx context.Context, reference string) (*blink402.Run, error)

	// MarkPaid transitions pending → paid, recording payer and signature.
	// Calling it again with the same signature is a no-op; a different
	// signature returns ErrSignatureConflict.
	MarkPaid(ctx context.Context, reference, payer, signature string) error

	// MarkExecuted transitions paid → executed. Exactly one concurrent
	// caller observes won == true; all others observe false with no error.
	MarkExecuted(ctx context.Context, reference string, durationMs int64) (won bool, err error)

	// RecordDuration stores the measured side effect duration of an
	// executed run.
	RecordDuration(ctx context.Context, reference string, durationMs int64) error

	// MarkFailed records a terminal failure. Allowed from pending and paid,
	// and from executed when the winner's side effect failed after the
	// transition.
	MarkFailed(ctx context.Context, reference, reason string) error

	// AppendMetadata merges keys into the run's metadata. A key that is
	// already set must carry the same value or ErrMetadataImmutable is
	// returned.
	AppendMetadata(ctx context.Context, reference string, kv map[string]string) error

	// PendingCandidates returns pending runs of the given products whose age
	// is within [minAge, maxAge]. Runs past their expiry are excluded but
	// never auto-failed.
	PendingCandidates(ctx context.Context, products []blink402.ProductType, minAge, maxAge time.Duration) ([]*blink402.Run, error)

	// PaidUnexecuted returns paid runs of the given products awaiting
	// execution.
	PaidUnexecuted(ctx context.Context, products []blink402.ProductType) ([]*blink402.Run, error)

	// CurrentRound returns the latest open round, or ErrNotFound when none
	// is open.
	CurrentRound(ctx context.Context) (*Round, error)

	// OpenRound opens the next round with the given window. Returns the
	// current round unchanged if one is still open.
	OpenRound(ctx context.Context, window time.Duration) (*Round, error)

	// RecordEntry adds a paid ticket to an open round and grows its pool.
	RecordEntry(ctx context.Context, roundNumber int64, entry Entry) error

	// FinalizeRound flips a past-deadline round to finalized. Exactly one
	// concurrent caller observes won == true.
	FinalizeRound(ctx context.Context, roundNumber int64) (won bool, err error)

	// RoundEntries lists a round's entries ordered by creation time then
	// reference, so draws over them are deterministic.
	RoundEntries(ctx context.Context, roundNumber int64) ([]Entry, error)

	// RecordWinners persists the draw outcome of a finalized round.
	RecordWinners(ctx context.Context, roundNumber int64, winners []Winner) error

	// RoundWinners lists the recorded winners of a round by rank.
	RoundWinners(ctx context.Context, roundNumber int64) ([]Winner, error)

	Close() error
}
