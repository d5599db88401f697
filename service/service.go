// Package service is the callable surface the route layer consumes: creating
// runs, submitting payments, driving execution and quoting prices. It holds
// no state of its own; every decision lives in the ledger.
package service

import (
	"context"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	blink402 "github.com/blink402/blink402"
	"github.com/blink402/blink402/executor"
	"github.com/blink402/blink402/ledger"
	"github.com/blink402/blink402/pricing"
)

const defaultRunExpiry = time.Hour

// ExactVerifier runs the facilitator verify and settle flow.
type ExactVerifier interface {
	VerifyExact(ctx context.Context, header string, run *blink402.Run) (*blink402.VerifyResult, error)
}

// Service exposes the payment core to callers.
type Service struct {
	store     ledger.Store
	verifier  ExactVerifier
	executor  *executor.Registry
	quoter    *pricing.Quoter
	runExpiry time.Duration
	logger    *zap.Logger
}

// New wires the payment core behind one handle.
func New(store ledger.Store, verifier ExactVerifier, exec *executor.Registry, quoter *pricing.Quoter, runExpiry time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if runExpiry <= 0 {
		runExpiry = defaultRunExpiry
	}
	return &Service{
		store:     store,
		verifier:  verifier,
		executor:  exec,
		quoter:    quoter,
		runExpiry: runExpiry,
		logger:    logger,
	}
}

// CreateRunParams describes a new payment attempt.
type CreateRunParams struct {
	Product   blink402.ProductType
	ProductID string
	Amount    uint64
	Token     string
	Metadata  map[string]string

	// Onchain selects the on-chain discovery flow: the reference becomes a
	// fresh public key the client embeds in its payment transaction.
	Onchain bool
}

// CreateRun opens a pending run. The reference kind is decided here, once,
// and carried with the run for its whole life.
func (s *Service) CreateRun(ctx context.Context, params CreateRunParams) (*blink402.Run, error) {
	if params.Amount == 0 {
		return nil, &blink402.ValidationError{Field: "amount", Msg: "must be greater than zero"}
	}
	if params.Product == "" {
		return nil, &blink402.ValidationError{Field: "product", Msg: "product is required"}
	}

	var ref blink402.Reference
	if params.Onchain {
		marker, err := solana.NewRandomPrivateKey()
		if err != nil {
			return nil, err
		}
		ref = blink402.NewOnchainReference(marker.PublicKey())
	} else {
		ref = blink402.NewUUIDReference()
	}

	now := time.Now().UTC()
	run := &blink402.Run{
		Reference: ref,
		Status:    blink402.StatusPending,
		Amount:    params.Amount,
		Token:     params.Token,
		ProductID: params.ProductID,
		Product:   params.Product,
		Metadata:  params.Metadata,
		CreatedAt: now,
		ExpiresAt: now.Add(s.runExpiry),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	s.logger.Info("run created",
		zap.String("reference", ref.Value),
		zap.String("kind", string(ref.Kind)),
		zap.String("product", string(params.Product)))
	return run, nil
}

// GetRun reports the run's current state. Read-only and side-effect free, so
// clients can always resolve an ambiguous outcome by checking status instead
// of blindly resubmitting.
func (s *Service) GetRun(ctx context.Context, reference string) (*blink402.Run, error) {
	return s.store.GetRun(ctx, reference)
}

// SubmitPayment drives the exact flow for one run: the facilitator verifies
// and settles the signed transaction from the payment header, the ledger
// records the settlement, and the product executes. Safe to call again after
// a client-side timeout; repeats converge on the recorded outcome.
func (s *Service) SubmitPayment(ctx context.Context, reference, paymentHeader string) (*executor.Result, error) {
	run, err := s.store.GetRun(ctx, reference)
	if err != nil {
		return nil, err
	}
	if run.Status == blink402.StatusExecuted {
		return s.executor.Execute(ctx, reference)
	}
	if run.Reference.Kind != blink402.ReferenceUUID {
		return nil, &blink402.ValidationError{Field: "reference", Msg: "run settles on-chain, not through the facilitator"}
	}
	if run.Expired(time.Now().UTC()) {
		return nil, &blink402.VerificationError{Reason: blink402.ReasonExpired}
	}

	if run.Status == blink402.StatusPending {
		result, err := s.verifier.VerifyExact(ctx, paymentHeader, run)
		if err != nil {
			return nil, err
		}
		if !result.Success {
			return nil, &blink402.VerificationError{Reason: result.FailureReason}
		}
		if err := s.store.MarkPaid(ctx, reference, result.Payer, result.Signature); err != nil {
			return nil, err
		}
	}

	return s.executor.Execute(ctx, reference)
}

// Quote prices a product call for the wallet's tier. Never blocks a sale on
// the tier lookup.
func (s *Service) Quote(ctx context.Context, wallet string, base decimal.Decimal, category pricing.Category) pricing.Quote {
	return s.quoter.Quote(ctx, wallet, base, category)
}
