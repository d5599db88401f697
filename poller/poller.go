// Package poller re-drives runs that cannot settle synchronously: it
// discovers on-chain payments for pending runs, pushes paid runs through
// execution, and finalizes lottery rounds past their deadline. Correctness
// under concurrent pollers comes from the ledger's conditional updates, not
// from scheduling discipline.
package poller

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	blink402 "github.com/blink402/blink402"
	"github.com/blink402/blink402/executor"
	"github.com/blink402/blink402/games"
	"github.com/blink402/blink402/ledger"
)

const (
	tickSchedule = "@every 10s"

	// defaultGrace keeps the poller away from runs the synchronous path may
	// still be handling.
	defaultGrace    = 30 * time.Second
	defaultLookback = time.Hour

	defaultRoundWindow = time.Hour
)

// OnchainVerifier discovers a settled payment for a pending run.
type OnchainVerifier interface {
	VerifyOnchain(ctx context.Context, run *blink402.Run) (*blink402.VerifyResult, error)
}

// Executor drives a paid run's side effect.
type Executor interface {
	Execute(ctx context.Context, reference string) (*executor.Result, error)
}

// Settler is the background settlement loop.
type Settler struct {
	store       ledger.Store
	verifier    OnchainVerifier
	executor    Executor
	cron        *cron.Cron
	logger      *zap.Logger
	grace       time.Duration
	lookback    time.Duration
	roundWindow time.Duration
	payoutToken string
}

// NewSettler creates the settlement loop. payoutToken is the mint address
// lottery prizes are paid in.
func NewSettler(store ledger.Store, v OnchainVerifier, exec Executor, payoutToken string, logger *zap.Logger) *Settler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Settler{
		store:       store,
		verifier:    v,
		executor:    exec,
		cron:        cron.New(),
		logger:      logger,
		grace:       defaultGrace,
		lookback:    defaultLookback,
		roundWindow: defaultRoundWindow,
		payoutToken: payoutToken,
	}
}

// Start schedules the settlement tick. The context bounds each tick's work.
func (s *Settler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(tickSchedule, func() { s.Tick(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("settlement poller started", zap.String("schedule", tickSchedule))
	return nil
}

// Stop halts scheduling and waits for a running tick to finish.
func (s *Settler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("settlement poller stopped")
}

// Tick runs one settlement pass. Exported so operators can force a pass.
func (s *Settler) Tick(ctx context.Context) {
	s.settlePending(ctx)
	s.redrivePaid(ctx)
	s.finalizeRounds(ctx)
}

// settlePending scans pending deferred runs for on-chain payments.
func (s *Settler) settlePending(ctx context.Context) {
	runs, err := s.store.PendingCandidates(ctx, blink402.DeferredSettlementProducts, s.grace, s.lookback)
	if err != nil {
		s.logger.Error("failed to list pending candidates", zap.Error(err))
		return
	}

	for _, run := range runs {
		if run.Reference.Kind != blink402.ReferenceOnchain {
			continue
		}
		result, err := s.verifier.VerifyOnchain(ctx, run)
		if err != nil {
			if blink402.IsRetryable(err) {
				continue
			}
			s.logger.Error("on-chain verification failed",
				zap.String("reference", run.Reference.Value),
				zap.Error(err))
			continue
		}
		if !result.Success {
			// Not found yet is the normal case for a pending run.
			continue
		}

		if err := s.store.MarkPaid(ctx, run.Reference.Value, result.Payer, result.Signature); err != nil {
			if errors.Is(err, ledger.ErrSignatureConflict) {
				s.logger.Warn("settlement signature conflict",
					zap.String("reference", run.Reference.Value),
					zap.String("signature", result.Signature))
			} else {
				s.logger.Error("failed to mark run paid",
					zap.String("reference", run.Reference.Value),
					zap.Error(err))
			}
			continue
		}

		s.logger.Info("deferred payment settled",
			zap.String("reference", run.Reference.Value),
			zap.String("signature", result.Signature))
		s.execute(ctx, run.Reference.Value)
	}
}

// redrivePaid pushes paid-but-unexecuted runs through execution again.
func (s *Settler) redrivePaid(ctx context.Context) {
	products := append([]blink402.ProductType{}, blink402.DeferredSettlementProducts...)
	products = append(products, blink402.ProductPayout, blink402.ProductSlots, blink402.ProductProxy)

	runs, err := s.store.PaidUnexecuted(ctx, products)
	if err != nil {
		s.logger.Error("failed to list paid runs", zap.Error(err))
		return
	}
	for _, run := range runs {
		s.execute(ctx, run.Reference.Value)
	}
}

func (s *Settler) execute(ctx context.Context, reference string) {
	if _, err := s.executor.Execute(ctx, reference); err != nil && !blink402.IsConflict(err) {
		s.logger.Error("execution failed",
			zap.String("reference", reference),
			zap.Error(err))
	}
}

// finalizeRounds draws lottery rounds past their deadline. The finalized
// flag's conditional update makes the draw happen once even with multiple
// pollers.
func (s *Settler) finalizeRounds(ctx context.Context) {
	round, err := s.store.CurrentRound(ctx)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			s.logger.Error("failed to load current round", zap.Error(err))
		}
		return
	}
	if time.Now().Before(round.Deadline) {
		return
	}

	won, err := s.store.FinalizeRound(ctx, round.Number)
	if err != nil {
		s.logger.Error("failed to finalize round", zap.Int64("round", round.Number), zap.Error(err))
		return
	}
	if !won {
		return
	}

	entries, err := s.store.RoundEntries(ctx, round.Number)
	if err != nil {
		s.logger.Error("failed to load round entries", zap.Int64("round", round.Number), zap.Error(err))
		return
	}
	if len(entries) == 0 {
		s.logger.Info("round closed without entries", zap.Int64("round", round.Number))
		return
	}

	// The draw is seeded by the last settled entry so anyone can replay it
	// from chain data.
	seed := games.SeedFromParts(entries[len(entries)-1].Signature, round.Number)
	tickets := make([]games.Ticket, len(entries))
	for i, e := range entries {
		tickets[i] = games.Ticket{Payer: e.Payer, Weight: e.Amount}
	}
	prizes := games.Draw(tickets, round.Pool, seed)

	winners := make([]ledger.Winner, 0, len(prizes))
	for _, prize := range prizes {
		payoutRef, err := executor.CreatePayoutRun(ctx, s.store, prize.Payer, prize.Amount, s.payoutToken, entries[len(entries)-1].Signature, map[string]string{
			"source": "lottery",
			"round":  strconv.FormatInt(round.Number, 10),
		})
		if err != nil {
			s.logger.Error("failed to queue prize payout",
				zap.Int64("round", round.Number),
				zap.Int("rank", prize.Rank),
				zap.Error(err))
		}
		winners = append(winners, ledger.Winner{
			Rank:            prize.Rank,
			Payer:           prize.Payer,
			Prize:           prize.Amount,
			PayoutReference: payoutRef,
		})
	}
	if err := s.store.RecordWinners(ctx, round.Number, winners); err != nil {
		s.logger.Error("failed to record winners", zap.Int64("round", round.Number), zap.Error(err))
		return
	}

	s.logger.Info("lottery round drawn",
		zap.Int64("round", round.Number),
		zap.Uint64("pool", round.Pool),
		zap.Int("winners", len(winners)))
}
