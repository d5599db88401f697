// Package executor runs the paid action of a run exactly once. The
// paid → executed transition in the ledger is the arbiter under concurrency;
// the in-process cache only lets concurrent callers share the winner's
// result instead of each re-reading the ledger.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	blink402 "github.com/blink402/blink402"
	"github.com/blink402/blink402/ledger"
)

// ErrNotPaid is returned when execution is requested for a run that has not
// reached paid.
var ErrNotPaid = errors.New("run is not paid")

const resultCacheTTL = 10 * time.Minute

// Result is the outcome of an executed run. Every caller racing on the same
// reference receives the same signature.
type Result struct {
	Reference  string
	Signature  string
	Output     map[string]string
	DurationMs int64
}

// Func performs one product's side effect. The returned map is appended to
// the run's metadata.
type Func func(ctx context.Context, run *blink402.Run) (map[string]string, error)

// Registry dispatches paid runs to their product executors.
type Registry struct {
	store  ledger.Store
	funcs  map[blink402.ProductType]Func
	cache  *resultCache
	logger *zap.Logger
}

// NewRegistry creates an executor registry over the given ledger.
func NewRegistry(store ledger.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		funcs:  make(map[blink402.ProductType]Func),
		cache:  newResultCache(resultCacheTTL),
		logger: logger,
	}
}

// Register binds a product type to its executor. Later registrations for
// the same product replace earlier ones.
func (r *Registry) Register(product blink402.ProductType, fn Func) {
	r.funcs[product] = fn
}

// Execute runs the side effect for a paid run at most once. Repeat calls and
// concurrent callers receive the recorded result; losing a race is not an
// error.
func (r *Registry) Execute(ctx context.Context, reference string) (*Result, error) {
	run, err := r.store.GetRun(ctx, reference)
	if err != nil {
		return nil, err
	}

	switch run.Status {
	case blink402.StatusExecuted:
		return resultFromRun(run), nil
	case blink402.StatusFailed:
		return nil, fmt.Errorf("run %s failed: %s", reference, run.FailReason)
	case blink402.StatusPending:
		return nil, fmt.Errorf("%w: %s", ErrNotPaid, reference)
	}

	status, cached, done := r.cache.checkAndMark(reference)
	switch status {
	case statusCached:
		return cached, nil
	case statusInFlight:
		result, err := r.cache.waitForResult(ctx, reference, done)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		// The in-flight execution failed without a result; the ledger has
		// the authoritative outcome.
		return r.Execute(ctx, reference)
	}

	return r.runOnce(ctx, run, done)
}

// runOnce holds the in-flight marker. It claims the transition first, then
// performs the side effect, so two processes can never both act.
func (r *Registry) runOnce(ctx context.Context, run *blink402.Run, done chan struct{}) (*Result, error) {
	reference := run.Reference.Value

	won, err := r.store.MarkExecuted(ctx, reference, 0)
	if err != nil {
		r.cache.fail(reference, done)
		return nil, err
	}
	if !won {
		r.cache.fail(reference, done)
		current, err := r.store.GetRun(ctx, reference)
		if err != nil {
			return nil, err
		}
		if current.Status == blink402.StatusExecuted {
			return resultFromRun(current), nil
		}
		return nil, &blink402.ExecutionConflictError{Reference: reference}
	}

	fn, ok := r.funcs[run.Product]
	if !ok {
		r.cache.fail(reference, done)
		reason := fmt.Sprintf("no executor for product %s", run.Product)
		if err := r.store.MarkFailed(ctx, reference, reason); err != nil {
			r.logger.Error("failed to record missing executor", zap.Error(err))
		}
		return nil, errors.New(reason)
	}

	start := time.Now()
	output, execErr := fn(ctx, run)
	elapsed := time.Since(start).Milliseconds()

	if execErr != nil {
		r.cache.fail(reference, done)
		r.logger.Error("execution failed",
			zap.String("reference", reference),
			zap.String("product", string(run.Product)),
			zap.Error(execErr))
		if err := r.store.MarkFailed(ctx, reference, execErr.Error()); err != nil {
			r.logger.Error("failed to record execution failure", zap.Error(err))
		}
		return nil, execErr
	}

	if err := r.store.RecordDuration(ctx, reference, elapsed); err != nil {
		r.logger.Warn("failed to record duration", zap.Error(err))
	}
	if len(output) > 0 {
		if err := r.store.AppendMetadata(ctx, reference, output); err != nil {
			r.logger.Warn("failed to append execution output", zap.Error(err))
		}
	}

	result := &Result{
		Reference:  reference,
		Signature:  run.Signature,
		Output:     output,
		DurationMs: elapsed,
	}
	r.cache.complete(reference, result, done)

	r.logger.Info("run executed",
		zap.String("reference", reference),
		zap.String("product", string(run.Product)),
		zap.Int64("duration_ms", elapsed))
	return result, nil
}

func resultFromRun(run *blink402.Run) *Result {
	return &Result{
		Reference:  run.Reference.Value,
		Signature:  run.Signature,
		Output:     run.Metadata,
		DurationMs: run.DurationMs,
	}
}
