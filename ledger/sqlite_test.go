package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	blink402 "github.com/blink402/blink402"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestRun(product blink402.ProductType) *blink402.Run {
	now := time.Now().UTC()
	return &blink402.Run{
		Reference: blink402.NewUUIDReference(),
		Amount:    1_000_000,
		Token:     "USDC",
		ProductID: "api-123",
		Product:   product,
		Metadata:  map[string]string{"payer_hint": "abc"},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func TestCreateRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newTestRun(blink402.ProductProxy)
	require.NoError(t, store.CreateRun(ctx, run))

	t.Run("rejects duplicate reference", func(t *testing.T) {
		dup := newTestRun(blink402.ProductProxy)
		dup.Reference = run.Reference
		require.ErrorIs(t, store.CreateRun(ctx, dup), ErrDuplicateReference)
	})

	t.Run("round trips fields", func(t *testing.T) {
		got, err := store.GetRun(ctx, run.Reference.Value)
		require.NoError(t, err)
		require.Equal(t, blink402.StatusPending, got.Status)
		require.Equal(t, run.Amount, got.Amount)
		require.Equal(t, run.Product, got.Product)
		require.Equal(t, blink402.ReferenceUUID, got.Reference.Kind)
		require.Equal(t, "abc", got.Metadata["payer_hint"])
	})

	t.Run("unknown reference is not found", func(t *testing.T) {
		_, err := store.GetRun(ctx, "run_missing")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMarkPaid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newTestRun(blink402.ProductProxy)
	require.NoError(t, store.CreateRun(ctx, run))

	require.NoError(t, store.MarkPaid(ctx, run.Reference.Value, "payerA", "sig1"))

	t.Run("same signature is a no-op", func(t *testing.T) {
		require.NoError(t, store.MarkPaid(ctx, run.Reference.Value, "payerA", "sig1"))
		got, err := store.GetRun(ctx, run.Reference.Value)
		require.NoError(t, err)
		require.Equal(t, blink402.StatusPaid, got.Status)
		require.Equal(t, "sig1", got.Signature)
	})

	t.Run("different signature is a conflict, never overwritten", func(t *testing.T) {
		require.ErrorIs(t, store.MarkPaid(ctx, run.Reference.Value, "payerB", "sig2"), ErrSignatureConflict)
		got, err := store.GetRun(ctx, run.Reference.Value)
		require.NoError(t, err)
		require.Equal(t, "sig1", got.Signature)
		require.Equal(t, "payerA", got.Payer)
	})

	t.Run("same signature cannot settle a second run", func(t *testing.T) {
		other := newTestRun(blink402.ProductProxy)
		require.NoError(t, store.CreateRun(ctx, other))
		require.ErrorIs(t, store.MarkPaid(ctx, other.Reference.Value, "payerA", "sig1"), ErrSignatureConflict)
	})

	t.Run("failed run cannot be paid", func(t *testing.T) {
		failed := newTestRun(blink402.ProductProxy)
		require.NoError(t, store.CreateRun(ctx, failed))
		require.NoError(t, store.MarkFailed(ctx, failed.Reference.Value, "wallet rejected"))
		require.ErrorIs(t, store.MarkPaid(ctx, failed.Reference.Value, "p", "sig9"), ErrInvalidTransition)
	})
}

func TestMarkExecutedWinsOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newTestRun(blink402.ProductBuyback)
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.MarkPaid(ctx, run.Reference.Value, "payer", "sigX"))

	const callers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.MarkExecuted(ctx, run.Reference.Value, 5)
			if err != nil {
				errs <- err
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	require.Equal(t, 1, winners, "exactly one caller must win the transition")

	got, err := store.GetRun(ctx, run.Reference.Value)
	require.NoError(t, err)
	require.Equal(t, blink402.StatusExecuted, got.Status)
	require.NotNil(t, got.ExecutedAt)
}

func TestMarkExecutedRequiresPaid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newTestRun(blink402.ProductProxy)
	require.NoError(t, store.CreateRun(ctx, run))

	_, err := store.MarkExecuted(ctx, run.Reference.Value, 0)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("from pending", func(t *testing.T) {
		run := newTestRun(blink402.ProductProxy)
		require.NoError(t, store.CreateRun(ctx, run))
		require.NoError(t, store.MarkFailed(ctx, run.Reference.Value, "expired"))

		got, err := store.GetRun(ctx, run.Reference.Value)
		require.NoError(t, err)
		require.Equal(t, blink402.StatusFailed, got.Status)
		require.Equal(t, "expired", got.FailReason)
	})

	t.Run("from executed after a failed side effect", func(t *testing.T) {
		run := newTestRun(blink402.ProductProxy)
		require.NoError(t, store.CreateRun(ctx, run))
		require.NoError(t, store.MarkPaid(ctx, run.Reference.Value, "p", run.Reference.Value+"-sig"))
		won, err := store.MarkExecuted(ctx, run.Reference.Value, 0)
		require.NoError(t, err)
		require.True(t, won)
		require.NoError(t, store.MarkFailed(ctx, run.Reference.Value, "upstream returned 500"))
	})

	t.Run("repeat is a no-op", func(t *testing.T) {
		run := newTestRun(blink402.ProductProxy)
		require.NoError(t, store.CreateRun(ctx, run))
		require.NoError(t, store.MarkFailed(ctx, run.Reference.Value, "first"))
		require.NoError(t, store.MarkFailed(ctx, run.Reference.Value, "second"))

		got, err := store.GetRun(ctx, run.Reference.Value)
		require.NoError(t, err)
		require.Equal(t, "first", got.FailReason)
	})
}

func TestAppendMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newTestRun(blink402.ProductProxy)
	require.NoError(t, store.CreateRun(ctx, run))

	require.NoError(t, store.AppendMetadata(ctx, run.Reference.Value, map[string]string{"amountSol": "0.5"}))
	require.NoError(t, store.AppendMetadata(ctx, run.Reference.Value, map[string]string{"amountSol": "0.5"}))

	err := store.AppendMetadata(ctx, run.Reference.Value, map[string]string{"amountSol": "0.6"})
	require.ErrorIs(t, err, ErrMetadataImmutable)

	got, err := store.GetRun(ctx, run.Reference.Value)
	require.NoError(t, err)
	require.Equal(t, "0.5", got.Metadata["amountSol"])
	require.Equal(t, "abc", got.Metadata["payer_hint"])
}

func TestPendingCandidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := newTestRun(blink402.ProductBuyback)
	require.NoError(t, store.CreateRun(ctx, fresh))

	aged := newTestRun(blink402.ProductBuyback)
	aged.CreatedAt = now.Add(-5 * time.Minute)
	require.NoError(t, store.CreateRun(ctx, aged))

	expired := newTestRun(blink402.ProductBuyback)
	expired.CreatedAt = now.Add(-5 * time.Minute)
	expired.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, store.CreateRun(ctx, expired))

	wrongProduct := newTestRun(blink402.ProductProxy)
	wrongProduct.CreatedAt = now.Add(-5 * time.Minute)
	require.NoError(t, store.CreateRun(ctx, wrongProduct))

	candidates, err := store.PendingCandidates(ctx, []blink402.ProductType{blink402.ProductBuyback}, 30*time.Second, time.Hour)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, aged.Reference.Value, candidates[0].Reference.Value)
}

func TestPaidUnexecuted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	paid := newTestRun(blink402.ProductLottery)
	require.NoError(t, store.CreateRun(ctx, paid))
	require.NoError(t, store.MarkPaid(ctx, paid.Reference.Value, "p", "sigL"))

	pending := newTestRun(blink402.ProductLottery)
	require.NoError(t, store.CreateRun(ctx, pending))

	runs, err := store.PaidUnexecuted(ctx, []blink402.ProductType{blink402.ProductLottery})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, paid.Reference.Value, runs[0].Reference.Value)
}

func TestLotteryRounds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("no round open initially", func(t *testing.T) {
		_, err := store.CurrentRound(ctx)
		require.ErrorIs(t, err, ErrNotFound)
	})

	round, err := store.OpenRound(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), round.Number)

	t.Run("open round is reused", func(t *testing.T) {
		again, err := store.OpenRound(ctx, time.Hour)
		require.NoError(t, err)
		require.Equal(t, round.Number, again.Number)
	})

	t.Run("entries grow the pool", func(t *testing.T) {
		run := newTestRun(blink402.ProductLottery)
		require.NoError(t, store.CreateRun(ctx, run))

		require.NoError(t, store.RecordEntry(ctx, round.Number, Entry{
			RunReference: run.Reference.Value,
			Payer:        "payerA",
			Amount:       500,
			Signature:    "sigA",
			CreatedAt:    time.Now().UTC(),
		}))

		current, err := store.CurrentRound(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(500), current.Pool)

		entries, err := store.RoundEntries(ctx, round.Number)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, "payerA", entries[0].Payer)
	})

	t.Run("finalize wins exactly once", func(t *testing.T) {
		won, err := store.FinalizeRound(ctx, round.Number)
		require.NoError(t, err)
		require.True(t, won)

		again, err := store.FinalizeRound(ctx, round.Number)
		require.NoError(t, err)
		require.False(t, again)
	})

	t.Run("no entries after finalize", func(t *testing.T) {
		run := newTestRun(blink402.ProductLottery)
		require.NoError(t, store.CreateRun(ctx, run))
		err := store.RecordEntry(ctx, round.Number, Entry{
			RunReference: run.Reference.Value,
			Payer:        "payerB",
			Amount:       100,
			Signature:    "sigB",
			CreatedAt:    time.Now().UTC(),
		})
		require.ErrorIs(t, err, ErrRoundFinalized)
	})

	t.Run("next round number increases", func(t *testing.T) {
		next, err := store.OpenRound(ctx, time.Hour)
		require.NoError(t, err)
		require.Equal(t, round.Number+1, next.Number)
	})

	t.Run("winners round trip", func(t *testing.T) {
		winners := []Winner{
			{Rank: 1, Payer: "payerA", Prize: 250, PayoutReference: "run_p1"},
			{Rank: 2, Payer: "payerB", Prize: 150, PayoutReference: "run_p2"},
		}
		require.NoError(t, store.RecordWinners(ctx, round.Number, winners))

		got, err := store.RoundWinners(ctx, round.Number)
		require.NoError(t, err)
		require.Equal(t, winners, got)
	})
}
