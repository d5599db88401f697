package games

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSeedFromSignature(t *testing.T) {
	sig := "5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"

	if SeedFromSignature(sig) != SeedFromSignature(sig) {
		t.Error("Expected identical seeds for identical signatures")
	}
	if SeedFromSignature(sig) == SeedFromSignature(sig+"x") {
		t.Error("Expected different seeds for different signatures")
	}
	if SeedFromSignature(sig) < 0 {
		t.Error("Expected non-negative seed")
	}

	if SeedFromParts(sig, 1) == SeedFromParts(sig, 2) {
		t.Error("Expected qualifier to change the seed")
	}
	if SeedFromParts(sig, 7) != SeedFromParts(sig, 7) {
		t.Error("Expected identical seeds for identical parts")
	}
}

func TestSpinDeterministic(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		first := Spin(seed, 1000)
		second := Spin(seed, 1000)
		if first.Reels != second.Reels || first.Payout != second.Payout || !first.Multiplier.Equal(second.Multiplier) {
			t.Fatalf("Seed %d produced different spins: %+v vs %+v", seed, first, second)
		}
	}
}

func TestSpinPayout(t *testing.T) {
	const bet = 1_000_000
	sawWin := false
	sawLoss := false

	for seed := int64(0); seed < 2000; seed++ {
		result := Spin(seed, bet)

		expected := decimal.NewFromInt(bet).Mul(result.Multiplier)
		if result.Payout != uint64(expected.IntPart()) {
			t.Fatalf("Seed %d: payout %d does not match multiplier %s", seed, result.Payout, result.Multiplier)
		}
		if result.Multiplier.IsZero() && result.Payout != 0 {
			t.Fatalf("Seed %d: losing spin paid out %d", seed, result.Payout)
		}
		if result.Payout > 0 {
			sawWin = true
		} else {
			sawLoss = true
		}
	}

	if !sawWin || !sawLoss {
		t.Error("Expected both winning and losing spins across 2000 seeds")
	}
}

func TestSpinTriplePaysTripleRate(t *testing.T) {
	// Hunt for a triple so the table lookup path is exercised.
	for seed := int64(0); seed < 10000; seed++ {
		result := Spin(seed, 100)
		if result.Reels[0] == result.Reels[1] && result.Reels[1] == result.Reels[2] {
			want := tripleMultipliers[result.Reels[0]]
			if !result.Multiplier.Equal(want) {
				t.Fatalf("Triple %s paid %s, want %s", result.Reels[0], result.Multiplier, want)
			}
			return
		}
	}
	t.Fatal("No triple found in 10000 seeds")
}

func TestDraw(t *testing.T) {
	tickets := []Ticket{
		{Payer: "alice", Weight: 5_000_000},
		{Payer: "bob", Weight: 1_000_000},
		{Payer: "carol", Weight: 2_000_000},
		{Payer: "dave", Weight: 500_000},
	}
	const pool = 10_000_000
	const seed = 424242

	first := Draw(tickets, pool, seed)
	second := Draw(tickets, pool, seed)
	if len(first) != 3 {
		t.Fatalf("Expected 3 prizes, got %d", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("Draw is not deterministic: %+v vs %+v", first[i], second[i])
		}
	}

	seen := map[string]bool{}
	for _, prize := range first {
		if seen[prize.Payer] {
			t.Errorf("Payer %s won twice", prize.Payer)
		}
		seen[prize.Payer] = true
	}

	wantAmounts := []uint64{5_000_000, 3_000_000, 2_000_000}
	for i, prize := range first {
		if prize.Rank != i+1 {
			t.Errorf("Expected rank %d, got %d", i+1, prize.Rank)
		}
		if prize.Amount != wantAmounts[i] {
			t.Errorf("Rank %d: expected amount %d, got %d", prize.Rank, wantAmounts[i], prize.Amount)
		}
	}
}

func TestDrawEdgeCases(t *testing.T) {
	if prizes := Draw(nil, 1000, 1); prizes != nil {
		t.Errorf("Expected no prizes without tickets, got %+v", prizes)
	}
	if prizes := Draw([]Ticket{{Payer: "alice", Weight: 1}}, 0, 1); prizes != nil {
		t.Errorf("Expected no prizes for an empty pool, got %+v", prizes)
	}

	one := Draw([]Ticket{{Payer: "alice", Weight: 1}}, 1000, 1)
	if len(one) != 1 || one[0].Payer != "alice" || one[0].Amount != 500 {
		t.Errorf("Single ticket should win rank 1 at half pool, got %+v", one)
	}

	two := Draw([]Ticket{{Payer: "alice", Weight: 1}, {Payer: "bob", Weight: 1}}, 1000, 1)
	if len(two) != 2 {
		t.Errorf("Expected 2 prizes for 2 tickets, got %d", len(two))
	}

	// Zero-weight tickets still draw uniformly instead of dividing by zero.
	zero := Draw([]Ticket{{Payer: "alice"}, {Payer: "bob"}}, 1000, 9)
	if len(zero) != 2 {
		t.Errorf("Expected 2 prizes for zero-weight tickets, got %d", len(zero))
	}
}

func TestDrawHeavyTicketWinsMoreOften(t *testing.T) {
	tickets := []Ticket{
		{Payer: "whale", Weight: 90_000_000},
		{Payer: "minnow", Weight: 1_000_000},
	}

	whaleFirst := 0
	const draws = 500
	for seed := int64(0); seed < draws; seed++ {
		prizes := Draw(tickets, 1_000_000, seed)
		if prizes[0].Payer == "whale" {
			whaleFirst++
		}
	}
	if whaleFirst < draws*3/4 {
		t.Errorf("Whale won rank 1 only %d/%d draws, expected a large majority", whaleFirst, draws)
	}
}
