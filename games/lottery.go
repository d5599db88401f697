package games

import (
	"math/rand"

	"github.com/shopspring/decimal"
)

// Ticket is one weighted lottery entry. Weight is the paid amount in base
// units; bigger tickets win proportionally more often.
type Ticket struct {
	Payer  string
	Weight uint64
}

// Prize is one drawn rank.
type Prize struct {
	Rank   int
	Payer  string
	Amount uint64
}

// prizeShares splits the pool across ranks. Any remainder from fewer
// tickets than ranks stays in the pool.
var prizeShares = []decimal.Decimal{
	decimal.NewFromFloat(0.50),
	decimal.NewFromFloat(0.30),
	decimal.NewFromFloat(0.20),
}

// Draw selects up to three winning tickets without replacement, weighted by
// ticket amount. Tickets must arrive in a stable order; with the same
// tickets, pool and seed, the draw always yields the same prizes.
func Draw(tickets []Ticket, pool uint64, seed int64) []Prize {
	if len(tickets) == 0 || pool == 0 {
		return nil
	}

	rng := rand.New(rand.NewSource(seed))
	remaining := make([]Ticket, len(tickets))
	copy(remaining, tickets)

	ranks := len(prizeShares)
	if len(remaining) < ranks {
		ranks = len(remaining)
	}

	poolDec := decimal.NewFromInt(int64(pool))
	prizes := make([]Prize, 0, ranks)
	for rank := 1; rank <= ranks; rank++ {
		idx := drawWeighted(rng, remaining)
		amount := poolDec.Mul(prizeShares[rank-1])
		prizes = append(prizes, Prize{
			Rank:   rank,
			Payer:  remaining[idx].Payer,
			Amount: uint64(amount.IntPart()),
		})
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return prizes
}

func drawWeighted(rng *rand.Rand, tickets []Ticket) int {
	var total uint64
	for _, t := range tickets {
		total += t.Weight
	}
	if total == 0 {
		return rng.Intn(len(tickets))
	}
	pick := rng.Int63n(int64(total))
	for i, t := range tickets {
		pick -= int64(t.Weight)
		if pick < 0 {
			return i
		}
	}
	return len(tickets) - 1
}
