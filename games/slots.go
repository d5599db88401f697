package games

import (
	"math/rand"

	"github.com/shopspring/decimal"
)

// Symbol is one reel face.
type Symbol string

const (
	SymbolCherry  Symbol = "cherry"
	SymbolLemon   Symbol = "lemon"
	SymbolBell    Symbol = "bell"
	SymbolSeven   Symbol = "seven"
	SymbolDiamond Symbol = "diamond"
)

// reelWeights defines the draw distribution of each reel. Rarer symbols pay
// more; the order is fixed because draws walk it by cumulative weight.
var reelWeights = []struct {
	symbol Symbol
	weight int
}{
	{SymbolCherry, 40},
	{SymbolLemon, 30},
	{SymbolBell, 18},
	{SymbolSeven, 9},
	{SymbolDiamond, 3},
}

// tripleMultipliers pays three of a kind.
var tripleMultipliers = map[Symbol]decimal.Decimal{
	SymbolCherry:  decimal.NewFromInt(2),
	SymbolLemon:   decimal.NewFromInt(4),
	SymbolBell:    decimal.NewFromInt(10),
	SymbolSeven:   decimal.NewFromInt(25),
	SymbolDiamond: decimal.NewFromInt(100),
}

// pairCherryMultiplier pays any two cherries.
var pairCherryMultiplier = decimal.NewFromFloat(0.5)

// SpinResult is one resolved spin.
type SpinResult struct {
	Reels      [3]Symbol
	Multiplier decimal.Decimal
	Payout     uint64
}

// Spin resolves a slots round for the given seed and bet in base units.
// Identical seed and bet always produce the identical result.
func Spin(seed int64, bet uint64) SpinResult {
	rng := rand.New(rand.NewSource(seed))

	var result SpinResult
	for i := range result.Reels {
		result.Reels[i] = drawSymbol(rng)
	}

	result.Multiplier = multiplierFor(result.Reels)
	if result.Multiplier.IsPositive() {
		payout := decimal.NewFromInt(int64(bet)).Mul(result.Multiplier)
		result.Payout = uint64(payout.IntPart())
	}
	return result
}

func drawSymbol(rng *rand.Rand) Symbol {
	total := 0
	for _, rw := range reelWeights {
		total += rw.weight
	}
	pick := rng.Intn(total)
	for _, rw := range reelWeights {
		pick -= rw.weight
		if pick < 0 {
			return rw.symbol
		}
	}
	return reelWeights[len(reelWeights)-1].symbol
}

func multiplierFor(reels [3]Symbol) decimal.Decimal {
	if reels[0] == reels[1] && reels[1] == reels[2] {
		return tripleMultipliers[reels[0]]
	}
	cherries := 0
	for _, s := range reels {
		if s == SymbolCherry {
			cherries++
		}
	}
	if cherries >= 2 {
		return pairCherryMultiplier
	}
	return decimal.Zero
}
