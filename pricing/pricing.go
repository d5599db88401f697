// Package pricing resolves B402 holder tiers and applies tier discounts to
// product prices. Tier lookups depend on a balance source that can be down;
// quoting fails open to the undiscounted price rather than blocking a sale.
package pricing

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// Tier is a B402 holder level. Ordering is significant: each tier includes
// every benefit of the tiers below it.
type Tier int

const (
	TierNone Tier = iota
	TierBronze
	TierSilver
	TierGold
	TierDiamond
)

func (t Tier) String() string {
	switch t {
	case TierBronze:
		return "bronze"
	case TierSilver:
		return "silver"
	case TierGold:
		return "gold"
	case TierDiamond:
		return "diamond"
	default:
		return "none"
	}
}

// tierThresholds maps minimum B402 balance to tier, in ascending order.
var tierThresholds = []struct {
	min  decimal.Decimal
	tier Tier
}{
	{decimal.NewFromInt(1_000), TierBronze},
	{decimal.NewFromInt(10_000), TierSilver},
	{decimal.NewFromInt(50_000), TierGold},
	{decimal.NewFromInt(250_000), TierDiamond},
}

// ResolveTier maps a B402 balance to its holder tier.
func ResolveTier(balance decimal.Decimal) Tier {
	tier := TierNone
	for _, t := range tierThresholds {
		if balance.GreaterThanOrEqual(t.min) {
			tier = t.tier
		}
	}
	return tier
}

// Category groups products that share a discount schedule.
type Category string

const (
	CategoryAPI     Category = "api"
	CategoryGames   Category = "games"
	CategoryBuyback Category = "buyback"
)

// discountPercent is the schedule per category. Within a category the
// discount never decreases as the tier rises.
var discountPercent = map[Category]map[Tier]int64{
	CategoryAPI: {
		TierNone:    0,
		TierBronze:  5,
		TierSilver:  10,
		TierGold:    20,
		TierDiamond: 30,
	},
	CategoryGames: {
		TierNone:    0,
		TierBronze:  2,
		TierSilver:  5,
		TierGold:    10,
		TierDiamond: 15,
	},
	CategoryBuyback: {
		TierNone:    0,
		TierBronze:  0,
		TierSilver:  0,
		TierGold:    5,
		TierDiamond: 10,
	},
}

// Categories lists the known categories in stable order.
func Categories() []Category {
	cats := make([]Category, 0, len(discountPercent))
	for c := range discountPercent {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// DiscountPercent returns the discount for a tier in a category. Unknown
// categories discount nothing.
func DiscountPercent(category Category, tier Tier) int64 {
	schedule, ok := discountPercent[category]
	if !ok {
		return 0
	}
	return schedule[tier]
}

// Quote is a priced offer for one product call.
type Quote struct {
	BasePrice       decimal.Decimal
	Price           decimal.Decimal
	Tier            Tier
	DiscountPercent int64

	// FailOpen marks a quote issued at base price because the balance
	// source was unavailable.
	FailOpen bool
}

// ApplyDiscount prices a base amount for the tier and category.
func ApplyDiscount(base decimal.Decimal, category Category, tier Tier) Quote {
	pct := DiscountPercent(category, tier)
	discount := base.Mul(decimal.NewFromInt(pct)).Div(decimal.NewFromInt(100))
	return Quote{
		BasePrice:       base,
		Price:           base.Sub(discount),
		Tier:            tier,
		DiscountPercent: pct,
	}
}

// BalanceFunc reports a wallet's B402 balance in whole tokens.
type BalanceFunc func(ctx context.Context, wallet string) (decimal.Decimal, error)
