package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultTierTTL = 5 * time.Minute

// tierCache remembers resolved tiers per wallet for a bounded time, so a
// burst of quotes does not hammer the balance source.
type tierCache struct {
	mu     sync.Mutex
	tiers  map[string]Tier
	expiry map[string]time.Time
	ttl    time.Duration
}

func newTierCache(ttl time.Duration) *tierCache {
	return &tierCache{
		tiers:  make(map[string]Tier),
		expiry: make(map[string]time.Time),
		ttl:    ttl,
	}
}

func (c *tierCache) get(wallet string) (Tier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.expiry[wallet]
	if !ok || time.Now().After(expiry) {
		delete(c.tiers, wallet)
		delete(c.expiry, wallet)
		return TierNone, false
	}
	return c.tiers[wallet], true
}

func (c *tierCache) put(wallet string, tier Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tiers[wallet] = tier
	c.expiry[wallet] = time.Now().Add(c.ttl)
}

// Quoter prices product calls per wallet, caching tier lookups.
type Quoter struct {
	balance BalanceFunc
	cache   *tierCache
	logger  *zap.Logger
}

// NewQuoter creates a quoter over the given balance source.
func NewQuoter(balance BalanceFunc, logger *zap.Logger) *Quoter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Quoter{
		balance: balance,
		cache:   newTierCache(defaultTierTTL),
		logger:  logger,
	}
}

// Quote prices a call for the wallet. Balance source failures degrade to
// the undiscounted price; a sale is never blocked on the tier lookup.
func (q *Quoter) Quote(ctx context.Context, wallet string, base decimal.Decimal, category Category) Quote {
	tier, err := q.TierOf(ctx, wallet)
	if err != nil {
		q.logger.Warn("tier lookup failed, quoting base price",
			zap.String("wallet", wallet),
			zap.Error(err))
		quote := ApplyDiscount(base, category, TierNone)
		quote.FailOpen = true
		return quote
	}
	return ApplyDiscount(base, category, tier)
}

// TierOf resolves the wallet's tier, serving cached values when fresh.
func (q *Quoter) TierOf(ctx context.Context, wallet string) (Tier, error) {
	if tier, ok := q.cache.get(wallet); ok {
		return tier, nil
	}

	balance, err := q.balance(ctx, wallet)
	if err != nil {
		return TierNone, err
	}
	tier := ResolveTier(balance)
	q.cache.put(wallet, tier)
	return tier, nil
}
