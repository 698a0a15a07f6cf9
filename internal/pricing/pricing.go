package pricing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fuelyard/internal/cache"
	"fuelyard/internal/domain"
	"fuelyard/internal/store"
)

// Resolver answers "what does one unit cost for this station, product,
// sub-product and customer" by walking a fixed-precedence cascade over the
// deal-price catalog. The cascade lives in one place; callers never build
// their own lookup order.
type Resolver struct {
	repo  store.Repository
	cache cache.PriceCache
	ttl   time.Duration
}

func New(repo store.Repository, priceCache cache.PriceCache, ttl time.Duration) *Resolver {
	if priceCache == nil {
		priceCache = cache.NoopPriceCache{}
	}
	return &Resolver{repo: repo, cache: priceCache, ttl: ttl}
}

type Query struct {
	StationID    string
	ProductID    string
	SubProductID string
	CustomerID   string
	// Default is returned when no catalog row matches any cascade level.
	Default decimal.Decimal
}

// candidates is the resolution order, most specific first. Each level is
// queried independently; the first hit wins.
func candidates(q Query) []domain.PriceQuery {
	return []domain.PriceQuery{
		{StationID: q.StationID, ProductID: q.ProductID, SubProductID: q.SubProductID, CustomerID: q.CustomerID},
		{StationID: q.StationID, ProductID: q.ProductID, SubProductID: q.SubProductID},
		{StationID: q.StationID, ProductID: q.ProductID, CustomerID: q.CustomerID},
		{StationID: q.StationID, ProductID: q.ProductID},
	}
}

func cacheKey(q Query) string {
	return strings.Join([]string{"price", q.StationID, q.ProductID, q.SubProductID, q.CustomerID}, ":")
}

// Resolve walks the cascade and returns the first catalog price, or
// q.Default when the catalog is silent. Cache failures degrade to a direct
// lookup, never to an error.
func (r *Resolver) Resolve(ctx context.Context, q Query) (decimal.Decimal, error) {
	if q.StationID == "" || q.ProductID == "" {
		return decimal.Zero, domain.ErrInvalidInput
	}

	key := cacheKey(q)
	if cached, ok, err := r.cache.Get(ctx, key); err == nil && ok {
		return cached, nil
	}

	for _, cand := range candidates(q) {
		dp, err := r.repo.FindDealPrice(ctx, cand)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return decimal.Zero, err
		}
		_ = r.cache.Set(ctx, key, dp.Price, r.ttl)
		return dp.Price, nil
	}

	return q.Default, nil
}
