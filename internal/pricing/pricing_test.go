package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fuelyard/internal/domain"
	"fuelyard/internal/store/memory"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// countingCache wraps canned values and records hits.
type countingCache struct {
	values map[string]decimal.Decimal
	gets   int
	sets   int
}

func (c *countingCache) Get(_ context.Context, key string) (decimal.Decimal, bool, error) {
	c.gets++
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *countingCache) Set(_ context.Context, key string, price decimal.Decimal, _ time.Duration) error {
	c.sets++
	if c.values == nil {
		c.values = make(map[string]decimal.Decimal)
	}
	c.values[key] = price
	return nil
}

func TestResolveCustomerSpecificBeatsStationWide(t *testing.T) {
	repo := memory.NewSeeded()
	r := New(repo, nil, 0)

	// cust-bharat has a level-1 row (10) at fs-north/diesel/HSD; the
	// station-wide row (92.50) must lose.
	price, err := r.Resolve(context.Background(), Query{
		StationID:    "fs-north",
		ProductID:    "diesel",
		SubProductID: "HSD",
		CustomerID:   "cust-bharat",
	})
	require.NoError(t, err)
	require.True(t, price.Equal(dec("10")))
}

func TestResolveFallsThroughToStationWide(t *testing.T) {
	repo := memory.NewSeeded()
	r := New(repo, nil, 0)

	price, err := r.Resolve(context.Background(), Query{
		StationID:    "fs-north",
		ProductID:    "diesel",
		SubProductID: "HSD",
		CustomerID:   "cust-anand",
	})
	require.NoError(t, err)
	require.True(t, price.Equal(dec("92.50")))
}

func TestResolveNewestUpdatedDateWinsWithinLevel(t *testing.T) {
	repo := memory.NewSeeded()
	repo.AddDealPrice(domain.DealPrice{
		StationID:   "fs-north",
		ProductID:   "diesel",
		Price:       dec("93.25"),
		IsActive:    true,
		Status:      domain.DealPriceStatusActive,
		UpdatedDate: time.Now(),
	})
	r := New(repo, nil, 0)

	price, err := r.Resolve(context.Background(), Query{
		StationID:    "fs-north",
		ProductID:    "diesel",
		SubProductID: "HSD",
		CustomerID:   "cust-anand",
	})
	require.NoError(t, err)
	require.True(t, price.Equal(dec("93.25")))
}

func TestResolveInactiveRowsAreInvisible(t *testing.T) {
	repo := memory.NewSeeded()
	r := New(repo, nil, 0)

	// fs-south's only diesel row is inactive, so the default applies.
	price, err := r.Resolve(context.Background(), Query{
		StationID:    "fs-south",
		ProductID:    "diesel",
		SubProductID: "HSD",
		Default:      dec("90"),
	})
	require.NoError(t, err)
	require.True(t, price.Equal(dec("90")))
}

func TestResolveRequiresStationAndProduct(t *testing.T) {
	repo := memory.NewSeeded()
	r := New(repo, nil, 0)

	_, err := r.Resolve(context.Background(), Query{ProductID: "diesel"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = r.Resolve(context.Background(), Query{StationID: "fs-north"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestResolveCacheHitShortCircuits(t *testing.T) {
	repo := memory.NewSeeded()
	q := Query{StationID: "fs-north", ProductID: "diesel", SubProductID: "HSD", CustomerID: "cust-anand"}
	cc := &countingCache{values: map[string]decimal.Decimal{
		cacheKey(q): dec("77"),
	}}
	r := New(repo, cc, time.Minute)

	price, err := r.Resolve(context.Background(), q)
	require.NoError(t, err)
	require.True(t, price.Equal(dec("77")))
	require.Equal(t, 1, cc.gets)
	require.Equal(t, 0, cc.sets)
}

func TestResolvePopulatesCacheOnMiss(t *testing.T) {
	repo := memory.NewSeeded()
	cc := &countingCache{}
	r := New(repo, cc, time.Minute)
	q := Query{StationID: "fs-north", ProductID: "diesel", SubProductID: "HSD", CustomerID: "cust-anand"}

	price, err := r.Resolve(context.Background(), q)
	require.NoError(t, err)
	require.True(t, price.Equal(dec("92.50")))
	require.Equal(t, 1, cc.sets)

	again, err := r.Resolve(context.Background(), q)
	require.NoError(t, err)
	require.True(t, again.Equal(dec("92.50")))
	require.Equal(t, 1, cc.sets)
}
