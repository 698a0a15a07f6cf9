package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"fuelyard/internal/domain"
	"fuelyard/internal/store"
)

// Ledger manages non-billing stock for (station, product) pairs. Deductions
// drain lots most-recently-touched first and are all-or-nothing; every
// touched lot produces one immutable stock-log row. The transactional walk
// itself lives in the store so it shares locks with request persistence.
type Ledger struct {
	repo store.Repository
}

func New(repo store.Repository) *Ledger {
	return &Ledger{repo: repo}
}

func (l *Ledger) Deduct(ctx context.Context, stationID string, productID string, qty decimal.Decimal, actor string, reason string) (*domain.StockDeduction, error) {
	if stationID == "" || productID == "" {
		return nil, domain.ErrInvalidInput
	}
	if actor == "" {
		actor = "system"
	}
	if reason == "" {
		reason = fmt.Sprintf("stock deduction of %s %s at %s", qty.String(), productID, stationID)
	}

	return l.repo.DeductStock(ctx, domain.StockDeductionRequest{
		StationID: stationID,
		ProductID: productID,
		Quantity:  qty,
		Actor:     actor,
		Reason:    reason,
	})
}

// Restock records one new lot. Restocking is driven by external supply
// flows; the ledger only provides the writer.
func (l *Ledger) Restock(ctx context.Context, stationID string, productID string, qty decimal.Decimal) (*domain.StockLot, error) {
	if stationID == "" || productID == "" || qty.Sign() <= 0 {
		return nil, domain.ErrInvalidInput
	}
	return l.repo.CreateStockLot(ctx, domain.StockLot{
		StationID: stationID,
		ProductID: productID,
		Stock:     qty,
	})
}

// Available reports the summed stock and the lots backing it, in drain order.
func (l *Ledger) Available(ctx context.Context, stationID string, productID string) (decimal.Decimal, []domain.StockLot, error) {
	lots, err := l.repo.ListStockLots(ctx, stationID, productID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.Stock)
	}
	return total, lots, nil
}

func (l *Ledger) Logs(ctx context.Context, stationID string, productID string, limit int) ([]domain.StockLogEntry, error) {
	return l.repo.ListStockLogs(ctx, stationID, productID, limit)
}
