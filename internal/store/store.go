package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fuelyard/internal/domain"
)

// Repository is the relational-store contract for the admission engine.
// Implementations must keep the three contended resources (customer balance,
// stock lots, request sequence) consistent under concurrent callers: postgres
// via advisory locks and serializable transactions, memory via mutexes.
type Repository interface {
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	GetStation(ctx context.Context, id string) (*domain.Station, error)
	GetCustomerBalance(ctx context.Context, customerID string) (*domain.CustomerBalance, error)
	SetBalanceActive(ctx context.Context, customerID string, active bool) error

	// ListUnpaidCompleted returns the customer's completed-but-unpaid
	// requests ordered by completed_date ascending.
	ListUnpaidCompleted(ctx context.Context, customerID string) ([]domain.FillingRequest, error)

	// FirstProductCode returns the product's default sub-product code, the
	// one with the lowest catalog id. ErrNotFound when the product has none.
	FirstProductCode(ctx context.Context, productID string) (*domain.ProductCode, error)

	// FindDealPrice matches exactly one cascade level: rows whose
	// sub-product and customer columns equal the query's values, empty
	// meaning unset. Newest updated_date wins; ErrNotFound when no active
	// row matches.
	FindDealPrice(ctx context.Context, q domain.PriceQuery) (*domain.DealPrice, error)

	// NextRequestSeq increments and returns the dedicated request counter.
	// The counter is seeded from the newest persisted rid on first use.
	// Returns domain.ErrSequencerConflict on a serialization failure.
	NextRequestSeq(ctx context.Context) (int64, error)

	// LockCustomer serializes admissions for one customer. The returned
	// function releases the lock and must always be called.
	LockCustomer(ctx context.Context, customerID string) (func(), error)

	// CreateFillingRequest persists the request and, when deduct is
	// non-nil, drains stock lots in the same transaction. Nothing commits
	// if any part fails.
	CreateFillingRequest(ctx context.Context, req domain.FillingRequest, deduct *domain.StockDeductionRequest) (*domain.FillingRequest, *domain.StockDeduction, error)

	GetFillingRequest(ctx context.Context, rid string) (*domain.FillingRequest, error)
	CompleteFillingRequest(ctx context.Context, rid string, actualQty decimal.Decimal, completedAt time.Time) (*domain.FillingRequest, error)
	CancelFillingRequest(ctx context.Context, rid string) (*domain.FillingRequest, error)

	// MarkDayPaid marks every completed unpaid request of the customer
	// whose completed_date falls on the given calendar day as paid and
	// returns how many rows changed.
	MarkDayPaid(ctx context.Context, customerID string, day time.Time) (int, error)

	DeductStock(ctx context.Context, d domain.StockDeductionRequest) (*domain.StockDeduction, error)
	CreateStockLot(ctx context.Context, lot domain.StockLot) (*domain.StockLot, error)
	ListStockLots(ctx context.Context, stationID string, productID string) ([]domain.StockLot, error)
	ListStockLogs(ctx context.Context, stationID string, productID string, limit int) ([]domain.StockLogEntry, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
