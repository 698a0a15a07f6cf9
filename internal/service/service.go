package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fuelyard/internal/audit"
	"fuelyard/internal/domain"
	"fuelyard/internal/gate"
	"fuelyard/internal/ledger"
	"fuelyard/internal/pricing"
	"fuelyard/internal/sequence"
	"fuelyard/internal/store"
)

// Service orchestrates request admission: field validation, entity checks,
// price resolution, the balance gate, id issuance and persistence. It owns
// the ordering of those steps; the collaborators own the rules.
type Service struct {
	repo      store.Repository
	gate      *gate.Gate
	prices    *pricing.Resolver
	sequencer *sequence.Sequencer
	stock     *ledger.Ledger
	auditor   audit.Recorder
	logger    *zap.Logger

	loc                *time.Location
	defaultRequestType string
	defaultPrice       decimal.Decimal
}

type Options struct {
	// Location is the station-local calendar used for request timestamps
	// and day-limit aging. Defaults to time.Local.
	Location *time.Location
	// DefaultRequestType fills request_type when the caller omits it.
	DefaultRequestType string
	// DefaultPrice is returned by price resolution when the catalog has no
	// matching row at any cascade level.
	DefaultPrice decimal.Decimal
}

func New(repo store.Repository, g *gate.Gate, prices *pricing.Resolver, sequencer *sequence.Sequencer, stock *ledger.Ledger, auditor audit.Recorder, logger *zap.Logger, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.DefaultRequestType == "" {
		opts.DefaultRequestType = "Liter"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:               repo,
		gate:               g,
		prices:             prices,
		sequencer:          sequencer,
		stock:              stock,
		auditor:            auditor,
		logger:             logger,
		loc:                opts.Location,
		defaultRequestType: opts.DefaultRequestType,
		defaultPrice:       opts.DefaultPrice,
	}
}

// CreateRequest runs the full admission pipeline and, on success, persists a
// pending filling request. The per-customer lock is held from before the
// balance gate through persistence so a concurrent sibling request cannot
// invalidate the verdict.
func (s *Service) CreateRequest(ctx context.Context, input domain.CreateRequestInput) (*domain.CreateRequestResult, error) {
	input.CustomerID = strings.TrimSpace(input.CustomerID)
	input.StationID = strings.TrimSpace(input.StationID)
	input.ProductID = strings.TrimSpace(input.ProductID)
	input.VehiclePlate = strings.TrimSpace(input.VehiclePlate)
	input.Phone = strings.TrimSpace(input.Phone)
	input.RequestType = strings.TrimSpace(input.RequestType)
	if input.RequestType == "" {
		input.RequestType = s.defaultRequestType
	}

	if input.CustomerID == "" || input.StationID == "" || input.ProductID == "" ||
		input.VehiclePlate == "" || input.Phone == "" {
		return nil, domain.ErrInvalidInput
	}
	if input.Qty.Sign() <= 0 {
		return nil, domain.ErrInvalidInput
	}

	cust, err := s.repo.GetCustomer(ctx, input.CustomerID)
	if err != nil {
		return nil, err
	}
	if !cust.Active {
		return nil, domain.ErrCustomerDisabled
	}

	station, err := s.repo.GetStation(ctx, input.StationID)
	if err != nil {
		return nil, err
	}
	if !station.Active {
		return nil, domain.ErrStationDisabled
	}

	code, err := s.repo.FirstProductCode(ctx, input.ProductID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidProduct
		}
		return nil, err
	}

	price, err := s.prices.Resolve(ctx, pricing.Query{
		StationID:    input.StationID,
		ProductID:    input.ProductID,
		SubProductID: code.Code,
		CustomerID:   input.CustomerID,
		Default:      s.defaultPrice,
	})
	if err != nil {
		return nil, err
	}
	totalAmount := price.Mul(input.Qty)

	release, err := s.repo.LockCustomer(ctx, input.CustomerID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.gate.Admit(ctx, input.CustomerID, totalAmount); err != nil {
		return nil, err
	}

	rid, err := s.sequencer.Next(ctx)
	if err != nil {
		return nil, err
	}
	otp := newOTP()

	req := domain.FillingRequest{
		RID:           rid,
		CustomerID:    input.CustomerID,
		StationID:     input.StationID,
		ProductID:     input.ProductID,
		SubProductID:  code.Code,
		Qty:           input.Qty,
		Price:         price,
		RequestType:   input.RequestType,
		VehiclePlate:  input.VehiclePlate,
		Phone:         input.Phone,
		Status:        domain.RequestPending,
		PaymentStatus: domain.PaymentUnpaid,
		OTP:           otp,
		CreatedAt:     time.Now().In(s.loc).Truncate(time.Second),
	}

	var deduct *domain.StockDeductionRequest
	if input.NonBilling {
		deduct = &domain.StockDeductionRequest{
			StationID: input.StationID,
			ProductID: input.ProductID,
			Quantity:  input.Qty,
			Actor:     actorOrSystem(input.Actor),
			Reason:    "non-billing fill for request " + rid,
		}
	}

	created, _, err := s.repo.CreateFillingRequest(ctx, req, deduct)
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, s.auditor, s.logger, audit.Entry(
		actorOrSystem(input.Actor),
		"request_create",
		"filling_request",
		created.RID,
		nil,
		created,
		fmt.Sprintf("total=%s,non_billing=%t", totalAmount.String(), input.NonBilling),
	))

	return &domain.CreateRequestResult{
		RID:         created.RID,
		OTP:         created.OTP,
		Price:       price,
		TotalAmount: totalAmount,
	}, nil
}

// Admit exposes the balance gate verdict without creating a request.
func (s *Service) Admit(ctx context.Context, customerID string, amount decimal.Decimal) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.ErrInvalidInput
	}
	return s.gate.Admit(ctx, customerID, amount)
}

// ResolvePrice answers a standalone price quote through the same cascade the
// admission path uses. An empty subProductID falls back to the product's
// default sub-product code.
func (s *Service) ResolvePrice(ctx context.Context, stationID string, productID string, subProductID string, customerID string) (decimal.Decimal, error) {
	stationID = strings.TrimSpace(stationID)
	productID = strings.TrimSpace(productID)
	subProductID = strings.TrimSpace(subProductID)
	customerID = strings.TrimSpace(customerID)
	if stationID == "" || productID == "" {
		return decimal.Zero, domain.ErrInvalidInput
	}

	if subProductID == "" {
		code, err := s.repo.FirstProductCode(ctx, productID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return decimal.Zero, domain.ErrInvalidProduct
			}
			return decimal.Zero, err
		}
		subProductID = code.Code
	}

	return s.prices.Resolve(ctx, pricing.Query{
		StationID:    stationID,
		ProductID:    productID,
		SubProductID: subProductID,
		CustomerID:   customerID,
		Default:      s.defaultPrice,
	})
}

func (s *Service) NextRequestID(ctx context.Context) (string, error) {
	return s.sequencer.Next(ctx)
}

// CompleteRequest records the actual filled quantity and stamps the
// completion time. Only pending or processing requests may complete.
func (s *Service) CompleteRequest(ctx context.Context, rid string, actualQty decimal.Decimal) (*domain.FillingRequest, error) {
	rid = strings.TrimSpace(rid)
	if rid == "" || actualQty.Sign() < 0 {
		return nil, domain.ErrInvalidInput
	}

	completed, err := s.repo.CompleteFillingRequest(ctx, rid, actualQty, time.Now().In(s.loc).Truncate(time.Second))
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, s.auditor, s.logger, audit.Entry(
		"system", "request_complete", "filling_request", completed.RID,
		nil, completed, "aqty="+actualQty.String(),
	))
	return completed, nil
}

func (s *Service) CancelRequest(ctx context.Context, rid string) (*domain.FillingRequest, error) {
	rid = strings.TrimSpace(rid)
	if rid == "" {
		return nil, domain.ErrInvalidInput
	}

	cancelled, err := s.repo.CancelFillingRequest(ctx, rid)
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, s.auditor, s.logger, audit.Entry(
		"system", "request_cancel", "filling_request", cancelled.RID,
		nil, cancelled, "",
	))
	return cancelled, nil
}

func (s *Service) GetRequest(ctx context.Context, rid string) (*domain.FillingRequest, error) {
	rid = strings.TrimSpace(rid)
	if rid == "" {
		return nil, domain.ErrInvalidInput
	}
	return s.repo.GetFillingRequest(ctx, rid)
}

// MarkDayPaid clears one calendar day's unpaid completed requests. Days must
// be cleared oldest-first: paying a later day while an earlier one is still
// open is rejected. After clearing, the balance active flag is reconciled.
func (s *Service) MarkDayPaid(ctx context.Context, customerID string, day time.Time) (int, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return 0, domain.ErrInvalidInput
	}

	release, err := s.repo.LockCustomer(ctx, customerID)
	if err != nil {
		return 0, err
	}
	defer release()

	unpaid, err := s.repo.ListUnpaidCompleted(ctx, customerID)
	if err != nil {
		return 0, err
	}
	target := midnight(day, s.loc)
	for _, req := range unpaid {
		if midnight(*req.CompletedDate, s.loc).Before(target) {
			return 0, fmt.Errorf("%w: earlier unpaid day %s must be cleared first",
				domain.ErrInvalidInput, midnight(*req.CompletedDate, s.loc).Format("2006-01-02"))
		}
	}

	n, err := s.repo.MarkDayPaid(ctx, customerID, target)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if _, err := s.gate.Reconcile(ctx, customerID); err != nil {
			s.logger.Warn("balance reconcile after payment failed",
				zap.String("customer_id", customerID), zap.Error(err))
		}
		audit.Log(ctx, s.auditor, s.logger, audit.Entry(
			"system", "day_paid", "customer_balance", customerID,
			nil, nil, fmt.Sprintf("day=%s,requests=%d", target.Format("2006-01-02"), n),
		))
	}
	return n, nil
}

// MarkDayPaidDate parses a YYYY-MM-DD day in the service's configured
// location before clearing it. Handlers must not parse the day themselves:
// the calendar location lives here, and a UTC parse names the wrong local
// day for any zone behind UTC.
func (s *Service) MarkDayPaidDate(ctx context.Context, customerID string, date string) (int, error) {
	day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(date), s.loc)
	if err != nil {
		return 0, fmt.Errorf("%w: day must be YYYY-MM-DD", domain.ErrInvalidInput)
	}
	return s.MarkDayPaid(ctx, customerID, day)
}

// Reconcile recomputes a customer's balance active flag from day-limit aging.
func (s *Service) Reconcile(ctx context.Context, customerID string) (bool, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return false, domain.ErrInvalidInput
	}
	return s.gate.Reconcile(ctx, customerID)
}

// DeductStock drains non-billing stock outside the admission path, for
// manual corrections and walk-in fills.
func (s *Service) DeductStock(ctx context.Context, stationID string, productID string, qty decimal.Decimal, actor string, reason string) (*domain.StockDeduction, error) {
	if qty.Sign() <= 0 {
		return nil, domain.ErrInvalidInput
	}

	deduction, err := s.stock.Deduct(ctx, strings.TrimSpace(stationID), strings.TrimSpace(productID), qty, strings.TrimSpace(actor), strings.TrimSpace(reason))
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, s.auditor, s.logger, audit.Entry(
		actorOrSystem(actor), "stock_deduct", "stock", stationID+"/"+productID,
		nil, deduction, reason,
	))
	return deduction, nil
}

func (s *Service) Restock(ctx context.Context, stationID string, productID string, qty decimal.Decimal, actor string) (*domain.StockLot, error) {
	lot, err := s.stock.Restock(ctx, strings.TrimSpace(stationID), strings.TrimSpace(productID), qty)
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, s.auditor, s.logger, audit.Entry(
		actorOrSystem(actor), "stock_restock", "stock_lot", lot.ID,
		nil, lot, "qty="+qty.String(),
	))
	return lot, nil
}

// StationStock reports the current total and lots for a (station, product).
func (s *Service) StationStock(ctx context.Context, stationID string, productID string) (decimal.Decimal, []domain.StockLot, error) {
	stationID = strings.TrimSpace(stationID)
	productID = strings.TrimSpace(productID)
	if stationID == "" || productID == "" {
		return decimal.Zero, nil, domain.ErrInvalidInput
	}
	return s.stock.Available(ctx, stationID, productID)
}

func (s *Service) StockLogs(ctx context.Context, stationID string, productID string, limit int) ([]domain.StockLogEntry, error) {
	if limit < 1 {
		limit = 100
	}
	return s.stock.Logs(ctx, strings.TrimSpace(stationID), strings.TrimSpace(productID), limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().In(s.loc).Add(-24 * time.Hour)
	} else {
		parsed, err := time.ParseInLocation("2006-01-02", date, s.loc)
		if err != nil {
			return nil, domain.ErrInvalidInput
		}
		from = parsed
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func actorOrSystem(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "system"
	}
	return actor
}

func midnight(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// newOTP draws a uniform 6-digit one-time code.
func newOTP() string {
	return fmt.Sprintf("%06d", 100000+rand.Intn(900000))
}
