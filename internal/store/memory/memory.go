package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fuelyard/internal/domain"
	"fuelyard/internal/sequence"
)

// Store is a mutex-guarded in-memory Repository used in dev mode and tests.
type Store struct {
	mu            sync.RWMutex
	customers     map[string]domain.Customer
	stations      map[string]domain.Station
	balances      map[string]domain.CustomerBalance
	requests      map[string]*domain.FillingRequest
	requestOrder  []string
	productCodes  []domain.ProductCode
	dealPrices    []domain.DealPrice
	stockLots     map[string][]*domain.StockLot
	stockLogs     []domain.StockLogEntry
	auditLogs     []domain.AuditLog
	seq           int64
	seqSeeded     bool
	customerLocks sync.Map
}

func New() *Store {
	return &Store{
		customers:    make(map[string]domain.Customer),
		stations:     make(map[string]domain.Station),
		balances:     make(map[string]domain.CustomerBalance),
		requests:     make(map[string]*domain.FillingRequest),
		productCodes: make([]domain.ProductCode, 0, 8),
		dealPrices:   make([]domain.DealPrice, 0, 16),
		stockLots:    make(map[string][]*domain.StockLot),
	}
}

// NewSeeded ships a small fuel-yard dataset for dev/demo mode and the service
// test suite: two active stations, customers covering every client type and
// balance state, catalog codes, the price cascade, and a pair of stock lots.
func NewSeeded() *Store {
	s := New()
	now := time.Now()

	for _, st := range []domain.Station{
		{ID: "fs-north", Name: "North Depot", Active: true},
		{ID: "fs-south", Name: "South Depot", Active: true},
		{ID: "fs-idle", Name: "Decommissioned Yard", Active: false},
	} {
		s.stations[st.ID] = st
	}

	for _, c := range []domain.Customer{
		{ID: "cust-anand", Name: "Anand Transport", Phone: "9810000001", ClientType: domain.ClientTypePrepaid, Active: true},
		{ID: "cust-bharat", Name: "Bharat Logistics", Phone: "9810000002", ClientType: domain.ClientTypeCredit, Active: true},
		{ID: "cust-chitra", Name: "Chitra Carriers", Phone: "9810000003", ClientType: domain.ClientTypePrepaid, Active: true},
		{ID: "cust-idle", Name: "Idle Freight", Phone: "9810000004", ClientType: domain.ClientTypePrepaid, Active: true},
		{ID: "cust-off", Name: "Switched Off Pvt Ltd", Phone: "9810000005", ClientType: domain.ClientTypePrepaid, Active: false},
	} {
		s.customers[c.ID] = c
	}

	for _, b := range []domain.CustomerBalance{
		{CustomerID: "cust-anand", Balance: dec("5000"), AmtLimit: dec("0"), DayLimit: 0, IsActive: true},
		{CustomerID: "cust-bharat", Balance: dec("0"), AmtLimit: dec("1000"), DayLimit: 0, IsActive: true},
		{CustomerID: "cust-chitra", Balance: dec("1200"), AmtLimit: dec("0"), DayLimit: 7, IsActive: true},
		{CustomerID: "cust-idle", Balance: dec("0"), AmtLimit: dec("0"), DayLimit: 5, IsActive: false},
		{CustomerID: "cust-off", Balance: dec("0"), AmtLimit: dec("0"), DayLimit: 0, IsActive: true},
	} {
		s.balances[b.CustomerID] = b
	}

	s.productCodes = []domain.ProductCode{
		{ID: 1, ProductID: "diesel", Code: "HSD"},
		{ID: 2, ProductID: "petrol", Code: "MS"},
		{ID: 3, ProductID: "diesel", Code: "HSD-PREMIUM"},
	}

	s.dealPrices = []domain.DealPrice{
		{ID: "dp-1", StationID: "fs-north", ProductID: "diesel", Price: dec("92.50"), IsActive: true, Status: domain.DealPriceStatusActive, UpdatedDate: now.Add(-72 * time.Hour)},
		{ID: "dp-2", StationID: "fs-north", ProductID: "diesel", SubProductID: "HSD", CustomerID: "cust-bharat", Price: dec("10"), IsActive: true, Status: domain.DealPriceStatusActive, UpdatedDate: now.Add(-48 * time.Hour)},
		{ID: "dp-3", StationID: "fs-north", ProductID: "petrol", SubProductID: "MS", Price: dec("95.00"), IsActive: true, Status: domain.DealPriceStatusActive, UpdatedDate: now.Add(-24 * time.Hour)},
		{ID: "dp-4", StationID: "fs-south", ProductID: "diesel", Price: dec("91.00"), IsActive: false, Status: domain.DealPriceStatusActive, UpdatedDate: now.Add(-24 * time.Hour)},
	}

	s.stockLots["fs-north|diesel"] = []*domain.StockLot{
		{ID: "lot-newer", StationID: "fs-north", ProductID: "diesel", Stock: dec("30"), UpdatedAt: now.Add(-2 * time.Hour)},
		{ID: "lot-older", StationID: "fs-north", ProductID: "diesel", Stock: dec("20"), UpdatedAt: now.Add(-30 * time.Hour)},
	}

	return s
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func lotKey(stationID, productID string) string {
	return stationID + "|" + productID
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "customer", ID: id}
	}
	out := c
	return &out, nil
}

func (s *Store) GetStation(_ context.Context, id string) (*domain.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stations[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "station", ID: id}
	}
	out := st
	return &out, nil
}

func (s *Store) GetCustomerBalance(_ context.Context, customerID string) (*domain.CustomerBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[customerID]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "customer balance", ID: customerID}
	}
	out := b
	return &out, nil
}

func (s *Store) SetBalanceActive(_ context.Context, customerID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[customerID]
	if !ok {
		return &domain.NotFoundError{Kind: "customer balance", ID: customerID}
	}
	b.IsActive = active
	s.balances[customerID] = b
	return nil
}

func (s *Store) ListUnpaidCompleted(_ context.Context, customerID string) ([]domain.FillingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.FillingRequest, 0, 8)
	for _, rid := range s.requestOrder {
		req := s.requests[rid]
		if req.CustomerID != customerID || req.Status != domain.RequestCompleted || req.PaymentStatus != domain.PaymentUnpaid {
			continue
		}
		if req.CompletedDate == nil {
			continue
		}
		out = append(out, *req)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletedDate.Before(*out[j].CompletedDate)
	})
	return out, nil
}

func (s *Store) FirstProductCode(_ context.Context, productID string) (*domain.ProductCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.ProductCode
	for i := range s.productCodes {
		pc := s.productCodes[i]
		if pc.ProductID != productID {
			continue
		}
		if best == nil || pc.ID < best.ID {
			copied := pc
			best = &copied
		}
	}
	if best == nil {
		return nil, &domain.NotFoundError{Kind: "product code", ID: productID}
	}
	return best, nil
}

func (s *Store) FindDealPrice(_ context.Context, q domain.PriceQuery) (*domain.DealPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.DealPrice
	for i := range s.dealPrices {
		dp := s.dealPrices[i]
		if !dp.IsActive || dp.Status != domain.DealPriceStatusActive {
			continue
		}
		if dp.StationID != q.StationID || dp.ProductID != q.ProductID {
			continue
		}
		if dp.SubProductID != q.SubProductID || dp.CustomerID != q.CustomerID {
			continue
		}
		if best == nil || dp.UpdatedDate.After(best.UpdatedDate) {
			copied := dp
			best = &copied
		}
	}
	if best == nil {
		return nil, &domain.NotFoundError{Kind: "deal price", ID: q.StationID + "/" + q.ProductID}
	}
	return best, nil
}

func (s *Store) AddDealPrice(dp domain.DealPrice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dp.ID == "" {
		dp.ID = uuid.NewString()
	}
	s.dealPrices = append(s.dealPrices, dp)
}

func (s *Store) NextRequestSeq(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seqSeeded {
		s.seq = s.latestSeqLocked()
		s.seqSeeded = true
	}
	s.seq++
	return s.seq, nil
}

// latestSeqLocked recovers the counter from the newest persisted rid. A
// missing or unparseable rid restarts the sequence from zero.
func (s *Store) latestSeqLocked() int64 {
	if len(s.requestOrder) == 0 {
		return 0
	}
	n, ok := sequence.Parse(s.requestOrder[len(s.requestOrder)-1])
	if !ok {
		return 0
	}
	return n
}

func (s *Store) LockCustomer(_ context.Context, customerID string) (func(), error) {
	v, _ := s.customerLocks.LoadOrStore(customerID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}

func (s *Store) CreateFillingRequest(_ context.Context, req domain.FillingRequest, deduct *domain.StockDeductionRequest) (*domain.FillingRequest, *domain.StockDeduction, error) {
	if req.RID == "" || req.CustomerID == "" || req.StationID == "" || req.ProductID == "" {
		return nil, nil, domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.RID]; exists {
		return nil, nil, fmt.Errorf("%w: duplicate rid %s", domain.ErrSequencerConflict, req.RID)
	}

	var deduction *domain.StockDeduction
	if deduct != nil {
		d, err := s.deductLocked(*deduct)
		if err != nil {
			return nil, nil, err
		}
		deduction = d
	}

	if req.Status == "" {
		req.Status = domain.RequestPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().Truncate(time.Second)
	}
	stored := req
	s.requests[req.RID] = &stored
	s.requestOrder = append(s.requestOrder, req.RID)

	created := stored
	return &created, deduction, nil
}

func (s *Store) GetFillingRequest(_ context.Context, rid string) (*domain.FillingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[rid]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "filling request", ID: rid}
	}
	out := *req
	return &out, nil
}

func (s *Store) CompleteFillingRequest(_ context.Context, rid string, actualQty decimal.Decimal, completedAt time.Time) (*domain.FillingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[rid]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "filling request", ID: rid}
	}
	if req.Status != domain.RequestPending && req.Status != domain.RequestProcessing {
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrInvalidInput, rid, req.Status)
	}
	req.Status = domain.RequestCompleted
	req.ActualQty = actualQty
	done := completedAt
	req.CompletedDate = &done

	out := *req
	return &out, nil
}

func (s *Store) CancelFillingRequest(_ context.Context, rid string) (*domain.FillingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[rid]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "filling request", ID: rid}
	}
	if req.Status == domain.RequestCompleted || req.Status == domain.RequestCancelled {
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrInvalidInput, rid, req.Status)
	}
	req.Status = domain.RequestCancelled

	out := *req
	return &out, nil
}

func (s *Store) MarkDayPaid(_ context.Context, customerID string, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	y, m, d := day.Date()
	changed := 0
	for _, req := range s.requests {
		if req.CustomerID != customerID || req.Status != domain.RequestCompleted || req.PaymentStatus != domain.PaymentUnpaid {
			continue
		}
		if req.CompletedDate == nil {
			continue
		}
		cy, cm, cd := req.CompletedDate.In(day.Location()).Date()
		if cy == y && cm == m && cd == d {
			req.PaymentStatus = domain.PaymentPaid
			changed++
		}
	}
	return changed, nil
}

func (s *Store) DeductStock(_ context.Context, d domain.StockDeductionRequest) (*domain.StockDeduction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deductLocked(d)
}

// deductLocked walks the (station, product) lots most-recently-touched first,
// draining min(remaining, lot.stock) from each. All-or-nothing: the total is
// verified before any lot is modified.
func (s *Store) deductLocked(d domain.StockDeductionRequest) (*domain.StockDeduction, error) {
	if d.Quantity.Sign() <= 0 {
		return nil, domain.ErrInvalidInput
	}

	lots := s.stockLots[lotKey(d.StationID, d.ProductID)]
	ordered := make([]*domain.StockLot, len(lots))
	copy(ordered, lots)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].UpdatedAt.Equal(ordered[j].UpdatedAt) {
			return ordered[i].UpdatedAt.After(ordered[j].UpdatedAt)
		}
		return ordered[i].ID > ordered[j].ID
	})

	available := decimal.Zero
	for _, lot := range ordered {
		available = available.Add(lot.Stock)
	}
	if available.LessThan(d.Quantity) {
		return nil, &domain.StockShortError{Available: available, Requested: d.Quantity}
	}

	now := time.Now()
	remaining := d.Quantity
	deltas := make([]domain.LotDelta, 0, len(ordered))
	for _, lot := range ordered {
		if remaining.Sign() == 0 {
			break
		}
		if lot.Stock.Sign() <= 0 {
			continue
		}
		taken := remaining
		if taken.GreaterThan(lot.Stock) {
			taken = lot.Stock
		}
		oldStock := lot.Stock
		lot.Stock = lot.Stock.Sub(taken)
		lot.UpdatedAt = now
		remaining = remaining.Sub(taken)

		deltas = append(deltas, domain.LotDelta{LotID: lot.ID, OldStock: oldStock, NewStock: lot.Stock, Taken: taken})
		s.stockLogs = append(s.stockLogs, domain.StockLogEntry{
			ID:        uuid.NewString(),
			StationID: d.StationID,
			ProductID: d.ProductID,
			LotID:     lot.ID,
			OldStock:  oldStock,
			NewStock:  lot.Stock,
			Quantity:  taken,
			Actor:     d.Actor,
			Reason:    d.Reason,
			CreatedAt: now,
		})
	}

	return &domain.StockDeduction{
		StationID: d.StationID,
		ProductID: d.ProductID,
		Quantity:  d.Quantity,
		NewTotal:  available.Sub(d.Quantity),
		Lots:      deltas,
	}, nil
}

func (s *Store) CreateStockLot(_ context.Context, lot domain.StockLot) (*domain.StockLot, error) {
	if lot.StationID == "" || lot.ProductID == "" || lot.Stock.Sign() <= 0 {
		return nil, domain.ErrInvalidInput
	}
	if lot.ID == "" {
		lot.ID = uuid.NewString()
	}
	if lot.UpdatedAt.IsZero() {
		lot.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := lotKey(lot.StationID, lot.ProductID)
	stored := lot
	s.stockLots[key] = append(s.stockLots[key], &stored)

	created := stored
	return &created, nil
}

func (s *Store) ListStockLots(_ context.Context, stationID string, productID string) ([]domain.StockLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lots := s.stockLots[lotKey(stationID, productID)]
	out := make([]domain.StockLot, 0, len(lots))
	for _, lot := range lots {
		out = append(out, *lot)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) ListStockLogs(_ context.Context, stationID string, productID string, limit int) ([]domain.StockLogEntry, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockLogEntry, 0, limit)
	for i := len(s.stockLogs) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.stockLogs[i]
		if stationID != "" && entry.StationID != stationID {
			continue
		}
		if productID != "" && entry.ProductID != productID {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.auditLogs[i]
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
