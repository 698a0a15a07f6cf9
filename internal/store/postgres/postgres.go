package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"fuelyard/internal/domain"
	"fuelyard/internal/sequence"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, client_type, active
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Phone, &c.ClientType, &c.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "customer", ID: id}
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetStation(ctx context.Context, id string) (*domain.Station, error) {
	var st domain.Station
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, active
		FROM stations
		WHERE id = $1
	`, id).Scan(&st.ID, &st.Name, &st.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "station", ID: id}
		}
		return nil, err
	}
	return &st, nil
}

func (s *Store) GetCustomerBalance(ctx context.Context, customerID string) (*domain.CustomerBalance, error) {
	var b domain.CustomerBalance
	err := s.db.QueryRowContext(ctx, `
		SELECT customer_id, balance, amt_limit, day_limit, is_active
		FROM customer_balances
		WHERE customer_id = $1
	`, customerID).Scan(&b.CustomerID, &b.Balance, &b.AmtLimit, &b.DayLimit, &b.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "customer balance", ID: customerID}
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) SetBalanceActive(ctx context.Context, customerID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customer_balances
		SET is_active = $2, updated_at = now()
		WHERE customer_id = $1
	`, customerID, active)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &domain.NotFoundError{Kind: "customer balance", ID: customerID}
	}
	return nil
}

func (s *Store) ListUnpaidCompleted(ctx context.Context, customerID string) ([]domain.FillingRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rid, customer_id, fs_id, product, sub_product_id, qty, aqty, price,
			request_type, vehicle_plate, phone, status, payment_status, otp,
			created_at, completed_date
		FROM filling_requests
		WHERE customer_id = $1 AND status = 'completed' AND payment_status = 0
			AND completed_date IS NOT NULL
		ORDER BY completed_date ASC
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.FillingRequest, 0, 16)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) FirstProductCode(ctx context.Context, productID string) (*domain.ProductCode, error) {
	var pc domain.ProductCode
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, code
		FROM product_codes
		WHERE product_id = $1
		ORDER BY id ASC
		LIMIT 1
	`, productID).Scan(&pc.ID, &pc.ProductID, &pc.Code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "product code", ID: productID}
		}
		return nil, err
	}
	return &pc, nil
}

func (s *Store) FindDealPrice(ctx context.Context, q domain.PriceQuery) (*domain.DealPrice, error) {
	var dp domain.DealPrice
	var subProduct, customer sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, fs_id, product, COALESCE(sub_product_id,''), COALESCE(customer_id,''),
			price, is_active, status, updated_date
		FROM deal_prices
		WHERE fs_id = $1 AND product = $2
			AND COALESCE(sub_product_id,'') = $3 AND COALESCE(customer_id,'') = $4
			AND is_active = true AND status = 'active'
		ORDER BY updated_date DESC
		LIMIT 1
	`, q.StationID, q.ProductID, q.SubProductID, q.CustomerID).Scan(
		&dp.ID, &dp.StationID, &dp.ProductID, &subProduct, &customer,
		&dp.Price, &dp.IsActive, &dp.Status, &dp.UpdatedDate,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "deal price", ID: q.StationID + "/" + q.ProductID}
		}
		return nil, err
	}
	if subProduct.Valid {
		dp.SubProductID = subProduct.String
	}
	if customer.Valid {
		dp.CustomerID = customer.String
	}
	return &dp, nil
}

// NextRequestSeq advances the dedicated counter row under a row lock. When
// the counter row is missing it is seeded from the newest persisted rid;
// a malformed rid seeds from zero so the next issued value is 1.
func (s *Store) NextRequestSeq(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	err = tx.QueryRowContext(ctx, `
		SELECT last_seq FROM request_sequence WHERE id = 1 FOR UPDATE
	`).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		last = s.seedSequence(ctx, tx)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO request_sequence (id, last_seq) VALUES (1, $1)
			ON CONFLICT (id) DO NOTHING
		`, last); err != nil {
			return 0, mapTxError(err)
		}
	} else if err != nil {
		return 0, mapTxError(err)
	}

	next := last + 1
	if _, err := tx.ExecContext(ctx, `
		UPDATE request_sequence SET last_seq = $1 WHERE id = 1
	`, next); err != nil {
		return 0, mapTxError(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, mapTxError(err)
	}
	return next, nil
}

func (s *Store) seedSequence(ctx context.Context, tx *sql.Tx) int64 {
	var rid string
	err := tx.QueryRowContext(ctx, `
		SELECT rid FROM filling_requests ORDER BY created_at DESC, rid DESC LIMIT 1
	`).Scan(&rid)
	if err != nil {
		return 0
	}
	n, ok := sequence.Parse(rid)
	if !ok {
		return 0
	}
	return n
}

// LockCustomer takes a session advisory lock keyed by the customer id on a
// dedicated connection. The release function unlocks and returns the
// connection to the pool.
func (s *Store) LockCustomer(ctx context.Context, customerID string) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, "customer:"+customerID); err != nil {
		_ = conn.Close()
		return nil, err
	}
	release := func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, "customer:"+customerID)
		_ = conn.Close()
	}
	return release, nil
}

func (s *Store) CreateFillingRequest(ctx context.Context, req domain.FillingRequest, deduct *domain.StockDeductionRequest) (*domain.FillingRequest, *domain.StockDeduction, error) {
	if req.RID == "" || req.CustomerID == "" || req.StationID == "" || req.ProductID == "" {
		return nil, nil, domain.ErrInvalidInput
	}
	if req.Status == "" {
		req.Status = domain.RequestPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().Truncate(time.Second)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var deduction *domain.StockDeduction
	if deduct != nil {
		deduction, err = deductInTx(ctx, tx, *deduct)
		if err != nil {
			return nil, nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO filling_requests (
			rid, customer_id, fs_id, product, sub_product_id, qty, aqty, price,
			request_type, vehicle_plate, phone, status, payment_status, otp,
			created_at, completed_date
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NULL)
	`, req.RID, req.CustomerID, req.StationID, req.ProductID, nullIfEmpty(req.SubProductID),
		req.Qty, req.ActualQty, req.Price, req.RequestType, req.VehiclePlate, req.Phone,
		req.Status, req.PaymentStatus, req.OTP, req.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, fmt.Errorf("%w: duplicate rid %s", domain.ErrSequencerConflict, req.RID)
		}
		return nil, nil, mapTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, mapTxError(err)
	}
	created := req
	return &created, deduction, nil
}

func (s *Store) GetFillingRequest(ctx context.Context, rid string) (*domain.FillingRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT rid, customer_id, fs_id, product, sub_product_id, qty, aqty, price,
			request_type, vehicle_plate, phone, status, payment_status, otp,
			created_at, completed_date
		FROM filling_requests
		WHERE rid = $1
	`, rid)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "filling request", ID: rid}
		}
		return nil, err
	}
	return req, nil
}

func (s *Store) CompleteFillingRequest(ctx context.Context, rid string, actualQty decimal.Decimal, completedAt time.Time) (*domain.FillingRequest, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM filling_requests WHERE rid = $1 FOR UPDATE
	`, rid).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "filling request", ID: rid}
		}
		return nil, mapTxError(err)
	}
	if status != domain.RequestPending && status != domain.RequestProcessing {
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrInvalidInput, rid, status)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE filling_requests
		SET status = 'completed', aqty = $2, completed_date = $3
		WHERE rid = $1
	`, rid, actualQty, completedAt)
	if err != nil {
		return nil, mapTxError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return s.GetFillingRequest(ctx, rid)
}

func (s *Store) CancelFillingRequest(ctx context.Context, rid string) (*domain.FillingRequest, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM filling_requests WHERE rid = $1 FOR UPDATE
	`, rid).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "filling request", ID: rid}
		}
		return nil, mapTxError(err)
	}
	if status == domain.RequestCompleted || status == domain.RequestCancelled {
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrInvalidInput, rid, status)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE filling_requests SET status = 'cancelled' WHERE rid = $1
	`, rid)
	if err != nil {
		return nil, mapTxError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return s.GetFillingRequest(ctx, rid)
}

func (s *Store) MarkDayPaid(ctx context.Context, customerID string, day time.Time) (int, error) {
	y, m, d := day.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	to := from.Add(24 * time.Hour)

	res, err := s.db.ExecContext(ctx, `
		UPDATE filling_requests
		SET payment_status = 1
		WHERE customer_id = $1 AND status = 'completed' AND payment_status = 0
			AND completed_date >= $2 AND completed_date < $3
	`, customerID, from, to)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) DeductStock(ctx context.Context, d domain.StockDeductionRequest) (*domain.StockDeduction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	deduction, err := deductInTx(ctx, tx, d)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return deduction, nil
}

// deductInTx drains stock lots inside the caller's transaction: lots are
// locked most-recently-touched first, the total is verified before any row
// changes, and every touched lot gets one stock-log row.
func deductInTx(ctx context.Context, tx *sql.Tx, d domain.StockDeductionRequest) (*domain.StockDeduction, error) {
	if d.Quantity.Sign() <= 0 {
		return nil, domain.ErrInvalidInput
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, stock
		FROM stock_lots
		WHERE fs_id = $1 AND product = $2 AND stock > 0
		ORDER BY updated_at DESC, id DESC
		FOR UPDATE
	`, d.StationID, d.ProductID)
	if err != nil {
		return nil, mapTxError(err)
	}

	type lotRow struct {
		id    string
		stock decimal.Decimal
	}
	lots := make([]lotRow, 0, 8)
	available := decimal.Zero
	for rows.Next() {
		var lot lotRow
		if err := rows.Scan(&lot.id, &lot.stock); err != nil {
			_ = rows.Close()
			return nil, err
		}
		available = available.Add(lot.stock)
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if available.LessThan(d.Quantity) {
		return nil, &domain.StockShortError{Available: available, Requested: d.Quantity}
	}

	now := time.Now()
	remaining := d.Quantity
	deltas := make([]domain.LotDelta, 0, len(lots))
	for _, lot := range lots {
		if remaining.Sign() == 0 {
			break
		}
		taken := remaining
		if taken.GreaterThan(lot.stock) {
			taken = lot.stock
		}
		newStock := lot.stock.Sub(taken)

		if _, err := tx.ExecContext(ctx, `
			UPDATE stock_lots SET stock = $2, updated_at = $3 WHERE id = $1
		`, lot.id, newStock, now); err != nil {
			return nil, mapTxError(err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_logs (id, fs_id, product, lot_id, old_stock, new_stock, quantity, actor, reason, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, uuid.NewString(), d.StationID, d.ProductID, lot.id, lot.stock, newStock, taken, d.Actor, d.Reason, now); err != nil {
			return nil, mapTxError(err)
		}

		deltas = append(deltas, domain.LotDelta{LotID: lot.id, OldStock: lot.stock, NewStock: newStock, Taken: taken})
		remaining = remaining.Sub(taken)
	}

	return &domain.StockDeduction{
		StationID: d.StationID,
		ProductID: d.ProductID,
		Quantity:  d.Quantity,
		NewTotal:  available.Sub(d.Quantity),
		Lots:      deltas,
	}, nil
}

func (s *Store) CreateStockLot(ctx context.Context, lot domain.StockLot) (*domain.StockLot, error) {
	if lot.StationID == "" || lot.ProductID == "" || lot.Stock.Sign() <= 0 {
		return nil, domain.ErrInvalidInput
	}
	if lot.ID == "" {
		lot.ID = uuid.NewString()
	}
	if lot.UpdatedAt.IsZero() {
		lot.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_lots (id, fs_id, product, stock, updated_at)
		VALUES ($1,$2,$3,$4,$5)
	`, lot.ID, lot.StationID, lot.ProductID, lot.Stock, lot.UpdatedAt)
	if err != nil {
		return nil, err
	}
	created := lot
	return &created, nil
}

func (s *Store) ListStockLots(ctx context.Context, stationID string, productID string) ([]domain.StockLot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fs_id, product, stock, updated_at
		FROM stock_lots
		WHERE fs_id = $1 AND product = $2
		ORDER BY updated_at DESC, id DESC
	`, stationID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockLot, 0, 8)
	for rows.Next() {
		var lot domain.StockLot
		if err := rows.Scan(&lot.ID, &lot.StationID, &lot.ProductID, &lot.Stock, &lot.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListStockLogs(ctx context.Context, stationID string, productID string, limit int) ([]domain.StockLogEntry, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fs_id, product, lot_id, old_stock, new_stock, quantity, actor, reason, created_at
		FROM stock_logs
		WHERE ($1 = '' OR fs_id = $1) AND ($2 = '' OR product = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, stationID, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockLogEntry, 0, limit)
	for rows.Next() {
		var entry domain.StockLogEntry
		if err := rows.Scan(&entry.ID, &entry.StationID, &entry.ProductID, &entry.LotID,
			&entry.OldStock, &entry.NewStock, &entry.Quantity, &entry.Actor, &entry.Reason, &entry.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, action, entity_type, entity_id, before_value, after_value, context, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID,
		nullBytes(entry.Before), nullBytes(entry.After), nullIfEmpty(entry.Context), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, entity_type, entity_id, before_value, after_value, COALESCE(context,''), created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		var before, after []byte
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.EntityType, &entry.EntityID,
			&before, &after, &entry.Context, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Before = before
		entry.After = after
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.FillingRequest, error) {
	var req domain.FillingRequest
	var subProduct sql.NullString
	var completed sql.NullTime
	err := row.Scan(&req.RID, &req.CustomerID, &req.StationID, &req.ProductID, &subProduct,
		&req.Qty, &req.ActualQty, &req.Price, &req.RequestType, &req.VehiclePlate, &req.Phone,
		&req.Status, &req.PaymentStatus, &req.OTP, &req.CreatedAt, &completed)
	if err != nil {
		return nil, err
	}
	if subProduct.Valid {
		req.SubProductID = subProduct.String
	}
	if completed.Valid {
		at := completed.Time
		req.CompletedDate = &at
	}
	return &req, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapTxError surfaces serialization and deadlock failures as the retryable
// sequencer-conflict kind; everything else passes through.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", domain.ErrSequencerConflict, pgErr.Code)
	}
	return err
}
