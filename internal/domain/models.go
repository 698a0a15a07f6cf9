package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Customer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	ClientType string `json:"client_type"`
	Active     bool   `json:"active"`
}

const (
	ClientTypePrepaid = "1"
	ClientTypeCredit  = "2"
)

type Station struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// CustomerBalance is the per-customer credit-control row. AmtLimit is the
// credit ceiling for credit-limit customers; DayLimit is the maximum age in
// calendar days of an unpaid completed request (0 disables day-limit rules).
type CustomerBalance struct {
	CustomerID string          `json:"customer_id"`
	Balance    decimal.Decimal `json:"balance"`
	AmtLimit   decimal.Decimal `json:"amt_limit"`
	DayLimit   int             `json:"day_limit"`
	IsActive   bool            `json:"is_active"`
}

const (
	RequestPending    = "pending"
	RequestProcessing = "processing"
	RequestCompleted  = "completed"
	RequestCancelled  = "cancelled"
)

const (
	PaymentUnpaid = 0
	PaymentPaid   = 1
)

type FillingRequest struct {
	RID           string          `json:"rid"`
	CustomerID    string          `json:"customer_id"`
	StationID     string          `json:"station_id"`
	ProductID     string          `json:"product_id"`
	SubProductID  string          `json:"sub_product_id"`
	Qty           decimal.Decimal `json:"qty"`
	ActualQty     decimal.Decimal `json:"aqty"`
	Price         decimal.Decimal `json:"price"`
	RequestType   string          `json:"request_type"`
	VehiclePlate  string          `json:"vehicle_plate"`
	Phone         string          `json:"phone"`
	Status        string          `json:"status"`
	PaymentStatus int             `json:"payment_status"`
	OTP           string          `json:"otp"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedDate *time.Time      `json:"completed_date,omitempty"`
}

// Total is the monetary value of the request (price x qty).
func (r FillingRequest) Total() decimal.Decimal {
	return r.Price.Mul(r.Qty)
}

// DealPrice is one price-catalog row. SubProductID and CustomerID are empty
// when the row does not constrain that dimension.
type DealPrice struct {
	ID           string          `json:"id"`
	StationID    string          `json:"station_id"`
	ProductID    string          `json:"product_id"`
	SubProductID string          `json:"sub_product_id,omitempty"`
	CustomerID   string          `json:"customer_id,omitempty"`
	Price        decimal.Decimal `json:"price"`
	IsActive     bool            `json:"is_active"`
	Status       string          `json:"status"`
	UpdatedDate  time.Time       `json:"updated_date"`
}

const DealPriceStatusActive = "active"

// PriceQuery is one candidate key of the resolution cascade. Empty
// SubProductID/CustomerID mean the matched row must not constrain that
// dimension either.
type PriceQuery struct {
	StationID    string
	ProductID    string
	SubProductID string
	CustomerID   string
}

// ProductCode maps a product to one of its sub-product codes (catalog join).
type ProductCode struct {
	ID        int64  `json:"id"`
	ProductID string `json:"product_id"`
	Code      string `json:"code"`
}

// StockLot is one non-billing restock batch for a (station, product) pair.
type StockLot struct {
	ID        string          `json:"id"`
	StationID string          `json:"station_id"`
	ProductID string          `json:"product_id"`
	Stock     decimal.Decimal `json:"stock"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type StockLogEntry struct {
	ID        string          `json:"id"`
	StationID string          `json:"station_id"`
	ProductID string          `json:"product_id"`
	LotID     string          `json:"lot_id"`
	OldStock  decimal.Decimal `json:"old_stock"`
	NewStock  decimal.Decimal `json:"new_stock"`
	Quantity  decimal.Decimal `json:"quantity"`
	Actor     string          `json:"actor"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

type StockDeductionRequest struct {
	StationID string
	ProductID string
	Quantity  decimal.Decimal
	Actor     string
	Reason    string
}

type LotDelta struct {
	LotID    string          `json:"lot_id"`
	OldStock decimal.Decimal `json:"old_stock"`
	NewStock decimal.Decimal `json:"new_stock"`
	Taken    decimal.Decimal `json:"taken"`
}

type StockDeduction struct {
	StationID string          `json:"station_id"`
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	NewTotal  decimal.Decimal `json:"new_total"`
	Lots      []LotDelta      `json:"lots"`
}

type AuditLog struct {
	ID         string          `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Context    string          `json:"context,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type CreateRequestInput struct {
	CustomerID   string          `json:"customer_id"`
	StationID    string          `json:"station_id"`
	ProductID    string          `json:"product_id"`
	Qty          decimal.Decimal `json:"qty"`
	VehiclePlate string          `json:"vehicle_plate"`
	Phone        string          `json:"phone"`
	RequestType  string          `json:"request_type,omitempty"`
	NonBilling   bool            `json:"non_billing,omitempty"`
	Actor        string          `json:"actor,omitempty"`
}

type CreateRequestResult struct {
	RID         string          `json:"rid"`
	OTP         string          `json:"otp"`
	Price       decimal.Decimal `json:"price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}
