package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Closed admission error taxonomy. Every denial or failure the engine can
// produce maps to exactly one of these kinds; callers match kinds with
// errors.Is and extract payloads with errors.As.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrCustomerDisabled   = errors.New("customer is disabled")
	ErrStationDisabled    = errors.New("station is disabled")
	ErrAccountInactive    = errors.New("customer account is inactive")
	ErrDayLimitExceeded   = errors.New("day limit exceeded")
	ErrUnclearedDay       = errors.New("uncleared day balance")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrInvalidProduct     = errors.New("product has no sub-product code")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrSequencerConflict  = errors.New("request sequence conflict")
	ErrInternal           = errors.New("internal error")
)

// NotFoundError carries the kind of entity that was missing.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// DayLimitError reports how many whole calendar days the oldest unpaid
// request has been outstanding versus the customer's limit.
type DayLimitError struct {
	DaysElapsed int
	Limit       int
}

func (e *DayLimitError) Error() string {
	return fmt.Sprintf("oldest unpaid request is %d days old, limit is %d", e.DaysElapsed, e.Limit)
}

func (e *DayLimitError) Unwrap() error { return ErrDayLimitExceeded }

// UnclearedDayError reports the earliest calendar day whose completed
// requests are still unpaid; that day must be cleared in full first.
type UnclearedDayError struct {
	Date  time.Time
	Total decimal.Decimal
	Count int
}

func (e *UnclearedDayError) Error() string {
	return fmt.Sprintf("unpaid total %s across %d requests from %s must be cleared first",
		e.Total.String(), e.Count, e.Date.Format("2006-01-02"))
}

func (e *UnclearedDayError) Unwrap() error { return ErrUnclearedDay }

type CreditLimitError struct {
	Requested decimal.Decimal
	Limit     decimal.Decimal
}

func (e *CreditLimitError) Error() string {
	return fmt.Sprintf("requested amount %s exceeds credit limit %s", e.Requested.String(), e.Limit.String())
}

func (e *CreditLimitError) Unwrap() error { return ErrInsufficientCredit }

type StockShortError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *StockShortError) Error() string {
	return fmt.Sprintf("available stock %s is less than requested %s", e.Available.String(), e.Requested.String())
}

func (e *StockShortError) Unwrap() error { return ErrInsufficientStock }
