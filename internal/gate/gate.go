package gate

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"fuelyard/internal/domain"
	"fuelyard/internal/store"
)

// Gate decides whether a customer may be admitted for a new filling request.
// All rules are read-only; the only mutation lives in Reconcile, which
// maintains the balance is_active flag from day-limit aging.
type Gate struct {
	repo store.Repository
	loc  *time.Location
}

// New builds a gate evaluating day aging in the given station-local calendar.
func New(repo store.Repository, loc *time.Location) *Gate {
	if loc == nil {
		loc = time.Local
	}
	return &Gate{repo: repo, loc: loc}
}

// Admit returns nil when the customer may place a request worth
// requestedAmount, or one of the typed denials otherwise. The credit-limit
// rule for client type "2" lives here and only here; callers must not
// re-check it.
func (g *Gate) Admit(ctx context.Context, customerID string, requestedAmount decimal.Decimal) error {
	bal, err := g.repo.GetCustomerBalance(ctx, customerID)
	if err != nil {
		return err
	}

	if !bal.IsActive {
		// A deactivated account still reports the more specific day-limit
		// denial when the deactivation is explained by aging alone.
		if bal.DayLimit > 0 {
			if days, ok, err := g.oldestUnpaidAge(ctx, customerID); err != nil {
				return err
			} else if ok && days >= bal.DayLimit {
				return &domain.DayLimitError{DaysElapsed: days, Limit: bal.DayLimit}
			}
		}
		return domain.ErrAccountInactive
	}

	if bal.DayLimit > 0 {
		unpaid, err := g.repo.ListUnpaidCompleted(ctx, customerID)
		if err != nil {
			return err
		}
		if len(unpaid) > 0 {
			days := daysBetween(*unpaid[0].CompletedDate, time.Now(), g.loc)
			if days >= bal.DayLimit {
				return &domain.DayLimitError{DaysElapsed: days, Limit: bal.DayLimit}
			}
			if day, total, count, found := earliestUnpaidDay(unpaid, g.loc); found {
				return &domain.UnclearedDayError{Date: day, Total: total, Count: count}
			}
		}
	}

	cust, err := g.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	if cust.ClientType == domain.ClientTypeCredit && requestedAmount.GreaterThan(bal.AmtLimit) {
		return &domain.CreditLimitError{Requested: requestedAmount, Limit: bal.AmtLimit}
	}

	return nil
}

// Reconcile recomputes the balance is_active flag from day-limit aging and
// returns the resulting value. Customers with day_limit 0 are always active.
func (g *Gate) Reconcile(ctx context.Context, customerID string) (bool, error) {
	bal, err := g.repo.GetCustomerBalance(ctx, customerID)
	if err != nil {
		return false, err
	}

	active := true
	if bal.DayLimit > 0 {
		days, ok, err := g.oldestUnpaidAge(ctx, customerID)
		if err != nil {
			return false, err
		}
		if ok && days >= bal.DayLimit {
			active = false
		}
	}

	if active != bal.IsActive {
		if err := g.repo.SetBalanceActive(ctx, customerID, active); err != nil {
			return false, err
		}
	}
	return active, nil
}

func (g *Gate) oldestUnpaidAge(ctx context.Context, customerID string) (int, bool, error) {
	unpaid, err := g.repo.ListUnpaidCompleted(ctx, customerID)
	if err != nil {
		return 0, false, err
	}
	if len(unpaid) == 0 {
		return 0, false, nil
	}
	return daysBetween(*unpaid[0].CompletedDate, time.Now(), g.loc), true, nil
}

// daysBetween counts whole calendar days between two instants,
// midnight-to-midnight in loc. Same calendar day yields 0.
func daysBetween(from time.Time, to time.Time, loc *time.Location) int {
	f := from.In(loc)
	t := to.In(loc)
	fromMidnight := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, loc)
	toMidnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return int(math.Round(toMidnight.Sub(fromMidnight).Hours() / 24))
}

// earliestUnpaidDay groups unpaid completed requests by calendar day and
// returns the earliest day whose total is non-zero. Zero-total days count as
// cleared and are skipped. The owed amount of a completed request is priced
// on the actual filled quantity when recorded, the requested quantity
// otherwise.
func earliestUnpaidDay(unpaid []domain.FillingRequest, loc *time.Location) (time.Time, decimal.Decimal, int, bool) {
	type dayTotal struct {
		total decimal.Decimal
		count int
	}
	totals := make(map[time.Time]*dayTotal, 4)
	days := make([]time.Time, 0, 4)
	for _, req := range unpaid {
		c := req.CompletedDate.In(loc)
		day := time.Date(c.Year(), c.Month(), c.Day(), 0, 0, 0, 0, loc)
		entry, ok := totals[day]
		if !ok {
			entry = &dayTotal{total: decimal.Zero}
			totals[day] = entry
			days = append(days, day)
		}
		entry.total = entry.total.Add(owedAmount(req))
		entry.count++
	}

	// unpaid arrives ordered by completed_date, so days is chronological.
	for _, day := range days {
		if totals[day].total.Sign() > 0 {
			return day, totals[day].total, totals[day].count, true
		}
	}
	return time.Time{}, decimal.Zero, 0, false
}

func owedAmount(req domain.FillingRequest) decimal.Decimal {
	qty := req.ActualQty
	if qty.Sign() <= 0 {
		qty = req.Qty
	}
	return req.Price.Mul(qty)
}
