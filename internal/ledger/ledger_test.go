package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"fuelyard/internal/domain"
	"fuelyard/internal/store/memory"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestDeductSpansLotsNewestFirst(t *testing.T) {
	l := New(memory.NewSeeded())
	ctx := context.Background()

	// Seeded lots: lot-newer 30, lot-older 20. Deducting 35 drains the
	// newer lot and takes 5 from the older one.
	deduction, err := l.Deduct(ctx, "fs-north", "diesel", dec("35"), "tester", "span test")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}

	if len(deduction.Lots) != 2 {
		t.Fatalf("expected 2 lot deltas, got %d", len(deduction.Lots))
	}
	first, second := deduction.Lots[0], deduction.Lots[1]
	if first.LotID != "lot-newer" || !first.Taken.Equal(dec("30")) || !first.NewStock.Equal(dec("0")) {
		t.Fatalf("unexpected first delta: %+v", first)
	}
	if second.LotID != "lot-older" || !second.Taken.Equal(dec("5")) || !second.NewStock.Equal(dec("15")) {
		t.Fatalf("unexpected second delta: %+v", second)
	}
	if !deduction.NewTotal.Equal(dec("15")) {
		t.Fatalf("expected new total 15, got %s", deduction.NewTotal)
	}

	// Deltas must sum to the requested quantity.
	taken := decimal.Zero
	for _, d := range deduction.Lots {
		taken = taken.Add(d.Taken)
	}
	if !taken.Equal(dec("35")) {
		t.Fatalf("deltas sum to %s, want 35", taken)
	}

	logs, err := l.Logs(ctx, "fs-north", "diesel", 10)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected one log row per touched lot, got %d", len(logs))
	}
	for _, entry := range logs {
		if entry.Actor != "tester" || entry.Reason != "span test" {
			t.Fatalf("log row missing actor/reason: %+v", entry)
		}
	}
}

func TestDeductInsufficientStockTouchesNothing(t *testing.T) {
	l := New(memory.NewSeeded())
	ctx := context.Background()

	_, err := l.Deduct(ctx, "fs-north", "diesel", dec("60"), "", "")
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	var short *domain.StockShortError
	if !errors.As(err, &short) {
		t.Fatalf("expected StockShortError, got %v", err)
	}
	if !short.Available.Equal(dec("50")) || !short.Requested.Equal(dec("60")) {
		t.Fatalf("unexpected short payload: %+v", short)
	}

	// All-or-nothing: lot sums are unchanged and no logs were written.
	total, _, err := l.Available(ctx, "fs-north", "diesel")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if !total.Equal(dec("50")) {
		t.Fatalf("stock changed on failed deduction: %s", total)
	}
	logs, err := l.Logs(ctx, "fs-north", "diesel", 10)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected no log rows, got %d", len(logs))
	}
}

func TestDeductValidation(t *testing.T) {
	l := New(memory.NewSeeded())
	ctx := context.Background()

	if _, err := l.Deduct(ctx, "", "diesel", dec("10"), "", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing station, got %v", err)
	}
	if _, err := l.Deduct(ctx, "fs-north", "diesel", dec("0"), "", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for zero quantity, got %v", err)
	}
}

func TestRestockedLotDrainsFirst(t *testing.T) {
	l := New(memory.NewSeeded())
	ctx := context.Background()

	lot, err := l.Restock(ctx, "fs-north", "diesel", dec("25"))
	if err != nil {
		t.Fatalf("restock: %v", err)
	}

	total, lots, err := l.Available(ctx, "fs-north", "diesel")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if !total.Equal(dec("75")) {
		t.Fatalf("expected total 75 after restock, got %s", total)
	}
	if lots[0].ID != lot.ID {
		t.Fatalf("fresh lot should head the drain order, got %s", lots[0].ID)
	}

	deduction, err := l.Deduct(ctx, "fs-north", "diesel", dec("10"), "", "")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if len(deduction.Lots) != 1 || deduction.Lots[0].LotID != lot.ID {
		t.Fatalf("expected deduction from fresh lot, got %+v", deduction.Lots)
	}
}
