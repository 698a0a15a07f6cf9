package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fuelyard/internal/audit"
	"fuelyard/internal/gate"
	"fuelyard/internal/ledger"
	"fuelyard/internal/pricing"
	"fuelyard/internal/sequence"
	"fuelyard/internal/service"
	"fuelyard/internal/store/memory"
)

// newTestAPI builds a full API over the in-memory store so handler tests
// exercise the complete admission path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(
		repo,
		gate.New(repo, time.UTC),
		pricing.New(repo, nil, 0),
		sequence.New(repo),
		ledger.New(repo),
		audit.NewStoreRecorder(repo),
		zap.NewNop(),
		service.Options{Location: time.UTC},
	)
	return New(svc, zap.NewNop(), "*")
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleCreateRequest_Success(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := postJSON(t, handler, "/api/v1/requests", map[string]any{
		"customer_id":   "cust-anand",
		"station_id":    "fs-north",
		"product_id":    "diesel",
		"qty":           "40",
		"vehicle_plate": "KA01AB1234",
		"phone":         "9810000001",
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		RID         string          `json:"rid"`
		OTP         string          `json:"otp"`
		Price       decimal.Decimal `json:"price"`
		TotalAmount decimal.Decimal `json:"total_amount"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.RID != "MP000001" {
		t.Fatalf("expected rid MP000001, got %s", body.RID)
	}
	if len(body.OTP) != 6 {
		t.Fatalf("expected 6-digit otp, got %q", body.OTP)
	}
	if !body.TotalAmount.Equal(decimal.RequireFromString("3700")) {
		t.Fatalf("expected total 3700, got %s", body.TotalAmount)
	}
}

func TestHandleCreateRequest_DeniedStatuses(t *testing.T) {
	handler := newTestAPI(t).Handler()

	base := map[string]any{
		"customer_id":   "cust-anand",
		"station_id":    "fs-north",
		"product_id":    "diesel",
		"qty":           "40",
		"vehicle_plate": "KA01AB1234",
		"phone":         "9810000001",
	}

	cases := []struct {
		name     string
		mutate   map[string]any
		expected int
	}{
		{"missing plate", map[string]any{"vehicle_plate": ""}, http.StatusBadRequest},
		{"unknown customer", map[string]any{"customer_id": "cust-none"}, http.StatusNotFound},
		{"disabled customer", map[string]any{"customer_id": "cust-off"}, http.StatusForbidden},
		{"disabled station", map[string]any{"station_id": "fs-idle"}, http.StatusForbidden},
		{"unknown product", map[string]any{"product_id": "kerosene"}, http.StatusUnprocessableEntity},
		{"over credit limit", map[string]any{"customer_id": "cust-bharat", "qty": "150"}, http.StatusPaymentRequired},
	}

	for _, tc := range cases {
		payload := make(map[string]any, len(base))
		for k, v := range base {
			payload[k] = v
		}
		for k, v := range tc.mutate {
			payload[k] = v
		}

		rec := postJSON(t, handler, "/api/v1/requests", payload)
		if rec.Code != tc.expected {
			t.Fatalf("%s: expected %d, got %d (body: %s)", tc.name, tc.expected, rec.Code, rec.Body.String())
		}
	}
}

func TestHandlePriceQuote(t *testing.T) {
	handler := newTestAPI(t).Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/price?station_id=fs-north&product_id=diesel&customer_id=cust-bharat", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Price.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("expected deal price 10, got %s", body.Price)
	}
}

func TestHandleStockDeduct_ShortStock(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := postJSON(t, handler, "/api/v1/stock/deduct", map[string]any{
		"station_id": "fs-north",
		"product_id": "diesel",
		"qty":        "60",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleDayPaid_MalformedDay(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := postJSON(t, handler, "/api/v1/payments/day", map[string]any{
		"customer_id": "cust-chitra",
		"day":         "25-08-2026",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleRequestLifecycle(t *testing.T) {
	handler := newTestAPI(t).Handler()

	created := postJSON(t, handler, "/api/v1/requests", map[string]any{
		"customer_id":   "cust-anand",
		"station_id":    "fs-north",
		"product_id":    "diesel",
		"qty":           "40",
		"vehicle_plate": "KA01AB1234",
		"phone":         "9810000001",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", created.Code)
	}
	var result struct {
		RID string `json:"rid"`
	}
	if err := json.NewDecoder(created.Body).Decode(&result); err != nil {
		t.Fatalf("decode create body: %v", err)
	}

	completed := postJSON(t, handler, "/api/v1/requests/"+result.RID+"/complete", map[string]any{
		"aqty": "38.5",
	})
	if completed.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d (body: %s)", completed.Code, completed.Body.String())
	}

	// A completed request cannot be cancelled.
	cancelled := postJSON(t, handler, "/api/v1/requests/"+result.RID+"/cancel", nil)
	if cancelled.Code != http.StatusBadRequest {
		t.Fatalf("cancel: expected 400, got %d (body: %s)", cancelled.Code, cancelled.Body.String())
	}

	fetched := httptest.NewRecorder()
	handler.ServeHTTP(fetched, httptest.NewRequest(http.MethodGet, "/api/v1/requests/"+result.RID, nil))
	if fetched.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", fetched.Code)
	}
}
