package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fuelyard/internal/domain"
	"fuelyard/internal/service"
)

// API is the thin JSON surface over the admission service. It translates
// requests, maps the error taxonomy onto HTTP statuses and renders nothing
// else; all rules live below.
type API struct {
	service       *service.Service
	logger        *zap.Logger
	allowedOrigin string
}

func New(svc *service.Service, logger *zap.Logger, allowedOrigin string) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{service: svc, logger: logger, allowedOrigin: allowedOrigin}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/requests", a.handleRequests)
	mux.HandleFunc("/api/v1/requests/", a.handleRequestActions)
	mux.HandleFunc("/api/v1/price", a.handlePrice)
	mux.HandleFunc("/api/v1/stock", a.handleStock)
	mux.HandleFunc("/api/v1/stock/deduct", a.handleStockDeduct)
	mux.HandleFunc("/api/v1/stock/restock", a.handleRestock)
	mux.HandleFunc("/api/v1/stock/logs", a.handleStockLogs)
	mux.HandleFunc("/api/v1/payments/day", a.handleDayPaid)
	mux.HandleFunc("/api/v1/audit-logs", a.handleAuditLogs)

	return a.withMiddleware(mux)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(startedAt)),
		)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, a.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.logger)
		return
	}

	var input domain.CreateRequestInput
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err, a.logger)
		return
	}

	result, err := a.service.CreateRequest(r.Context(), input)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// handleRequestActions serves /api/v1/requests/{rid} and the
// /complete and /cancel verbs beneath it.
func (a *API) handleRequestActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/requests/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, a.logger)
			return
		}
		req, err := a.service.GetRequest(r.Context(), parts[0])
		if err != nil {
			a.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)

	case len(parts) == 2 && parts[1] == "complete":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, a.logger)
			return
		}
		var body struct {
			ActualQty decimal.Decimal `json:"aqty"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err, a.logger)
			return
		}
		req, err := a.service.CompleteRequest(r.Context(), parts[0], body.ActualQty)
		if err != nil {
			a.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)

	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, a.logger)
			return
		}
		req, err := a.service.CancelRequest(r.Context(), parts[0])
		if err != nil {
			a.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)

	default:
		writeError(w, http.StatusNotFound, errors.New("unknown resource"), a.logger)
	}
}

func (a *API) handlePrice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, a.logger)
		return
	}

	q := r.URL.Query()
	price, err := a.service.ResolvePrice(r.Context(),
		q.Get("station_id"), q.Get("product_id"), q.Get("sub_product_id"), q.Get("customer_id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"price": price,
	})
}

func (a *API) handleStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, a.logger)
		return
	}

	q := r.URL.Query()
	total, lots, err := a.service.StationStock(r.Context(), q.Get("station_id"), q.Get("product_id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total": total,
		"lots":  lots,
	})
}

func (a *API) handleStockDeduct(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.logger)
		return
	}

	var body struct {
		StationID string          `json:"station_id"`
		ProductID string          `json:"product_id"`
		Qty       decimal.Decimal `json:"qty"`
		Actor     string          `json:"actor"`
		Reason    string          `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err, a.logger)
		return
	}

	deduction, err := a.service.DeductStock(r.Context(), body.StationID, body.ProductID, body.Qty, body.Actor, body.Reason)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, deduction)
}

func (a *API) handleRestock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.logger)
		return
	}

	var body struct {
		StationID string          `json:"station_id"`
		ProductID string          `json:"product_id"`
		Qty       decimal.Decimal `json:"qty"`
		Actor     string          `json:"actor"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err, a.logger)
		return
	}

	lot, err := a.service.Restock(r.Context(), body.StationID, body.ProductID, body.Qty, body.Actor)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, lot)
}

func (a *API) handleStockLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, a.logger)
		return
	}

	q := r.URL.Query()
	logs, err := a.service.StockLogs(r.Context(), q.Get("station_id"), q.Get("product_id"), parsePositiveLimit(q.Get("limit"), 100, 500))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleDayPaid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, a.logger)
		return
	}

	var body struct {
		CustomerID string `json:"customer_id"`
		Day        string `json:"day"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err, a.logger)
		return
	}

	n, err := a.service.MarkDayPaidDate(r.Context(), body.CustomerID, body.Day)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"requests_paid": n})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, a.logger)
		return
	}

	q := r.URL.Query()
	logs, err := a.service.ListAuditLogs(r.Context(), q.Get("date"), parsePositiveLimit(q.Get("limit"), 100, 500))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// writeDomainError maps the closed error taxonomy onto HTTP statuses. Every
// denial keeps its typed message; anything outside the taxonomy is a 500.
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err, a.logger)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCustomerDisabled),
		errors.Is(err, domain.ErrStationDisabled),
		errors.Is(err, domain.ErrAccountInactive):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrDayLimitExceeded),
		errors.Is(err, domain.ErrUnclearedDay),
		errors.Is(err, domain.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrInvalidProduct):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSequencerConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter, logger *zap.Logger) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"), logger)
}

func writeError(w http.ResponseWriter, status int, err error, logger *zap.Logger) {
	// 5xx responses get a generic message so internals never leak; the
	// taxonomy's 4xx messages are user-facing and pass through.
	msg := err.Error()
	if status >= 500 {
		if logger != nil {
			logger.Error("internal error", zap.Int("status", status), zap.Error(err))
		}
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
