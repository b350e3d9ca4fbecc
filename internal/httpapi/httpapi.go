package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"stockledger/backend/internal/consolidation"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/reorder"
	"stockledger/backend/internal/reservation"
	"stockledger/backend/internal/store"
)

type Dependencies struct {
	Ledger        *ledger.Engine
	Reservations  *reservation.Manager
	Inventory     *consolidation.Service
	Reorder       *reorder.Advisor
	Auth          *TokenVerifier
	Metrics       http.Handler
	Logger        *zap.Logger
	AllowedOrigin string
	SweepBatch    int
}

type API struct {
	ledger        *ledger.Engine
	reservations  *reservation.Manager
	inventory     *consolidation.Service
	reorder       *reorder.Advisor
	auth          *TokenVerifier
	metrics       http.Handler
	logger        *zap.Logger
	allowedOrigin string
	sweepBatch    int
	authLimiter   *attemptLimiter
}

func New(deps Dependencies) *API {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sweepBatch := deps.SweepBatch
	if sweepBatch <= 0 {
		sweepBatch = 200
	}
	return &API{
		ledger:        deps.Ledger,
		reservations:  deps.Reservations,
		inventory:     deps.Inventory,
		reorder:       deps.Reorder,
		auth:          deps.Auth,
		metrics:       deps.Metrics,
		logger:        logger,
		allowedOrigin: deps.AllowedOrigin,
		sweepBatch:    sweepBatch,
		authLimiter:   newAttemptLimiter(20, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics)
	}

	mux.HandleFunc("/api/v1/stock", a.requireAuth(a.handleStockList, RoleStaff, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/stock/record", a.requireAuth(a.handleStockRecord, RoleStaff, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/stock/receive", a.requireAuth(a.handleReceive, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/stock/adjust", a.requireAuth(a.handleAdjust, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/stock/reserve", a.requireAuth(a.handleMove(a.ledgerReserve), RoleStaff, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/stock/release", a.requireAuth(a.handleMove(a.ledgerRelease), RoleStaff, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/stock/consume", a.requireAuth(a.handleMove(a.ledgerConsume), RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/stock/transfer", a.requireAuth(a.handleTransfer, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/stock/reorder-level", a.requireAuth(a.handleReorderLevel, RoleManager, RoleAdmin))

	mux.HandleFunc("/api/v1/transactions", a.requireAuth(a.handleTransactions, RoleStaff, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/transactions/reverse", a.requireAuth(a.handleReverse, RoleManager, RoleAdmin))

	mux.HandleFunc("/api/v1/reservations", a.requireAuth(a.handleReservations, RoleStaff, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/reservations/release", a.requireAuth(a.handleQuotationRelease, RoleStaff, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/reservations/convert", a.requireAuth(a.handleQuotationConvert, RoleStaff, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/reservations/replace", a.requireAuth(a.handleQuotationReplace, RoleStaff, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/reservations/extend", a.requireAuth(a.handleReservationExtend, RoleStaff, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/reservations/release-one", a.requireAuth(a.handleReservationReleaseOne, RoleStaff, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/reservations/cancel", a.requireAuth(a.handleReservationCancel, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/reservations/sweep", a.requireAuth(a.handleSweep, RoleAdmin))
	mux.HandleFunc("/api/v1/reservations/stats", a.requireAuth(a.handleReservationStats, RoleStaff, RoleManager, RoleAdmin))

	mux.HandleFunc("/api/v1/inventory/consolidated", a.requireAuth(a.handleConsolidated, RoleStaff, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/summary", a.requireAuth(a.handleSummary, RoleStaff, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/reorder", a.requireAuth(a.handleReorder, RoleManager, RoleAdmin))
	mux.HandleFunc("/api/v1/reports/export", a.requireAuth(a.handleExport, RoleManager, RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		if a.authLimiter.Blocked(client) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, errors.New("too many failed authentication attempts"))
			return
		}

		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.authLimiter.Fail(client)
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(ledger.WithActor(r.Context(), actor)))
	}
}

// tenantOf returns the tenant of the authenticated caller.
func tenantOf(r *http.Request) string {
	actor, _ := ledger.ActorFromContext(r.Context())
	return actor.TenantID
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
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
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(startedAt)),
		)
	})
}

// writeFailure maps engine errors onto HTTP statuses.
func (a *API) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var short *store.InsufficientStockError
	switch {
	case errors.As(err, &short):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":       err.Error(),
			"productId":   short.Key.ProductID,
			"warehouseId": short.Key.WarehouseID,
			"requested":   short.Requested,
			"available":   short.Available,
			"shortfall":   short.Shortfall(),
		})
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrReservationClosed),
		errors.Is(err, store.ErrReservationNotDue),
		errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, errors.New("stock is busy, retry shortly"))
	default:
		a.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("tenant_id", tenantOf(r)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// idempotencyKey prefers the key in the body and falls back to the Idempotency-Key header.
func idempotencyKey(r *http.Request, fromBody string) string {
	if key := strings.TrimSpace(fromBody); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
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

func parseBool(raw string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && parsed
}

func parseTime(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, errors.New("time must be RFC3339")
	}
	return parsed.UTC(), nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause is logged by the caller.
	msg := err.Error()
	if status >= 500 && status != http.StatusServiceUnavailable {
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
