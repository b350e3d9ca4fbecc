package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/store"
)

func (a *API) handleStockList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	records, err := a.ledger.ListStock(r.Context(), tenantOf(r), store.StockFilter{
		ProductID:   query.Get("productId"),
		WarehouseID: query.Get("warehouseId"),
		LowStock:    parseBool(query.Get("lowStock")),
		Limit:       parsePositiveLimit(query.Get("limit"), 200, 1000),
	})
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

func (a *API) handleStockRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	record, err := a.ledger.GetStock(r.Context(), tenantOf(r), query.Get("productId"), query.Get("warehouseId"))
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) handleReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req ledger.ReceiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.TenantID = tenantOf(r)
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	result, err := a.ledger.Receive(r.Context(), req)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, writeStatus(result.Replayed), result)
}

func (a *API) handleAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req ledger.AdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.TenantID = tenantOf(r)
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	result, err := a.ledger.Adjust(r.Context(), req)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, writeStatus(result.Replayed), result)
}

type moveFunc func(ctx context.Context, req ledger.MoveRequest) (ledger.Result, error)

func (a *API) ledgerReserve(ctx context.Context, req ledger.MoveRequest) (ledger.Result, error) {
	return a.ledger.Reserve(ctx, req)
}

func (a *API) ledgerRelease(ctx context.Context, req ledger.MoveRequest) (ledger.Result, error) {
	return a.ledger.Release(ctx, req)
}

func (a *API) ledgerConsume(ctx context.Context, req ledger.MoveRequest) (ledger.Result, error) {
	return a.ledger.Consume(ctx, req)
}

// handleMove serves reserve, release and consume, which share a request shape.
func (a *API) handleMove(move moveFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}

		var req ledger.MoveRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.TenantID = tenantOf(r)
		req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

		result, err := move(r.Context(), req)
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		writeJSON(w, writeStatus(result.Replayed), result)
	}
}

func (a *API) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req ledger.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.TenantID = tenantOf(r)
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	result, err := a.ledger.Transfer(r.Context(), req)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, writeStatus(result.Replayed), result)
}

type reorderLevelRequest struct {
	ProductID   string          `json:"productId"`
	WarehouseID string          `json:"warehouseId"`
	Level       decimal.Decimal `json:"level"`
}

func (a *API) handleReorderLevel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req reorderLevelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := a.ledger.SetReorderLevel(r.Context(), tenantOf(r), req.ProductID, req.WarehouseID, req.Level)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	if id := query.Get("id"); id != "" {
		entry, err := a.ledger.GetTransaction(r.Context(), tenantOf(r), id)
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
		return
	}

	since, err := parseTime(query.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := a.ledger.ListTransactions(r.Context(), tenantOf(r), store.TransactionFilter{
		ProductID:   query.Get("productId"),
		WarehouseID: query.Get("warehouseId"),
		Type:        domain.TransactionType(query.Get("type")),
		Reference:   query.Get("reference"),
		Since:       since,
		Limit:       parsePositiveLimit(query.Get("limit"), 100, 1000),
	})
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) handleReverse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req ledger.ReverseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.EntryID == "" {
		writeError(w, http.StatusBadRequest, errors.New("entryId is required"))
		return
	}
	req.TenantID = tenantOf(r)
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	result, err := a.ledger.Reverse(r.Context(), req)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, writeStatus(result.Replayed), result)
}

// writeStatus is 201 for a fresh write and 200 for an idempotent replay.
func writeStatus(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}
