package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"stockledger/backend/internal/consolidation"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/report"
	"stockledger/backend/internal/store"
)

func consolidationFilter(r *http.Request) consolidation.Filter {
	query := r.URL.Query()
	return consolidation.Filter{
		ProductID:   query.Get("productId"),
		Category:    query.Get("category"),
		WarehouseID: query.Get("warehouseId"),
		Search:      query.Get("search"),
		LowStock:    parseBool(query.Get("lowStock")),
	}
}

func (a *API) handleConsolidated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	items, err := a.inventory.Consolidated(r.Context(), tenantOf(r), consolidationFilter(r))
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	summary, err := a.inventory.Summary(r.Context(), tenantOf(r))
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleReorder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	advice, err := a.reorder.Advise(r.Context(), tenantOf(r))
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, advice)
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	var (
		data []byte
		name string
		err  error
	)
	now := time.Now().UTC()
	switch r.URL.Query().Get("type") {
	case "", "stock":
		var items []domain.ConsolidatedStock
		items, err = a.inventory.Consolidated(r.Context(), tenantOf(r), consolidationFilter(r))
		if err == nil {
			data, name, err = report.Stock(items, now)
		}
	case "movements":
		var since time.Time
		since, err = parseTime(r.URL.Query().Get("since"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var entries []domain.TransactionLogEntry
		entries, err = a.ledger.ListTransactions(r.Context(), tenantOf(r), store.TransactionFilter{
			ProductID:   r.URL.Query().Get("productId"),
			WarehouseID: r.URL.Query().Get("warehouseId"),
			Since:       since,
			Limit:       parsePositiveLimit(r.URL.Query().Get("limit"), 5000, 50000),
		})
		if err == nil {
			data, name, err = report.Movements(entries, now)
		}
	default:
		writeError(w, http.StatusBadRequest, errors.New("type must be stock or movements"))
		return
	}
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+name+"\"")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
