package httpapi

import (
	"errors"
	"net/http"
	"time"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/reservation"
	"stockledger/backend/internal/store"
)

func (a *API) handleReservations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		if id := query.Get("id"); id != "" {
			res, err := a.reservations.Get(r.Context(), tenantOf(r), id)
			if err != nil {
				a.writeFailure(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
			return
		}
		items, err := a.reservations.List(r.Context(), tenantOf(r), store.ReservationFilter{
			QuotationID: query.Get("quotationId"),
			ProductID:   query.Get("productId"),
			WarehouseID: query.Get("warehouseId"),
			Status:      domain.ReservationStatus(query.Get("status")),
			Type:        domain.ReservationType(query.Get("type")),
			Limit:       parsePositiveLimit(query.Get("limit"), 100, 1000),
		})
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req reservation.CreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.TenantID = tenantOf(r)
		result, err := a.reservations.Create(r.Context(), req)
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		status := http.StatusOK
		if len(result.Reservations) > 0 {
			status = http.StatusCreated
		}
		writeJSON(w, status, result)
	default:
		writeMethodNotAllowed(w)
	}
}

type quotationRequest struct {
	QuotationID string `json:"quotationId"`
	Reason      string `json:"reason"`
}

func (a *API) handleQuotationRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req quotationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	released, err := a.reservations.Release(r.Context(), tenantOf(r), req.QuotationID, req.Reason)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

func (a *API) handleQuotationConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req quotationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	converted, err := a.reservations.Convert(r.Context(), tenantOf(r), req.QuotationID)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"converted": converted})
}

func (a *API) handleQuotationReplace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req reservation.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.TenantID = tenantOf(r)
	released, result, err := a.reservations.Replace(r.Context(), req)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"released":          released,
		"reservations":      result.Reservations,
		"reservationErrors": result.ReservationErrors,
		"unresolvedLines":   result.UnresolvedLines,
	})
}

type reservationActionRequest struct {
	ID        string     `json:"id"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (a *API) decodeReservationAction(w http.ResponseWriter, r *http.Request) (reservationActionRequest, bool) {
	var req reservationActionRequest
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return req, false
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, errors.New("id is required"))
		return req, false
	}
	return req, true
}

func (a *API) handleReservationExtend(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeReservationAction(w, r)
	if !ok {
		return
	}
	res, err := a.reservations.Extend(r.Context(), tenantOf(r), req.ID, req.ExpiresAt)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleReservationReleaseOne(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeReservationAction(w, r)
	if !ok {
		return
	}
	res, err := a.reservations.ReleaseOne(r.Context(), tenantOf(r), req.ID, req.Reason)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleReservationCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeReservationAction(w, r)
	if !ok {
		return
	}
	res, err := a.reservations.Cancel(r.Context(), tenantOf(r), req.ID, req.Reason)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSweep expires due reservations of every tenant, so it is admin only.
func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	limit := parsePositiveLimit(r.URL.Query().Get("limit"), a.sweepBatch, 5000)
	result, err := a.reservations.SweepExpired(r.Context(), limit)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"expired": len(result.Expired),
		"failed":  result.Failed,
	})
}

func (a *API) handleReservationStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	stats, err := a.reservations.Stats(r.Context(), tenantOf(r))
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
