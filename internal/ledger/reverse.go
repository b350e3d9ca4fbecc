package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
)

type ReverseRequest struct {
	TenantID       string `json:"-"`
	EntryID        string `json:"entryId"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Reverse posts a compensating entry for a receipt, adjustment or
// consumption. Releases and transfers are undone with their own inverse
// operations. An entry can be reversed once.
func (e *Engine) Reverse(ctx context.Context, req ReverseRequest) (res Result, err error) {
	defer func(startedAt time.Time) { e.observe("reverse", startedAt, err) }(time.Now())

	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.EntryID) == "" {
		return Result{}, fmt.Errorf("%w: tenant and entryId are required", store.ErrInvalidInput)
	}
	original, err := e.repo.GetTransaction(ctx, req.TenantID, req.EntryID)
	if err != nil {
		return Result{}, err
	}
	switch {
	case original.ReversalOf != "":
		return Result{}, fmt.Errorf("%w: entry %s is itself a reversal", store.ErrInvalidInput, original.ID)
	case original.Type != domain.TxGoodsReceipt && original.Type != domain.TxAdjustment && original.Type != domain.TxConsumption:
		return Result{}, fmt.Errorf("%w: %s entries cannot be reversed", store.ErrInvalidInput, original.Type)
	case original.Clamped:
		return Result{}, fmt.Errorf("%w: clamped adjustment %s cannot be reversed", store.ErrInvalidInput, original.ID)
	}
	if replayed, err := e.replay(ctx, req.TenantID, req.IdempotencyKey, original.Type); err != nil || replayed != nil {
		return deref(replayed), err
	}
	if _, err := e.repo.FindReversal(ctx, req.TenantID, original.ID); err == nil {
		return Result{}, alreadyReversed(original.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	key := domain.StockKey{ProductID: original.ProductID, WarehouseID: original.WarehouseID}
	delta := original.Quantity.Neg()
	actor := actorID(ctx)
	reason := req.Reason
	if reason == "" {
		reason = "reversal of " + original.ID
	}

	err = e.commit(ctx, "reverse", req.TenantID, []domain.StockKey{key}, func(records map[domain.StockKey]*domain.StockRecord, at time.Time) (store.Changes, error) {
		rec := records[key]
		if rec == nil {
			return store.Changes{}, notFound(key)
		}
		target := rec.Quantity.Add(delta)
		if target.LessThan(rec.ReservedQuantity) {
			return store.Changes{}, &store.InsufficientStockError{Key: key, Requested: delta.Neg(), Available: rec.AvailableQuantity}
		}

		if original.Type == domain.TxGoodsReceipt {
			rec.AvgCostPrice = unwindAverage(rec.Quantity, rec.AvgCostPrice, original.Quantity, original.UnitCost)
			for i := range rec.Batches {
				if rec.Batches[i].ID != original.BatchID {
					continue
				}
				taken := decimal.Min(original.Quantity, rec.Batches[i].RemainingQty)
				rec.Batches[i].RemainingQty = rec.Batches[i].RemainingQty.Sub(taken)
			}
		}
		rec.Quantity = target

		entry := post(rec, domain.TransactionLogEntry{
			Type:           original.Type,
			Quantity:       delta,
			UnitCost:       original.UnitCost,
			Reason:         reason,
			Reference:      original.Reference,
			BatchID:        original.BatchID,
			ReversalOf:     original.ID,
			IdempotencyKey: req.IdempotencyKey,
		}, actor, at)

		res = Result{Record: *rec, Entry: &entry, Applied: delta.Abs()}
		return store.Changes{Entries: []domain.TransactionLogEntry{entry}}, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			if req.IdempotencyKey != "" {
				if replayed, rerr := e.replay(ctx, req.TenantID, req.IdempotencyKey, original.Type); rerr == nil && replayed != nil {
					return *replayed, nil
				}
			}
			return Result{}, alreadyReversed(original.ID)
		}
		return Result{}, err
	}
	return res, nil
}

func alreadyReversed(id string) error {
	return fmt.Errorf("%w: entry %s already reversed", store.ErrDuplicate, id)
}

// unwindAverage removes a receipt lot from the running average. Once the lot
// was the whole stock the last known average is kept.
func unwindAverage(qty, avg, lotQty, lotCost decimal.Decimal) decimal.Decimal {
	remaining := qty.Sub(lotQty)
	if !remaining.IsPositive() {
		return avg
	}
	unwound := qty.Mul(avg).Sub(lotQty.Mul(lotCost)).Div(remaining).Round(costScale)
	if unwound.IsNegative() {
		return decimal.Zero
	}
	return unwound
}
