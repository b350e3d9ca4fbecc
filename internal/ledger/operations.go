package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/xid"
)

// costScale is the number of decimal places kept on average cost prices.
const costScale = 6

type ReceiveRequest struct {
	TenantID       string          `json:"-"`
	ProductID      string          `json:"productId"`
	WarehouseID    string          `json:"warehouseId"`
	Quantity       decimal.Decimal `json:"quantity"`
	CostPrice      decimal.Decimal `json:"costPrice"`
	BatchNo        string          `json:"batchNo"`
	Supplier       string          `json:"supplier"`
	Reference      string          `json:"reference"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type AdjustRequest struct {
	TenantID       string          `json:"-"`
	ProductID      string          `json:"productId"`
	WarehouseID    string          `json:"warehouseId"`
	Delta          decimal.Decimal `json:"delta"`
	Reason         string          `json:"reason"`
	Reference      string          `json:"reference"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// MoveRequest drives Reserve, Release and Consume. Attach carries reservation
// writes that must commit in the same unit as the quantity change.
type MoveRequest struct {
	TenantID       string                   `json:"-"`
	ProductID      string                   `json:"productId"`
	WarehouseID    string                   `json:"warehouseId"`
	Quantity       decimal.Decimal          `json:"quantity"`
	Reference      string                   `json:"reference"`
	IdempotencyKey string                   `json:"idempotencyKey"`
	Attach         []store.ReservationWrite `json:"-"`
}

type TransferRequest struct {
	TenantID        string          `json:"-"`
	ProductID       string          `json:"productId"`
	FromWarehouseID string          `json:"fromWarehouseId"`
	ToWarehouseID   string          `json:"toWarehouseId"`
	Quantity        decimal.Decimal `json:"quantity"`
	Reference       string          `json:"reference"`
	IdempotencyKey  string          `json:"idempotencyKey"`
}

type Result struct {
	Record domain.StockRecord          `json:"record"`
	Entry  *domain.TransactionLogEntry `json:"entry,omitempty"`
	Batch  *domain.Batch               `json:"batch,omitempty"`
	// Applied is the quantity actually moved, which for a capped release is less than requested.
	Applied  decimal.Decimal `json:"applied"`
	Clamped  bool            `json:"clamped"`
	Replayed bool            `json:"replayed"`
}

type TransferResult struct {
	Source      domain.StockRecord          `json:"source"`
	Destination domain.StockRecord          `json:"destination"`
	Out         *domain.TransactionLogEntry `json:"out,omitempty"`
	In          *domain.TransactionLogEntry `json:"in,omitempty"`
	Replayed    bool                        `json:"replayed"`
}

func requirePositive(field string, q decimal.Decimal) error {
	if !q.IsPositive() {
		return fmt.Errorf("%w: %s must be greater than zero", store.ErrInvalidInput, field)
	}
	return nil
}

func notFound(key domain.StockKey) error {
	return fmt.Errorf("%w: no stock record for %s", store.ErrNotFound, key)
}

// post appends one entry to rec: it refreshes the derived fields, advances
// the per-key sequence and stamps the running balance on the entry.
func post(rec *domain.StockRecord, entry domain.TransactionLogEntry, actor string, at time.Time) domain.TransactionLogEntry {
	rec.Recompute()
	rec.UpdatedAt = at
	rec.LastSequence++

	if entry.ID == "" {
		entry.ID = xid.New("tx")
	}
	entry.TenantID = rec.TenantID
	entry.ProductID = rec.ProductID
	entry.WarehouseID = rec.WarehouseID
	entry.Sequence = rec.LastSequence
	entry.BalanceAfter = rec.Quantity
	entry.ReservedAfter = rec.ReservedQuantity
	entry.Actor = actor
	entry.CreatedAt = at
	return entry
}

// WeightedAverage blends an incoming lot into the running average cost.
func WeightedAverage(oldQty, oldAvg, qty, cost decimal.Decimal) decimal.Decimal {
	if !oldQty.IsPositive() {
		return cost.Round(costScale)
	}
	total := oldQty.Add(qty)
	if !total.IsPositive() {
		return oldAvg
	}
	return oldQty.Mul(oldAvg).Add(qty.Mul(cost)).Div(total).Round(costScale)
}

// Receive books incoming goods as a new batch, creating the stock record on first receipt.
func (e *Engine) Receive(ctx context.Context, req ReceiveRequest) (res Result, err error) {
	defer func(startedAt time.Time) { e.observe("receive", startedAt, err) }(time.Now())

	key, err := stockKey(req.TenantID, req.ProductID, req.WarehouseID)
	if err != nil {
		return Result{}, err
	}
	if err := requirePositive("quantity", req.Quantity); err != nil {
		return Result{}, err
	}
	if req.CostPrice.IsNegative() {
		return Result{}, fmt.Errorf("%w: costPrice must not be negative", store.ErrInvalidInput)
	}
	if replayed, err := e.replay(ctx, req.TenantID, req.IdempotencyKey, domain.TxGoodsReceipt); err != nil || replayed != nil {
		return deref(replayed), err
	}

	actor := actorID(ctx)
	err = e.commit(ctx, "receive", req.TenantID, []domain.StockKey{key}, func(records map[domain.StockKey]*domain.StockRecord, at time.Time) (store.Changes, error) {
		rec := records[key]
		if rec == nil {
			fresh := domain.NewStockRecord(req.TenantID, key, at)
			rec = &fresh
			records[key] = rec
		}

		batchNo := req.BatchNo
		if batchNo == "" {
			batchNo = fmt.Sprintf("B%s-%03d", at.Format("20060102"), len(rec.Batches)+1)
		}
		batch := domain.Batch{
			ID:           xid.New("batch"),
			BatchNo:      batchNo,
			Quantity:     req.Quantity,
			RemainingQty: req.Quantity,
			CostPrice:    req.CostPrice,
			ReceivedDate: at,
			Supplier:     req.Supplier,
			Reference:    req.Reference,
		}
		rec.AvgCostPrice = WeightedAverage(rec.Quantity, rec.AvgCostPrice, req.Quantity, req.CostPrice)
		rec.Quantity = rec.Quantity.Add(req.Quantity)
		rec.Batches = append(rec.Batches, batch)

		entry := post(rec, domain.TransactionLogEntry{
			Type:           domain.TxGoodsReceipt,
			Quantity:       req.Quantity,
			UnitCost:       req.CostPrice,
			Reference:      req.Reference,
			BatchID:        batch.ID,
			IdempotencyKey: req.IdempotencyKey,
		}, actor, at)

		res = Result{Record: *rec, Entry: &entry, Batch: &batch, Applied: req.Quantity}
		return store.Changes{Entries: []domain.TransactionLogEntry{entry}}, nil
	})
	if err != nil {
		return e.settle(ctx, req.TenantID, req.IdempotencyKey, domain.TxGoodsReceipt, err)
	}
	return res, nil
}

// Adjust applies a signed correction. The quantity is floored at zero and
// the floor is reported through Clamped; the entry keeps the requested delta.
// A correction may not cut into reserved stock.
func (e *Engine) Adjust(ctx context.Context, req AdjustRequest) (res Result, err error) {
	defer func(startedAt time.Time) { e.observe("adjust", startedAt, err) }(time.Now())

	key, err := stockKey(req.TenantID, req.ProductID, req.WarehouseID)
	if err != nil {
		return Result{}, err
	}
	if req.Delta.IsZero() {
		return Result{}, fmt.Errorf("%w: delta must not be zero", store.ErrInvalidInput)
	}
	if replayed, err := e.replay(ctx, req.TenantID, req.IdempotencyKey, domain.TxAdjustment); err != nil || replayed != nil {
		return deref(replayed), err
	}

	actor := actorID(ctx)
	err = e.commit(ctx, "adjust", req.TenantID, []domain.StockKey{key}, func(records map[domain.StockKey]*domain.StockRecord, at time.Time) (store.Changes, error) {
		rec := records[key]
		if rec == nil {
			return store.Changes{}, notFound(key)
		}

		target := rec.Quantity.Add(req.Delta)
		clamped := false
		if target.IsNegative() {
			target = decimal.Zero
			clamped = true
		}
		if target.LessThan(rec.ReservedQuantity) {
			return store.Changes{}, &store.InsufficientStockError{Key: key, Requested: req.Delta.Neg(), Available: rec.AvailableQuantity}
		}
		rec.Quantity = target

		entry := post(rec, domain.TransactionLogEntry{
			Type:           domain.TxAdjustment,
			Quantity:       req.Delta,
			Clamped:        clamped,
			Reason:         req.Reason,
			Reference:      req.Reference,
			IdempotencyKey: req.IdempotencyKey,
		}, actor, at)

		res = Result{Record: *rec, Entry: &entry, Applied: req.Delta, Clamped: clamped}
		return store.Changes{Entries: []domain.TransactionLogEntry{entry}}, nil
	})
	if err != nil {
		return e.settle(ctx, req.TenantID, req.IdempotencyKey, domain.TxAdjustment, err)
	}
	return res, nil
}

// Reserve moves quantity from available to reserved. A first attempt against
// an unknown key leaves a zero-quantity record behind and fails.
func (e *Engine) Reserve(ctx context.Context, req MoveRequest) (res Result, err error) {
	defer func(startedAt time.Time) { e.observe("reserve", startedAt, err) }(time.Now())

	key, err := stockKey(req.TenantID, req.ProductID, req.WarehouseID)
	if err != nil {
		return Result{}, err
	}
	if err := requirePositive("quantity", req.Quantity); err != nil {
		return Result{}, err
	}
	if replayed, err := e.replay(ctx, req.TenantID, req.IdempotencyKey, domain.TxReservation); err != nil || replayed != nil {
		return deref(replayed), err
	}

	actor := actorID(ctx)
	var shortfall *store.InsufficientStockError
	err = e.commit(ctx, "reserve", req.TenantID, []domain.StockKey{key}, func(records map[domain.StockKey]*domain.StockRecord, at time.Time) (store.Changes, error) {
		shortfall = nil
		rec := records[key]
		if rec == nil {
			shell := domain.NewStockRecord(req.TenantID, key, at)
			records[key] = &shell
			shortfall = &store.InsufficientStockError{Key: key, Requested: req.Quantity, Available: decimal.Zero}
			return store.Changes{}, nil
		}
		if req.Quantity.GreaterThan(rec.AvailableQuantity) {
			return store.Changes{}, &store.InsufficientStockError{Key: key, Requested: req.Quantity, Available: rec.AvailableQuantity}
		}
		rec.ReservedQuantity = rec.ReservedQuantity.Add(req.Quantity)

		entry := post(rec, domain.TransactionLogEntry{
			Type:           domain.TxReservation,
			Quantity:       req.Quantity,
			Reference:      req.Reference,
			IdempotencyKey: req.IdempotencyKey,
		}, actor, at)

		res = Result{Record: *rec, Entry: &entry, Applied: req.Quantity}
		return store.Changes{Entries: []domain.TransactionLogEntry{entry}, Reservations: req.Attach}, nil
	})
	if err != nil {
		return e.settle(ctx, req.TenantID, req.IdempotencyKey, domain.TxReservation, err)
	}
	if shortfall != nil {
		return Result{}, shortfall
	}
	return res, nil
}

// Release returns reserved quantity to available. Requests above the reserved
// quantity are capped; Applied carries the amount released.
func (e *Engine) Release(ctx context.Context, req MoveRequest) (res Result, err error) {
	defer func(startedAt time.Time) { e.observe("release", startedAt, err) }(time.Now())

	key, err := stockKey(req.TenantID, req.ProductID, req.WarehouseID)
	if err != nil {
		return Result{}, err
	}
	if err := requirePositive("quantity", req.Quantity); err != nil {
		return Result{}, err
	}
	if replayed, err := e.replay(ctx, req.TenantID, req.IdempotencyKey, domain.TxRelease); err != nil || replayed != nil {
		return deref(replayed), err
	}

	actor := actorID(ctx)
	err = e.commit(ctx, "release", req.TenantID, []domain.StockKey{key}, func(records map[domain.StockKey]*domain.StockRecord, at time.Time) (store.Changes, error) {
		rec := records[key]
		if rec == nil {
			return store.Changes{}, notFound(key)
		}
		actual := decimal.Min(req.Quantity, rec.ReservedQuantity)
		capped := actual.LessThan(req.Quantity)
		rec.ReservedQuantity = rec.ReservedQuantity.Sub(actual)

		entry := post(rec, domain.TransactionLogEntry{
			Type:           domain.TxRelease,
			Quantity:       actual,
			Clamped:        capped,
			Reference:      req.Reference,
			IdempotencyKey: req.IdempotencyKey,
		}, actor, at)

		res = Result{Record: *rec, Entry: &entry, Applied: actual, Clamped: capped}
		return store.Changes{Entries: []domain.TransactionLogEntry{entry}, Reservations: req.Attach}, nil
	})
	if err != nil {
		return e.settle(ctx, req.TenantID, req.IdempotencyKey, domain.TxRelease, err)
	}
	return res, nil
}

// Consume removes quantity for good, drawing reserved stock first and the
// remainder from available.
func (e *Engine) Consume(ctx context.Context, req MoveRequest) (res Result, err error) {
	defer func(startedAt time.Time) { e.observe("consume", startedAt, err) }(time.Now())

	key, err := stockKey(req.TenantID, req.ProductID, req.WarehouseID)
	if err != nil {
		return Result{}, err
	}
	if err := requirePositive("quantity", req.Quantity); err != nil {
		return Result{}, err
	}
	if replayed, err := e.replay(ctx, req.TenantID, req.IdempotencyKey, domain.TxConsumption); err != nil || replayed != nil {
		return deref(replayed), err
	}

	actor := actorID(ctx)
	err = e.commit(ctx, "consume", req.TenantID, []domain.StockKey{key}, func(records map[domain.StockKey]*domain.StockRecord, at time.Time) (store.Changes, error) {
		rec := records[key]
		if rec == nil {
			return store.Changes{}, notFound(key)
		}
		fromReserved := decimal.Min(req.Quantity, rec.ReservedQuantity)
		remainder := req.Quantity.Sub(fromReserved)
		if remainder.GreaterThan(rec.AvailableQuantity) {
			return store.Changes{}, &store.InsufficientStockError{
				Key:       key,
				Requested: req.Quantity,
				Available: fromReserved.Add(rec.AvailableQuantity),
			}
		}
		rec.ReservedQuantity = rec.ReservedQuantity.Sub(fromReserved)
		rec.Quantity = rec.Quantity.Sub(req.Quantity)

		entry := post(rec, domain.TransactionLogEntry{
			Type:           domain.TxConsumption,
			Quantity:       req.Quantity.Neg(),
			UnitCost:       rec.AvgCostPrice,
			Reference:      req.Reference,
			IdempotencyKey: req.IdempotencyKey,
		}, actor, at)

		res = Result{Record: *rec, Entry: &entry, Applied: req.Quantity}
		return store.Changes{Entries: []domain.TransactionLogEntry{entry}, Reservations: req.Attach}, nil
	})
	if err != nil {
		return e.settle(ctx, req.TenantID, req.IdempotencyKey, domain.TxConsumption, err)
	}
	return res, nil
}

// Transfer moves available quantity between two warehouses in one unit. The
// destination inherits the source average cost only when it is created; an
// existing destination keeps its own.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (res TransferResult, err error) {
	defer func(startedAt time.Time) { e.observe("transfer", startedAt, err) }(time.Now())

	from, err := stockKey(req.TenantID, req.ProductID, req.FromWarehouseID)
	if err != nil {
		return TransferResult{}, err
	}
	to, err := stockKey(req.TenantID, req.ProductID, req.ToWarehouseID)
	if err != nil {
		return TransferResult{}, err
	}
	if from == to {
		return TransferResult{}, fmt.Errorf("%w: source and destination warehouse are the same", store.ErrInvalidInput)
	}
	if err := requirePositive("quantity", req.Quantity); err != nil {
		return TransferResult{}, err
	}
	replayed, err := e.replayTransfer(ctx, req)
	if err != nil {
		return TransferResult{}, err
	}
	if replayed != nil {
		return *replayed, nil
	}

	actor := actorID(ctx)
	err = e.commit(ctx, "transfer", req.TenantID, []domain.StockKey{from, to}, func(records map[domain.StockKey]*domain.StockRecord, at time.Time) (store.Changes, error) {
		src := records[from]
		if src == nil {
			return store.Changes{}, &store.InsufficientStockError{Key: from, Requested: req.Quantity, Available: decimal.Zero}
		}
		if req.Quantity.GreaterThan(src.AvailableQuantity) {
			return store.Changes{}, &store.InsufficientStockError{Key: from, Requested: req.Quantity, Available: src.AvailableQuantity}
		}
		dst := records[to]
		if dst == nil {
			fresh := domain.NewStockRecord(req.TenantID, to, at)
			fresh.AvgCostPrice = src.AvgCostPrice
			dst = &fresh
			records[to] = dst
		}

		src.Quantity = src.Quantity.Sub(req.Quantity)
		dst.Quantity = dst.Quantity.Add(req.Quantity)

		outID, inID := xid.New("tx"), xid.New("tx")
		inKey := ""
		if req.IdempotencyKey != "" {
			inKey = req.IdempotencyKey + ":in"
		}
		out := post(src, domain.TransactionLogEntry{
			ID:             outID,
			Type:           domain.TxTransferOut,
			Quantity:       req.Quantity.Neg(),
			UnitCost:       src.AvgCostPrice,
			Reference:      req.Reference,
			CounterpartID:  inID,
			IdempotencyKey: req.IdempotencyKey,
		}, actor, at)
		in := post(dst, domain.TransactionLogEntry{
			ID:             inID,
			Type:           domain.TxTransferIn,
			Quantity:       req.Quantity,
			UnitCost:       src.AvgCostPrice,
			Reference:      req.Reference,
			CounterpartID:  outID,
			IdempotencyKey: inKey,
		}, actor, at)

		res = TransferResult{Source: *src, Destination: *dst, Out: &out, In: &in}
		return store.Changes{Entries: []domain.TransactionLogEntry{out, in}}, nil
	})
	if err != nil {
		if req.IdempotencyKey != "" && errors.Is(err, store.ErrDuplicate) {
			if replayed, rerr := e.replayTransfer(ctx, req); rerr == nil && replayed != nil {
				return *replayed, nil
			}
		}
		return TransferResult{}, err
	}
	return res, nil
}

func (e *Engine) replayTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	first, err := e.replay(ctx, req.TenantID, req.IdempotencyKey, domain.TxTransferOut)
	if err != nil || first == nil {
		return nil, err
	}
	in, err := e.repo.GetTransaction(ctx, req.TenantID, first.Entry.CounterpartID)
	if err != nil {
		return nil, err
	}
	dst, err := e.repo.GetStock(ctx, req.TenantID, domain.StockKey{ProductID: in.ProductID, WarehouseID: in.WarehouseID})
	if err != nil {
		return nil, err
	}
	return &TransferResult{Source: first.Record, Destination: *dst, Out: first.Entry, In: in, Replayed: true}, nil
}

func deref(res *Result) Result {
	if res == nil {
		return Result{}
	}
	return *res
}
