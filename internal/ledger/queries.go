package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
)

// SetReorderLevel changes the low-stock threshold. It moves no quantity and
// writes no log entry.
func (e *Engine) SetReorderLevel(ctx context.Context, tenantID string, productID string, warehouseID string, level decimal.Decimal) (*domain.StockRecord, error) {
	key, err := stockKey(tenantID, productID, warehouseID)
	if err != nil {
		return nil, err
	}
	if level.IsNegative() {
		return nil, fmt.Errorf("%w: reorderLevel must not be negative", store.ErrInvalidInput)
	}
	return e.repo.SetReorderLevel(ctx, tenantID, key, level, e.now())
}

func (e *Engine) GetStock(ctx context.Context, tenantID string, productID string, warehouseID string) (*domain.StockRecord, error) {
	key, err := stockKey(tenantID, productID, warehouseID)
	if err != nil {
		return nil, err
	}
	return e.repo.GetStock(ctx, tenantID, key)
}

func (e *Engine) ListStock(ctx context.Context, tenantID string, filter store.StockFilter) ([]domain.StockRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", store.ErrInvalidInput)
	}
	return e.repo.ListStock(ctx, tenantID, filter)
}

func (e *Engine) GetTransaction(ctx context.Context, tenantID string, id string) (*domain.TransactionLogEntry, error) {
	if tenantID == "" || id == "" {
		return nil, fmt.Errorf("%w: tenant and id are required", store.ErrInvalidInput)
	}
	return e.repo.GetTransaction(ctx, tenantID, id)
}

func (e *Engine) ListTransactions(ctx context.Context, tenantID string, filter store.TransactionFilter) ([]domain.TransactionLogEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", store.ErrInvalidInput)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown transaction type %q", store.ErrInvalidInput, filter.Type)
	}
	return e.repo.ListTransactions(ctx, tenantID, filter)
}

// Consumption sums the quantity consumed per stock key since the given time.
func (e *Engine) Consumption(ctx context.Context, tenantID string, since time.Time) (map[domain.StockKey]decimal.Decimal, error) {
	entries, err := e.ListTransactions(ctx, tenantID, store.TransactionFilter{Type: domain.TxConsumption, Since: since})
	if err != nil {
		return nil, err
	}
	out := make(map[domain.StockKey]decimal.Decimal)
	for _, entry := range entries {
		key := domain.StockKey{ProductID: entry.ProductID, WarehouseID: entry.WarehouseID}
		out[key] = out[key].Add(entry.Quantity.Neg())
	}
	return out, nil
}
