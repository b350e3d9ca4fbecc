package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
)

type transactionRow struct {
	ID             string          `db:"id"`
	TenantID       string          `db:"tenant_id"`
	ProductID      string          `db:"product_id"`
	WarehouseID    string          `db:"warehouse_id"`
	Sequence       int64           `db:"sequence"`
	Type           string          `db:"type"`
	Quantity       decimal.Decimal `db:"quantity"`
	UnitCost       decimal.Decimal `db:"unit_cost"`
	BalanceAfter   decimal.Decimal `db:"balance_after"`
	ReservedAfter  decimal.Decimal `db:"reserved_after"`
	Clamped        bool            `db:"clamped"`
	Reference      string          `db:"reference"`
	Reason         string          `db:"reason"`
	BatchID        string          `db:"batch_id"`
	CounterpartID  string          `db:"counterpart_id"`
	ReversalOf     string          `db:"reversal_of"`
	IdempotencyKey string          `db:"idempotency_key"`
	Actor          string          `db:"actor"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r transactionRow) toDomain() domain.TransactionLogEntry {
	return domain.TransactionLogEntry{
		ID:             r.ID,
		TenantID:       r.TenantID,
		ProductID:      r.ProductID,
		WarehouseID:    r.WarehouseID,
		Sequence:       r.Sequence,
		Type:           domain.TransactionType(r.Type),
		Quantity:       r.Quantity,
		UnitCost:       r.UnitCost,
		BalanceAfter:   r.BalanceAfter,
		ReservedAfter:  r.ReservedAfter,
		Clamped:        r.Clamped,
		Reference:      r.Reference,
		Reason:         r.Reason,
		BatchID:        r.BatchID,
		CounterpartID:  r.CounterpartID,
		ReversalOf:     r.ReversalOf,
		IdempotencyKey: r.IdempotencyKey,
		Actor:          r.Actor,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

const transactionColumns = `id, tenant_id, product_id, warehouse_id, sequence, type, quantity, unit_cost,
	balance_after, reserved_after, clamped, reference, reason, batch_id, counterpart_id,
	reversal_of, idempotency_key, actor, created_at`

func (s *Store) findTransaction(ctx context.Context, tenantID string, column string, value string) (*domain.TransactionLogEntry, error) {
	var row transactionRow
	err := s.dbx.GetContext(ctx, &row, `
		SELECT `+transactionColumns+`
		FROM stock_transactions
		WHERE tenant_id = $1 AND `+column+` = $2
		LIMIT 1
	`, tenantID, value)
	if err != nil {
		return nil, classify(err)
	}
	entry := row.toDomain()
	return &entry, nil
}

func (s *Store) GetTransaction(ctx context.Context, tenantID string, id string) (*domain.TransactionLogEntry, error) {
	return s.findTransaction(ctx, tenantID, "id", id)
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, tenantID string, key string) (*domain.TransactionLogEntry, error) {
	return s.findTransaction(ctx, tenantID, "idempotency_key", key)
}

func (s *Store) FindReversal(ctx context.Context, tenantID string, entryID string) (*domain.TransactionLogEntry, error) {
	return s.findTransaction(ctx, tenantID, "reversal_of", entryID)
}

func (s *Store) ListTransactions(ctx context.Context, tenantID string, filter store.TransactionFilter) ([]domain.TransactionLogEntry, error) {
	query := `SELECT ` + transactionColumns + ` FROM stock_transactions WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		query += fmt.Sprintf(" AND product_id = $%d", len(args))
	}
	if filter.WarehouseID != "" {
		args = append(args, filter.WarehouseID)
		query += fmt.Sprintf(" AND warehouse_id = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if filter.Reference != "" {
		args = append(args, filter.Reference)
		query += fmt.Sprintf(" AND reference = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	query += " ORDER BY created_at DESC, sequence DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []transactionRow
	if err := s.dbx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.TransactionLogEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

type reservationRow struct {
	ID           string          `db:"id"`
	TenantID     string          `db:"tenant_id"`
	Number       string          `db:"number"`
	Type         string          `db:"type"`
	QuotationID  string          `db:"quotation_id"`
	CustomerRef  string          `db:"customer_ref"`
	ProductID    string          `db:"product_id"`
	WarehouseID  string          `db:"warehouse_id"`
	Quantity     decimal.Decimal `db:"quantity"`
	Unit         string          `db:"unit"`
	Status       string          `db:"status"`
	ExpiresAt    time.Time       `db:"expires_at"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
	ClosedAt     sql.NullTime    `db:"closed_at"`
	ClosedReason string          `db:"closed_reason"`
	History      []byte          `db:"history"`
}

func (r reservationRow) toDomain() (domain.Reservation, error) {
	res := domain.Reservation{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Number:       r.Number,
		Type:         domain.ReservationType(r.Type),
		QuotationID:  r.QuotationID,
		CustomerRef:  r.CustomerRef,
		ProductID:    r.ProductID,
		WarehouseID:  r.WarehouseID,
		Quantity:     r.Quantity,
		Unit:         r.Unit,
		Status:       domain.ReservationStatus(r.Status),
		ExpiresAt:    r.ExpiresAt.UTC(),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		ClosedReason: r.ClosedReason,
		History:      []domain.ReservationEvent{},
	}
	if r.ClosedAt.Valid {
		closedAt := r.ClosedAt.Time.UTC()
		res.ClosedAt = &closedAt
	}
	if len(r.History) > 0 {
		if err := json.Unmarshal(r.History, &res.History); err != nil {
			return domain.Reservation{}, fmt.Errorf("decode reservation %s history: %w", r.ID, err)
		}
	}
	return res, nil
}

const reservationColumns = `id, tenant_id, number, type, quotation_id, customer_ref, product_id, warehouse_id,
	quantity, unit, status, expires_at, created_at, updated_at, closed_at, closed_reason, history`

func reservationsFromRows(rows []reservationRow) ([]domain.Reservation, error) {
	out := make([]domain.Reservation, 0, len(rows))
	for _, row := range rows {
		res, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Store) GetReservation(ctx context.Context, tenantID string, id string) (*domain.Reservation, error) {
	var row reservationRow
	err := s.dbx.GetContext(ctx, &row, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	if err != nil {
		return nil, classify(err)
	}
	res, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Store) ListReservations(ctx context.Context, tenantID string, filter store.ReservationFilter) ([]domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.QuotationID != "" {
		args = append(args, filter.QuotationID)
		query += fmt.Sprintf(" AND quotation_id = $%d", len(args))
	}
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		query += fmt.Sprintf(" AND product_id = $%d", len(args))
	}
	if filter.WarehouseID != "" {
		args = append(args, filter.WarehouseID)
		query += fmt.Sprintf(" AND warehouse_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	query += " ORDER BY created_at ASC, number ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []reservationRow
	if err := s.dbx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return reservationsFromRows(rows)
}

func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []reservationRow
	if err := s.dbx.SelectContext(ctx, &rows, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at ASC, id ASC
		LIMIT $2
	`, now, limit); err != nil {
		return nil, err
	}
	return reservationsFromRows(rows)
}

func (s *Store) ExtendReservation(ctx context.Context, tenantID string, id string, expiresAt time.Time, event domain.ReservationEvent) (*domain.Reservation, error) {
	payload, err := json.Marshal([]domain.ReservationEvent{event})
	if err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET expires_at = $3, updated_at = $4, history = history || $5::jsonb
		WHERE tenant_id = $1 AND id = $2 AND status = 'active'
	`, tenantID, id, expiresAt, event.At, payload)
	if err != nil {
		return nil, classify(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	res, err := s.GetReservation(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: reservation %s is %s", store.ErrReservationClosed, id, res.Status)
	}
	return res, nil
}

func (s *Store) NextSequence(ctx context.Context, tenantID string, name string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ledger_sequences (tenant_id, name, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, name)
		DO UPDATE SET value = ledger_sequences.value + 1
		RETURNING value
	`, tenantID, name).Scan(&value)
	if err != nil {
		return 0, classify(err)
	}
	return value, nil
}

func (s *Store) ListProducts(ctx context.Context, tenantID string) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 64)
	if err := s.dbx.SelectContext(ctx, &products, `
		SELECT id, sku, name, category, unit
		FROM products
		WHERE tenant_id = $1
		ORDER BY name ASC
	`, tenantID); err != nil {
		return nil, err
	}
	return products, nil
}

type legacyRow struct {
	ProductID        sql.NullString      `db:"product_id"`
	SKU              sql.NullString      `db:"sku"`
	ProductName      sql.NullString      `db:"product_name"`
	Category         sql.NullString      `db:"category"`
	WarehouseID      sql.NullString      `db:"warehouse_id"`
	WarehouseName    sql.NullString      `db:"warehouse_name"`
	Quantity         decimal.NullDecimal `db:"quantity"`
	ReservedQty      decimal.NullDecimal `db:"reserved_qty"`
	ReservedQuantity decimal.NullDecimal `db:"reserved_quantity"`
	AvgCostPrice     decimal.NullDecimal `db:"avg_cost_price"`
	ReorderLevel     decimal.NullDecimal `db:"reorder_level"`
	UpdatedAt        sql.NullTime        `db:"updated_at"`
}

var legacyTables = map[domain.LegacySource]string{
	domain.SourceWFInventory:    "wf_inventory_stock",
	domain.SourceFlooringV2:     "flooring_inventory_v2",
	domain.SourceFlooringLegacy: "flooring_inventory",
}

func (s *Store) LoadLegacyStock(ctx context.Context, tenantID string, source domain.LegacySource) ([]domain.LegacyStockRecord, error) {
	table, ok := legacyTables[source]
	if !ok {
		return nil, fmt.Errorf("%w: unknown legacy source %q", store.ErrInvalidInput, source)
	}

	var rows []legacyRow
	if err := s.dbx.SelectContext(ctx, &rows, `
		SELECT product_id, sku, product_name, category, warehouse_id, warehouse_name,
			quantity, reserved_qty, reserved_quantity, avg_cost_price, reorder_level, updated_at
		FROM `+table+`
		WHERE tenant_id = $1
	`, tenantID); err != nil {
		return nil, err
	}

	out := make([]domain.LegacyStockRecord, 0, len(rows))
	for _, row := range rows {
		rec := domain.LegacyStockRecord{
			Source:        source,
			ProductID:     row.ProductID.String,
			SKU:           row.SKU.String,
			ProductName:   row.ProductName.String,
			Category:      row.Category.String,
			WarehouseID:   row.WarehouseID.String,
			WarehouseName: row.WarehouseName.String,
			Quantity:      row.Quantity.Decimal,
			AvgCostPrice:  row.AvgCostPrice.Decimal,
			ReorderLevel:  row.ReorderLevel.Decimal,
		}
		switch {
		case row.ReservedQuantity.Valid:
			rec.Reserved = row.ReservedQuantity.Decimal
		case row.ReservedQty.Valid:
			rec.Reserved = row.ReservedQty.Decimal
		}
		if row.UpdatedAt.Valid {
			rec.UpdatedAt = row.UpdatedAt.Time.UTC()
		}
		out = append(out, rec)
	}
	return out, nil
}
