package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
)

type stockRow struct {
	TenantID          string          `db:"tenant_id"`
	ProductID         string          `db:"product_id"`
	WarehouseID       string          `db:"warehouse_id"`
	Quantity          decimal.Decimal `db:"quantity"`
	ReservedQuantity  decimal.Decimal `db:"reserved_quantity"`
	AvailableQuantity decimal.Decimal `db:"available_quantity"`
	AvgCostPrice      decimal.Decimal `db:"avg_cost_price"`
	ReorderLevel      decimal.Decimal `db:"reorder_level"`
	LastSequence      int64           `db:"last_sequence"`
	Version           int64           `db:"version"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (r stockRow) toDomain() domain.StockRecord {
	return domain.StockRecord{
		TenantID:          r.TenantID,
		ProductID:         r.ProductID,
		WarehouseID:       r.WarehouseID,
		Quantity:          r.Quantity,
		ReservedQuantity:  r.ReservedQuantity,
		AvailableQuantity: r.AvailableQuantity,
		AvgCostPrice:      r.AvgCostPrice,
		ReorderLevel:      r.ReorderLevel,
		Batches:           []domain.Batch{},
		LastSequence:      r.LastSequence,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

type batchRow struct {
	ID           string          `db:"id"`
	ProductID    string          `db:"product_id"`
	WarehouseID  string          `db:"warehouse_id"`
	BatchNo      string          `db:"batch_no"`
	Quantity     decimal.Decimal `db:"quantity"`
	RemainingQty decimal.Decimal `db:"remaining_qty"`
	CostPrice    decimal.Decimal `db:"cost_price"`
	ReceivedDate time.Time       `db:"received_date"`
	Supplier     string          `db:"supplier"`
	Reference    string          `db:"reference"`
}

func (r batchRow) toDomain() domain.Batch {
	return domain.Batch{
		ID:           r.ID,
		BatchNo:      r.BatchNo,
		Quantity:     r.Quantity,
		RemainingQty: r.RemainingQty,
		CostPrice:    r.CostPrice,
		ReceivedDate: r.ReceivedDate.UTC(),
		Supplier:     r.Supplier,
		Reference:    r.Reference,
	}
}

const stockColumns = `tenant_id, product_id, warehouse_id, quantity, reserved_quantity, available_quantity,
	avg_cost_price, reorder_level, last_sequence, version, created_at, updated_at`

const batchColumns = `id, product_id, warehouse_id, batch_no, quantity, remaining_qty, cost_price, received_date, supplier, reference`

func (s *Store) GetStock(ctx context.Context, tenantID string, key domain.StockKey) (*domain.StockRecord, error) {
	var row stockRow
	err := s.dbx.GetContext(ctx, &row, `
		SELECT `+stockColumns+`
		FROM stock_records
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
	`, tenantID, key.ProductID, key.WarehouseID)
	if err != nil {
		return nil, classify(err)
	}
	rec := row.toDomain()

	var batches []batchRow
	if err := s.dbx.SelectContext(ctx, &batches, `
		SELECT `+batchColumns+`
		FROM stock_batches
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
		ORDER BY seq ASC
	`, tenantID, key.ProductID, key.WarehouseID); err != nil {
		return nil, err
	}
	for _, b := range batches {
		rec.Batches = append(rec.Batches, b.toDomain())
	}
	return &rec, nil
}

func (s *Store) ListStock(ctx context.Context, tenantID string, filter store.StockFilter) ([]domain.StockRecord, error) {
	query := `SELECT ` + stockColumns + ` FROM stock_records WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		query += fmt.Sprintf(" AND product_id = $%d", len(args))
	}
	if filter.WarehouseID != "" {
		args = append(args, filter.WarehouseID)
		query += fmt.Sprintf(" AND warehouse_id = $%d", len(args))
	}
	if filter.LowStock {
		query += " AND available_quantity <= reorder_level"
	}
	query += " ORDER BY product_id ASC, warehouse_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []stockRow
	if err := s.dbx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.StockRecord, 0, len(rows))
	index := make(map[domain.StockKey]int, len(rows))
	productIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		rec := row.toDomain()
		index[rec.Key()] = len(out)
		out = append(out, rec)
		productIDs = append(productIDs, rec.ProductID)
	}
	if len(out) == 0 {
		return out, nil
	}

	var batches []batchRow
	if err := s.dbx.SelectContext(ctx, &batches, `
		SELECT `+batchColumns+`
		FROM stock_batches
		WHERE tenant_id = $1 AND product_id = ANY($2)
		ORDER BY seq ASC
	`, tenantID, slices.Compact(slices.Sorted(slices.Values(productIDs)))); err != nil {
		return nil, err
	}
	for _, b := range batches {
		if idx, ok := index[domain.StockKey{ProductID: b.ProductID, WarehouseID: b.WarehouseID}]; ok {
			out[idx].Batches = append(out[idx].Batches, b.toDomain())
		}
	}
	return out, nil
}

func (s *Store) MutateStock(ctx context.Context, tenantID string, keys []domain.StockKey, fn store.MutateFunc) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: no stock keys", store.ErrInvalidInput)
	}
	sorted := slices.Clone(keys)
	slices.SortFunc(sorted, func(a, b domain.StockKey) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
	sorted = slices.Compact(sorted)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	records := make(map[domain.StockKey]*domain.StockRecord, len(sorted))
	loadedBatches := make(map[string]decimal.Decimal)
	for _, key := range sorted {
		rec, err := lockStockRecord(ctx, tx, tenantID, key)
		if errors.Is(err, store.ErrNotFound) {
			records[key] = nil
			continue
		}
		if err != nil {
			return err
		}
		for _, b := range rec.Batches {
			loadedBatches[b.ID] = b.RemainingQty
		}
		records[key] = rec
	}

	changes, err := fn(records)
	if err != nil {
		return err
	}

	for _, key := range sorted {
		rec := records[key]
		if rec == nil {
			continue
		}
		if rec.Key() != key {
			return fmt.Errorf("%w: record %s stored under %s", store.ErrInvalidInput, rec.Key(), key)
		}
		if err := upsertStockRecord(ctx, tx, tenantID, *rec); err != nil {
			return err
		}
		for _, b := range rec.Batches {
			remaining, loaded := loadedBatches[b.ID]
			if loaded && remaining.Equal(b.RemainingQty) {
				continue
			}
			if err := upsertBatch(ctx, tx, tenantID, key, b); err != nil {
				return err
			}
		}
	}
	for _, entry := range changes.Entries {
		if err := insertTransaction(ctx, tx, tenantID, entry); err != nil {
			return err
		}
	}
	for _, write := range changes.Reservations {
		if err := writeReservation(ctx, tx, tenantID, write); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func lockStockRecord(ctx context.Context, tx *sql.Tx, tenantID string, key domain.StockKey) (*domain.StockRecord, error) {
	var row stockRow
	err := tx.QueryRowContext(ctx, `
		SELECT `+stockColumns+`
		FROM stock_records
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
		FOR UPDATE
	`, tenantID, key.ProductID, key.WarehouseID).Scan(
		&row.TenantID,
		&row.ProductID,
		&row.WarehouseID,
		&row.Quantity,
		&row.ReservedQuantity,
		&row.AvailableQuantity,
		&row.AvgCostPrice,
		&row.ReorderLevel,
		&row.LastSequence,
		&row.Version,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	rec := row.toDomain()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM stock_batches
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
		ORDER BY seq ASC
	`, tenantID, key.ProductID, key.WarehouseID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var b batchRow
		if err := rows.Scan(&b.ID, &b.ProductID, &b.WarehouseID, &b.BatchNo, &b.Quantity, &b.RemainingQty, &b.CostPrice, &b.ReceivedDate, &b.Supplier, &b.Reference); err != nil {
			return nil, err
		}
		rec.Batches = append(rec.Batches, b.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return &rec, nil
}

func upsertStockRecord(ctx context.Context, tx *sql.Tx, tenantID string, rec domain.StockRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_records (
			tenant_id, product_id, warehouse_id, quantity, reserved_quantity, available_quantity,
			avg_cost_price, reorder_level, last_sequence, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)
		ON CONFLICT (tenant_id, product_id, warehouse_id)
		DO UPDATE SET
			quantity = EXCLUDED.quantity,
			reserved_quantity = EXCLUDED.reserved_quantity,
			available_quantity = EXCLUDED.available_quantity,
			avg_cost_price = EXCLUDED.avg_cost_price,
			reorder_level = EXCLUDED.reorder_level,
			last_sequence = EXCLUDED.last_sequence,
			version = stock_records.version + 1,
			updated_at = EXCLUDED.updated_at
	`,
		tenantID,
		rec.ProductID,
		rec.WarehouseID,
		rec.Quantity,
		rec.ReservedQuantity,
		rec.AvailableQuantity,
		rec.AvgCostPrice,
		rec.ReorderLevel,
		rec.LastSequence,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return classify(err)
}

func upsertBatch(ctx context.Context, tx *sql.Tx, tenantID string, key domain.StockKey, b domain.Batch) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_batches (
			id, tenant_id, product_id, warehouse_id, batch_no, quantity, remaining_qty,
			cost_price, received_date, supplier, reference
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id)
		DO UPDATE SET remaining_qty = EXCLUDED.remaining_qty
	`,
		b.ID,
		tenantID,
		key.ProductID,
		key.WarehouseID,
		b.BatchNo,
		b.Quantity,
		b.RemainingQty,
		b.CostPrice,
		b.ReceivedDate,
		b.Supplier,
		b.Reference,
	)
	return classify(err)
}

func insertTransaction(ctx context.Context, tx *sql.Tx, tenantID string, entry domain.TransactionLogEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_transactions (
			id, tenant_id, product_id, warehouse_id, sequence, type, quantity, unit_cost,
			balance_after, reserved_after, clamped, reference, reason, batch_id,
			counterpart_id, reversal_of, idempotency_key, actor, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		entry.ID,
		tenantID,
		entry.ProductID,
		entry.WarehouseID,
		entry.Sequence,
		string(entry.Type),
		entry.Quantity,
		entry.UnitCost,
		entry.BalanceAfter,
		entry.ReservedAfter,
		entry.Clamped,
		entry.Reference,
		entry.Reason,
		entry.BatchID,
		entry.CounterpartID,
		entry.ReversalOf,
		entry.IdempotencyKey,
		entry.Actor,
		entry.CreatedAt,
	)
	return classify(err)
}

func writeReservation(ctx context.Context, tx *sql.Tx, tenantID string, write store.ReservationWrite) error {
	res := write.Reservation
	history, err := json.Marshal(res.History)
	if err != nil {
		return err
	}

	if write.ExpectStatus == "" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (
				id, tenant_id, number, type, quotation_id, customer_ref, product_id, warehouse_id,
				quantity, unit, status, expires_at, created_at, updated_at, closed_at, closed_reason, history
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		`,
			res.ID,
			tenantID,
			res.Number,
			string(res.Type),
			res.QuotationID,
			res.CustomerRef,
			res.ProductID,
			res.WarehouseID,
			res.Quantity,
			res.Unit,
			string(res.Status),
			res.ExpiresAt,
			res.CreatedAt,
			res.UpdatedAt,
			nullTime(res.ClosedAt),
			res.ClosedReason,
			history,
		)
		return classify(err)
	}

	events, err := json.Marshal(append([]domain.ReservationEvent{}, write.Events...))
	if err != nil {
		return err
	}
	var dueBefore *time.Time
	if !write.DueBefore.IsZero() {
		dueBefore = &write.DueBefore
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE reservations
		SET status = $3, updated_at = $4, closed_at = $5, closed_reason = $6, history = history || $7::jsonb
		WHERE tenant_id = $1 AND id = $2 AND status = $8
		  AND ($9::timestamptz IS NULL OR expires_at < $9::timestamptz)
	`,
		tenantID,
		res.ID,
		string(res.Status),
		res.UpdatedAt,
		nullTime(res.ClosedAt),
		res.ClosedReason,
		events,
		string(write.ExpectStatus),
		nullTime(dueBefore),
	)
	if err != nil {
		return classify(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var (
		current   string
		expiresAt time.Time
	)
	if err := tx.QueryRowContext(ctx, `SELECT status, expires_at FROM reservations WHERE tenant_id = $1 AND id = $2`, tenantID, res.ID).Scan(&current, &expiresAt); err != nil {
		return classify(err)
	}
	if current != string(write.ExpectStatus) {
		return fmt.Errorf("%w: reservation %s is %s", store.ErrReservationClosed, res.ID, current)
	}
	return fmt.Errorf("%w: reservation %s expires at %s", store.ErrReservationNotDue, res.ID, expiresAt.Format(time.RFC3339))
}

func (s *Store) SetReorderLevel(ctx context.Context, tenantID string, key domain.StockKey, level decimal.Decimal, at time.Time) (*domain.StockRecord, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE stock_records
		SET reorder_level = $4, updated_at = $5, version = version + 1
		WHERE tenant_id = $1 AND product_id = $2 AND warehouse_id = $3
	`, tenantID, key.ProductID, key.WarehouseID, level, at)
	if err != nil {
		return nil, classify(err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetStock(ctx, tenantID, key)
}
