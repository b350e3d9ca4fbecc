package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"stockledger/backend/internal/domain"
)

const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var stockHeader = []interface{}{
	"product_id",
	"sku",
	"product_name",
	"category",
	"warehouse_id",
	"quantity",
	"reserved",
	"available",
	"avg_cost_price",
	"stock_value",
	"reorder_level",
	"status",
	"source",
}

var movementHeader = []interface{}{
	"created_at",
	"id",
	"type",
	"product_id",
	"warehouse_id",
	"sequence",
	"quantity",
	"unit_cost",
	"balance_after",
	"reserved_after",
	"reference",
	"reason",
	"reversal_of",
	"actor",
}

// Stock renders the consolidated stock view as an xlsx workbook.
func Stock(items []domain.ConsolidatedStock, at time.Time) ([]byte, string, error) {
	rows := make([][]interface{}, 0, len(items))
	for _, item := range items {
		rows = append(rows, []interface{}{
			item.ProductID,
			item.SKU,
			item.ProductName,
			item.Category,
			item.WarehouseID,
			item.Quantity.InexactFloat64(),
			item.ReservedQuantity.InexactFloat64(),
			item.AvailableQuantity.InexactFloat64(),
			item.AvgCostPrice.InexactFloat64(),
			item.StockValue.InexactFloat64(),
			item.ReorderLevel.InexactFloat64(),
			item.Status,
			string(item.Source),
		})
	}
	data, err := workbook("Stock", stockHeader, rows)
	if err != nil {
		return nil, "", err
	}
	return data, fileName("stock", at), nil
}

// Movements renders ledger entries, one row per entry.
func Movements(entries []domain.TransactionLogEntry, at time.Time) ([]byte, string, error) {
	rows := make([][]interface{}, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []interface{}{
			entry.CreatedAt.UTC().Format(time.RFC3339),
			entry.ID,
			string(entry.Type),
			entry.ProductID,
			entry.WarehouseID,
			entry.Sequence,
			entry.Quantity.InexactFloat64(),
			entry.UnitCost.InexactFloat64(),
			entry.BalanceAfter.InexactFloat64(),
			entry.ReservedAfter.InexactFloat64(),
			entry.Reference,
			entry.Reason,
			entry.ReversalOf,
			entry.Actor,
		})
	}
	data, err := workbook("Movements", movementHeader, rows)
	if err != nil {
		return nil, "", err
	}
	return data, fileName("movements", at), nil
}

func workbook(sheetName string, header []interface{}, rows [][]interface{}) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if err := f.SetSheetName(sheet, sheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	buf := &bytes.Buffer{}
	if err := f.Write(buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func fileName(kind string, at time.Time) string {
	return fmt.Sprintf("%s_%s.xlsx", kind, at.UTC().Format("20060102_150405"))
}
