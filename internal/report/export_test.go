package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"stockledger/backend/internal/domain"
)

func readRows(t *testing.T, data []byte, sheet string) [][]string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(sheet)
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	return rows
}

func TestStockExport(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	items := []domain.ConsolidatedStock{
		{
			ProductID:         "prod-oak-12",
			SKU:               "WF-OAK-12",
			ProductName:       "Oak Engineered 12mm",
			WarehouseID:       "wh-mumbai",
			Quantity:          decimal.NewFromInt(400),
			ReservedQuantity:  decimal.NewFromInt(10),
			AvailableQuantity: decimal.NewFromInt(390),
			AvgCostPrice:      decimal.NewFromInt(80),
			StockValue:        decimal.NewFromInt(32000),
			Status:            "in_stock",
			Source:            domain.SourceFlooringV2,
		},
	}

	data, name, err := Stock(items, at)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if name != "stock_20250102_030405.xlsx" {
		t.Fatalf("unexpected file name %q", name)
	}

	rows := readRows(t, data, "Stock")
	if len(rows) != 2 {
		t.Fatalf("expected header and one row, got %d", len(rows))
	}
	if rows[0][0] != "product_id" || rows[1][1] != "WF-OAK-12" {
		t.Fatalf("unexpected content: %v", rows)
	}
	if rows[1][7] != "390" || rows[1][12] != string(domain.SourceFlooringV2) {
		t.Fatalf("unexpected available or source: %v", rows[1])
	}
}

func TestMovementsExport(t *testing.T) {
	at := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	entries := []domain.TransactionLogEntry{
		{ID: "tx-1", Type: domain.TxGoodsReceipt, ProductID: "p", WarehouseID: "w", Sequence: 1, Quantity: decimal.NewFromInt(100), BalanceAfter: decimal.NewFromInt(100), Actor: "u-1", CreatedAt: at},
		{ID: "tx-2", Type: domain.TxConsumption, ProductID: "p", WarehouseID: "w", Sequence: 2, Quantity: decimal.NewFromInt(-40), BalanceAfter: decimal.NewFromInt(60), Actor: "u-1", CreatedAt: at},
	}

	data, name, err := Movements(entries, at)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if name != "movements_20250102_000000.xlsx" {
		t.Fatalf("unexpected file name %q", name)
	}

	rows := readRows(t, data, "Movements")
	if len(rows) != 3 {
		t.Fatalf("expected header and two rows, got %d", len(rows))
	}
	if rows[2][2] != "consumption" || rows[2][6] != "-40" || rows[2][8] != "60" {
		t.Fatalf("unexpected movement row: %v", rows[2])
	}
}

func TestEmptyExportHasHeader(t *testing.T) {
	data, _, err := Stock(nil, time.Now())
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if rows := readRows(t, data, "Stock"); len(rows) != 1 {
		t.Fatalf("expected only the header row, got %d", len(rows))
	}
}
