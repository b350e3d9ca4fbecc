package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultWarehouseID = "default"

type StockKey struct {
	ProductID   string `json:"productId"`
	WarehouseID string `json:"warehouseId"`
}

func (k StockKey) String() string {
	return k.ProductID + "@" + k.WarehouseID
}

// Less orders keys for lock acquisition.
func (k StockKey) Less(other StockKey) bool {
	if k.ProductID != other.ProductID {
		return k.ProductID < other.ProductID
	}
	return k.WarehouseID < other.WarehouseID
}

type StockRecord struct {
	TenantID          string          `json:"tenantId"`
	ProductID         string          `json:"productId"`
	WarehouseID       string          `json:"warehouseId"`
	Quantity          decimal.Decimal `json:"quantity"`
	ReservedQuantity  decimal.Decimal `json:"reservedQuantity"`
	AvailableQuantity decimal.Decimal `json:"availableQuantity"`
	AvgCostPrice      decimal.Decimal `json:"avgCostPrice"`
	ReorderLevel      decimal.Decimal `json:"reorderLevel"`
	Batches           []Batch         `json:"batches"`
	LastSequence      int64           `json:"lastSequence"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

func NewStockRecord(tenantID string, key StockKey, at time.Time) StockRecord {
	return StockRecord{
		TenantID:    tenantID,
		ProductID:   key.ProductID,
		WarehouseID: key.WarehouseID,
		Batches:     []Batch{},
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func (r StockRecord) Key() StockKey {
	return StockKey{ProductID: r.ProductID, WarehouseID: r.WarehouseID}
}

// Recompute refreshes the derived available quantity.
func (r *StockRecord) Recompute() {
	r.AvailableQuantity = AvailableOf(r.Quantity, r.ReservedQuantity)
}

// Validate checks the quantity invariants that must hold after every ledger operation.
func (r StockRecord) Validate() error {
	if r.Quantity.IsNegative() {
		return fmt.Errorf("stock %s: negative quantity %s", r.Key(), r.Quantity)
	}
	if r.ReservedQuantity.IsNegative() {
		return fmt.Errorf("stock %s: negative reserved quantity %s", r.Key(), r.ReservedQuantity)
	}
	if r.ReservedQuantity.GreaterThan(r.Quantity) {
		return fmt.Errorf("stock %s: reserved %s exceeds quantity %s", r.Key(), r.ReservedQuantity, r.Quantity)
	}
	if !r.AvailableQuantity.Equal(AvailableOf(r.Quantity, r.ReservedQuantity)) {
		return fmt.Errorf("stock %s: available %s out of sync", r.Key(), r.AvailableQuantity)
	}
	if r.AvgCostPrice.IsNegative() {
		return fmt.Errorf("stock %s: negative average cost", r.Key())
	}
	return nil
}

func (r StockRecord) StockValue() decimal.Decimal {
	return r.Quantity.Mul(r.AvgCostPrice)
}

func AvailableOf(quantity decimal.Decimal, reserved decimal.Decimal) decimal.Decimal {
	available := quantity.Sub(reserved)
	if available.IsNegative() {
		return decimal.Zero
	}
	return available
}

type Batch struct {
	ID           string          `json:"id"`
	BatchNo      string          `json:"batchNo"`
	Quantity     decimal.Decimal `json:"quantity"`
	RemainingQty decimal.Decimal `json:"remainingQty"`
	CostPrice    decimal.Decimal `json:"costPrice"`
	ReceivedDate time.Time       `json:"receivedDate"`
	Supplier     string          `json:"supplier,omitempty"`
	Reference    string          `json:"reference,omitempty"`
}

type TransactionType string

const (
	TxGoodsReceipt TransactionType = "goods_receipt"
	TxAdjustment   TransactionType = "adjustment"
	TxReservation  TransactionType = "reservation"
	TxRelease      TransactionType = "release"
	TxConsumption  TransactionType = "consumption"
	TxTransferIn   TransactionType = "transfer_in"
	TxTransferOut  TransactionType = "transfer_out"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxGoodsReceipt, TxAdjustment, TxReservation, TxRelease, TxConsumption, TxTransferIn, TxTransferOut:
		return true
	}
	return false
}

type TransactionLogEntry struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	ProductID      string          `json:"productId"`
	WarehouseID    string          `json:"warehouseId"`
	Sequence       int64           `json:"sequence"`
	Type           TransactionType `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitCost       decimal.Decimal `json:"unitCost"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter"`
	ReservedAfter  decimal.Decimal `json:"reservedAfter"`
	Clamped        bool            `json:"clamped,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	BatchID        string          `json:"batchId,omitempty"`
	CounterpartID  string          `json:"counterpartId,omitempty"`
	ReversalOf     string          `json:"reversalOf,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Actor          string          `json:"actor"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationReleased  ReservationStatus = "released"
	ReservationConverted ReservationStatus = "converted"
	ReservationExpired   ReservationStatus = "expired"
)

func (s ReservationStatus) Terminal() bool {
	return s == ReservationReleased || s == ReservationConverted || s == ReservationExpired
}

type ReservationType string

const (
	ReservationQuote      ReservationType = "quote"
	ReservationSalesOrder ReservationType = "sales_order"
	ReservationProject    ReservationType = "project"
	ReservationManual     ReservationType = "manual"
)

// NumberPrefix returns the reservation number prefix; unknown types count as manual holds.
func (t ReservationType) NumberPrefix() string {
	switch t {
	case ReservationQuote:
		return "QR"
	case ReservationSalesOrder:
		return "SO"
	case ReservationProject:
		return "PA"
	default:
		return "MH"
	}
}

func ParseReservationType(raw string) ReservationType {
	switch ReservationType(strings.ToLower(strings.TrimSpace(raw))) {
	case ReservationQuote:
		return ReservationQuote
	case ReservationSalesOrder:
		return ReservationSalesOrder
	case ReservationProject:
		return ReservationProject
	case ReservationManual:
		return ReservationManual
	}
	return ""
}

type Reservation struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenantId"`
	Number       string             `json:"reservationNumber"`
	Type         ReservationType    `json:"type"`
	QuotationID  string             `json:"quotationId"`
	CustomerRef  string             `json:"customerRef,omitempty"`
	ProductID    string             `json:"productId"`
	WarehouseID  string             `json:"warehouseId"`
	Quantity     decimal.Decimal    `json:"quantity"`
	Unit         string             `json:"unit,omitempty"`
	Status       ReservationStatus  `json:"status"`
	ExpiresAt    time.Time          `json:"expiresAt"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
	ClosedAt     *time.Time         `json:"closedAt,omitempty"`
	ClosedReason string             `json:"closedReason,omitempty"`
	History      []ReservationEvent `json:"history"`
}

type ReservationEvent struct {
	Action   string          `json:"action"`
	Quantity decimal.Decimal `json:"quantity"`
	Actor    string          `json:"actor"`
	At       time.Time       `json:"at"`
	Notes    string          `json:"notes,omitempty"`
}

type ReservationStats struct {
	Total            int                        `json:"total"`
	Active           int                        `json:"active"`
	Converted        int                        `json:"converted"`
	Released         int                        `json:"released"`
	Expired          int                        `json:"expired"`
	TotalReservedQty decimal.Decimal            `json:"totalReservedQty"`
	ByProduct        map[string]decimal.Decimal `json:"byProduct"`
}

type Product struct {
	ID       string `json:"id" db:"id"`
	SKU      string `json:"sku" db:"sku"`
	Name     string `json:"name" db:"name"`
	Category string `json:"category" db:"category"`
	Unit     string `json:"unit" db:"unit"`
}

type LegacySource string

const (
	SourceLedger         LegacySource = "stock_records"
	SourceWFInventory    LegacySource = "wf_inventory_stock"
	SourceFlooringV2     LegacySource = "flooring_inventory_v2"
	SourceFlooringLegacy LegacySource = "flooring_inventory"
)

// LegacySources lists the historical collections in precedence order.
var LegacySources = []LegacySource{SourceWFInventory, SourceFlooringV2, SourceFlooringLegacy}

// LegacyStockRecord is one loosely-typed stock row from a historical collection.
type LegacyStockRecord struct {
	Source        LegacySource    `json:"source"`
	ProductID     string          `json:"productId"`
	SKU           string          `json:"sku"`
	ProductName   string          `json:"productName"`
	Category      string          `json:"category"`
	WarehouseID   string          `json:"warehouseId"`
	WarehouseName string          `json:"warehouseName"`
	Quantity      decimal.Decimal `json:"quantity"`
	Reserved      decimal.Decimal `json:"reservedQuantity"`
	AvgCostPrice  decimal.Decimal `json:"avgCostPrice"`
	ReorderLevel  decimal.Decimal `json:"reorderLevel"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// UnmarshalJSON accepts both reservedQty and reservedQuantity spellings.
func (r *LegacyStockRecord) UnmarshalJSON(data []byte) error {
	type plain LegacyStockRecord
	aux := struct {
		*plain
		ReservedQty *decimal.Decimal `json:"reservedQty"`
		Reserved    *decimal.Decimal `json:"reservedQuantity"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch {
	case aux.Reserved != nil:
		r.Reserved = *aux.Reserved
	case aux.ReservedQty != nil:
		r.Reserved = *aux.ReservedQty
	}
	return nil
}

type ConsolidatedStock struct {
	ProductID         string          `json:"productId"`
	SKU               string          `json:"sku,omitempty"`
	ProductName       string          `json:"productName,omitempty"`
	Category          string          `json:"category,omitempty"`
	WarehouseID       string          `json:"warehouseId"`
	WarehouseName     string          `json:"warehouseName,omitempty"`
	Quantity          decimal.Decimal `json:"quantity"`
	ReservedQuantity  decimal.Decimal `json:"reservedQuantity"`
	AvailableQuantity decimal.Decimal `json:"availableQty"`
	AvgCostPrice      decimal.Decimal `json:"avgCostPrice"`
	ReorderLevel      decimal.Decimal `json:"reorderLevel"`
	StockValue        decimal.Decimal `json:"stockValue"`
	Status            string          `json:"status"`
	Source            LegacySource    `json:"source"`
	Duplicates        int             `json:"duplicates"`
}

type WarehouseSummary struct {
	WarehouseID     string          `json:"warehouseId"`
	Records         int             `json:"records"`
	TotalQuantity   decimal.Decimal `json:"totalQuantity"`
	TotalAvailable  decimal.Decimal `json:"totalAvailable"`
	TotalValue      decimal.Decimal `json:"totalValue"`
	LowStockCount   int             `json:"lowStockCount"`
	OutOfStockCount int             `json:"outOfStockCount"`
}

type StockSummary struct {
	TotalProducts   int                         `json:"totalProducts"`
	TotalRecords    int                         `json:"totalRecords"`
	TotalQuantity   decimal.Decimal             `json:"totalQuantity"`
	TotalReserved   decimal.Decimal             `json:"totalReserved"`
	TotalAvailable  decimal.Decimal             `json:"totalAvailable"`
	TotalValue      decimal.Decimal             `json:"totalValue"`
	LowStockCount   int                         `json:"lowStockCount"`
	OutOfStockCount int                         `json:"outOfStockCount"`
	ByWarehouse     map[string]WarehouseSummary `json:"byWarehouse"`
	GeneratedAt     time.Time                   `json:"generatedAt"`
}

type ReorderSuggestion struct {
	ProductID         string          `json:"productId"`
	SKU               string          `json:"sku,omitempty"`
	ProductName       string          `json:"productName,omitempty"`
	WarehouseID       string          `json:"warehouseId"`
	AvailableQuantity decimal.Decimal `json:"availableQuantity"`
	ReorderLevel      decimal.Decimal `json:"reorderLevel"`
	DailyUsage        decimal.Decimal `json:"dailyUsage"`
	SuggestedQty      decimal.Decimal `json:"suggestedQty"`
	Priority          string          `json:"priority"`
	Reason            string          `json:"reason"`
}

type ReorderAdvice struct {
	Suggestions []ReorderSuggestion `json:"suggestions"`
	WindowDays  int                 `json:"windowDays"`
	LeadDays    int                 `json:"leadDays"`
	GeneratedAt time.Time           `json:"generatedAt"`
}

// Actor identifies the caller on whose behalf a ledger or reservation change is made.
type Actor struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Role     string `json:"role"`
}

const SystemActor = "system"
