package consolidation

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/catalog"
	"stockledger/backend/internal/domain"
)

const (
	StatusInStock    = "in_stock"
	StatusLowStock   = "low_stock"
	StatusOutOfStock = "out_of_stock"
)

// sourceRank orders sources when every other tie-break is equal; lower wins.
var sourceRank = map[domain.LegacySource]int{
	domain.SourceLedger:         0,
	domain.SourceWFInventory:    1,
	domain.SourceFlooringV2:     2,
	domain.SourceFlooringLegacy: 3,
}

type candidate struct {
	rec       domain.LegacyStockRecord
	product   domain.Product
	productID string
	warehouse string
	located   bool
	available decimal.Decimal
}

func IsPlaceholderWarehouse(id string) bool {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "", domain.DefaultWarehouseID, "main":
		return true
	}
	return false
}

// better reports whether a should replace b as the representative record.
// The highest available quantity wins; the remaining rules only break ties.
func better(a candidate, b candidate) bool {
	if c := a.available.Cmp(b.available); c != 0 {
		return c > 0
	}
	if a.located != b.located {
		return a.located
	}
	if a.rec.Quantity.IsPositive() != b.rec.Quantity.IsPositive() {
		return a.rec.Quantity.IsPositive()
	}
	aSKU, bSKU := catalog.NormalizeSKU(a.rec.SKU) != "", catalog.NormalizeSKU(b.rec.SKU) != ""
	if aSKU != bSKU {
		return aSKU
	}
	return sourceRank[a.rec.Source] < sourceRank[b.rec.Source]
}

// Consolidate merges stock rows from every source into one record per
// product and warehouse. Rows are never summed: the best row of a group
// stands for it and the rest are counted as duplicates. Rows on a placeholder
// warehouse join the product's only real warehouse when there is one.
func Consolidate(rows []domain.LegacyStockRecord, resolver *catalog.Resolver) []domain.ConsolidatedStock {
	if resolver == nil {
		resolver = catalog.NewResolver(nil)
	}

	candidates := make([]candidate, 0, len(rows))
	realWarehouses := make(map[string]map[string]struct{})
	for _, row := range rows {
		c, ok := newCandidate(row, resolver)
		if !ok {
			continue
		}
		candidates = append(candidates, c)
		if c.located {
			if realWarehouses[c.productID] == nil {
				realWarehouses[c.productID] = make(map[string]struct{})
			}
			realWarehouses[c.productID][c.warehouse] = struct{}{}
		}
	}

	type group struct {
		key   domain.StockKey
		best  candidate
		count int
	}
	groups := make(map[domain.StockKey]*group)
	for _, c := range candidates {
		warehouse := c.warehouse
		if !c.located {
			if only := realWarehouses[c.productID]; len(only) == 1 {
				for wh := range only {
					warehouse = wh
				}
			}
		}
		key := domain.StockKey{ProductID: c.productID, WarehouseID: warehouse}
		g, ok := groups[key]
		if !ok {
			groups[key] = &group{key: key, best: c, count: 1}
			continue
		}
		g.count++
		if better(c, g.best) {
			g.best = c
		}
	}

	out := make([]domain.ConsolidatedStock, 0, len(groups))
	for _, g := range groups {
		if !g.best.rec.Quantity.IsPositive() && IsPlaceholderWarehouse(g.key.WarehouseID) {
			continue
		}
		out = append(out, toConsolidated(g.best, g.key.WarehouseID, g.count-1))
	}
	slices.SortFunc(out, func(a, b domain.ConsolidatedStock) int {
		if c := strings.Compare(a.ProductName, b.ProductName); c != 0 {
			return c
		}
		if c := strings.Compare(a.ProductID, b.ProductID); c != 0 {
			return c
		}
		return strings.Compare(a.WarehouseID, b.WarehouseID)
	})
	return out
}

func newCandidate(row domain.LegacyStockRecord, resolver *catalog.Resolver) (candidate, bool) {
	product, resolved := resolver.Resolve(row.ProductID, row.SKU, row.ProductName)
	productID := strings.TrimSpace(row.ProductID)
	if resolved {
		productID = product.ID
	}
	if productID == "" {
		return candidate{}, false
	}
	warehouse := strings.TrimSpace(row.WarehouseID)
	located := !IsPlaceholderWarehouse(warehouse)
	if !located {
		warehouse = domain.DefaultWarehouseID
	}
	if row.Reserved.IsNegative() {
		row.Reserved = decimal.Zero
	}
	return candidate{
		rec:       row,
		product:   product,
		productID: productID,
		warehouse: warehouse,
		located:   located,
		available: row.Quantity.Sub(row.Reserved),
	}, true
}

func toConsolidated(c candidate, warehouseID string, duplicates int) domain.ConsolidatedStock {
	available := domain.AvailableOf(c.rec.Quantity, c.rec.Reserved)
	out := domain.ConsolidatedStock{
		ProductID:         c.productID,
		SKU:               firstNonEmpty(c.product.SKU, cleanSKU(c.rec.SKU)),
		ProductName:       firstNonEmpty(c.product.Name, c.rec.ProductName),
		Category:          firstNonEmpty(c.product.Category, c.rec.Category),
		WarehouseID:       warehouseID,
		WarehouseName:     c.rec.WarehouseName,
		Quantity:          c.rec.Quantity,
		ReservedQuantity:  c.rec.Reserved,
		AvailableQuantity: available,
		AvgCostPrice:      c.rec.AvgCostPrice,
		ReorderLevel:      c.rec.ReorderLevel,
		StockValue:        c.rec.Quantity.Mul(c.rec.AvgCostPrice),
		Source:            c.rec.Source,
		Duplicates:        duplicates,
	}
	out.Status = StockStatus(available, c.rec.ReorderLevel)
	return out
}

func StockStatus(available decimal.Decimal, reorderLevel decimal.Decimal) string {
	switch {
	case !available.IsPositive():
		return StatusOutOfStock
	case reorderLevel.IsPositive() && available.LessThanOrEqual(reorderLevel):
		return StatusLowStock
	default:
		return StatusInStock
	}
}

// FromLedger presents canonical ledger records as one more consolidation source.
func FromLedger(records []domain.StockRecord) []domain.LegacyStockRecord {
	out := make([]domain.LegacyStockRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, domain.LegacyStockRecord{
			Source:       domain.SourceLedger,
			ProductID:    rec.ProductID,
			WarehouseID:  rec.WarehouseID,
			Quantity:     rec.Quantity,
			Reserved:     rec.ReservedQuantity,
			AvgCostPrice: rec.AvgCostPrice,
			ReorderLevel: rec.ReorderLevel,
			UpdatedAt:    rec.UpdatedAt,
		})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func cleanSKU(sku string) string {
	if catalog.NormalizeSKU(sku) == "" {
		return ""
	}
	return strings.TrimSpace(sku)
}
