package reorder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/consolidation"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store/memory"
)

type fixedUsage map[domain.StockKey]decimal.Decimal

func (u fixedUsage) Consumption(_ context.Context, _ string, _ time.Time) (map[domain.StockKey]decimal.Decimal, error) {
	return u, nil
}

type countingStock struct {
	items []domain.ConsolidatedStock
	loads int
	err   error
}

func (s *countingStock) Load(_ context.Context, _ string) ([]domain.ConsolidatedStock, error) {
	s.loads++
	return s.items, s.err
}

type mapCache struct {
	items map[string]any
}

func (c *mapCache) Get(_ context.Context, key string, dest any) (bool, error) {
	v, ok := c.items[key]
	if !ok {
		return false, nil
	}
	*dest.(*domain.ReorderAdvice) = v.(domain.ReorderAdvice)
	return true, nil
}

func (c *mapCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	c.items[key] = value
	return nil
}

var _ cache.Cache = (*mapCache)(nil)

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestSuggestPrioritizesAndSizesOrders(t *testing.T) {
	items := []domain.ConsolidatedStock{
		{ProductID: "spc", ProductName: "SPC Grey", WarehouseID: "wh-pune", AvailableQuantity: dec(35), ReorderLevel: dec(50)},
		{ProductID: "underlay", ProductName: "Underlay", WarehouseID: "wh-pune", AvailableQuantity: dec(0), ReorderLevel: dec(5)},
		{ProductID: "oak", ProductName: "Oak", WarehouseID: "wh-mumbai", AvailableQuantity: dec(390)},
		{ProductID: "tile", ProductName: "Tile", WarehouseID: "wh-pune", AvailableQuantity: dec(0)},
		{ProductID: "door", ProductName: "Door", WarehouseID: "wh-pune", AvailableQuantity: dec(0)},
	}
	consumed := map[domain.StockKey]decimal.Decimal{
		{ProductID: "spc", WarehouseID: "wh-pune"}:  dec(300),
		{ProductID: "door", WarehouseID: "wh-pune"}: dec(30),
	}

	got := Suggest(items, consumed, 14, 30)
	if len(got) != 3 {
		t.Fatalf("expected 3 suggestions, got %d: %+v", len(got), got)
	}

	if got[0].ProductID != "door" || got[0].Priority != PriorityCritical {
		t.Fatalf("expected door first as critical, got %+v", got[0])
	}
	if !got[0].SuggestedQty.Equal(dec(14)) {
		t.Fatalf("expected door to cover the lead time (14), got %s", got[0].SuggestedQty)
	}
	if got[1].ProductID != "underlay" || !got[1].SuggestedQty.Equal(dec(5)) {
		t.Fatalf("expected underlay restocked to its level, got %+v", got[1])
	}

	spc := got[2]
	if spc.Priority != PriorityHigh || spc.Reason != "below_lead_time_cover" {
		t.Fatalf("unexpected spc classification: %s %s", spc.Priority, spc.Reason)
	}
	if !spc.DailyUsage.Equal(dec(10)) || !spc.SuggestedQty.Equal(dec(155)) {
		t.Fatalf("expected daily 10 and qty 155, got %s and %s", spc.DailyUsage, spc.SuggestedQty)
	}
}

func TestSuggestNormalPriorityWhenCoverIsLong(t *testing.T) {
	items := []domain.ConsolidatedStock{
		{ProductID: "spc", WarehouseID: "wh-pune", AvailableQuantity: dec(35), ReorderLevel: dec(50)},
	}
	consumed := map[domain.StockKey]decimal.Decimal{{ProductID: "spc", WarehouseID: "wh-pune"}: dec(60)}

	got := Suggest(items, consumed, 14, 30)
	if len(got) != 1 || got[0].Priority != PriorityNormal {
		t.Fatalf("expected a normal suggestion, got %+v", got)
	}
	if !got[0].SuggestedQty.Equal(dec(43)) {
		t.Fatalf("expected 43, got %s", got[0].SuggestedQty)
	}
}

func TestAdviseCachesResult(t *testing.T) {
	stock := &countingStock{items: []domain.ConsolidatedStock{
		{ProductID: "underlay", WarehouseID: "wh-pune", AvailableQuantity: dec(0), ReorderLevel: dec(5)},
	}}
	advisor := NewAdvisor(stock, fixedUsage{}, &mapCache{items: map[string]any{}}, time.Minute, 7, 10, nil)

	first, err := advisor.Advise(context.Background(), "demo")
	if err != nil {
		t.Fatalf("advise failed: %v", err)
	}
	if len(first.Suggestions) != 1 || first.LeadDays != 7 || first.WindowDays != 10 {
		t.Fatalf("unexpected advice: %+v", first)
	}
	if _, err := advisor.Advise(context.Background(), "demo"); err != nil {
		t.Fatalf("advise failed: %v", err)
	}
	if stock.loads != 1 {
		t.Fatalf("expected the second call to hit the cache, loads=%d", stock.loads)
	}
	if buildCacheKey("demo", 7, 10, first.GeneratedAt) == buildCacheKey("other", 7, 10, first.GeneratedAt) {
		t.Fatal("expected cache keys to differ per tenant")
	}
}

func TestAdvisePropagatesLoadErrors(t *testing.T) {
	stock := &countingStock{err: errors.New("boom")}
	if _, err := NewAdvisor(stock, fixedUsage{}, nil, 0, 0, 0, nil).Advise(context.Background(), "demo"); err == nil {
		t.Fatal("expected load error")
	}
}

func TestAdviseOverSeededStock(t *testing.T) {
	svc := consolidation.NewService(memory.NewSeeded(), nil, 0, nil)
	advice, err := NewAdvisor(svc, fixedUsage{}, nil, 0, 14, 30, nil).Advise(context.Background(), "demo")
	if err != nil {
		t.Fatalf("advise failed: %v", err)
	}
	if len(advice.Suggestions) != 2 {
		t.Fatalf("expected underlay and spc suggestions, got %+v", advice.Suggestions)
	}
	if advice.Suggestions[0].ProductID != "prod-underlay-3" || advice.Suggestions[1].ProductID != "prod-spc-6" {
		t.Fatalf("unexpected order: %+v", advice.Suggestions)
	}
}
