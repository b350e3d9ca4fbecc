package reorder

import (
	"cmp"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/consolidation"
	"stockledger/backend/internal/domain"
)

const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
)

type StockSource interface {
	Load(ctx context.Context, tenantID string) ([]domain.ConsolidatedStock, error)
}

type UsageSource interface {
	Consumption(ctx context.Context, tenantID string, since time.Time) (map[domain.StockKey]decimal.Decimal, error)
}

type Advisor struct {
	stock      StockSource
	usage      UsageSource
	cache      cache.Cache
	cacheTTL   time.Duration
	leadDays   int
	windowDays int
	logger     *zap.Logger
	now        func() time.Time
}

func NewAdvisor(stock StockSource, usage UsageSource, cacheStore cache.Cache, cacheTTL time.Duration, leadDays int, windowDays int, logger *zap.Logger) *Advisor {
	if cacheStore == nil {
		cacheStore = cache.Noop{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if leadDays <= 0 {
		leadDays = 14
	}
	if windowDays <= 0 {
		windowDays = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advisor{
		stock:      stock,
		usage:      usage,
		cache:      cacheStore,
		cacheTTL:   cacheTTL,
		leadDays:   leadDays,
		windowDays: windowDays,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (a *Advisor) Advise(ctx context.Context, tenantID string) (domain.ReorderAdvice, error) {
	now := a.now()
	cacheKey := buildCacheKey(tenantID, a.leadDays, a.windowDays, now)
	var cached domain.ReorderAdvice
	if ok, err := a.cache.Get(ctx, cacheKey, &cached); err == nil && ok {
		return cached, nil
	} else if err != nil {
		a.logger.Warn("reorder cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}

	items, err := a.stock.Load(ctx, tenantID)
	if err != nil {
		return domain.ReorderAdvice{}, err
	}
	consumed, err := a.usage.Consumption(ctx, tenantID, now.AddDate(0, 0, -a.windowDays))
	if err != nil {
		return domain.ReorderAdvice{}, fmt.Errorf("load consumption: %w", err)
	}

	advice := domain.ReorderAdvice{
		Suggestions: Suggest(items, consumed, a.leadDays, a.windowDays),
		WindowDays:  a.windowDays,
		LeadDays:    a.leadDays,
		GeneratedAt: now,
	}
	if err := a.cache.Set(ctx, cacheKey, advice, a.cacheTTL); err != nil {
		a.logger.Warn("reorder cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return advice, nil
}

// Suggest lists the records that need replenishing, most urgent first.
// The suggested quantity restores the reorder level and covers the lead
// time at the observed daily consumption.
func Suggest(items []domain.ConsolidatedStock, consumed map[domain.StockKey]decimal.Decimal, leadDays int, windowDays int) []domain.ReorderSuggestion {
	lead := decimal.NewFromInt(int64(leadDays))
	window := decimal.NewFromInt(int64(max(1, windowDays)))

	type scored struct {
		suggestion domain.ReorderSuggestion
		cover      decimal.Decimal
	}
	out := make([]scored, 0)
	for _, item := range items {
		key := domain.StockKey{ProductID: item.ProductID, WarehouseID: item.WarehouseID}
		daily := consumed[key].Div(window).Round(2)
		available := item.AvailableQuantity
		if item.ReorderLevel.IsPositive() {
			if available.GreaterThan(item.ReorderLevel) {
				continue
			}
		} else if available.IsPositive() || !daily.IsPositive() {
			continue
		}

		qty := item.ReorderLevel.Add(daily.Mul(lead)).Sub(available).Ceil()
		if !qty.IsPositive() {
			qty = item.ReorderLevel.Ceil()
		}

		cover := decimal.NewFromInt(-1)
		if daily.IsPositive() {
			cover = available.Div(daily)
		}
		priority, reason := classify(available, cover, lead)
		out = append(out, scored{
			suggestion: domain.ReorderSuggestion{
				ProductID:         item.ProductID,
				SKU:               item.SKU,
				ProductName:       item.ProductName,
				WarehouseID:       item.WarehouseID,
				AvailableQuantity: available,
				ReorderLevel:      item.ReorderLevel,
				DailyUsage:        daily,
				SuggestedQty:      qty,
				Priority:          priority,
				Reason:            reason,
			},
			cover: cover,
		})
	}

	slices.SortStableFunc(out, func(a, b scored) int {
		if c := cmp.Compare(priorityRank(a.suggestion.Priority), priorityRank(b.suggestion.Priority)); c != 0 {
			return c
		}
		if c := b.suggestion.DailyUsage.Cmp(a.suggestion.DailyUsage); c != 0 {
			return c
		}
		if c := strings.Compare(a.suggestion.ProductName, b.suggestion.ProductName); c != 0 {
			return c
		}
		return strings.Compare(a.suggestion.WarehouseID, b.suggestion.WarehouseID)
	})

	suggestions := make([]domain.ReorderSuggestion, 0, len(out))
	for _, s := range out {
		suggestions = append(suggestions, s.suggestion)
	}
	return suggestions
}

// classify reads cover as days of stock left; negative means no recent usage.
func classify(available decimal.Decimal, cover decimal.Decimal, lead decimal.Decimal) (string, string) {
	switch {
	case !available.IsPositive():
		return PriorityCritical, consolidation.StatusOutOfStock
	case !cover.IsNegative() && cover.LessThan(lead):
		return PriorityHigh, "below_lead_time_cover"
	default:
		return PriorityNormal, "at_reorder_level"
	}
}

func priorityRank(priority string) int {
	switch priority {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	default:
		return 2
	}
}

func buildCacheKey(tenantID string, leadDays int, windowDays int, at time.Time) string {
	parts := []string{
		tenantID,
		fmt.Sprintf("lead:%d", leadDays),
		fmt.Sprintf("window:%d", windowDays),
		at.Format("2006-01-02"),
	}
	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "reorder:" + hex.EncodeToString(hash[:])
}
