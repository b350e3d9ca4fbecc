package consolidation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/catalog"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
)

type Repository interface {
	store.CatalogRepository
	ListStock(ctx context.Context, tenantID string, filter store.StockFilter) ([]domain.StockRecord, error)
}

type Filter struct {
	ProductID   string
	Category    string
	WarehouseID string
	Search      string
	LowStock    bool
}

// Service is the read-only reporting view over the ledger and the
// historical stock collections. It never writes stock.
type Service struct {
	repo     Repository
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(repo Repository, cacheStore cache.Cache, cacheTTL time.Duration, logger *zap.Logger) *Service {
	if cacheStore == nil {
		cacheStore = cache.Noop{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Load returns the unfiltered consolidated view of a tenant.
func (s *Service) Load(ctx context.Context, tenantID string) ([]domain.ConsolidatedStock, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", store.ErrInvalidInput)
	}
	resolver, err := catalog.Load(ctx, s.repo, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	ledgerRecords, err := s.repo.ListStock(ctx, tenantID, store.StockFilter{})
	if err != nil {
		return nil, fmt.Errorf("load ledger stock: %w", err)
	}
	rows := FromLedger(ledgerRecords)
	for _, source := range domain.LegacySources {
		legacy, err := s.repo.LoadLegacyStock(ctx, tenantID, source)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", source, err)
		}
		for i := range legacy {
			legacy[i].Source = source
		}
		rows = append(rows, legacy...)
	}
	return Consolidate(rows, resolver), nil
}

func (s *Service) Consolidated(ctx context.Context, tenantID string, filter Filter) ([]domain.ConsolidatedStock, error) {
	items, err := s.Load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return ApplyFilter(items, filter), nil
}

// Summary aggregates the consolidated view; results are cached briefly.
func (s *Service) Summary(ctx context.Context, tenantID string) (domain.StockSummary, error) {
	cacheKey := "summary:" + tenantID
	var cached domain.StockSummary
	if ok, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && ok {
		return cached, nil
	} else if err != nil {
		s.logger.Warn("summary cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}

	items, err := s.Load(ctx, tenantID)
	if err != nil {
		return domain.StockSummary{}, err
	}
	summary := Summarize(items, s.now())
	if err := s.cache.Set(ctx, cacheKey, summary, s.cacheTTL); err != nil {
		s.logger.Warn("summary cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return summary, nil
}

func ApplyFilter(items []domain.ConsolidatedStock, filter Filter) []domain.ConsolidatedStock {
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	out := make([]domain.ConsolidatedStock, 0, len(items))
	for _, item := range items {
		if filter.ProductID != "" && item.ProductID != filter.ProductID {
			continue
		}
		if filter.WarehouseID != "" && item.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.Category != "" && !strings.EqualFold(item.Category, filter.Category) {
			continue
		}
		if filter.LowStock && item.Status == StatusInStock {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(item.ProductName), search) &&
			!strings.Contains(strings.ToLower(item.SKU), search) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func Summarize(items []domain.ConsolidatedStock, at time.Time) domain.StockSummary {
	summary := domain.StockSummary{
		TotalQuantity:  decimal.Zero,
		TotalReserved:  decimal.Zero,
		TotalAvailable: decimal.Zero,
		TotalValue:     decimal.Zero,
		ByWarehouse:    make(map[string]domain.WarehouseSummary),
		GeneratedAt:    at,
	}
	products := make(map[string]struct{})
	for _, item := range items {
		products[item.ProductID] = struct{}{}
		summary.TotalRecords++
		summary.TotalQuantity = summary.TotalQuantity.Add(item.Quantity)
		summary.TotalReserved = summary.TotalReserved.Add(item.ReservedQuantity)
		summary.TotalAvailable = summary.TotalAvailable.Add(item.AvailableQuantity)
		summary.TotalValue = summary.TotalValue.Add(item.StockValue)

		wh := summary.ByWarehouse[item.WarehouseID]
		wh.WarehouseID = item.WarehouseID
		wh.Records++
		wh.TotalQuantity = wh.TotalQuantity.Add(item.Quantity)
		wh.TotalAvailable = wh.TotalAvailable.Add(item.AvailableQuantity)
		wh.TotalValue = wh.TotalValue.Add(item.StockValue)

		switch item.Status {
		case StatusLowStock:
			summary.LowStockCount++
			wh.LowStockCount++
		case StatusOutOfStock:
			summary.OutOfStockCount++
			wh.OutOfStockCount++
		}
		summary.ByWarehouse[item.WarehouseID] = wh
	}
	summary.TotalProducts = len(products)
	return summary
}
