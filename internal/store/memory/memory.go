package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/lock"
	"stockledger/backend/internal/store"
)

type Store struct {
	mu           sync.RWMutex
	keyLocks     *lock.KeyedMutex
	stock        map[string]map[domain.StockKey]domain.StockRecord
	entries      map[string][]domain.TransactionLogEntry
	entryByID    map[string]map[string]int
	entryByIdem  map[string]map[string]int
	reversals    map[string]map[string]int
	reservations map[string]map[string]domain.Reservation
	sequences    map[string]int64
	products     map[string][]domain.Product
	legacy       map[string]map[domain.LegacySource][]domain.LegacyStockRecord
}

func New() *Store {
	return &Store{
		keyLocks:     lock.NewKeyedMutex(),
		stock:        make(map[string]map[domain.StockKey]domain.StockRecord),
		entries:      make(map[string][]domain.TransactionLogEntry),
		entryByID:    make(map[string]map[string]int),
		entryByIdem:  make(map[string]map[string]int),
		reversals:    make(map[string]map[string]int),
		reservations: make(map[string]map[string]domain.Reservation),
		sequences:    make(map[string]int64),
		products:     make(map[string][]domain.Product),
		legacy:       make(map[string]map[domain.LegacySource][]domain.LegacyStockRecord),
	}
}

// NewSeeded returns a store with a demo tenant catalog and overlapping legacy stock rows.
func NewSeeded() *Store {
	s := New()
	const tenant = "demo"
	s.SeedProducts(tenant,
		domain.Product{ID: "prod-oak-12", SKU: "WF-OAK-12", Name: "Oak Engineered 12mm", Category: "wooden-flooring", Unit: "sqft"},
		domain.Product{ID: "prod-walnut-14", SKU: "WF-WAL-14", Name: "Walnut Solid 14mm", Category: "wooden-flooring", Unit: "sqft"},
		domain.Product{ID: "prod-spc-6", SKU: "SPC-GRY-6", Name: "SPC Grey 6mm", Category: "spc-flooring", Unit: "sqft"},
		domain.Product{ID: "prod-underlay-3", SKU: "ACC-UL-3", Name: "Foam Underlay 3mm", Category: "accessories", Unit: "roll"},
		domain.Product{ID: "prod-door-flush", SKU: "DW-FL-32", Name: "Flush Door 32mm", Category: "doors", Unit: "pcs"},
	)
	updated := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.SeedLegacy(tenant, domain.SourceWFInventory,
		domain.LegacyStockRecord{ProductID: "prod-oak-12", SKU: "WF-OAK-12", WarehouseID: "wh-mumbai", WarehouseName: "Mumbai", Quantity: decimal.NewFromInt(420), Reserved: decimal.NewFromInt(60), AvgCostPrice: decimal.NewFromInt(85), ReorderLevel: decimal.NewFromInt(100), UpdatedAt: updated},
		domain.LegacyStockRecord{ProductID: "prod-spc-6", SKU: "SPC-GRY-6", WarehouseID: "wh-pune", WarehouseName: "Pune", Quantity: decimal.NewFromInt(35), AvgCostPrice: decimal.NewFromInt(42), ReorderLevel: decimal.NewFromInt(50), UpdatedAt: updated},
	)
	s.SeedLegacy(tenant, domain.SourceFlooringV2,
		domain.LegacyStockRecord{SKU: "wf-oak-12", ProductName: "Oak Engineered 12mm", WarehouseID: "wh-mumbai", Quantity: decimal.NewFromInt(400), Reserved: decimal.NewFromInt(10), AvgCostPrice: decimal.NewFromInt(80), UpdatedAt: updated},
		domain.LegacyStockRecord{ProductName: "walnut solid 14mm", WarehouseID: "main", Quantity: decimal.NewFromInt(90), AvgCostPrice: decimal.NewFromInt(140), ReorderLevel: decimal.NewFromInt(20), UpdatedAt: updated},
	)
	s.SeedLegacy(tenant, domain.SourceFlooringLegacy,
		domain.LegacyStockRecord{ProductID: "prod-underlay-3", WarehouseID: "wh-pune", Quantity: decimal.Zero, ReorderLevel: decimal.NewFromInt(5), UpdatedAt: updated},
		domain.LegacyStockRecord{ProductID: "prod-door-flush", WarehouseID: "default", Quantity: decimal.Zero, UpdatedAt: updated},
	)
	return s
}

func (s *Store) SeedProducts(tenantID string, products ...domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[tenantID] = append(s.products[tenantID], products...)
}

func (s *Store) SeedLegacy(tenantID string, source domain.LegacySource, records ...domain.LegacyStockRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.legacy[tenantID] == nil {
		s.legacy[tenantID] = make(map[domain.LegacySource][]domain.LegacyStockRecord)
	}
	for _, rec := range records {
		rec.Source = source
		s.legacy[tenantID][source] = append(s.legacy[tenantID][source], rec)
	}
}

func (s *Store) GetStock(_ context.Context, tenantID string, key domain.StockKey) (*domain.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.stock[tenantID][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneStockRecord(rec)
	return &out, nil
}

func (s *Store) ListStock(_ context.Context, tenantID string, filter store.StockFilter) ([]domain.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockRecord, 0, len(s.stock[tenantID]))
	for key, rec := range s.stock[tenantID] {
		if filter.ProductID != "" && key.ProductID != filter.ProductID {
			continue
		}
		if filter.WarehouseID != "" && key.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.LowStock && rec.AvailableQuantity.GreaterThan(rec.ReorderLevel) {
			continue
		}
		out = append(out, cloneStockRecord(rec))
	}
	slices.SortFunc(out, func(a, b domain.StockRecord) int {
		if c := strings.Compare(a.ProductID, b.ProductID); c != 0 {
			return c
		}
		return strings.Compare(a.WarehouseID, b.WarehouseID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) MutateStock(ctx context.Context, tenantID string, keys []domain.StockKey, fn store.MutateFunc) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: no stock keys", store.ErrInvalidInput)
	}
	lockKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		lockKeys = append(lockKeys, tenantID+"|"+key.String())
	}
	release, err := s.keyLocks.AcquireAll(ctx, lockKeys)
	if err != nil {
		return err
	}
	defer release()

	records := make(map[domain.StockKey]*domain.StockRecord, len(keys))
	s.mu.RLock()
	for _, key := range keys {
		if rec, ok := s.stock[tenantID][key]; ok {
			cloned := cloneStockRecord(rec)
			records[key] = &cloned
		} else {
			records[key] = nil
		}
	}
	s.mu.RUnlock()

	changes, err := fn(records)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkChangesLocked(tenantID, changes); err != nil {
		return err
	}
	for _, key := range keys {
		rec := records[key]
		if rec == nil {
			continue
		}
		if rec.Key() != key {
			return fmt.Errorf("%w: record %s stored under %s", store.ErrInvalidInput, rec.Key(), key)
		}
	}

	if s.stock[tenantID] == nil {
		s.stock[tenantID] = make(map[domain.StockKey]domain.StockRecord)
	}
	for _, key := range keys {
		rec := records[key]
		if rec == nil {
			continue
		}
		rec.TenantID = tenantID
		rec.Version++
		s.stock[tenantID][key] = cloneStockRecord(*rec)
	}
	for _, entry := range changes.Entries {
		s.appendEntryLocked(tenantID, entry)
	}
	for _, write := range changes.Reservations {
		if s.reservations[tenantID] == nil {
			s.reservations[tenantID] = make(map[string]domain.Reservation)
		}
		if write.ExpectStatus == "" {
			res := cloneReservation(write.Reservation)
			res.TenantID = tenantID
			s.reservations[tenantID][res.ID] = res
			continue
		}
		next := cloneReservation(write.Reservation)
		res := cloneReservation(s.reservations[tenantID][next.ID])
		res.Status = next.Status
		res.UpdatedAt = next.UpdatedAt
		res.ClosedAt = next.ClosedAt
		res.ClosedReason = next.ClosedReason
		res.History = append(res.History, write.Events...)
		s.reservations[tenantID][res.ID] = res
	}
	return nil
}

func (s *Store) checkChangesLocked(tenantID string, changes store.Changes) error {
	seenIDs := make(map[string]struct{}, len(changes.Entries))
	seenIdem := make(map[string]struct{}, len(changes.Entries))
	for _, entry := range changes.Entries {
		if _, ok := s.entryByID[tenantID][entry.ID]; ok {
			return fmt.Errorf("%w: entry %s", store.ErrDuplicate, entry.ID)
		}
		if _, ok := seenIDs[entry.ID]; ok {
			return fmt.Errorf("%w: entry %s", store.ErrDuplicate, entry.ID)
		}
		seenIDs[entry.ID] = struct{}{}
		if entry.IdempotencyKey != "" {
			if _, ok := s.entryByIdem[tenantID][entry.IdempotencyKey]; ok {
				return fmt.Errorf("%w: idempotency key %s", store.ErrDuplicate, entry.IdempotencyKey)
			}
			if _, ok := seenIdem[entry.IdempotencyKey]; ok {
				return fmt.Errorf("%w: idempotency key %s", store.ErrDuplicate, entry.IdempotencyKey)
			}
			seenIdem[entry.IdempotencyKey] = struct{}{}
		}
		if entry.ReversalOf != "" {
			if _, ok := s.reversals[tenantID][entry.ReversalOf]; ok {
				return fmt.Errorf("%w: entry %s already reversed", store.ErrDuplicate, entry.ReversalOf)
			}
		}
	}

	for _, write := range changes.Reservations {
		current, exists := s.reservations[tenantID][write.Reservation.ID]
		if write.ExpectStatus == "" {
			if exists {
				return fmt.Errorf("%w: reservation %s", store.ErrDuplicate, write.Reservation.ID)
			}
			continue
		}
		if !exists {
			return store.ErrNotFound
		}
		if current.Status != write.ExpectStatus {
			return fmt.Errorf("%w: reservation %s is %s", store.ErrReservationClosed, current.ID, current.Status)
		}
		if !write.DueBefore.IsZero() && !current.ExpiresAt.Before(write.DueBefore) {
			return fmt.Errorf("%w: reservation %s expires at %s", store.ErrReservationNotDue, current.ID, current.ExpiresAt.Format(time.RFC3339))
		}
	}
	return nil
}

func (s *Store) appendEntryLocked(tenantID string, entry domain.TransactionLogEntry) {
	entry.TenantID = tenantID
	s.entries[tenantID] = append(s.entries[tenantID], entry)
	idx := len(s.entries[tenantID]) - 1

	if s.entryByID[tenantID] == nil {
		s.entryByID[tenantID] = make(map[string]int)
		s.entryByIdem[tenantID] = make(map[string]int)
		s.reversals[tenantID] = make(map[string]int)
	}
	s.entryByID[tenantID][entry.ID] = idx
	if entry.IdempotencyKey != "" {
		s.entryByIdem[tenantID][entry.IdempotencyKey] = idx
	}
	if entry.ReversalOf != "" {
		s.reversals[tenantID][entry.ReversalOf] = idx
	}
}

func (s *Store) SetReorderLevel(ctx context.Context, tenantID string, key domain.StockKey, level decimal.Decimal, at time.Time) (*domain.StockRecord, error) {
	release, err := s.keyLocks.Acquire(ctx, tenantID+"|"+key.String())
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.stock[tenantID][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec.ReorderLevel = level
	rec.UpdatedAt = at
	rec.Version++
	s.stock[tenantID][key] = rec
	out := cloneStockRecord(rec)
	return &out, nil
}

func (s *Store) GetTransaction(_ context.Context, tenantID string, id string) (*domain.TransactionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.entryByID[tenantID][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	entry := s.entries[tenantID][idx]
	return &entry, nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, tenantID string, key string) (*domain.TransactionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.entryByIdem[tenantID][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	entry := s.entries[tenantID][idx]
	return &entry, nil
}

func (s *Store) FindReversal(_ context.Context, tenantID string, entryID string) (*domain.TransactionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.reversals[tenantID][entryID]
	if !ok {
		return nil, store.ErrNotFound
	}
	entry := s.entries[tenantID][idx]
	return &entry, nil
}

func (s *Store) ListTransactions(_ context.Context, tenantID string, filter store.TransactionFilter) ([]domain.TransactionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[tenantID]
	out := make([]domain.TransactionLogEntry, 0, min(len(entries), 64))
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if filter.ProductID != "" && entry.ProductID != filter.ProductID {
			continue
		}
		if filter.WarehouseID != "" && entry.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		if filter.Reference != "" && entry.Reference != filter.Reference {
			continue
		}
		if !filter.Since.IsZero() && entry.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetReservation(_ context.Context, tenantID string, id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.reservations[tenantID][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneReservation(res)
	return &out, nil
}

func (s *Store) ListReservations(_ context.Context, tenantID string, filter store.ReservationFilter) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Reservation, 0, len(s.reservations[tenantID]))
	for _, res := range s.reservations[tenantID] {
		if filter.QuotationID != "" && res.QuotationID != filter.QuotationID {
			continue
		}
		if filter.ProductID != "" && res.ProductID != filter.ProductID {
			continue
		}
		if filter.WarehouseID != "" && res.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.Status != "" && res.Status != filter.Status {
			continue
		}
		if filter.Type != "" && res.Type != filter.Type {
			continue
		}
		out = append(out, cloneReservation(res))
	}
	slices.SortFunc(out, func(a, b domain.Reservation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Number, b.Number)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ListExpiredReservations(_ context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Reservation, 0)
	for _, byID := range s.reservations {
		for _, res := range byID {
			if res.Status == domain.ReservationActive && res.ExpiresAt.Before(now) {
				out = append(out, cloneReservation(res))
			}
		}
	}
	slices.SortFunc(out, func(a, b domain.Reservation) int {
		if c := a.ExpiresAt.Compare(b.ExpiresAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ExtendReservation(_ context.Context, tenantID string, id string, expiresAt time.Time, event domain.ReservationEvent) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[tenantID][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if res.Status != domain.ReservationActive {
		return nil, fmt.Errorf("%w: reservation %s is %s", store.ErrReservationClosed, id, res.Status)
	}
	res = cloneReservation(res)
	res.ExpiresAt = expiresAt
	res.UpdatedAt = event.At
	res.History = append(res.History, event)
	s.reservations[tenantID][id] = res

	out := cloneReservation(res)
	return &out, nil
}

func (s *Store) NextSequence(_ context.Context, tenantID string, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantID + "|" + name
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) ListProducts(_ context.Context, tenantID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.products[tenantID]), nil
}

func (s *Store) LoadLegacyStock(_ context.Context, tenantID string, source domain.LegacySource) ([]domain.LegacyStockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.legacy[tenantID][source]), nil
}

func cloneStockRecord(src domain.StockRecord) domain.StockRecord {
	out := src
	out.Batches = slices.Clone(src.Batches)
	if out.Batches == nil {
		out.Batches = []domain.Batch{}
	}
	return out
}

func cloneReservation(src domain.Reservation) domain.Reservation {
	out := src
	out.History = slices.Clone(src.History)
	if src.ClosedAt != nil {
		closedAt := *src.ClosedAt
		out.ClosedAt = &closedAt
	}
	return out
}
