package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/store/memory"
)

const tenant = "t1"

var fixedNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memory.Store) {
	t.Helper()
	repo := memory.New()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithRetry(3, time.Millisecond)}, opts...)
	return NewEngine(repo, opts...), repo
}

func receive(t *testing.T, e *Engine, product, warehouse string, qty, cost int64) Result {
	t.Helper()
	res, err := e.Receive(context.Background(), ReceiveRequest{TenantID: tenant, ProductID: product, WarehouseID: warehouse, Quantity: dec(qty), CostPrice: dec(cost)})
	if err != nil {
		t.Fatalf("receive %s: %v", product, err)
	}
	return res
}

func move(product, warehouse string, qty int64) MoveRequest {
	return MoveRequest{TenantID: tenant, ProductID: product, WarehouseID: warehouse, Quantity: dec(qty)}
}

func assertStock(t *testing.T, rec domain.StockRecord, qty, reserved, available int64) {
	t.Helper()
	if err := rec.Validate(); err != nil {
		t.Fatalf("invariant broken: %v", err)
	}
	if !rec.Quantity.Equal(dec(qty)) || !rec.ReservedQuantity.Equal(dec(reserved)) || !rec.AvailableQuantity.Equal(dec(available)) {
		t.Fatalf("expected qty=%d reserved=%d available=%d, got qty=%s reserved=%s available=%s",
			qty, reserved, available, rec.Quantity, rec.ReservedQuantity, rec.AvailableQuantity)
	}
}

func TestReceiveCreatesRecordAndBatch(t *testing.T) {
	e, repo := newTestEngine(t)
	res := receive(t, e, "p1", "w1", 100, 50)

	assertStock(t, res.Record, 100, 0, 100)
	if !res.Record.AvgCostPrice.Equal(dec(50)) {
		t.Fatalf("expected avg 50, got %s", res.Record.AvgCostPrice)
	}
	if res.Batch == nil || !res.Batch.RemainingQty.Equal(dec(100)) || res.Batch.BatchNo == "" {
		t.Fatalf("unexpected batch %+v", res.Batch)
	}
	if res.Entry.Type != domain.TxGoodsReceipt || res.Entry.Sequence != 1 || !res.Entry.BalanceAfter.Equal(dec(100)) {
		t.Fatalf("unexpected entry %+v", res.Entry)
	}

	stored, err := repo.GetStock(context.Background(), tenant, domain.StockKey{ProductID: "p1", WarehouseID: "w1"})
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if len(stored.Batches) != 1 {
		t.Fatalf("expected stored batch, got %d", len(stored.Batches))
	}
}

func TestReceiveWeightedAverage(t *testing.T) {
	e, _ := newTestEngine(t)
	receive(t, e, "p1", "w1", 100, 50)
	res := receive(t, e, "p1", "w1", 50, 80)

	if !res.Record.AvgCostPrice.Equal(dec(60)) {
		t.Fatalf("expected weighted average 60, got %s", res.Record.AvgCostPrice)
	}
	if len(res.Record.Batches) != 2 || res.Entry.Sequence != 2 {
		t.Fatalf("expected second batch and sequence 2, got %d batches seq %d", len(res.Record.Batches), res.Entry.Sequence)
	}
}

func TestWeightedAverageFromEmptyStockUsesCost(t *testing.T) {
	got := WeightedAverage(decimal.Zero, dec(99), dec(10), dec(12))
	if !got.Equal(dec(12)) {
		t.Fatalf("expected cost price, got %s", got)
	}
	got = WeightedAverage(dec(3), dec(10), dec(1), dec(11))
	if !got.Equal(decimal.RequireFromString("10.25")) {
		t.Fatalf("expected 10.25, got %s", got)
	}
}

func TestReceiveRejectsInvalidInput(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	cases := []ReceiveRequest{
		{TenantID: tenant, ProductID: "p1", Quantity: decimal.Zero, CostPrice: dec(1)},
		{TenantID: tenant, ProductID: "p1", Quantity: dec(-1), CostPrice: dec(1)},
		{TenantID: tenant, ProductID: "p1", Quantity: dec(1), CostPrice: dec(-1)},
		{TenantID: tenant, Quantity: dec(1)},
		{ProductID: "p1", Quantity: dec(1)},
	}
	for i, req := range cases {
		if _, err := e.Receive(ctx, req); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("case %d: expected invalid input, got %v", i, err)
		}
	}
}

func TestReceiveDefaultsWarehouse(t *testing.T) {
	e, _ := newTestEngine(t)
	res := receive(t, e, "p1", "", 5, 1)
	if res.Record.WarehouseID != domain.DefaultWarehouseID {
		t.Fatalf("expected default warehouse, got %q", res.Record.WarehouseID)
	}
}

func TestAdjustClampsAtZeroAndLogsRequestedDelta(t *testing.T) {
	e, _ := newTestEngine(t)
	receive(t, e, "p1", "w1", 10, 5)

	res, err := e.Adjust(context.Background(), AdjustRequest{TenantID: tenant, ProductID: "p1", WarehouseID: "w1", Delta: dec(-25), Reason: "stock take"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !res.Clamped || !res.Entry.Clamped {
		t.Fatalf("expected clamped flag")
	}
	assertStock(t, res.Record, 0, 0, 0)
	if !res.Entry.Quantity.Equal(dec(-25)) {
		t.Fatalf("expected requested delta on entry, got %s", res.Entry.Quantity)
	}
}

func TestAdjustWithoutRecordIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Adjust(context.Background(), AdjustRequest{TenantID: tenant, ProductID: "ghost", WarehouseID: "w1", Delta: dec(5)})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAdjustCannotCutIntoReservedStock(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	receive(t, e, "p1", "w1", 100, 5)
	if _, err := e.Reserve(ctx, move("p1", "w1", 30)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	_, err := e.Adjust(ctx, AdjustRequest{TenantID: tenant, ProductID: "p1", WarehouseID: "w1", Delta: dec(-80)})
	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if !insufficient.Shortfall().Equal(dec(10)) {
		t.Fatalf("expected shortfall 10, got %s", insufficient.Shortfall())
	}
}

func TestReserveReportsShortfall(t *testing.T) {
	e, _ := newTestEngine(t)
	receive(t, e, "p1", "w1", 40, 5)

	_, err := e.Reserve(context.Background(), move("p1", "w1", 55))
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) || !insufficient.Shortfall().Equal(dec(15)) {
		t.Fatalf("expected shortfall 15, got %v", err)
	}
}

func TestReserveOnUnknownKeyLeavesShell(t *testing.T) {
	e, repo := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Reserve(ctx, move("p-new", "w1", 3))
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	rec, err := repo.GetStock(ctx, tenant, domain.StockKey{ProductID: "p-new", WarehouseID: "w1"})
	if err != nil {
		t.Fatalf("expected shell record, got %v", err)
	}
	assertStock(t, *rec, 0, 0, 0)

	entries, _ := repo.ListTransactions(ctx, tenant, store.TransactionFilter{ProductID: "p-new"})
	if len(entries) != 0 {
		t.Fatalf("expected no log entries for a shell, got %d", len(entries))
	}
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	receive(t, e, "p1", "w1", 100, 5)

	reserved, err := e.Reserve(ctx, move("p1", "w1", 30))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	assertStock(t, reserved.Record, 100, 30, 70)

	released, err := e.Release(ctx, move("p1", "w1", 30))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	assertStock(t, released.Record, 100, 0, 100)
	if released.Clamped {
		t.Fatalf("release should not be capped")
	}
}

func TestReleaseIsCappedAtReserved(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	receive(t, e, "p1", "w1", 100, 5)
	if _, err := e.Reserve(ctx, move("p1", "w1", 10)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	res, err := e.Release(ctx, move("p1", "w1", 25))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !res.Clamped || !res.Applied.Equal(dec(10)) || !res.Entry.Quantity.Equal(dec(10)) {
		t.Fatalf("expected capped release of 10, got applied=%s clamped=%v", res.Applied, res.Clamped)
	}
	assertStock(t, res.Record, 100, 0, 100)
}

func TestReserveThenConsumeLeavesAvailableUnchanged(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	receive(t, e, "p1", "w1", 100, 5)
	if _, err := e.Reserve(ctx, move("p1", "w1", 40)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	res, err := e.Consume(ctx, move("p1", "w1", 40))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	assertStock(t, res.Record, 60, 0, 60)
	if !res.Entry.Quantity.Equal(dec(-40)) {
		t.Fatalf("expected negative consumption entry, got %s", res.Entry.Quantity)
	}
}

func TestConsumeDrawsReservedThenAvailable(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	receive(t, e, "p1", "w1", 100, 5)
	if _, err := e.Reserve(ctx, move("p1", "w1", 20)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	res, err := e.Consume(ctx, move("p1", "w1", 50))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	assertStock(t, res.Record, 50, 0, 50)

	_, err = e.Consume(ctx, move("p1", "w1", 51))
	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) || !insufficient.Shortfall().Equal(dec(1)) {
		t.Fatalf("expected shortfall 1, got %v", err)
	}
}

func TestTransferConservesQuantityAndPairsEntries(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	receive(t, e, "p1", "w1", 100, 40)

	res, err := e.Transfer(ctx, TransferRequest{TenantID: tenant, ProductID: "p1", FromWarehouseID: "w1", ToWarehouseID: "w2", Quantity: dec(35)})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	assertStock(t, res.Source, 65, 0, 65)
	assertStock(t, res.Destination, 35, 0, 35)
	if !res.Source.Quantity.Add(res.Destination.Quantity).Equal(dec(100)) {
		t.Fatalf("transfer did not conserve quantity")
	}
	if !res.Destination.AvgCostPrice.Equal(dec(40)) {
		t.Fatalf("expected destination to inherit avg cost 40, got %s", res.Destination.AvgCostPrice)
	}
	if res.Out.CounterpartID != res.In.ID || res.In.CounterpartID != res.Out.ID {
		t.Fatalf("expected paired entries, got out=%+v in=%+v", res.Out, res.In)
	}
	if res.Out.Type != domain.TxTransferOut || !res.Out.Quantity.Equal(dec(-35)) {
		t.Fatalf("unexpected out entry %+v", res.Out)
	}
}

func TestTransferKeepsExistingDestinationCost(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	receive(t, e, "p1", "w1", 10, 100)
	receive(t, e, "p1", "w2", 10, 50)

	res, err := e.Transfer(ctx, TransferRequest{TenantID: tenant, ProductID: "p1", FromWarehouseID: "w1", ToWarehouseID: "w2", Quantity: dec(10)})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	assertStock(t, res.Destination, 20, 0, 20)
	if !res.Destination.AvgCostPrice.Equal(dec(50)) {
		t.Fatalf("expected destination avg 50 to be kept, got %s", res.Destination.AvgCostPrice)
	}
	if !res.Source.AvgCostPrice.Equal(dec(100)) {
		t.Fatalf("expected source avg 100, got %s", res.Source.AvgCostPrice)
	}
	if !res.In.UnitCost.Equal(dec(100)) {
		t.Fatalf("expected in entry to carry source cost 100, got %s", res.In.UnitCost)
	}
}

func TestTransferRejectsOverdraftAndSameWarehouse(t *testing.T) {
	e, repo := newTestEngine(t)
	ctx := context.Background()
	receive(t, e, "p1", "w1", 10, 1)

	_, err := e.Transfer(ctx, TransferRequest{TenantID: tenant, ProductID: "p1", FromWarehouseID: "w1", ToWarehouseID: "w2", Quantity: dec(11)})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if _, err := repo.GetStock(ctx, tenant, domain.StockKey{ProductID: "p1", WarehouseID: "w2"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed transfer must not create destination, got %v", err)
	}

	_, err = e.Transfer(ctx, TransferRequest{TenantID: tenant, ProductID: "p1", FromWarehouseID: "w1", ToWarehouseID: "w1", Quantity: dec(1)})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestConcurrentReservesNeverOverReserve(t *testing.T) {
	e, _ := newTestEngine(t)
	receive(t, e, "p1", "w1", 100, 5)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Reserve(context.Background(), move("p1", "w1", 60))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, insufficient := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one reserve to win, got %d ok / %d insufficient", succeeded, insufficient)
	}

	rec, err := e.GetStock(context.Background(), tenant, "p1", "w1")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	assertStock(t, *rec, 100, 60, 40)
}

func TestManyConcurrentOperationsKeepInvariants(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	receive(t, e, "p1", "w1", 50, 5)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 4 {
			case 0:
				_, _ = e.Reserve(ctx, move("p1", "w1", 7))
			case 1:
				_, _ = e.Release(ctx, move("p1", "w1", 3))
			case 2:
				_, _ = e.Consume(ctx, move("p1", "w1", 2))
			default:
				_, _ = e.Transfer(ctx, TransferRequest{TenantID: tenant, ProductID: "p1", FromWarehouseID: "w1", ToWarehouseID: "w2", Quantity: dec(1)})
			}
		}(i)
	}
	wg.Wait()

	for _, wh := range []string{"w1", "w2"} {
		rec, err := e.GetStock(ctx, tenant, "p1", wh)
		if err != nil {
			continue
		}
		if err := rec.Validate(); err != nil {
			t.Fatalf("invariant broken under concurrency: %v", err)
		}
	}
}

func TestCancelledContextWritesNothing(t *testing.T) {
	e, repo := newTestEngine(t)
	receive(t, e, "p1", "w1", 10, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Reserve(ctx, move("p1", "w1", 5)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}

	rec, _ := repo.GetStock(context.Background(), tenant, domain.StockKey{ProductID: "p1", WarehouseID: "w1"})
	assertStock(t, *rec, 10, 0, 10)
	entries, _ := repo.ListTransactions(context.Background(), tenant, store.TransactionFilter{})
	if len(entries) != 1 {
		t.Fatalf("expected only the receipt entry, got %d", len(entries))
	}
}

func TestIdempotencyKeyReplaysWithoutApplyingTwice(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	req := ReceiveRequest{TenantID: tenant, ProductID: "p1", WarehouseID: "w1", Quantity: dec(10), CostPrice: dec(3), IdempotencyKey: "grn-77"}

	first, err := e.Receive(ctx, req)
	if err != nil {
		t.Fatalf("first receive: %v", err)
	}
	second, err := e.Receive(ctx, req)
	if err != nil {
		t.Fatalf("replayed receive: %v", err)
	}
	if !second.Replayed || second.Entry.ID != first.Entry.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Entry.ID, second)
	}
	assertStock(t, second.Record, 10, 0, 10)

	_, err = e.Adjust(ctx, AdjustRequest{TenantID: tenant, ProductID: "p1", WarehouseID: "w1", Delta: dec(1), IdempotencyKey: "grn-77"})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected reused key on another operation to be rejected, got %v", err)
	}
}

func TestEntriesCarryRunningBalance(t *testing.T) {
	e, repo := newTestEngine(t)
	ctx := context.Background()
	receive(t, e, "p1", "w1", 20, 5)
	if _, err := e.Reserve(ctx, move("p1", "w1", 8)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := e.Consume(ctx, move("p1", "w1", 5)); err != nil {
		t.Fatalf("consume: %v", err)
	}

	entries, err := repo.ListTransactions(ctx, tenant, store.TransactionFilter{ProductID: "p1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	latest := entries[0]
	if latest.Sequence != 3 || !latest.BalanceAfter.Equal(dec(15)) || !latest.ReservedAfter.Equal(dec(3)) {
		t.Fatalf("unexpected running balance %+v", latest)
	}
}

func TestReverseReceipt(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	receive(t, e, "p1", "w1", 100, 50)
	second := receive(t, e, "p1", "w1", 50, 80)

	res, err := e.Reverse(ctx, ReverseRequest{TenantID: tenant, EntryID: second.Entry.ID})
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	assertStock(t, res.Record, 100, 0, 100)
	if !res.Record.AvgCostPrice.Equal(dec(50)) {
		t.Fatalf("expected avg cost to unwind to 50, got %s", res.Record.AvgCostPrice)
	}
	if res.Entry.ReversalOf != second.Entry.ID || !res.Entry.Quantity.Equal(dec(-50)) {
		t.Fatalf("unexpected reversal entry %+v", res.Entry)
	}
	for _, batch := range res.Record.Batches {
		if batch.ID == second.Batch.ID && !batch.RemainingQty.IsZero() {
			t.Fatalf("expected reversed batch to be emptied, got %s", batch.RemainingQty)
		}
	}

	if _, err := e.Reverse(ctx, ReverseRequest{TenantID: tenant, EntryID: second.Entry.ID}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected second reversal to be rejected, got %v", err)
	}
}

func TestReverseRejectsUnsupportedTypesAndReservedStock(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	first := receive(t, e, "p1", "w1", 10, 5)
	reserved, err := e.Reserve(ctx, move("p1", "w1", 6))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := e.Reverse(ctx, ReverseRequest{TenantID: tenant, EntryID: reserved.Entry.ID}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected reservation reversal to be invalid, got %v", err)
	}
	if _, err := e.Reverse(ctx, ReverseRequest{TenantID: tenant, EntryID: first.Entry.ID}); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected receipt reversal below reserved to fail, got %v", err)
	}
	if _, err := e.Reverse(ctx, ReverseRequest{TenantID: tenant, EntryID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReverseConsumptionRestoresQuantity(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	receive(t, e, "p1", "w1", 10, 5)
	consumed, err := e.Consume(ctx, move("p1", "w1", 4))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	res, err := e.Reverse(ctx, ReverseRequest{TenantID: tenant, EntryID: consumed.Entry.ID, Reason: "returned"})
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	assertStock(t, res.Record, 10, 0, 10)
}

func TestSetReorderLevel(t *testing.T) {
	e, repo := newTestEngine(t)
	ctx := context.Background()
	receive(t, e, "p1", "w1", 10, 5)

	rec, err := e.SetReorderLevel(ctx, tenant, "p1", "w1", dec(12))
	if err != nil {
		t.Fatalf("set reorder level: %v", err)
	}
	if !rec.ReorderLevel.Equal(dec(12)) {
		t.Fatalf("expected level 12, got %s", rec.ReorderLevel)
	}
	if _, err := e.SetReorderLevel(ctx, tenant, "p1", "w1", dec(-1)); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected negative level to be rejected, got %v", err)
	}
	entries, _ := repo.ListTransactions(ctx, tenant, store.TransactionFilter{})
	if len(entries) != 1 {
		t.Fatalf("reorder level must not write log entries, got %d", len(entries))
	}
}

type conflictingRepo struct {
	*memory.Store
	mu        sync.Mutex
	conflicts int
}

func (r *conflictingRepo) MutateStock(ctx context.Context, tenantID string, keys []domain.StockKey, fn store.MutateFunc) error {
	r.mu.Lock()
	if r.conflicts > 0 {
		r.conflicts--
		r.mu.Unlock()
		return fmt.Errorf("%w: serialization failure", store.ErrConflict)
	}
	r.mu.Unlock()
	return r.Store.MutateStock(ctx, tenantID, keys, fn)
}

func TestConflictsAreRetriedThenSurfaced(t *testing.T) {
	repo := &conflictingRepo{Store: memory.New(), conflicts: 2}
	e := NewEngine(repo, WithRetry(3, time.Millisecond))
	ctx := context.Background()

	res, err := e.Receive(ctx, ReceiveRequest{TenantID: tenant, ProductID: "p1", WarehouseID: "w1", Quantity: dec(5), CostPrice: dec(1)})
	if err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	assertStock(t, res.Record, 5, 0, 5)

	repo.conflicts = 10
	_, err = e.Receive(ctx, ReceiveRequest{TenantID: tenant, ProductID: "p1", WarehouseID: "w1", Quantity: dec(5), CostPrice: dec(1)})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict after exhausting retries, got %v", err)
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	entries []domain.TransactionLogEntry
	fail    bool
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, entries []domain.TransactionLogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.entries = append(p.entries, entries...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestCommittedEntriesArePublished(t *testing.T) {
	pub := &recordingPublisher{}
	e, _ := newTestEngine(t, WithPublisher(pub))
	ctx := context.Background()
	receive(t, e, "p1", "w1", 10, 5)
	if _, err := e.Transfer(ctx, TransferRequest{TenantID: tenant, ProductID: "p1", FromWarehouseID: "w1", ToWarehouseID: "w2", Quantity: dec(4)}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := e.Reserve(ctx, move("p1", "w1", 100)); err == nil {
		t.Fatalf("expected failed reserve")
	}
	if len(pub.entries) != 3 {
		t.Fatalf("expected receipt and transfer pair published, got %d", len(pub.entries))
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	e, _ := newTestEngine(t, WithPublisher(&recordingPublisher{fail: true}))
	res := receive(t, e, "p1", "w1", 10, 5)
	assertStock(t, res.Record, 10, 0, 10)
}

func TestActorIsStampedOnEntries(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := WithActor(context.Background(), domain.Actor{ID: "u-9", TenantID: tenant, Role: "staff"})
	res, err := e.Receive(ctx, ReceiveRequest{TenantID: tenant, ProductID: "p1", WarehouseID: "w1", Quantity: dec(1), CostPrice: dec(1)})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if res.Entry.Actor != "u-9" {
		t.Fatalf("expected actor u-9, got %q", res.Entry.Actor)
	}
	plain := receive(t, e, "p1", "w1", 1, 1)
	if plain.Entry.Actor != domain.SystemActor {
		t.Fatalf("expected system actor, got %q", plain.Entry.Actor)
	}
}
