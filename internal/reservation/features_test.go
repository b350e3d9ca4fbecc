package reservation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/shopspring/decimal"

	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/store/memory"
)

const featureWarehouse = "w1"

type reservationTestContext struct {
	clock      *testClock
	repo       *memory.Store
	engine     *ledger.Engine
	manager    *Manager
	lastCreate CreateResult
	raceErrors []error
}

func (c *reservationTestContext) reset() {
	c.clock = &testClock{now: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)}
	c.repo = memory.New()
	c.engine = ledger.NewEngine(c.repo, ledger.WithClock(c.clock.Now), ledger.WithRetry(3, time.Millisecond))
	c.manager = NewManager(c.engine, c.repo)
	c.lastCreate = CreateResult{}
	c.raceErrors = nil
}

func (c *reservationTestContext) productHasUnitsReceivedAtCost(product string, qty int, cost int) error {
	_, err := c.engine.Receive(context.Background(), ledger.ReceiveRequest{
		TenantID: tenant, ProductID: product, WarehouseID: featureWarehouse,
		Quantity: decimal.NewFromInt(int64(qty)), CostPrice: decimal.NewFromInt(int64(cost)),
	})
	return err
}

func (c *reservationTestContext) quotationReservesUnitsOf(quotationID string, qty int, product string) error {
	res, err := c.manager.Create(context.Background(), CreateRequest{
		TenantID: tenant, QuotationID: quotationID,
		Items: []Item{{ProductID: product, WarehouseID: featureWarehouse, Quantity: decimal.NewFromInt(int64(qty))}},
	})
	if err != nil {
		return err
	}
	if len(res.ReservationErrors) > 0 {
		return fmt.Errorf("unexpected reservation errors %+v", res.ReservationErrors)
	}
	c.lastCreate = res
	return nil
}

func (c *reservationTestContext) quotationIsEditedToUnitsOf(quotationID string, qty int, product string) error {
	_, _, err := c.manager.Replace(context.Background(), CreateRequest{
		TenantID: tenant, QuotationID: quotationID,
		Items: []Item{{ProductID: product, WarehouseID: featureWarehouse, Quantity: decimal.NewFromInt(int64(qty))}},
	})
	return err
}

func (c *reservationTestContext) quotationIsConverted(quotationID string) error {
	_, err := c.manager.Convert(context.Background(), tenant, quotationID)
	return err
}

func (c *reservationTestContext) quotationRequests(quotationID string, table *godog.Table) error {
	items := make([]Item, 0, len(table.Rows))
	for i, row := range table.Rows {
		if i == 0 {
			continue
		}
		qty, err := strconv.ParseInt(row.Cells[1].Value, 10, 64)
		if err != nil {
			return err
		}
		items = append(items, Item{ProductID: row.Cells[0].Value, WarehouseID: featureWarehouse, Quantity: decimal.NewFromInt(qty)})
	}
	res, err := c.manager.Create(context.Background(), CreateRequest{TenantID: tenant, QuotationID: quotationID, Items: items})
	c.lastCreate = res
	return err
}

func (c *reservationTestContext) lineIsShortBy(count int, shortfall int) error {
	if len(c.lastCreate.ReservationErrors) != count {
		return fmt.Errorf("expected %d short lines, got %+v", count, c.lastCreate.ReservationErrors)
	}
	for _, lineErr := range c.lastCreate.ReservationErrors {
		if !lineErr.Shortfall.Equal(decimal.NewFromInt(int64(shortfall))) {
			return fmt.Errorf("expected shortfall %d, got %s", shortfall, lineErr.Shortfall)
		}
	}
	return nil
}

func (c *reservationTestContext) twoConcurrentReservationsAreMade(qty int, product string) error {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.engine.Reserve(context.Background(), ledger.MoveRequest{
				TenantID: tenant, ProductID: product, WarehouseID: featureWarehouse, Quantity: decimal.NewFromInt(int64(qty)),
			})
			mu.Lock()
			c.raceErrors = append(c.raceErrors, err)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return nil
}

func (c *reservationTestContext) exactlyOneReservationFails() error {
	failed := 0
	for _, err := range c.raceErrors {
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrInsufficientStock) {
			return fmt.Errorf("unexpected error %v", err)
		}
		failed++
	}
	if failed != 1 {
		return fmt.Errorf("expected exactly one failure, got %d", failed)
	}
	return nil
}

func (c *reservationTestContext) daysPass(days int) error {
	c.clock.Advance(time.Duration(days) * 24 * time.Hour)
	return nil
}

func (c *reservationTestContext) theExpirySweepRuns(times int) error {
	for i := 0; i < times; i++ {
		if _, err := c.manager.SweepExpired(context.Background(), 50); err != nil {
			return err
		}
	}
	return nil
}

func (c *reservationTestContext) quotationHasStatus(quotationID string, status string) error {
	list, err := c.manager.List(context.Background(), tenant, store.ReservationFilter{QuotationID: quotationID})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return fmt.Errorf("quotation %s has no reservations", quotationID)
	}
	latest := list[len(list)-1]
	if string(latest.Status) != status {
		return fmt.Errorf("expected status %s, got %s", status, latest.Status)
	}
	return nil
}

func (c *reservationTestContext) productHasQuantityReservedAvailable(product string, qty, reserved, available int) error {
	rec, err := c.engine.GetStock(context.Background(), tenant, product, featureWarehouse)
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if !rec.Quantity.Equal(decimal.NewFromInt(int64(qty))) ||
		!rec.ReservedQuantity.Equal(decimal.NewFromInt(int64(reserved))) ||
		!rec.AvailableQuantity.Equal(decimal.NewFromInt(int64(available))) {
		return fmt.Errorf("expected %d/%d/%d, got %s/%s/%s", qty, reserved, available, rec.Quantity, rec.ReservedQuantity, rec.AvailableQuantity)
	}
	return nil
}

func (c *reservationTestContext) theAverageCostIs(product string, cost int) error {
	rec, err := c.engine.GetStock(context.Background(), tenant, product, featureWarehouse)
	if err != nil {
		return err
	}
	if !rec.AvgCostPrice.Equal(decimal.NewFromInt(int64(cost))) {
		return fmt.Errorf("expected average cost %d, got %s", cost, rec.AvgCostPrice)
	}
	return nil
}

func (c *reservationTestContext) unitsAreTransferredToWarehouse(qty int, product string, warehouse string) error {
	_, err := c.engine.Transfer(context.Background(), ledger.TransferRequest{
		TenantID: tenant, ProductID: product, FromWarehouseID: featureWarehouse, ToWarehouseID: warehouse,
		Quantity: decimal.NewFromInt(int64(qty)),
	})
	return err
}

func (c *reservationTestContext) theTotalQuantityAcrossWarehousesIs(product string, total int) error {
	records, err := c.engine.ListStock(context.Background(), tenant, store.StockFilter{ProductID: product})
	if err != nil {
		return err
	}
	sum := decimal.Zero
	for _, rec := range records {
		sum = sum.Add(rec.Quantity)
	}
	if !sum.Equal(decimal.NewFromInt(int64(total))) {
		return fmt.Errorf("expected total %d, got %s", total, sum)
	}
	return nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := &reservationTestContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		tc.reset()
		return ctx, nil
	})

	ctx.Step(`^product "([^"]*)" has (\d+) units received at cost (\d+)$`, tc.productHasUnitsReceivedAtCost)
	ctx.Step(`^quotation "([^"]*)" reserves (\d+) units of "([^"]*)"$`, tc.quotationReservesUnitsOf)
	ctx.Step(`^quotation "([^"]*)" is edited to (\d+) units of "([^"]*)"$`, tc.quotationIsEditedToUnitsOf)
	ctx.Step(`^quotation "([^"]*)" is converted$`, tc.quotationIsConverted)
	ctx.Step(`^quotation "([^"]*)" requests:$`, tc.quotationRequests)
	ctx.Step(`^two concurrent reservations of (\d+) units of "([^"]*)" are made$`, tc.twoConcurrentReservationsAreMade)
	ctx.Step(`^(\d+) days pass$`, tc.daysPass)
	ctx.Step(`^the expiry sweep runs (\d+) times$`, tc.theExpirySweepRuns)
	ctx.Step(`^(\d+) units of "([^"]*)" are transferred to warehouse "([^"]*)"$`, tc.unitsAreTransferredToWarehouse)

	ctx.Step(`^product "([^"]*)" has quantity (\d+), reserved (\d+) and available (\d+)$`, tc.productHasQuantityReservedAvailable)
	ctx.Step(`^exactly one reservation fails with insufficient stock$`, tc.exactlyOneReservationFails)
	ctx.Step(`^quotation "([^"]*)" has status "([^"]*)"$`, tc.quotationHasStatus)
	ctx.Step(`^(\d+) lines? (?:is|are) short by (\d+)$`, tc.lineIsShortBy)
	ctx.Step(`^the average cost of "([^"]*)" is (\d+)$`, tc.theAverageCostIs)
	ctx.Step(`^the total quantity of "([^"]*)" across warehouses is (\d+)$`, tc.theTotalQuantityAcrossWarehousesIs)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
