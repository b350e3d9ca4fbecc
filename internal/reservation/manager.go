package reservation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stockledger/backend/internal/catalog"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/metrics"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/xid"
)

const DefaultTTL = 7 * 24 * time.Hour

type Repository interface {
	store.ReservationRepository
	store.CatalogRepository
}

// Manager owns reservation status. Every transition is committed in the same
// ledger unit as the quantity it holds or frees.
type Manager struct {
	engine  *ledger.Engine
	repo    Repository
	metrics *metrics.Metrics
	logger  *zap.Logger
	ttl     time.Duration
	now     func() time.Time
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(engine *ledger.Engine, repo Repository, opts ...Option) *Manager {
	m := &Manager{
		engine: engine,
		repo:   repo,
		logger: zap.NewNop(),
		ttl:    DefaultTTL,
		now:    engine.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

type Item struct {
	ProductID   string          `json:"productId"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	WarehouseID string          `json:"warehouseId"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
}

type CreateRequest struct {
	TenantID    string                 `json:"-"`
	QuotationID string                 `json:"quotationId"`
	CustomerRef string                 `json:"customerRef"`
	Type        domain.ReservationType `json:"type"`
	ExpiresAt   *time.Time             `json:"expiresAt"`
	Items       []Item                 `json:"items"`
}

// LineError reports why one line of a create request holds no stock.
type LineError struct {
	Line      int             `json:"line"`
	ProductID string          `json:"productId"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
	Shortfall decimal.Decimal `json:"shortfall"`
	Message   string          `json:"message"`
}

type CreateResult struct {
	Reservations      []domain.Reservation `json:"reservations"`
	ReservationErrors []LineError          `json:"reservationErrors"`
	UnresolvedLines   []int                `json:"unresolvedLines"`
}

// Create reserves every line it can resolve to a product. Lines short of
// stock are reported in ReservationErrors and the remaining lines proceed.
// On any other failure the reservations made so far are returned with the error.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	result := CreateResult{Reservations: []domain.Reservation{}, ReservationErrors: []LineError{}, UnresolvedLines: []int{}}
	if strings.TrimSpace(req.TenantID) == "" {
		return result, fmt.Errorf("%w: tenant is required", store.ErrInvalidInput)
	}
	resType := req.Type
	if resType == "" {
		resType = domain.ReservationManual
		if req.QuotationID != "" {
			resType = domain.ReservationQuote
		}
	} else if domain.ParseReservationType(string(resType)) == "" {
		return result, fmt.Errorf("%w: unknown reservation type %q", store.ErrInvalidInput, resType)
	}
	if resType == domain.ReservationQuote && strings.TrimSpace(req.QuotationID) == "" {
		return result, fmt.Errorf("%w: quotationId is required for quote reservations", store.ErrInvalidInput)
	}

	now := m.now()
	expiresAt := now.Add(m.ttl)
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return result, fmt.Errorf("%w: expiresAt must be in the future", store.ErrInvalidInput)
		}
		expiresAt = req.ExpiresAt.UTC()
	}

	var resolver *catalog.Resolver
	actor := actorOf(ctx)

	for i, item := range req.Items {
		line := i + 1
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			if resolver == nil {
				loaded, err := catalog.Load(ctx, m.repo, req.TenantID)
				if err != nil {
					return result, err
				}
				resolver = loaded
			}
			product, ok := resolver.Resolve("", item.SKU, item.Name)
			if !ok {
				result.UnresolvedLines = append(result.UnresolvedLines, line)
				continue
			}
			productID = product.ID
		}
		if !item.Quantity.IsPositive() {
			result.ReservationErrors = append(result.ReservationErrors, LineError{
				Line: line, ProductID: productID, Requested: item.Quantity,
				Message: "quantity must be greater than zero",
			})
			continue
		}
		warehouseID := strings.TrimSpace(item.WarehouseID)
		if warehouseID == "" {
			warehouseID = domain.DefaultWarehouseID
		}

		number, err := m.nextNumber(ctx, req.TenantID, resType, now)
		if err != nil {
			return result, err
		}
		res := domain.Reservation{
			ID:          xid.New("res"),
			TenantID:    req.TenantID,
			Number:      number,
			Type:        resType,
			QuotationID: req.QuotationID,
			CustomerRef: req.CustomerRef,
			ProductID:   productID,
			WarehouseID: warehouseID,
			Quantity:    item.Quantity,
			Unit:        item.Unit,
			Status:      domain.ReservationActive,
			ExpiresAt:   expiresAt,
			CreatedAt:   now,
			UpdatedAt:   now,
			History: []domain.ReservationEvent{{
				Action: "created", Quantity: item.Quantity, Actor: actor, At: now,
			}},
		}

		_, err = m.engine.Reserve(ctx, ledger.MoveRequest{
			TenantID:    req.TenantID,
			ProductID:   productID,
			WarehouseID: warehouseID,
			Quantity:    item.Quantity,
			Reference:   number,
			Attach:      []store.ReservationWrite{{Reservation: res}},
		})
		var insufficient *store.InsufficientStockError
		switch {
		case errors.As(err, &insufficient):
			result.ReservationErrors = append(result.ReservationErrors, LineError{
				Line:      line,
				ProductID: productID,
				Requested: insufficient.Requested,
				Available: insufficient.Available,
				Shortfall: insufficient.Shortfall(),
				Message:   "insufficient stock",
			})
			continue
		case err != nil:
			return result, err
		}
		result.Reservations = append(result.Reservations, res)
	}

	m.metrics.ReservationTransition(string(domain.ReservationActive), len(result.Reservations))
	m.logger.Info("reservations created",
		zap.String("tenant_id", req.TenantID),
		zap.String("quotation_id", req.QuotationID),
		zap.Int("reserved", len(result.Reservations)),
		zap.Int("short", len(result.ReservationErrors)),
		zap.Int("unresolved", len(result.UnresolvedLines)),
	)
	return result, nil
}

// Release frees every active reservation of a quotation.
func (m *Manager) Release(ctx context.Context, tenantID string, quotationID string, reason string) ([]domain.Reservation, error) {
	return m.closeQuotation(ctx, tenantID, quotationID, domain.ReservationReleased, "released", reason)
}

// Convert consumes every active reservation of a quotation out of reserved stock.
func (m *Manager) Convert(ctx context.Context, tenantID string, quotationID string) ([]domain.Reservation, error) {
	return m.closeQuotation(ctx, tenantID, quotationID, domain.ReservationConverted, "converted", "")
}

// Replace is the quotation edit flow: the old holds are released, then the
// new lines are reserved. The two steps are not one unit.
func (m *Manager) Replace(ctx context.Context, req CreateRequest) ([]domain.Reservation, CreateResult, error) {
	if strings.TrimSpace(req.QuotationID) == "" {
		return nil, CreateResult{}, fmt.Errorf("%w: quotationId is required", store.ErrInvalidInput)
	}
	released, err := m.Release(ctx, req.TenantID, req.QuotationID, "quotation edited")
	if err != nil {
		return released, CreateResult{}, err
	}
	created, err := m.Create(ctx, req)
	return released, created, err
}

func (m *Manager) closeQuotation(ctx context.Context, tenantID string, quotationID string, to domain.ReservationStatus, action string, notes string) ([]domain.Reservation, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(quotationID) == "" {
		return nil, fmt.Errorf("%w: tenant and quotationId are required", store.ErrInvalidInput)
	}
	active, err := m.repo.ListReservations(ctx, tenantID, store.ReservationFilter{QuotationID: quotationID, Status: domain.ReservationActive})
	if err != nil {
		return nil, err
	}
	closed := make([]domain.Reservation, 0, len(active))
	for _, res := range active {
		out, err := m.close(ctx, res, to, action, notes)
		if errors.Is(err, store.ErrReservationClosed) {
			continue
		}
		if err != nil {
			return closed, fmt.Errorf("%s reservation %s: %w", action, res.Number, err)
		}
		closed = append(closed, out)
	}
	return closed, nil
}

// close moves one active reservation to a terminal status. The ledger unit
// fails with ErrReservationClosed when another caller closed it first. An
// expiry also fails with ErrReservationNotDue when the hold was extended
// after it was listed.
func (m *Manager) close(ctx context.Context, res domain.Reservation, to domain.ReservationStatus, action string, notes string) (domain.Reservation, error) {
	now := m.now()
	event := domain.ReservationEvent{
		Action: action, Quantity: res.Quantity, Actor: actorOf(ctx), At: now, Notes: notes,
	}
	closed := res
	closed.Status = to
	closed.UpdatedAt = now
	closed.ClosedAt = &now
	closed.ClosedReason = notes
	if closed.ClosedReason == "" {
		closed.ClosedReason = action
	}
	closed.History = append(slices.Clone(res.History), event)

	write := store.ReservationWrite{
		Reservation:  closed,
		ExpectStatus: domain.ReservationActive,
		Events:       []domain.ReservationEvent{event},
	}
	if to == domain.ReservationExpired {
		write.DueBefore = now
	}
	req := ledger.MoveRequest{
		TenantID:    res.TenantID,
		ProductID:   res.ProductID,
		WarehouseID: res.WarehouseID,
		Quantity:    res.Quantity,
		Reference:   res.Number,
		Attach:      []store.ReservationWrite{write},
	}
	var (
		moved ledger.Result
		err   error
	)
	if to == domain.ReservationConverted {
		moved, err = m.engine.Consume(ctx, req)
	} else {
		moved, err = m.engine.Release(ctx, req)
	}
	if err != nil {
		return domain.Reservation{}, err
	}
	if moved.Clamped {
		m.logger.Warn("reservation released more than was reserved",
			zap.String("tenant_id", res.TenantID),
			zap.String("reservation", res.Number),
			zap.String("requested", res.Quantity.String()),
			zap.String("released", moved.Applied.String()),
		)
	}
	m.metrics.ReservationTransition(string(to), 1)
	return closed, nil
}

// ReleaseOne frees a single active reservation.
func (m *Manager) ReleaseOne(ctx context.Context, tenantID string, id string, reason string) (domain.Reservation, error) {
	res, err := m.active(ctx, tenantID, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	return m.close(ctx, res, domain.ReservationReleased, "released", reason)
}

// Cancel frees a single active reservation and records the cancellation.
func (m *Manager) Cancel(ctx context.Context, tenantID string, id string, reason string) (domain.Reservation, error) {
	res, err := m.active(ctx, tenantID, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	notes := "cancelled"
	if reason = strings.TrimSpace(reason); reason != "" {
		notes = "cancelled: " + reason
	}
	return m.close(ctx, res, domain.ReservationReleased, "cancelled", notes)
}

// Extend pushes out the expiry of an active reservation. Without an explicit
// time the hold gets another full TTL from the later of now and its current expiry.
func (m *Manager) Extend(ctx context.Context, tenantID string, id string, until *time.Time) (domain.Reservation, error) {
	res, err := m.active(ctx, tenantID, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	now := m.now()
	var expiresAt time.Time
	if until != nil {
		expiresAt = until.UTC()
	} else {
		base := res.ExpiresAt
		if base.Before(now) {
			base = now
		}
		expiresAt = base.Add(m.ttl)
	}
	if !expiresAt.After(now) {
		return domain.Reservation{}, fmt.Errorf("%w: expiresAt must be in the future", store.ErrInvalidInput)
	}
	event := domain.ReservationEvent{
		Action:   "extended",
		Quantity: res.Quantity,
		Actor:    actorOf(ctx),
		At:       now,
		Notes:    "until " + expiresAt.Format(time.RFC3339),
	}
	extended, err := m.repo.ExtendReservation(ctx, tenantID, id, expiresAt, event)
	if err != nil {
		return domain.Reservation{}, err
	}
	return *extended, nil
}

func (m *Manager) Get(ctx context.Context, tenantID string, id string) (*domain.Reservation, error) {
	return m.repo.GetReservation(ctx, tenantID, id)
}

func (m *Manager) List(ctx context.Context, tenantID string, filter store.ReservationFilter) ([]domain.Reservation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", store.ErrInvalidInput)
	}
	return m.repo.ListReservations(ctx, tenantID, filter)
}

func (m *Manager) Stats(ctx context.Context, tenantID string) (domain.ReservationStats, error) {
	all, err := m.List(ctx, tenantID, store.ReservationFilter{})
	if err != nil {
		return domain.ReservationStats{}, err
	}
	stats := domain.ReservationStats{ByProduct: map[string]decimal.Decimal{}}
	for _, res := range all {
		stats.Total++
		switch res.Status {
		case domain.ReservationActive:
			stats.Active++
			stats.TotalReservedQty = stats.TotalReservedQty.Add(res.Quantity)
			stats.ByProduct[res.ProductID] = stats.ByProduct[res.ProductID].Add(res.Quantity)
		case domain.ReservationConverted:
			stats.Converted++
		case domain.ReservationReleased:
			stats.Released++
		case domain.ReservationExpired:
			stats.Expired++
		}
	}
	return stats, nil
}

type SweepResult struct {
	Expired []domain.Reservation `json:"expired"`
	Failed  int                  `json:"failed"`

	failedIDs []string
}

// SweepExpired releases up to limit active reservations whose expiry has
// passed, oldest first, across all tenants. Running it again is harmless.
func (m *Manager) SweepExpired(ctx context.Context, limit int) (SweepResult, error) {
	return m.sweepExpired(ctx, limit, nil)
}

// sweepExpired leaves out the reservations in skip and reads past them, so
// holds that keep failing to close do not fill every batch.
func (m *Manager) sweepExpired(ctx context.Context, limit int, skip map[string]struct{}) (SweepResult, error) {
	result := SweepResult{Expired: []domain.Reservation{}}
	if limit <= 0 {
		return result, fmt.Errorf("%w: sweep limit must be positive", store.ErrInvalidInput)
	}
	due, err := m.repo.ListExpiredReservations(ctx, m.now(), limit+len(skip))
	if err != nil {
		return result, err
	}
	taken := 0
	for _, res := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, ok := skip[res.ID]; ok {
			continue
		}
		if taken == limit {
			break
		}
		taken++
		expired, err := m.close(ctx, res, domain.ReservationExpired, "expired", "")
		if errors.Is(err, store.ErrReservationClosed) || errors.Is(err, store.ErrReservationNotDue) {
			continue
		}
		if err != nil {
			result.Failed++
			result.failedIDs = append(result.failedIDs, res.ID)
			m.logger.Error("failed to expire reservation",
				zap.String("tenant_id", res.TenantID),
				zap.String("reservation", res.Number),
				zap.Error(err),
			)
			continue
		}
		result.Expired = append(result.Expired, expired)
	}
	m.metrics.SweepCompleted(len(result.Expired), result.Failed)
	return result, nil
}

func (m *Manager) active(ctx context.Context, tenantID string, id string) (domain.Reservation, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(id) == "" {
		return domain.Reservation{}, fmt.Errorf("%w: tenant and id are required", store.ErrInvalidInput)
	}
	res, err := m.repo.GetReservation(ctx, tenantID, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if res.Status != domain.ReservationActive {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s is %s", store.ErrReservationClosed, res.Number, res.Status)
	}
	return *res, nil
}

// nextNumber issues numbers such as QR-202500042 from a counter per tenant, prefix and year.
func (m *Manager) nextNumber(ctx context.Context, tenantID string, resType domain.ReservationType, at time.Time) (string, error) {
	prefix := resType.NumberPrefix()
	seq, err := m.repo.NextSequence(ctx, tenantID, fmt.Sprintf("reservation:%s:%d", prefix, at.Year()))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d%05d", prefix, at.Year(), seq), nil
}

func actorOf(ctx context.Context) string {
	if actor, ok := ledger.ActorFromContext(ctx); ok && actor.ID != "" {
		return actor.ID
	}
	return domain.SystemActor
}
