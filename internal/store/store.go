package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/domain"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConflict marks a unit of work that lost a race and may be retried.
	ErrConflict = errors.New("concurrency conflict")
	// ErrDuplicate is returned when an entry id or idempotency key was already written.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrReservationClosed is returned when a reservation is no longer in the expected status.
	ErrReservationClosed = errors.New("reservation is not active")
	// ErrReservationNotDue is returned when an expiry write finds the reservation was extended.
	ErrReservationNotDue = errors.New("reservation is not due to expire")
)

// InsufficientStockError reports how far a request overshoots the available quantity.
type InsufficientStockError struct {
	Key       domain.StockKey
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %s, available %s, short by %s",
		e.Key, e.Requested, e.Available, e.Shortfall())
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ReservationWrite persists reservation state inside a ledger unit of work.
// An empty ExpectStatus inserts the reservation. Otherwise the stored status
// must equal ExpectStatus or the whole unit fails with ErrReservationClosed,
// and the update only sets status, closing fields and updated_at and appends
// Events to the stored history. Expiry is never rewritten by an update.
//
// A non-zero DueBefore also requires the stored expiry to be before it, or the
// unit fails with ErrReservationNotDue.
type ReservationWrite struct {
	Reservation  domain.Reservation
	ExpectStatus domain.ReservationStatus
	DueBefore    time.Time
	Events       []domain.ReservationEvent
}

type Changes struct {
	Entries      []domain.TransactionLogEntry
	Reservations []ReservationWrite
}

// MutateFunc computes one ledger unit from the locked records. Keys without a
// stored record map to nil; assigning a record to such a key creates it. Every
// non-nil record in the map is written back when the function succeeds.
type MutateFunc func(records map[domain.StockKey]*domain.StockRecord) (Changes, error)

type StockFilter struct {
	ProductID   string
	WarehouseID string
	LowStock    bool
	Limit       int
}

type TransactionFilter struct {
	ProductID   string
	WarehouseID string
	Type        domain.TransactionType
	Reference   string
	Since       time.Time
	Limit       int
}

type ReservationFilter struct {
	QuotationID string
	ProductID   string
	WarehouseID string
	Status      domain.ReservationStatus
	Type        domain.ReservationType
	Limit       int
}

type StockRepository interface {
	GetStock(ctx context.Context, tenantID string, key domain.StockKey) (*domain.StockRecord, error)
	ListStock(ctx context.Context, tenantID string, filter StockFilter) ([]domain.StockRecord, error)
	// MutateStock runs fn with every key locked and commits the records, log
	// entries and reservation writes it returns as one atomic unit.
	MutateStock(ctx context.Context, tenantID string, keys []domain.StockKey, fn MutateFunc) error
	SetReorderLevel(ctx context.Context, tenantID string, key domain.StockKey, level decimal.Decimal, at time.Time) (*domain.StockRecord, error)
}

type TransactionRepository interface {
	GetTransaction(ctx context.Context, tenantID string, id string) (*domain.TransactionLogEntry, error)
	FindTransactionByIdempotency(ctx context.Context, tenantID string, key string) (*domain.TransactionLogEntry, error)
	FindReversal(ctx context.Context, tenantID string, entryID string) (*domain.TransactionLogEntry, error)
	ListTransactions(ctx context.Context, tenantID string, filter TransactionFilter) ([]domain.TransactionLogEntry, error)
}

type ReservationRepository interface {
	GetReservation(ctx context.Context, tenantID string, id string) (*domain.Reservation, error)
	ListReservations(ctx context.Context, tenantID string, filter ReservationFilter) ([]domain.Reservation, error)
	// ListExpiredReservations returns active reservations of any tenant that expired before now, oldest first.
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
	ExtendReservation(ctx context.Context, tenantID string, id string, expiresAt time.Time, event domain.ReservationEvent) (*domain.Reservation, error)
	NextSequence(ctx context.Context, tenantID string, name string) (int64, error)
}

type CatalogRepository interface {
	ListProducts(ctx context.Context, tenantID string) ([]domain.Product, error)
	LoadLegacyStock(ctx context.Context, tenantID string, source domain.LegacySource) ([]domain.LegacyStockRecord, error)
}

type Repository interface {
	StockRepository
	TransactionRepository
	ReservationRepository
	CatalogRepository
}
