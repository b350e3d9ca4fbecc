package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/events"
	"stockledger/backend/internal/lock"
	"stockledger/backend/internal/metrics"
	"stockledger/backend/internal/store"
)

// Repository is the storage the engine writes through.
type Repository interface {
	store.StockRepository
	store.TransactionRepository
}

// Engine is the only writer of stock quantities. Every operation runs as one
// unit per stock key (two for transfers) and appends its log entries in the
// same unit.
type Engine struct {
	repo       Repository
	locker     lock.Locker
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
	maxRetries uint64
	retryBase  time.Duration
}

type Option func(*Engine)

// WithLocker adds a lock around each unit on top of the repository's own
// isolation, for deployments that run several engine instances.
func WithLocker(locker lock.Locker) Option {
	return func(e *Engine) { e.locker = locker }
}

func WithPublisher(publisher events.Publisher) Option {
	return func(e *Engine) {
		if publisher != nil {
			e.publisher = publisher
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithRetry(maxRetries int, base time.Duration) Option {
	return func(e *Engine) {
		if maxRetries >= 0 {
			e.maxRetries = uint64(maxRetries)
		}
		if base > 0 {
			e.retryBase = base
		}
	}
}

func NewEngine(repo Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:       repo,
		publisher:  events.Noop{},
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: 5,
		retryBase:  20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Now() time.Time {
	return e.now()
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func actorID(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.ID != "" {
		return actor.ID
	}
	return domain.SystemActor
}

type unitFunc func(records map[domain.StockKey]*domain.StockRecord, at time.Time) (store.Changes, error)

// commit runs fn as one atomic unit, retrying it on concurrency conflicts
// with jittered exponential backoff. Committed entries are published once
// the unit is durable.
func (e *Engine) commit(ctx context.Context, op string, tenantID string, keys []domain.StockKey, fn unitFunc) error {
	var committed []domain.TransactionLogEntry

	backoff := retry.NewExponential(e.retryBase)
	backoff = retry.WithJitterPercent(25, backoff)
	backoff = retry.WithMaxRetries(e.maxRetries, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := e.mutate(ctx, tenantID, keys, func(records map[domain.StockKey]*domain.StockRecord) (store.Changes, error) {
			changes, err := fn(records, e.now())
			if err != nil {
				return store.Changes{}, err
			}
			for _, rec := range records {
				if rec == nil {
					continue
				}
				if err := rec.Validate(); err != nil {
					return store.Changes{}, fmt.Errorf("ledger invariant violated: %w", err)
				}
			}
			committed = changes.Entries
			return changes, nil
		})
		if errors.Is(err, store.ErrConflict) {
			e.metrics.ConflictRetry(op)
			e.logger.Debug("retrying conflicting ledger unit", zap.String("op", op), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return err
	}

	e.publish(ctx, tenantID, committed)
	return nil
}

func (e *Engine) mutate(ctx context.Context, tenantID string, keys []domain.StockKey, fn store.MutateFunc) error {
	if e.locker == nil {
		return e.repo.MutateStock(ctx, tenantID, keys, fn)
	}
	lockKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		lockKeys = append(lockKeys, "stock:"+tenantID+":"+key.String())
	}
	release, err := lock.AcquireAll(ctx, e.locker, lockKeys)
	if err != nil {
		return err
	}
	defer release()
	return e.repo.MutateStock(ctx, tenantID, keys, fn)
}

func (e *Engine) publish(ctx context.Context, tenantID string, entries []domain.TransactionLogEntry) {
	if len(entries) == 0 {
		return
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.publisher.Publish(publishCtx, tenantID, entries); err != nil {
		e.metrics.PublishFailed(len(entries))
		e.logger.Warn("failed to publish ledger entries",
			zap.String("tenant_id", tenantID),
			zap.String("first_entry_id", entries[0].ID),
			zap.Int("count", len(entries)),
			zap.Error(err),
		)
	}
}

// replay returns the outcome of an earlier request carrying the same
// idempotency key, or nil when the key is unused.
func (e *Engine) replay(ctx context.Context, tenantID string, key string, want domain.TransactionType) (*Result, error) {
	if key == "" {
		return nil, nil
	}
	entry, err := e.repo.FindTransactionByIdempotency(ctx, tenantID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if entry.Type != want {
		return nil, fmt.Errorf("%w: idempotency key %q already used for a %s entry", store.ErrInvalidInput, key, entry.Type)
	}
	rec, err := e.repo.GetStock(ctx, tenantID, domain.StockKey{ProductID: entry.ProductID, WarehouseID: entry.WarehouseID})
	if err != nil {
		return nil, err
	}
	return &Result{
		Record:   *rec,
		Entry:    entry,
		Applied:  entry.Quantity.Abs(),
		Clamped:  entry.Clamped,
		Replayed: true,
	}, nil
}

// settle turns a duplicate-key failure on an idempotent request into a replay.
func (e *Engine) settle(ctx context.Context, tenantID string, key string, want domain.TransactionType, err error) (Result, error) {
	if key != "" && errors.Is(err, store.ErrDuplicate) {
		if replayed, rerr := e.replay(ctx, tenantID, key, want); rerr == nil && replayed != nil {
			return *replayed, nil
		}
	}
	return Result{}, err
}

func (e *Engine) observe(op string, startedAt time.Time, err error) {
	e.metrics.ObserveLedgerOp(op, startedAt, err)
	if err != nil && !errors.Is(err, store.ErrInsufficientStock) && !errors.Is(err, store.ErrInvalidInput) && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("ledger operation failed", zap.String("op", op), zap.Error(err))
	}
}

func stockKey(tenantID string, productID string, warehouseID string) (domain.StockKey, error) {
	if strings.TrimSpace(tenantID) == "" {
		return domain.StockKey{}, fmt.Errorf("%w: tenant is required", store.ErrInvalidInput)
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.StockKey{}, fmt.Errorf("%w: productId is required", store.ErrInvalidInput)
	}
	warehouseID = strings.TrimSpace(warehouseID)
	if warehouseID == "" {
		warehouseID = domain.DefaultWarehouseID
	}
	return domain.StockKey{ProductID: productID, WarehouseID: warehouseID}, nil
}
