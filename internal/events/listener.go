package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stockledger/backend/internal/store"
)

const (
	QuotationSaved     = "quotation.saved"
	QuotationUpdated   = "quotation.updated"
	QuotationCancelled = "quotation.cancelled"
	QuotationDeleted   = "quotation.deleted"
	QuotationConverted = "quotation.converted"
)

type QuotationLine struct {
	ProductID   string          `json:"product_id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	WarehouseID string          `json:"warehouse_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
}

type QuotationEvent struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	TenantID    string          `json:"tenant_id"`
	QuotationID string          `json:"quotation_id"`
	CustomerRef string          `json:"customer_ref"`
	Actor       string          `json:"actor"`
	Lines       []QuotationLine `json:"lines"`
	Timestamp   time.Time       `json:"timestamp"`
}

// QuotationHandler reacts to quotation lifecycle changes.
type QuotationHandler interface {
	QuotationSaved(ctx context.Context, event QuotationEvent) error
	QuotationClosed(ctx context.Context, event QuotationEvent) error
	QuotationConverted(ctx context.Context, event QuotationEvent) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultRetryBase = 500 * time.Millisecond
	maxRetryDelay    = 30 * time.Second
)

type QuotationListener struct {
	reader    messageReader
	handler   QuotationHandler
	logger    *zap.Logger
	retryBase time.Duration
}

func NewQuotationListener(brokers []string, topic string, groupID string, handler QuotationHandler, logger *zap.Logger) *QuotationListener {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &QuotationListener{reader: reader, handler: handler, logger: logger, retryBase: defaultRetryBase}
}

// Start consumes until ctx is cancelled. A message is committed once it is
// applied or fails in a way no retry can fix. Other failures are retried with
// backoff and the message stays uncommitted until then, so a shutdown mid
// retry leaves it to be redelivered.
func (l *QuotationListener) Start(ctx context.Context) {
	l.logger.Info("starting quotation listener")
	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("stopping quotation listener")
				return
			}
			l.logger.Error("failed to read quotation message", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := l.handle(ctx, msg); err != nil {
			l.logger.Info("stopping quotation listener", zap.Int64("uncommitted_offset", msg.Offset))
			return
		}
		if err := l.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			l.logger.Error("failed to commit quotation message", zap.Error(err))
		}
	}
}

func (l *QuotationListener) Close() error {
	return l.reader.Close()
}

var (
	errIgnored   = errors.New("ignored event")
	errMalformed = errors.New("malformed quotation event")
)

// handle applies one message until it succeeds or fails permanently. It only
// returns an error when ctx ends first.
func (l *QuotationListener) handle(ctx context.Context, msg kafka.Message) error {
	base := l.retryBase
	if base <= 0 {
		base = defaultRetryBase
	}
	backoff := retry.NewExponential(base)
	backoff = retry.WithCappedDuration(maxRetryDelay, backoff)
	backoff = retry.WithJitterPercent(25, backoff)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := l.process(ctx, msg.Value)
		if err == nil {
			return nil
		}
		fields := []zap.Field{
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		}
		if permanent(err) {
			l.logger.Error("dropping quotation event", fields...)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("failed to apply quotation event, retrying", fields...)
		return retry.RetryableError(err)
	})
}

// permanent reports failures that replaying the same event cannot change.
func permanent(err error) bool {
	return errors.Is(err, errMalformed) ||
		errors.Is(err, store.ErrInvalidInput) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrReservationClosed) ||
		errors.Is(err, store.ErrDuplicate)
}

func (l *QuotationListener) process(ctx context.Context, value []byte) error {
	var event QuotationEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if event.TenantID == "" || event.QuotationID == "" {
		return fmt.Errorf("%w: event %q missing tenant or quotation id", errMalformed, event.EventID)
	}

	err := Dispatch(ctx, l.handler, event)
	if errors.Is(err, errIgnored) {
		l.logger.Debug("ignoring quotation event", zap.String("event_type", event.EventType))
		return nil
	}
	if err == nil {
		l.logger.Info("applied quotation event",
			zap.String("event_type", event.EventType),
			zap.String("tenant_id", event.TenantID),
			zap.String("quotation_id", event.QuotationID),
		)
	}
	return err
}

// Dispatch routes an event to the handler method for its type.
func Dispatch(ctx context.Context, handler QuotationHandler, event QuotationEvent) error {
	switch event.EventType {
	case QuotationSaved, QuotationUpdated:
		return handler.QuotationSaved(ctx, event)
	case QuotationCancelled, QuotationDeleted:
		return handler.QuotationClosed(ctx, event)
	case QuotationConverted:
		return handler.QuotationConverted(ctx, event)
	default:
		return errIgnored
	}
}
