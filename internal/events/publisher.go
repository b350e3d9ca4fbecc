package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"stockledger/backend/internal/domain"
)

// LedgerEvent is the wire form of one committed transaction log entry.
type LedgerEvent struct {
	EventID   string                     `json:"event_id"`
	EventType string                     `json:"event_type"`
	TenantID  string                     `json:"tenant_id"`
	Entry     domain.TransactionLogEntry `json:"entry"`
	Timestamp time.Time                  `json:"timestamp"`
}

// Publisher ships committed ledger entries downstream. It is called after
// commit, so a failure never undoes the write.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, entries []domain.TransactionLogEntry) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(context.Context, string, []domain.TransactionLogEntry) error { return nil }
func (Noop) Close() error                                                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, tenantID string, entries []domain.TransactionLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(entries))
	for _, entry := range entries {
		msg, err := encodeLedgerEvent(tenantID, entry)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish ledger events: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// encodeLedgerEvent keys messages by stock key so one partition sees a key's entries in order.
func encodeLedgerEvent(tenantID string, entry domain.TransactionLogEntry) (kafka.Message, error) {
	payload, err := json.Marshal(LedgerEvent{
		EventID:   entry.ID,
		EventType: "stock." + string(entry.Type),
		TenantID:  tenantID,
		Entry:     entry,
		Timestamp: entry.CreatedAt,
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(tenantID + ":" + entry.ProductID + ":" + entry.WarehouseID),
		Value: payload,
		Time:  entry.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("stock." + string(entry.Type))},
		},
	}, nil
}
