package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
)

type recordingWriter struct {
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaPublisherKeysByStockKey(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w}

	entries := []domain.TransactionLogEntry{
		{ID: "tx-1", ProductID: "p1", WarehouseID: "w1", Type: domain.TxTransferOut, Quantity: decimal.NewFromInt(-5)},
		{ID: "tx-2", ProductID: "p1", WarehouseID: "w2", Type: domain.TxTransferIn, Quantity: decimal.NewFromInt(5)},
	}
	if err := p.Publish(context.Background(), "t1", entries); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(w.msgs))
	}
	if string(w.msgs[1].Key) != "t1:p1:w2" {
		t.Fatalf("unexpected key %q", w.msgs[1].Key)
	}

	var event LedgerEvent
	if err := json.Unmarshal(w.msgs[0].Value, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.EventType != "stock.transfer_out" || event.TenantID != "t1" || event.Entry.ID != "tx-1" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestKafkaPublisherSkipsEmptyBatch(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w}
	if err := p.Publish(context.Background(), "t1", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 0 {
		t.Fatalf("expected nothing written")
	}
}

type recordingHandler struct {
	calls []string
	fail  error
}

func (h *recordingHandler) QuotationSaved(_ context.Context, e QuotationEvent) error {
	h.calls = append(h.calls, "saved:"+e.QuotationID)
	return h.fail
}

func (h *recordingHandler) QuotationClosed(_ context.Context, e QuotationEvent) error {
	h.calls = append(h.calls, "closed:"+e.QuotationID)
	return h.fail
}

func (h *recordingHandler) QuotationConverted(_ context.Context, e QuotationEvent) error {
	h.calls = append(h.calls, "converted:"+e.QuotationID)
	return h.fail
}

func TestDispatchRoutesByEventType(t *testing.T) {
	h := &recordingHandler{}
	ctx := context.Background()
	for _, eventType := range []string{QuotationSaved, QuotationUpdated, QuotationDeleted, QuotationCancelled, QuotationConverted} {
		if err := Dispatch(ctx, h, QuotationEvent{EventType: eventType, QuotationID: "Q1"}); err != nil {
			t.Fatalf("dispatch %s: %v", eventType, err)
		}
	}
	want := []string{"saved:Q1", "saved:Q1", "closed:Q1", "closed:Q1", "converted:Q1"}
	for i := range want {
		if h.calls[i] != want[i] {
			t.Fatalf("call %d: expected %s, got %s", i, want[i], h.calls[i])
		}
	}
	if err := Dispatch(ctx, h, QuotationEvent{EventType: "quotation.printed"}); !errors.Is(err, errIgnored) {
		t.Fatalf("expected unknown type to be ignored, got %v", err)
	}
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestListenerAppliesAndCommitsEveryMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	saved, _ := json.Marshal(QuotationEvent{EventType: QuotationSaved, TenantID: "t1", QuotationID: "Q1"})
	noTenant, _ := json.Marshal(QuotationEvent{EventType: QuotationSaved, QuotationID: "Q2"})
	reader := &fakeReader{
		msgs: []kafka.Message{
			{Offset: 1, Value: saved},
			{Offset: 2, Value: []byte("{not json")},
			{Offset: 3, Value: noTenant},
		},
		cancel: cancel,
	}
	h := &recordingHandler{}
	l := &QuotationListener{reader: reader, handler: h, logger: zap.NewNop()}

	l.Start(ctx)

	if len(h.calls) != 1 || h.calls[0] != "saved:Q1" {
		t.Fatalf("unexpected handler calls %v", h.calls)
	}
	if len(reader.committed) != 3 {
		t.Fatalf("expected every message committed, got %v", reader.committed)
	}
}

type flakyHandler struct {
	failures int
	err      error
	calls    int
}

func (h *flakyHandler) apply() error {
	h.calls++
	if h.failures < 0 || h.calls <= h.failures {
		return h.err
	}
	return nil
}

func (h *flakyHandler) QuotationSaved(context.Context, QuotationEvent) error     { return h.apply() }
func (h *flakyHandler) QuotationClosed(context.Context, QuotationEvent) error    { return h.apply() }
func (h *flakyHandler) QuotationConverted(context.Context, QuotationEvent) error { return h.apply() }

func savedMessage(t *testing.T, offset int64) kafka.Message {
	t.Helper()
	value, err := json.Marshal(QuotationEvent{EventType: QuotationSaved, TenantID: "t1", QuotationID: "Q1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Offset: offset, Value: value}
}

func TestListenerRetriesTransientFailureBeforeCommit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reader := &fakeReader{msgs: []kafka.Message{savedMessage(t, 7)}, cancel: cancel}
	h := &flakyHandler{failures: 2, err: errors.New("connection reset")}
	l := &QuotationListener{reader: reader, handler: h, logger: zap.NewNop(), retryBase: time.Millisecond}

	l.Start(ctx)

	if h.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", h.calls)
	}
	if len(reader.committed) != 1 || reader.committed[0] != 7 {
		t.Fatalf("expected offset 7 committed once, got %v", reader.committed)
	}
}

func TestListenerCommitsPermanentFailureWithoutRetry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reader := &fakeReader{msgs: []kafka.Message{savedMessage(t, 3)}, cancel: cancel}
	h := &flakyHandler{failures: -1, err: fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput)}
	l := &QuotationListener{reader: reader, handler: h, logger: zap.NewNop(), retryBase: time.Millisecond}

	l.Start(ctx)

	if h.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", h.calls)
	}
	if len(reader.committed) != 1 || reader.committed[0] != 3 {
		t.Fatalf("expected offset 3 committed, got %v", reader.committed)
	}
}

func TestListenerLeavesMessageUncommittedWhenStoppedMidRetry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	reader := &fakeReader{msgs: []kafka.Message{savedMessage(t, 5)}, cancel: cancel}
	h := &flakyHandler{failures: -1, err: errors.New("database unavailable")}
	l := &QuotationListener{reader: reader, handler: h, logger: zap.NewNop(), retryBase: time.Millisecond}

	l.Start(ctx)

	if h.calls < 2 {
		t.Fatalf("expected the message to be retried, got %d attempts", h.calls)
	}
	if len(reader.committed) != 0 {
		t.Fatalf("expected nothing committed, got %v", reader.committed)
	}
}
