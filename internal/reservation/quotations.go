package reservation

import (
	"context"
	"strings"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/events"
	"stockledger/backend/internal/ledger"
)

func (m *Manager) QuotationSaved(ctx context.Context, event events.QuotationEvent) error {
	req := CreateRequest{
		TenantID:    event.TenantID,
		QuotationID: event.QuotationID,
		CustomerRef: event.CustomerRef,
		Type:        domain.ReservationQuote,
		Items:       make([]Item, 0, len(event.Lines)),
	}
	for _, line := range event.Lines {
		req.Items = append(req.Items, Item{
			ProductID:   line.ProductID,
			SKU:         line.SKU,
			Name:        line.Name,
			WarehouseID: line.WarehouseID,
			Quantity:    line.Quantity,
			Unit:        line.Unit,
		})
	}
	_, _, err := m.Replace(eventContext(ctx, event), req)
	return err
}

func (m *Manager) QuotationClosed(ctx context.Context, event events.QuotationEvent) error {
	_, err := m.Release(eventContext(ctx, event), event.TenantID, event.QuotationID, "quotation "+strings.TrimPrefix(event.EventType, "quotation."))
	return err
}

func (m *Manager) QuotationConverted(ctx context.Context, event events.QuotationEvent) error {
	_, err := m.Convert(eventContext(ctx, event), event.TenantID, event.QuotationID)
	return err
}

func eventContext(ctx context.Context, event events.QuotationEvent) context.Context {
	actor := event.Actor
	if actor == "" {
		actor = "quotation-events"
	}
	return ledger.WithActor(ctx, domain.Actor{ID: actor, TenantID: event.TenantID, Role: "system"})
}
